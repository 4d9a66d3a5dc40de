package rfc9111

import "net/http"

// §  5.2.1.4.  no-cache
// §
// §     The no-cache request directive indicates that the client prefers a
// §     stored response not be used to satisfy the request without successful
// §     validation on the origin server.

// NoCache returns whether the request asks the cache not to reuse a stored response.
// A request without Cache-Control falls back to "Pragma: no-cache" (see 5.4).
func NoCache(req *http.Request) bool {
	if len(req.Header.Values("Cache-Control")) == 0 {
		return pragmaNoCache(req)
	}
	return RequestCacheControl(req).HasDirective("no-cache")
}
