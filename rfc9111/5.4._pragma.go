package rfc9111

import (
	"net/http"
	"strings"
)

// §  5.4.  Pragma
// §
// §     The "Pragma" request header field was defined for HTTP/1.0 caches, so
// §     that clients could specify a "no-cache" request (as Cache-Control was
// §     not defined until HTTP/1.1).
// §
// §     However, support for Cache-Control is now widespread.  As a result,
// §     this specification deprecates Pragma.
// §
// §     When the Cache-Control header field is not present in a request,
// §     caches MUST consider the no-cache request pragma-directive as having
// §     the same effect as if "Cache-Control: no-cache" were present.

func pragmaNoCache(req *http.Request) bool {
	for _, header := range req.Header.Values("Pragma") {
		for _, directive := range strings.Split(header, ",") {
			if strings.EqualFold(strings.TrimSpace(directive), "no-cache") {
				return true
			}
		}
	}
	return false
}
