package rfc9211

import (
	"fmt"
	"strings"
)

// §  2.  The Cache-Status HTTP Response Header Field
// §
// §     The Cache-Status HTTP response header field indicates caches' handling
// §     of the request corresponding to the response it occurs within.
// §
// §     Its value is a List:
// §
// §     Cache-Status   = sf-list
// §
// §     Each member of the List represents a cache that has handled the
// §     request.  The first member of the List represents the cache closest
// §     to the origin server, and the last member of the List represents the
// §     cache closest to the user (possibly including the user agent's cache
// §     itself, if it appends a value).

type Status string

const (
	StatusHit Status = "hit"
	StatusFwd Status = "fwd"
)

type FwdReason string

const (
	// The cache did not contain any responses that matched the
	// request URI.
	FwdReasonUriMiss FwdReason = "uri-miss"

	// The cache was able to select a fresh response for the
	// request, but the request's semantics (e.g., Cache-Control request
	// directives) did not allow its use.
	FwdReasonRequest FwdReason = "request"
)

// CacheStatus is one member of the Cache-Status list.
type CacheStatus struct {
	// Cache is the identifier of the cache, e.g. the product name.
	Cache     string
	Status    Status
	FwdReason FwdReason
	// §  2.4.  The fwd-status parameter
	FwdStatus int
	// §  2.6.  The stored parameter
	Stored bool
	// §  2.7.  The collapsed parameter
	Collapsed bool
	// §  2.9.  The detail parameter
	Detail string
}

func (cs *CacheStatus) Hit() {
	cs.Status = StatusHit
	cs.FwdReason = ""
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.Status = StatusFwd
	cs.FwdReason = reason
}

// String returns the serialized list member, e.g. `revcache; fwd=uri-miss; stored`.
func (cs CacheStatus) String() string {
	parts := []string{cs.Cache}
	if cs.Status == StatusHit {
		parts = append(parts, string(StatusHit))
	} else if cs.FwdReason != "" {
		parts = append(parts, fmt.Sprintf("%s=%s", StatusFwd, cs.FwdReason))
	}
	if cs.FwdStatus != 0 {
		parts = append(parts, fmt.Sprintf("fwd-status=%d", cs.FwdStatus))
	}
	if cs.Stored {
		parts = append(parts, "stored")
	}
	if cs.Collapsed {
		parts = append(parts, "collapsed")
	}
	if cs.Detail != "" {
		parts = append(parts, fmt.Sprintf("detail=%q", cs.Detail))
	}
	return strings.Join(parts, "; ")
}
