package revcache

import (
	"errors"
	"strings"

	"github.com/ericselin/revcache/cache"
	"github.com/ericselin/revcache/pkg/audit"
	cachekey "github.com/ericselin/revcache/pkg/cache-key"
	"github.com/ericselin/revcache/pkg/policy"
)

// exchange collects the backend contacts made on behalf of one request.
// All local contacts are folded into a single record, each upstream contact gets its own.
type exchange struct {
	log  *audit.Log
	base audit.Record

	localOps []string
	localURI string
	localErr error
}

func (g *Gateway) newExchange(requestID string, key cachekey.Key) *exchange {
	return &exchange{
		log: g.audit,
		base: audit.Record{
			RequestID:  requestID,
			DocumentID: key.DocumentID,
			Revision:   key.Revision,
		},
		localURI: cache.URI(g.store, key),
	}
}

// local notes a store operation. A missing key is not a failure.
func (e *exchange) local(op string, err error) {
	e.localOps = append(e.localOps, op)
	if err != nil && !errors.Is(err, cache.ErrNotFound) && e.localErr == nil {
		e.localErr = err
	}
}

// upstream records a render immediately.
func (e *exchange) upstream(decision policy.Decision, uri string, shared bool, err error) {
	r := e.base
	r.Backend = audit.BackendUpstream
	r.Operation = "render"
	r.URI = uri
	r.Decision = decision.String()
	r.Shared = shared
	setStatus(&r, err)
	e.log.Append(r)
}

// flush records the local contacts, if any. Call it before responding.
func (e *exchange) flush(decision policy.Decision) {
	if len(e.localOps) == 0 {
		return
	}
	r := e.base
	r.Backend = audit.BackendLocal
	r.Operation = strings.Join(e.localOps, ",")
	r.URI = e.localURI
	r.Decision = decision.String()
	setStatus(&r, e.localErr)
	e.log.Append(r)
	e.localOps = nil
}

func setStatus(r *audit.Record, err error) {
	if err != nil {
		r.Status = audit.StatusFailed
		r.Error = err.Error()
	} else {
		r.Status = audit.StatusOK
	}
}
