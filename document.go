package revcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/ericselin/revcache/cache"
	cachekey "github.com/ericselin/revcache/pkg/cache-key"
	"github.com/ericselin/revcache/pkg/coordinator"
	"github.com/ericselin/revcache/pkg/policy"
	"github.com/ericselin/revcache/pkg/renderer"
	"github.com/ericselin/revcache/rfc9111"
	"github.com/ericselin/revcache/rfc9211"
)

func (g *Gateway) serveDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := hlog.FromRequest(r)

	key, err := requestKey(r)
	if err != nil {
		log.Debug().Err(err).Msg("Invalid document request")
		g.metrics.RecordRequest("invalid", http.StatusBadRequest)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ex := g.newExchange(requestID(r), key)

	forceRevalidate := rfc9111.NoCache(r)
	hasEntry := false
	if !forceRevalidate {
		hasEntry, err = g.store.Exists(ctx, key)
		ex.local("exists", err)
		if err != nil {
			g.metrics.RecordStorageError("exists")
			log.Warn().Err(err).Str("key", key.String()).Msg("Could not check store, treating as miss")
			hasEntry = false
		}
	}
	decision := policy.Decide(key, forceRevalidate, hasEntry)

	status := rfc9211.CacheStatus{Cache: g.name}
	if decision == policy.ServeCached {
		artifact, err := g.store.Get(ctx, key)
		ex.local("get", err)
		if err == nil {
			status.Hit()
			ex.flush(decision)
			g.respond(w, r, decision, key, artifact, status)
			return
		}
		if !errors.Is(err, cache.ErrNotFound) {
			g.metrics.RecordStorageError("get")
		}
		log.Warn().Err(err).Str("key", key.String()).Msg("Stored artifact could not be read, generating")
		decision = policy.GenerateAndStore
	}

	res, err := g.coordinator.RenderOnce(ctx, coordinator.Request{
		Key:             key,
		ForceRevalidate: decision == policy.RevalidateAndStore,
		OnDetached: func(res coordinator.Result, err error) {
			g.recordRender(ex, decision, key, res, err)
		},
	})
	if !res.Detached {
		g.recordRender(ex, decision, key, res, err)
	}

	if err != nil {
		g.fail(w, r, decision, err)
		return
	}

	switch {
	case res.Superseded:
		// a concurrent revalidation replaced what this request rendered
		status.Forward(rfc9211.FwdReasonUriMiss)
		status.FwdStatus = http.StatusOK
		status.Detail = detailSuperseded
	case res.FromStore:
		status.Hit()
	default:
		if decision == policy.RevalidateAndStore {
			status.Forward(rfc9211.FwdReasonRequest)
		} else {
			status.Forward(rfc9211.FwdReasonUriMiss)
		}
		status.FwdStatus = http.StatusOK
		status.Stored = res.Stored
		if res.StoreErr != nil {
			status.Detail = detailPutFailed
		}
	}
	status.Collapsed = res.Shared
	g.respond(w, r, decision, key, res.Artifact, status)
}

// Cache-Status details
const (
	detailPutFailed  = "put-failed"
	detailSuperseded = "superseded"
)

// recordRender audits the contacts made by a render. Only the leader of a render
// contacted the store, waiters only share the upstream call.
func (g *Gateway) recordRender(ex *exchange, decision policy.Decision, key cachekey.Key, res coordinator.Result, err error) {
	var ue *renderer.UpstreamError
	upstreamFailed := errors.As(err, &ue)
	if res.Upstream {
		var upstreamErr error
		if upstreamFailed {
			upstreamErr = err
		}
		ex.upstream(decision, g.renderer.URI(key.DocumentID, key.Revision), res.Shared, upstreamErr)
	}
	if !res.Shared && !upstreamFailed {
		switch {
		case res.Superseded:
			ex.local("get", res.StoreErr)
		case res.FromStore:
			ex.local("get", nil)
		case res.Upstream:
			putErr := res.StoreErr
			if putErr == nil {
				putErr = err
			}
			ex.local("put", putErr)
		}
	}
	ex.flush(decision)
}

func (g *Gateway) respond(w http.ResponseWriter, r *http.Request, decision policy.Decision, key cachekey.Key, a cache.Artifact, status rfc9211.CacheStatus) {
	h := w.Header()
	h.Set("Content-Type", a.ContentType)
	h.Set("Content-Length", strconv.Itoa(len(a.Payload)))
	h.Set("ETag", etag(key, a))
	h.Set("Cache-Status", status.String())
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(a.Payload); err != nil {
		hlog.FromRequest(r).Debug().Err(err).Msg("Could not write response body")
	}
	g.metrics.RecordRequest(decision.String(), http.StatusOK)
	hlog.FromRequest(r).Trace().
		Str("key", key.String()).
		Str("decision", decision.String()).
		Str("cacheStatus", status.String()).
		Msg("Served document")
}

func (g *Gateway) fail(w http.ResponseWriter, r *http.Request, decision policy.Decision, err error) {
	log := hlog.FromRequest(r)
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		log.Debug().Msg("Client went away before render completed")
		g.metrics.RecordRequest(decision.String(), statusClientClosed)
		return
	}
	code := errorStatus(err)
	log.Error().Err(err).Int("status", code).Msg("Could not serve document")
	g.metrics.RecordRequest(decision.String(), code)
	writeError(w, code, err)
}

// nginx's non-standard status for a request the client abandoned
const statusClientClosed = 499

func errorStatus(err error) int {
	var ue *renderer.UpstreamError
	if errors.As(err, &ue) {
		if ue.Timeout() {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func requestKey(r *http.Request) (cachekey.Key, error) {
	doc := chi.URLParam(r, "documentId")
	rev := chi.URLParam(r, "revision")
	// chi routes on the raw path when the request has escaped segments
	if r.URL.RawPath != "" {
		var err error
		if doc, err = url.PathUnescape(doc); err != nil {
			return cachekey.Key{}, fmt.Errorf("document id: %w", err)
		}
		if rev, err = url.PathUnescape(rev); err != nil {
			return cachekey.Key{}, fmt.Errorf("revision: %w", err)
		}
	}
	return cachekey.New(doc, rev)
}

func requestID(r *http.Request) string {
	if id, ok := hlog.IDFromRequest(r); ok {
		return id.String()
	}
	return ""
}

// etag identifies one generation of a revision, so a revalidated artifact gets a new tag.
func etag(key cachekey.Key, a cache.Artifact) string {
	return fmt.Sprintf(`"%s/%d"`, key.Revision, a.GeneratedAt.UnixNano())
}
