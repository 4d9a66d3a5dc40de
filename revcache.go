package revcache

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/ericselin/revcache/cache"
	"github.com/ericselin/revcache/pkg/audit"
	"github.com/ericselin/revcache/pkg/coordinator"
	"github.com/ericselin/revcache/pkg/metrics"
)

const (
	defaultCacheName            = "revcache"
	defaultPrerenderConcurrency = 4
)

type Config struct {
	// Storage for rendered artifacts. An in-memory store is used if nil.
	Store cache.Store
	// Renderer to delegate cache misses and revalidations to.
	Renderer coordinator.Renderer
	// Upper bound of a single upstream render.
	RenderTimeout time.Duration
	// Maximum number of concurrent upstream renders. Zero means unbounded.
	MaxConcurrentRenders int64
	// Read every cache write back before serving it.
	VerifyWrites bool
	// Audit log to record backend contacts to. A new log is created if nil.
	Audit *audit.Log
	// Retention of the audit log created if Audit is nil. Zero keeps everything.
	AuditMaxRecords int
	// Metrics collector. Metrics are disabled if nil.
	Metrics *metrics.Collector
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Identifier of this cache in the Cache-Status header.
	CacheName string
	// Number of keys rendered in parallel by Prerender.
	PrerenderConcurrency int
	// Pause before a failed prerender is retried.
	PrerenderRetryPause time.Duration
}

// Gateway serves rendered document revisions from the store,
// rendering and storing missing revisions on demand.
type Gateway struct {
	store       cache.Store
	renderer    coordinator.Renderer
	coordinator *coordinator.Coordinator
	audit       *audit.Log
	metrics     *metrics.Collector
	log         zerolog.Logger
	name        string

	prerenderConcurrency int
	prerenderRetryPause  time.Duration
}

var errNoRenderer = errors.New("renderer must be configured")

// New creates a gateway. Call Routes to get the HTTP handler.
func New(config Config) (*Gateway, error) {
	if config.Renderer == nil {
		return nil, errNoRenderer
	}

	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()
	} else {
		logger = *config.Logger
	}

	g := &Gateway{
		store:                config.Store,
		renderer:             config.Renderer,
		audit:                config.Audit,
		metrics:              config.Metrics,
		log:                  logger,
		name:                 config.CacheName,
		prerenderConcurrency: config.PrerenderConcurrency,
		prerenderRetryPause:  config.PrerenderRetryPause,
	}
	if g.store == nil {
		g.store = cache.NewMemStore()
	}
	if g.audit == nil {
		g.audit = audit.New(audit.Config{MaxRecords: config.AuditMaxRecords, Logger: &logger})
	}
	if g.name == "" {
		g.name = defaultCacheName
	}
	if g.prerenderConcurrency <= 0 {
		g.prerenderConcurrency = defaultPrerenderConcurrency
	}
	if g.prerenderRetryPause <= 0 {
		g.prerenderRetryPause = time.Second
	}
	g.coordinator = coordinator.New(coordinator.Config{
		Store:                g.store,
		Renderer:             g.renderer,
		RenderTimeout:        config.RenderTimeout,
		MaxConcurrentRenders: config.MaxConcurrentRenders,
		VerifyWrites:         config.VerifyWrites,
		Logger:               &logger,
		Metrics:              g.metrics,
	})

	g.log.Info().
		Str("store", g.store.Name()).
		Bool("verifyWrites", config.VerifyWrites).
		Msg("Gateway created")
	return g, nil
}

// Audit returns the log that every backend contact is recorded to.
func (g *Gateway) Audit() *audit.Log {
	return g.audit
}

// Routes returns the HTTP handler of the gateway.
func (g *Gateway) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(hlog.NewHandler(g.log))
	r.Use(hlog.RequestIDHandler("request_id", "X-Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Sending response to client")
	}))
	r.Use(middleware.Recoverer)

	r.Get("/{documentId}/html/{revision}", g.serveDocument)
	r.Get("/_audit", g.serveAudit)
	r.Get("/_health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("ok"))
	})
	if g.metrics != nil {
		r.Method(http.MethodGet, "/metrics", g.metrics.Handler())
	}
	return r
}

func (g *Gateway) serveAudit(w http.ResponseWriter, r *http.Request) {
	var since uint64
	if s := r.URL.Query().Get("since"); s != "" {
		var err error
		if since, err = strconv.ParseUint(s, 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, errors.New("since must be a non-negative integer"))
			return
		}
	}
	records := g.audit.Since(since)
	if records == nil {
		records = []audit.Record{}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(records); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Could not write audit records")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{err.Error()})
}
