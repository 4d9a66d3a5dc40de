// Package coordinator collapses concurrent renders of the same document revision
// into a single upstream call and stores the result exactly once.
package coordinator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/ericselin/revcache/cache"
	cachekey "github.com/ericselin/revcache/pkg/cache-key"
	"github.com/ericselin/revcache/pkg/metrics"
	"github.com/ericselin/revcache/pkg/renderer"
)

const defaultRenderTimeout = 30 * time.Second

var errVerifyMismatch = errors.New("stored artifact differs from rendered artifact")

// ErrNoRenderSlot is wrapped in the UpstreamError of a render that timed out
// waiting for a render slot. The renderer was not contacted.
var ErrNoRenderSlot = errors.New("no render slot available")

// Renderer renders document revisions. *renderer.Client implements it.
type Renderer interface {
	Render(ctx context.Context, documentID, revision string) (renderer.Rendered, error)
	URI(documentID, revision string) string
}

type Config struct {
	Store    cache.Store
	Renderer Renderer
	// Group holds the renders in flight. A new group is created if nil.
	// Coordinators sharing a group share their in-flight renders.
	Group *singleflight.Group
	// Upper bound of a single render, including waiting for a render slot.
	RenderTimeout time.Duration
	// Maximum number of concurrent upstream renders over all keys. Zero means unbounded.
	MaxConcurrentRenders int64
	// Read every write back and fail the render if it cannot be read or differs.
	VerifyWrites bool
	// Logger to use. Logging is disabled if nil.
	Logger  *zerolog.Logger
	Metrics *metrics.Collector
}

// Request asks for a render of one key.
type Request struct {
	Key cachekey.Key
	// ForceRevalidate renders even if an artifact is stored, and overwrites it.
	ForceRevalidate bool
	// OnDetached is called with the outcome of the render if ctx is done before it completes.
	// It runs on its own goroutine once the render is over.
	OnDetached func(Result, error)
}

// Result describes what happened to satisfy a request.
type Result struct {
	Artifact cache.Artifact
	// Shared is set if the caller attached to a render started by another caller.
	Shared bool
	// Detached is set if the caller stopped waiting before the render completed.
	// The other fields are then unset.
	Detached bool
	// Upstream is set if the render contacted the renderer.
	Upstream bool
	// FromStore is set if the render found the artifact already stored
	// (a concurrent render completed after the caller decided to generate).
	FromStore bool
	// Superseded is set if a revalidation stored the key while this render was running.
	// The rendered artifact is then discarded in favour of the stored one.
	Superseded bool
	// Stored is set if the rendered artifact was written to the store.
	Stored bool
	// StoreErr is a failed, non-fatal store operation: a write,
	// or the read of the artifact that superseded this render.
	StoreErr error
	// Duration of the upstream call.
	Duration time.Duration
}

type Coordinator struct {
	store        cache.Store
	renderer     Renderer
	group        *singleflight.Group
	sem          *semaphore.Weighted
	timeout      time.Duration
	verifyWrites bool
	log          zerolog.Logger
	metrics      *metrics.Collector

	mu sync.Mutex
	// write state of the keys with renders in flight
	keys map[string]*keyState
}

// keyState orders the writes of one key.
type keyState struct {
	mu sync.Mutex
	// number of revalidations stored since the state was created
	revalidations uint64
	refs          int
}

func New(config Config) *Coordinator {
	c := &Coordinator{
		store:        config.Store,
		renderer:     config.Renderer,
		group:        config.Group,
		timeout:      config.RenderTimeout,
		verifyWrites: config.VerifyWrites,
		log:          zerolog.Nop(),
		metrics:      config.Metrics,
		keys:         make(map[string]*keyState),
	}
	if c.group == nil {
		c.group = &singleflight.Group{}
	}
	if c.timeout <= 0 {
		c.timeout = defaultRenderTimeout
	}
	if config.MaxConcurrentRenders > 0 {
		c.sem = semaphore.NewWeighted(config.MaxConcurrentRenders)
	}
	if config.Logger != nil {
		c.log = config.Logger.With().Str("component", "coordinator").Logger()
	}
	return c
}

func (c *Coordinator) acquireKey(key string) *keyState {
	c.mu.Lock()
	defer c.mu.Unlock()
	ks, ok := c.keys[key]
	if !ok {
		ks = &keyState{}
		c.keys[key] = ks
	}
	ks.refs++
	return ks
}

func (c *Coordinator) releaseKey(key string, ks *keyState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ks.refs--
	if ks.refs == 0 {
		delete(c.keys, key)
	}
}

// flight is the outcome of one render, shared by every caller attached to it.
type flight struct {
	leader     *struct{}
	artifact   cache.Artifact
	upstream   bool
	fromStore  bool
	superseded bool
	stored     bool
	storeErr   error
	duration   time.Duration
}

// flightKey separates generations from revalidations of the same key,
// so that a revalidation never returns the result of a render that started before it.
func flightKey(req Request) string {
	if req.ForceRevalidate {
		return "revalidate:" + req.Key.String()
	}
	return "generate:" + req.Key.String()
}

// RenderOnce returns the artifact for the request, rendering it at most once
// however many callers ask for the same key concurrently.
// The first caller becomes the leader and runs the render, detached from its own context.
// If ctx is done before the render completes, RenderOnce returns a Detached result and ctx.Err(),
// the render continues for the other callers and req.OnDetached gets its outcome.
func (c *Coordinator) RenderOnce(ctx context.Context, req Request) (Result, error) {
	me := &struct{}{}
	ch := c.group.DoChan(flightKey(req), func() (interface{}, error) {
		return c.lead(ctx, req, me)
	})

	select {
	case res := <-ch:
		return c.result(res, me)
	case <-ctx.Done():
		c.log.Trace().Str("key", req.Key.String()).Msg("Caller detached from render")
		if req.OnDetached != nil {
			go func() {
				req.OnDetached(c.result(<-ch, me))
			}()
		}
		return Result{Detached: true}, ctx.Err()
	}
}

func (c *Coordinator) result(res singleflight.Result, me *struct{}) (Result, error) {
	f, _ := res.Val.(*flight)
	if f == nil {
		return Result{}, res.Err
	}
	result := Result{
		Artifact:   f.artifact.Clone(),
		Shared:     f.leader != me,
		Upstream:   f.upstream,
		FromStore:  f.fromStore,
		Superseded: f.superseded,
		Stored:     f.stored,
		StoreErr:   f.storeErr,
		Duration:   f.duration,
	}
	if result.Shared {
		c.metrics.RecordCollapsed()
	}
	return result, res.Err
}

func (c *Coordinator) lead(parent context.Context, req Request, leader *struct{}) (*flight, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), c.timeout)
	defer cancel()

	key := req.Key
	log := c.log.With().Str("key", key.String()).Bool("revalidate", req.ForceRevalidate).Logger()
	f := &flight{leader: leader}

	ks := c.acquireKey(key.String())
	defer c.releaseKey(key.String(), ks)
	ks.mu.Lock()
	revalidations := ks.revalidations
	ks.mu.Unlock()

	// the caller decided to generate before this flight started,
	// a previous flight may have stored the artifact in the meantime
	if !req.ForceRevalidate {
		a, err := c.store.Get(ctx, key)
		if err == nil {
			log.Trace().Msg("Artifact stored by a previous render")
			f.artifact = a
			f.fromStore = true
			return f, nil
		}
		if !errors.Is(err, cache.ErrNotFound) {
			c.metrics.RecordStorageError("get")
			log.Warn().Err(err).Msg("Could not check store before render")
		}
	}

	if c.sem != nil {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			log.Warn().Err(err).Msg("No render slot available")
			return f, &renderer.UpstreamError{
				URI: c.renderer.URI(key.DocumentID, key.Revision),
				Err: fmt.Errorf("%w: %w", ErrNoRenderSlot, err),
			}
		}
		defer c.sem.Release(1)
	}

	log.Debug().Msg("Rendering from upstream")
	f.upstream = true
	start := time.Now()
	rendered, err := c.renderer.Render(ctx, key.DocumentID, key.Revision)
	f.duration = time.Since(start)
	if err != nil {
		var ue *renderer.UpstreamError
		if !errors.As(err, &ue) {
			err = &renderer.UpstreamError{URI: c.renderer.URI(key.DocumentID, key.Revision), Err: err}
		}
		c.metrics.RecordRender(renderOutcome(err), f.duration)
		log.Error().Err(err).Dur("duration", f.duration).Msg("Render failed")
		return f, err
	}
	c.metrics.RecordRender("ok", f.duration)

	f.artifact = cache.Artifact{
		Payload:     rendered.Payload,
		ContentType: rendered.ContentType,
		GeneratedAt: time.Now(),
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()

	// a revalidation stored a newer artifact while this generation was rendering
	if !req.ForceRevalidate && ks.revalidations != revalidations {
		f.superseded = true
		a, err := c.store.Get(ctx, key)
		if err != nil {
			c.metrics.RecordStorageError("get")
			log.Warn().Err(err).Msg("Could not read revalidated artifact, serving unstored render")
			f.storeErr = err
			return f, nil
		}
		log.Debug().Msg("Render superseded by revalidation, discarding")
		f.artifact = a
		f.fromStore = true
		return f, nil
	}

	if err := c.store.Put(ctx, key, f.artifact); err != nil {
		c.metrics.RecordStorageError("put")
		if c.verifyWrites {
			log.Error().Err(err).Msg("Could not write to cache")
			return f, err
		}
		log.Error().Err(err).Msg("Could not write to cache, serving unstored artifact")
		f.storeErr = err
		return f, nil
	}
	if c.verifyWrites {
		if err := c.verify(ctx, key, f.artifact); err != nil {
			c.metrics.RecordStorageError("verify")
			log.Error().Err(err).Msg("Could not verify cache write")
			return f, err
		}
	}
	if req.ForceRevalidate {
		ks.revalidations++
	}
	f.stored = true
	log.Trace().Int("bytes", len(f.artifact.Payload)).Msg("Cache write")
	return f, nil
}

func (c *Coordinator) verify(ctx context.Context, key cachekey.Key, want cache.Artifact) error {
	got, err := c.store.Get(ctx, key)
	if err != nil {
		var se *cache.StorageError
		if errors.As(err, &se) {
			return err
		}
		return &cache.StorageError{Op: "verify", Key: key.String(), Err: err}
	}
	if !bytes.Equal(got.Payload, want.Payload) || got.ContentType != want.ContentType {
		return &cache.StorageError{Op: "verify", Key: key.String(), Err: errVerifyMismatch}
	}
	return nil
}

func renderOutcome(err error) string {
	var ue *renderer.UpstreamError
	if errors.As(err, &ue) && ue.Timeout() {
		return "timeout"
	}
	return "error"
}
