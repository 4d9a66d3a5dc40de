package revcache

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	cachekey "github.com/ericselin/revcache/pkg/cache-key"
	"github.com/ericselin/revcache/pkg/coordinator"
	"github.com/ericselin/revcache/pkg/policy"
)

// prerenderRequestID marks audit records of renders not caused by a client request.
const prerenderRequestID = "prerender"

// Prerender makes sure every key is stored, rendering the missing ones
// with bounded parallelism. A failed render is retried once after a pause.
// Keys that still fail are logged and returned as a joined error;
// they do not stop the other keys from being rendered.
func (g *Gateway) Prerender(ctx context.Context, keys []cachekey.Key) error {
	g.log.Info().Int("keys", len(keys)).Int("concurrency", g.prerenderConcurrency).Msg("Starting prerender")

	var (
		mu       sync.Mutex
		failures []error
		rendered int
	)
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(g.prerenderConcurrency)
	for _, key := range keys {
		key := key
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			did, err := g.prerenderEntry(ctx, key)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, fmt.Errorf("%s: %w", key, err))
			} else if did {
				rendered++
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	g.log.Info().Int("rendered", rendered).Int("failed", len(failures)).Msg("Prerender done")
	return errors.Join(failures...)
}

// prerenderEntry renders the key if it is not stored.
// It reports whether the renderer was called.
func (g *Gateway) prerenderEntry(ctx context.Context, key cachekey.Key) (bool, error) {
	ex := g.newExchange(prerenderRequestID, key)
	exists, err := g.store.Exists(ctx, key)
	ex.local("exists", err)
	if err != nil {
		g.metrics.RecordStorageError("exists")
		g.log.Warn().Err(err).Str("key", key.String()).Msg("Could not check store, prerendering")
	}
	decision := policy.Decide(key, false, exists)
	if decision == policy.ServeCached {
		ex.flush(decision)
		g.log.Trace().Str("key", key.String()).Msg("Already stored, skipping prerender")
		return false, nil
	}

	render := func(ex *exchange) (coordinator.Result, error) {
		res, err := g.coordinator.RenderOnce(ctx, coordinator.Request{
			Key: key,
			OnDetached: func(res coordinator.Result, err error) {
				g.recordRender(ex, decision, key, res, err)
			},
		})
		if !res.Detached {
			g.recordRender(ex, decision, key, res, err)
		}
		return res, err
	}
	res, err := render(ex)
	// if there was an error, pause and retry
	if err != nil {
		g.log.Debug().Err(err).Str("key", key.String()).Msg("Prerender failed, retrying")
		select {
		case <-time.After(g.prerenderRetryPause):
		case <-ctx.Done():
			return false, ctx.Err()
		}
		res, err = render(g.newExchange(prerenderRequestID, key))
	}
	if err != nil {
		g.log.Error().Err(err).Str("key", key.String()).Msg("Could not prerender")
		return res.Upstream, err
	}
	return res.Upstream, nil
}

// ReadKeys parses a prerender list: one "document revision" pair per line.
// Blank lines and lines starting with # are skipped.
func ReadKeys(r io.Reader) ([]cachekey.Key, error) {
	var keys []cachekey.Key
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 2 {
			return nil, fmt.Errorf("line %d: expected document and revision, got %q", line, text)
		}
		key, err := cachekey.New(fields[0], fields[1])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		keys = append(keys, key)
	}
	return keys, scanner.Err()
}
