package cache

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	cachekey "github.com/ericselin/revcache/pkg/cache-key"
)

// TieredStore is a two-level store: a fast local store in front of a shared remote one.
// Writes go to the remote store first, so that a failed remote write is never
// masked by a successful local one. Reads try the local store and back-fill it
// from the remote store.
type TieredStore struct {
	local  Store
	remote Store
	log    zerolog.Logger
}

func NewTieredStore(local, remote Store, logger zerolog.Logger) *TieredStore {
	return &TieredStore{
		local:  local,
		remote: remote,
		log:    logger.With().Str("store", "tiered").Logger(),
	}
}

func (t *TieredStore) Get(ctx context.Context, key cachekey.Key) (Artifact, error) {
	if a, err := t.local.Get(ctx, key); err == nil {
		return a, nil
	} else if !errors.Is(err, ErrNotFound) {
		t.log.Warn().Err(err).Str("key", key.String()).Msg("Could not read from local tier")
	}
	a, err := t.remote.Get(ctx, key)
	if err != nil {
		return Artifact{}, err
	}
	if err := t.local.Put(ctx, key, a); err != nil {
		t.log.Warn().Err(err).Str("key", key.String()).Msg("Could not back-fill local tier")
	}
	return a, nil
}

func (t *TieredStore) Put(ctx context.Context, key cachekey.Key, artifact Artifact) error {
	if err := t.remote.Put(ctx, key, artifact); err != nil {
		return err
	}
	if err := t.local.Put(ctx, key, artifact); err != nil {
		t.log.Warn().Err(err).Str("key", key.String()).Msg("Could not write local tier")
	}
	return nil
}

func (t *TieredStore) Exists(ctx context.Context, key cachekey.Key) (bool, error) {
	if ok, err := t.local.Exists(ctx, key); err == nil && ok {
		return true, nil
	}
	return t.remote.Exists(ctx, key)
}

func (t *TieredStore) Name() string { return t.local.Name() + "+" + t.remote.Name() }

func (t *TieredStore) Close() error {
	return errors.Join(t.local.Close(), t.remote.Close())
}
