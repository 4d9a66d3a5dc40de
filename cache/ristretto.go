package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/ristretto"

	cachekey "github.com/ericselin/revcache/pkg/cache-key"
)

var errRejected = errors.New("write rejected by admission policy")

// RistrettoConfig configures a RistrettoStore.
// MaxCost is the budget in bytes of encoded artifacts.
type RistrettoConfig struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64
}

// RistrettoStore is a cost-bounded in-memory store backed by ristretto.
// Artifacts are stored encoded, so that their cost is their size in bytes.
type RistrettoStore struct {
	c *ristretto.Cache
}

func NewRistrettoStore(cfg RistrettoConfig) (*RistrettoStore, error) {
	if cfg.MaxCost <= 0 {
		return nil, errors.New("ristretto store: max cost must be positive")
	}
	if cfg.NumCounters <= 0 {
		// about ten counters per expected item, assuming ~64KiB pages
		cfg.NumCounters = cfg.MaxCost / (64 << 10) * 10
		if cfg.NumCounters < 1000 {
			cfg.NumCounters = 1000
		}
	}
	if cfg.BufferItems <= 0 {
		cfg.BufferItems = 64
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("ristretto store: %w", err)
	}
	return &RistrettoStore{c: c}, nil
}

func (s *RistrettoStore) Get(_ context.Context, key cachekey.Key) (Artifact, error) {
	v, ok := s.c.Get(key.String())
	if !ok {
		return Artifact{}, ErrNotFound
	}
	b, _ := v.([]byte)
	if b == nil {
		s.c.Del(key.String())
		return Artifact{}, ErrNotFound
	}
	a, err := decodeArtifact(b)
	if err != nil {
		return Artifact{}, storageError("get", key.String(), err)
	}
	return a, nil
}

// Put stores the artifact and waits for the write to be applied.
// Ristretto may refuse to admit an item, in which case a StorageError is returned,
// since the artifact would not be readable afterwards.
func (s *RistrettoStore) Put(_ context.Context, key cachekey.Key, artifact Artifact) error {
	b, err := encodeArtifact(artifact)
	if err != nil {
		return storageError("put", key.String(), err)
	}
	if !s.c.Set(key.String(), b, int64(len(b))) {
		return storageError("put", key.String(), errRejected)
	}
	s.c.Wait()
	if _, ok := s.c.Get(key.String()); !ok {
		return storageError("put", key.String(), errRejected)
	}
	return nil
}

func (s *RistrettoStore) Exists(_ context.Context, key cachekey.Key) (bool, error) {
	_, ok := s.c.Get(key.String())
	return ok, nil
}

func (s *RistrettoStore) Name() string { return "ristretto" }

func (s *RistrettoStore) Close() error {
	s.c.Close()
	return nil
}
