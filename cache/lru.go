package cache

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	cachekey "github.com/ericselin/revcache/pkg/cache-key"
)

// LRUStore is a size-bounded in-memory store.
// The least recently used artifact is evicted when the store is full.
type LRUStore struct {
	cache *lru.Cache[string, Artifact]
}

// NewLRUStore creates a store holding at most maxEntries artifacts.
func NewLRUStore(maxEntries int) (*LRUStore, error) {
	c, err := lru.New[string, Artifact](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("lru store: %w", err)
	}
	return &LRUStore{cache: c}, nil
}

func (s *LRUStore) Get(_ context.Context, key cachekey.Key) (Artifact, error) {
	a, ok := s.cache.Get(key.String())
	if !ok {
		return Artifact{}, ErrNotFound
	}
	return a.Clone(), nil
}

func (s *LRUStore) Put(_ context.Context, key cachekey.Key, artifact Artifact) error {
	s.cache.Add(key.String(), artifact.Clone())
	return nil
}

func (s *LRUStore) Exists(_ context.Context, key cachekey.Key) (bool, error) {
	return s.cache.Contains(key.String()), nil
}

func (s *LRUStore) Name() string { return "lru" }

func (s *LRUStore) Close() error {
	s.cache.Purge()
	return nil
}
