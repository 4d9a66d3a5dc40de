package cache

import (
	"context"
	"sync"

	cachekey "github.com/ericselin/revcache/pkg/cache-key"
)

// MemStore keeps artifacts in a map.
// It is the default store and the one used in tests.
type MemStore struct {
	mutex *sync.RWMutex
	db    map[string]Artifact
}

func NewMemStore() MemStore {
	return MemStore{
		mutex: &sync.RWMutex{},
		db:    make(map[string]Artifact),
	}
}

func (m MemStore) Get(_ context.Context, key cachekey.Key) (Artifact, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	a, ok := m.db[key.String()]
	if !ok {
		return Artifact{}, ErrNotFound
	}
	return a.Clone(), nil
}

func (m MemStore) Put(_ context.Context, key cachekey.Key, artifact Artifact) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.db[key.String()] = artifact.Clone()
	return nil
}

func (m MemStore) Exists(_ context.Context, key cachekey.Key) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.db[key.String()]
	return ok, nil
}

// Len returns the number of stored artifacts.
func (m MemStore) Len() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.db)
}

func (m MemStore) Name() string { return "memory" }

func (m MemStore) Close() error { return nil }
