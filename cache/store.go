package cache

import (
	"context"
	"time"

	cachekey "github.com/ericselin/revcache/pkg/cache-key"
)

// Store is an interface for artifact storage.
// It stores and retrieves rendered artifacts keyed by document and revision.
//
// Implementations must be thread-safe!
// A Put followed by a Get for the same key must observe the new artifact,
// regardless of which goroutine performs the calls.
type Store interface {
	// Get returns the stored artifact for the given key.
	// It returns ErrNotFound if there is no artifact for the key.
	Get(ctx context.Context, key cachekey.Key) (Artifact, error)
	// Put stores the artifact under the given key, replacing any previous one.
	Put(ctx context.Context, key cachekey.Key, artifact Artifact) error
	// Exists checks if the specified key exists in the store.
	Exists(ctx context.Context, key cachekey.Key) (bool, error)
	// Name identifies the backend, e.g. in audit records.
	Name() string
	// Close releases the resources held by the store.
	Close() error
}

// Artifact is a rendered representation of a document revision.
type Artifact struct {
	Payload     []byte    `msgpack:"p"`
	ContentType string    `msgpack:"ct"`
	GeneratedAt time.Time `msgpack:"at"`
}

// Clone returns a deep copy of the artifact,
// so that callers cannot mutate stored payloads.
func (a Artifact) Clone() Artifact {
	c := a
	if a.Payload != nil {
		c.Payload = append([]byte(nil), a.Payload...)
	}
	return c
}

// URI returns a descriptive location of a key in a store.
func URI(s Store, key cachekey.Key) string {
	return s.Name() + ":///" + key.DocumentID + "/" + key.Revision
}
