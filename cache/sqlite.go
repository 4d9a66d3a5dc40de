package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/glebarez/go-sqlite"

	cachekey "github.com/ericselin/revcache/pkg/cache-key"
)

type SQLiteStore struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// memoryDBs numbers the in-memory databases of this process.
var memoryDBs atomic.Uint64

// NewSQLiteStore creates a new store with the given filename as the db.
// If file name is empty, a new in-memory db is opened, private to the store.
func NewSQLiteStore(filename string) (*SQLiteStore, error) {
	if filename == "" {
		filename = fmt.Sprintf("file:revcache-%d?mode=memory&cache=shared", memoryDBs.Add(1))
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS artifacts (
			key TEXT PRIMARY KEY,
			document TEXT NOT NULL,
			revision TEXT NOT NULL,
			content_type TEXT NOT NULL,
			generated_at INTEGER NOT NULL,
			payload BLOB
		)`,
		"CREATE INDEX IF NOT EXISTS document_idx ON artifacts (document)",
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &SQLiteStore{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key cachekey.Key) (Artifact, error) {
	var (
		a           Artifact
		generatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT content_type, generated_at, payload FROM artifacts WHERE key = ?",
		key.String(),
	).Scan(&a.ContentType, &generatedAt, &a.Payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Artifact{}, ErrNotFound
	}
	if err != nil {
		return Artifact{}, storageError("get", key.String(), err)
	}
	a.GeneratedAt = time.Unix(0, generatedAt)
	return a, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key cachekey.Key, artifact Artifact) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO artifacts
		(key, document, revision, content_type, generated_at, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		key.String(), key.DocumentID, key.Revision,
		artifact.ContentType, artifact.GeneratedAt.UnixNano(), artifact.Payload)
	return storageError("put", key.String(), err)
}

func (s *SQLiteStore) Exists(ctx context.Context, key cachekey.Key) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM artifacts WHERE key = ?", key.String()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storageError("exists", key.String(), err)
	}
	return true, nil
}

func (s *SQLiteStore) Name() string { return "sqlite" }

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
