package cache

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cachekey "github.com/ericselin/revcache/pkg/cache-key"
)

func testKey(t *testing.T, rev string) cachekey.Key {
	t.Helper()
	key, err := cachekey.New("Main_Page", rev)
	require.NoError(t, err)
	return key
}

func testArtifact(body string) Artifact {
	return Artifact{
		Payload:     []byte(body),
		ContentType: "text/html;profile=mediawiki.org/specs/html/1.0.0",
		GeneratedAt: time.Unix(1700000000, 123456789),
	}
}

// testStore exercises the contract every Store implementation must satisfy.
func testStore(t *testing.T, s Store) {
	ctx := context.Background()
	key := testKey(t, "139992")

	t.Run("missing key", func(t *testing.T) {
		_, err := s.Get(ctx, testKey(t, "1"))
		assert.True(t, errors.Is(err, ErrNotFound), "err is %v", err)
		ok, err := s.Exists(ctx, testKey(t, "1"))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("read after write", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, key, testArtifact("<!DOCTYPE html><html>one</html>")))
		ok, err := s.Exists(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok)

		a, err := s.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "<!DOCTYPE html><html>one</html>", string(a.Payload))
		assert.Equal(t, "text/html;profile=mediawiki.org/specs/html/1.0.0", a.ContentType)
		assert.True(t, a.GeneratedAt.Equal(testArtifact("").GeneratedAt), "generated at %s", a.GeneratedAt)
	})

	t.Run("overwrite", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, key, testArtifact("two")))
		a, err := s.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "two", string(a.Payload))
	})

	t.Run("concurrent writers", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				k := testKey(t, string(rune('a'+i)))
				assert.NoError(t, s.Put(ctx, k, testArtifact("x")))
				_, err := s.Get(ctx, k)
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()
	})
}

func TestMemStore(t *testing.T) {
	testStore(t, NewMemStore())
}

func TestMemStoreDoesNotShareBuffers(t *testing.T) {
	s := NewMemStore()
	key := testKey(t, "5")
	a := testArtifact("original")
	require.NoError(t, s.Put(context.Background(), key, a))
	a.Payload[0] = 'X'

	got, err := s.Get(context.Background(), key)
	require.NoError(t, err)
	got.Payload[1] = 'Y'

	again, err := s.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "original", string(again.Payload))
}

func TestLRUStore(t *testing.T) {
	s, err := NewLRUStore(100)
	require.NoError(t, err)
	defer s.Close()
	testStore(t, s)
}

func TestLRUStoreEvicts(t *testing.T) {
	s, err := NewLRUStore(1)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, testKey(t, "1"), testArtifact("1")))
	require.NoError(t, s.Put(ctx, testKey(t, "2"), testArtifact("2")))

	ok, err := s.Exists(ctx, testKey(t, "1"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRistrettoStore(t *testing.T) {
	s, err := NewRistrettoStore(RistrettoConfig{MaxCost: 1 << 20})
	require.NoError(t, err)
	defer s.Close()
	testStore(t, s)
}

func TestRistrettoStoreRequiresBudget(t *testing.T) {
	_, err := NewRistrettoStore(RistrettoConfig{})
	assert.Error(t, err)
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer s.Close()
	testStore(t, s)
}

func TestSQLiteStorePersists(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()
	s, err := NewSQLiteStore(filename)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, testKey(t, "7"), testArtifact("persisted")))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(filename)
	require.NoError(t, err)
	defer s.Close()
	a, err := s.Get(ctx, testKey(t, "7"))
	require.NoError(t, err)
	assert.Equal(t, "persisted", string(a.Payload))
}

func TestSQLiteMemoryStoresAreIsolated(t *testing.T) {
	ctx := context.Background()
	a, err := NewSQLiteStore("")
	require.NoError(t, err)
	defer a.Close()
	b, err := NewSQLiteStore("")
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Put(ctx, testKey(t, "7"), testArtifact("only in a")))
	_, err = b.Get(ctx, testKey(t, "7"))
	assert.ErrorIs(t, err, ErrNotFound)
	ok, err := a.Exists(ctx, testKey(t, "7"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func setupTestRedis(t *testing.T, cfg RedisConfig) (*miniredis.Miniredis, *RedisStore) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client, err := DialRedis(context.Background(), mr.Addr(), "", 0)
	require.NoError(t, err)
	cfg.Client = client
	cfg.CloseClient = true
	s, err := NewRedisStore(cfg)
	require.NoError(t, err)
	return mr, s
}

func TestRedisStore(t *testing.T) {
	mr, s := setupTestRedis(t, RedisConfig{Prefix: "revcache:"})
	defer mr.Close()
	defer s.Close()
	testStore(t, s)

	assert.True(t, mr.Exists("revcache:"+testKey(t, "139992").String()))
}

func TestRedisStoreTTL(t *testing.T) {
	mr, s := setupTestRedis(t, RedisConfig{TTL: time.Minute})
	defer mr.Close()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, testKey(t, "1"), testArtifact("expiring")))
	mr.FastForward(2 * time.Minute)

	_, err := s.Get(ctx, testKey(t, "1"))
	assert.True(t, errors.Is(err, ErrNotFound), "err is %v", err)
}

func TestRedisStoreErrorsAreStorageErrors(t *testing.T) {
	mr, s := setupTestRedis(t, RedisConfig{})
	defer s.Close()
	mr.Close()

	_, err := s.Get(context.Background(), testKey(t, "1"))
	var se *StorageError
	require.True(t, errors.As(err, &se), "err is %v", err)
	assert.Equal(t, "get", se.Op)
}

func TestNewRedisStoreRequiresClient(t *testing.T) {
	_, err := NewRedisStore(RedisConfig{})
	assert.ErrorIs(t, err, errNilClient)
}

func TestTieredStore(t *testing.T) {
	local, err := NewLRUStore(10)
	require.NoError(t, err)
	testStore(t, NewTieredStore(local, NewMemStore(), zerolog.Nop()))
}

func TestTieredStoreBackfillsLocal(t *testing.T) {
	ctx := context.Background()
	local, remote := NewMemStore(), NewMemStore()
	key := testKey(t, "9")
	require.NoError(t, remote.Put(ctx, key, testArtifact("remote")))

	tiered := NewTieredStore(local, remote, zerolog.Nop())
	a, err := tiered.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "remote", string(a.Payload))
	assert.Equal(t, 1, local.Len())
	assert.Equal(t, "memory+memory", tiered.Name())
}

type failingStore struct{ MemStore }

func (f failingStore) Put(context.Context, cachekey.Key, Artifact) error {
	return &StorageError{Op: "put", Err: errors.New("disk full")}
}

func TestTieredStoreRemoteWriteFailure(t *testing.T) {
	local := NewMemStore()
	tiered := NewTieredStore(local, failingStore{NewMemStore()}, zerolog.Nop())

	err := tiered.Put(context.Background(), testKey(t, "1"), testArtifact("x"))
	var se *StorageError
	assert.True(t, errors.As(err, &se), "err is %v", err)
	assert.Equal(t, 0, local.Len())
}

func TestCodecRoundTrip(t *testing.T) {
	in := testArtifact("<html></html>")
	b, err := encodeArtifact(in)
	require.NoError(t, err)
	out, err := decodeArtifact(b)
	require.NoError(t, err)
	assert.Equal(t, in.Payload, out.Payload)
	assert.Equal(t, in.ContentType, out.ContentType)
	assert.True(t, in.GeneratedAt.Equal(out.GeneratedAt))

	_, err = decodeArtifact([]byte{0xc1})
	assert.Error(t, err)
}
