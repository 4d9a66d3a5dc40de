package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	cachekey "github.com/ericselin/revcache/pkg/cache-key"
)

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	Client redis.UniversalClient
	// Prefix is prepended to every key, e.g. to share a database between deployments.
	Prefix string
	// TTL of stored artifacts. Zero means no expiry.
	TTL time.Duration
	// CloseClient should be set only if the store exclusively owns the client.
	CloseClient bool
}

// RedisStore keeps msgpack-encoded artifacts in Redis.
type RedisStore struct {
	rdb         redis.UniversalClient
	prefix      string
	ttl         time.Duration
	closeClient bool
}

var errNilClient = errors.New("redis store: nil client")

func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Client == nil {
		return nil, errNilClient
	}
	return &RedisStore{
		rdb:         cfg.Client,
		prefix:      cfg.Prefix,
		ttl:         cfg.TTL,
		closeClient: cfg.CloseClient,
	}, nil
}

// DialRedis connects to a single Redis server and verifies the connection.
func DialRedis(ctx context.Context, addr, password string, db int) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func (s *RedisStore) key(key cachekey.Key) string {
	return s.prefix + key.String()
}

func (s *RedisStore) Get(ctx context.Context, key cachekey.Key) (Artifact, error) {
	b, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Artifact{}, ErrNotFound
	}
	if err != nil {
		return Artifact{}, storageError("get", key.String(), err)
	}
	a, err := decodeArtifact(b)
	if err != nil {
		return Artifact{}, storageError("get", key.String(), err)
	}
	return a, nil
}

func (s *RedisStore) Put(ctx context.Context, key cachekey.Key, artifact Artifact) error {
	b, err := encodeArtifact(artifact)
	if err != nil {
		return storageError("put", key.String(), err)
	}
	return storageError("put", key.String(), s.rdb.Set(ctx, s.key(key), b, s.ttl).Err())
}

func (s *RedisStore) Exists(ctx context.Context, key cachekey.Key) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return false, storageError("exists", key.String(), err)
	}
	return n > 0, nil
}

func (s *RedisStore) Name() string { return "redis" }

// Close releases the underlying client only when this store owns it.
func (s *RedisStore) Close() error {
	if s.closeClient {
		if err := s.rdb.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			return err
		}
	}
	return nil
}
