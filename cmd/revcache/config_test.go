package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	config, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 8080, config.Port)
	assert.Equal(t, "sqlite", config.Store.Type)
	assert.Equal(t, 30*time.Second, config.RenderTimeout)
	assert.Equal(t, time.Second, config.PrerenderRetryPause)
}

func TestLoadConfigPrecedence(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "revcache.yaml")
	require.NoError(t, os.WriteFile(filename, []byte(`
port: 9000
renderTimeout: 5s
prerenderRetryPause: 2s
renderer:
  url: http://parsoid.local/en.wikipedia.org/v3/page/html
store:
  type: redis
  tier: lru
  maxEntries: 100
`), 0644))
	t.Setenv("REVCACHE_PORT", "9100")
	t.Setenv("REVCACHE_STORE_MAX_ENTRIES", "500")
	t.Setenv("REVCACHE_PRERENDER_RETRY_PAUSE", "250ms")

	config, err := loadConfig(filename)
	require.NoError(t, err)
	assert.Equal(t, 9100, config.Port)
	assert.Equal(t, 5*time.Second, config.RenderTimeout)
	assert.Equal(t, "http://parsoid.local/en.wikipedia.org/v3/page/html", config.Renderer.URL)
	assert.Equal(t, "redis", config.Store.Type)
	assert.Equal(t, "lru", config.Store.Tier)
	assert.Equal(t, 500, config.Store.MaxEntries)
	assert.Equal(t, 250*time.Millisecond, config.PrerenderRetryPause)
	// defaults survive
	assert.Equal(t, "revcache:", config.Store.RedisPrefix)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	logger := zerolog.Nop()
	mr := miniredis.RunT(t)

	tests := []struct {
		name   string
		config StoreConfig
		want   string
	}{
		{"memory", StoreConfig{Type: "memory"}, "memory"},
		{"lru", StoreConfig{Type: "lru", MaxEntries: 10}, "lru"},
		{"ristretto", StoreConfig{Type: "ristretto", MaxEntries: 10, MaxCost: 1 << 20}, "ristretto"},
		{"sqlite", StoreConfig{Type: "sqlite", Filename: filepath.Join(t.TempDir(), "cache.db")}, "sqlite"},
		{"sqlite in memory", StoreConfig{Type: "sqlite", Filename: "memory"}, "sqlite"},
		{"redis", StoreConfig{Type: "redis", RedisAddr: mr.Addr()}, "redis"},
		{"tiered", StoreConfig{Type: "redis", Tier: "lru", MaxEntries: 10, RedisAddr: mr.Addr()}, "lru+redis"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := openStore(ctx, tt.config, logger)
			require.NoError(t, err)
			defer store.Close()
			assert.Equal(t, tt.want, store.Name())
		})
	}
}

func TestOpenStoreInvalid(t *testing.T) {
	ctx := context.Background()
	logger := zerolog.Nop()

	_, err := openStore(ctx, StoreConfig{Type: "bigtable"}, logger)
	assert.Error(t, err)

	_, err = openStore(ctx, StoreConfig{Type: "memory", Tier: "lru", MaxEntries: 10}, logger)
	assert.Error(t, err)

	_, err = openStore(ctx, StoreConfig{Type: "sqlite", Filename: filepath.Join(t.TempDir(), "cache.db"), Tier: "sqlite"}, logger)
	assert.Error(t, err)
}
