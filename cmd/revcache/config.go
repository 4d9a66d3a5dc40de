package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/ericselin/revcache/cache"
)

// Config is read from the config file, then overridden by REVCACHE_* environment variables
// and finally by command line flags.
type Config struct {
	Port                 int            `yaml:"port" env:"PORT"`
	LogFile              string         `yaml:"logFile" env:"LOG_FILE"`
	Renderer             RendererConfig `yaml:"renderer" envPrefix:"RENDERER_"`
	Store                StoreConfig    `yaml:"store" envPrefix:"STORE_"`
	RenderTimeout        time.Duration  `yaml:"renderTimeout" env:"RENDER_TIMEOUT"`
	MaxConcurrentRenders int64          `yaml:"maxConcurrentRenders" env:"MAX_CONCURRENT_RENDERS"`
	VerifyWrites         bool           `yaml:"verifyWrites" env:"VERIFY_WRITES"`
	AuditMaxRecords      int            `yaml:"auditMaxRecords" env:"AUDIT_MAX_RECORDS"`
	PrerenderConcurrency int            `yaml:"prerenderConcurrency" env:"PRERENDER_CONCURRENCY"`
	PrerenderRetryPause  time.Duration  `yaml:"prerenderRetryPause" env:"PRERENDER_RETRY_PAUSE"`
	Metrics              bool           `yaml:"metrics" env:"METRICS"`
}

type RendererConfig struct {
	URL          string `yaml:"url" env:"URL"`
	PathTemplate string `yaml:"pathTemplate" env:"PATH_TEMPLATE"`
	UserAgent    string `yaml:"userAgent" env:"USER_AGENT"`
	MaxBodyBytes int64  `yaml:"maxBodyBytes" env:"MAX_BODY_BYTES"`
}

type StoreConfig struct {
	// memory, lru, ristretto, sqlite or redis
	Type string `yaml:"type" env:"TYPE"`
	// Local store (memory, lru or ristretto) in front of sqlite or redis. Empty for none.
	Tier string `yaml:"tier" env:"TIER"`
	// SQLite database file, "memory" for an in-memory database.
	Filename string `yaml:"filename" env:"FILENAME"`
	// Size of lru stores.
	MaxEntries int `yaml:"maxEntries" env:"MAX_ENTRIES"`
	// Size of ristretto stores in payload bytes.
	MaxCost int64 `yaml:"maxCost" env:"MAX_COST"`

	RedisAddr     string        `yaml:"redisAddr" env:"REDIS_ADDR"`
	RedisPassword string        `yaml:"redisPassword" env:"REDIS_PASSWORD"`
	RedisDB       int           `yaml:"redisDB" env:"REDIS_DB"`
	RedisPrefix   string        `yaml:"redisPrefix" env:"REDIS_PREFIX"`
	RedisTTL      time.Duration `yaml:"redisTTL" env:"REDIS_TTL"`
}

func defaultConfig() Config {
	return Config{
		Port:                8080,
		RenderTimeout:       30 * time.Second,
		PrerenderRetryPause: time.Second,
		Store: StoreConfig{
			Type:        "sqlite",
			Filename:    "cache.db",
			MaxEntries:  10000,
			MaxCost:     256 << 20,
			RedisAddr:   "localhost:6379",
			RedisPrefix: "revcache:",
		},
	}
}

// loadConfig reads the config file (if any) over the defaults, then applies the environment.
func loadConfig(filename string) (Config, error) {
	config := defaultConfig()
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, fmt.Errorf("parse %s: %w", filename, err)
		}
	}
	if err := env.ParseWithOptions(&config, env.Options{Prefix: "REVCACHE_"}); err != nil {
		return config, fmt.Errorf("parse env: %w", err)
	}
	return config, nil
}

// openStore creates the configured store, with its local tier if configured.
func openStore(ctx context.Context, config StoreConfig, logger zerolog.Logger) (cache.Store, error) {
	remote, err := openBackend(ctx, config.Type, config)
	if err != nil {
		return nil, err
	}
	if config.Tier == "" {
		return remote, nil
	}
	if config.Type != "sqlite" && config.Type != "redis" {
		remote.Close()
		return nil, fmt.Errorf("store tier needs a sqlite or redis store, not %s", config.Type)
	}
	local, err := openBackend(ctx, config.Tier, config)
	if err != nil {
		remote.Close()
		return nil, err
	}
	if local.Name() == "sqlite" || local.Name() == "redis" {
		local.Close()
		remote.Close()
		return nil, fmt.Errorf("store tier must be memory, lru or ristretto, not %s", config.Tier)
	}
	return cache.NewTieredStore(local, remote, logger), nil
}

func openBackend(ctx context.Context, kind string, config StoreConfig) (cache.Store, error) {
	switch kind {
	case "memory":
		return cache.NewMemStore(), nil
	case "lru":
		return cache.NewLRUStore(config.MaxEntries)
	case "ristretto":
		return cache.NewRistrettoStore(cache.RistrettoConfig{
			NumCounters: int64(config.MaxEntries) * 10,
			MaxCost:     config.MaxCost,
			BufferItems: 64,
		})
	case "sqlite":
		filename := config.Filename
		if filename == "memory" {
			filename = ""
		}
		return cache.NewSQLiteStore(filename)
	case "redis":
		client, err := cache.DialRedis(ctx, config.RedisAddr, config.RedisPassword, config.RedisDB)
		if err != nil {
			return nil, err
		}
		return cache.NewRedisStore(cache.RedisConfig{
			Client:      client,
			Prefix:      config.RedisPrefix,
			TTL:         config.RedisTTL,
			CloseClient: true,
		})
	default:
		return nil, fmt.Errorf("unknown store type %q", kind)
	}
}
