package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ericselin/revcache"
	"github.com/ericselin/revcache/pkg/metrics"
	"github.com/ericselin/revcache/pkg/renderer"
)

var (
	// CLI flags
	configFilenameFlag string
	portFlag           int
	rendererFlag       string
	storeFlag          string
	dbFilenameFlag     string
	redisAddrFlag      string
	verifyWritesFlag   bool
	warmFilenameFlag   string
	retryPauseFlag     time.Duration
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to YAML config file")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&rendererFlag, "renderer", "", "Base URL of the rendering service")
	flag.StringVar(&storeFlag, "store", "sqlite", "Store to use: memory, lru, ristretto, sqlite or redis")
	flag.StringVar(&dbFilenameFlag, "db", "cache.db", "SQLite file name (use 'memory' for in-memory db)")
	flag.StringVar(&redisAddrFlag, "redis", "localhost:6379", "Redis address")
	flag.BoolVar(&verifyWritesFlag, "verify", false, "Read every cache write back before serving it")
	flag.StringVar(&warmFilenameFlag, "warm", "", "File of 'document revision' lines to prerender on startup")
	flag.DurationVar(&retryPauseFlag, "retry-pause", time.Second, "Pause before retrying a failed prerender")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

// applyFlags overrides the config with the flags given on the command line.
func applyFlags(config *Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			config.Port = portFlag
		case "renderer":
			config.Renderer.URL = rendererFlag
		case "store":
			config.Store.Type = storeFlag
		case "db":
			config.Store.Filename = dbFilenameFlag
		case "redis":
			config.Store.RedisAddr = redisAddrFlag
		case "verify":
			config.VerifyWrites = verifyWritesFlag
		case "log-file":
			config.LogFile = logFilenameFlag
		case "retry-pause":
			config.PrerenderRetryPause = retryPauseFlag
		}
	})
}

func main() {
	flag.Parse()

	config, err := loadConfig(configFilenameFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load config")
	}
	applyFlags(&config)

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if config.LogFile != "" {
		if logFileOutput, err := os.OpenFile(config.LogFile, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Timestamp().Str("version", version).Logger()

	if config.Renderer.URL == "" {
		log.Fatal().Msg("Please specify renderer")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, config.Store, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Str("store", config.Store.Type).Msg("Could not open store")
	}
	defer store.Close()

	client, err := renderer.New(renderer.Config{
		BaseURL:      config.Renderer.URL,
		PathTemplate: config.Renderer.PathTemplate,
		UserAgent:    config.Renderer.UserAgent,
		MaxBodyBytes: config.Renderer.MaxBodyBytes,
		Logger:       &log.Logger,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Could not create renderer client")
	}

	gatewayConfig := revcache.Config{
		Store:                store,
		Renderer:             client,
		RenderTimeout:        config.RenderTimeout,
		MaxConcurrentRenders: config.MaxConcurrentRenders,
		VerifyWrites:         config.VerifyWrites,
		AuditMaxRecords:      config.AuditMaxRecords,
		Logger:               &log.Logger,
		PrerenderConcurrency: config.PrerenderConcurrency,
		PrerenderRetryPause:  config.PrerenderRetryPause,
	}
	if config.Metrics {
		gatewayConfig.Metrics = metrics.NewCollector("revcache")
	}
	gateway, err := revcache.New(gatewayConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not create gateway")
	}

	if warmFilenameFlag != "" {
		go warm(ctx, gateway, warmFilenameFlag)
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", config.Port),
		Handler:           gateway.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Info().Msgf("Serving port %v from %s store, rendering with %s", config.Port, store.Name(), config.Renderer.URL)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("Server stopped")
	}
}

func warm(ctx context.Context, gateway *revcache.Gateway, filename string) {
	f, err := os.Open(filename)
	if err != nil {
		log.Error().Err(err).Msg("Cannot open warm file")
		return
	}
	defer f.Close()
	keys, err := revcache.ReadKeys(f)
	if err != nil {
		log.Error().Err(err).Str("file", filename).Msg("Cannot read warm file")
		return
	}
	if err := gateway.Prerender(ctx, keys); err != nil {
		log.Error().Err(err).Msg("Prerender incomplete")
	}
}
