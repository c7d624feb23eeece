//-------------------------------------------------------------------------
//
// Quarry Retrieval Server
//
// Portions copyright (c) 2025 - 2026, Quarry Data, Inc.
// This software is released under The PostgreSQL License
//
//-------------------------------------------------------------------------

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quarrydata/quarry-retrieval-server/internal/cache"
	"github.com/quarrydata/quarry-retrieval-server/internal/config"
	"github.com/quarrydata/quarry-retrieval-server/internal/database"
	"github.com/quarrydata/quarry-retrieval-server/internal/engine"
	"github.com/quarrydata/quarry-retrieval-server/internal/governance"
	"github.com/quarrydata/quarry-retrieval-server/internal/llm/factory"
	"github.com/quarrydata/quarry-retrieval-server/internal/metrics"
	"github.com/quarrydata/quarry-retrieval-server/internal/server"
)

// Version information - set via ldflags during build
var (
	version   = "1.0.0-alpha1"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	var (
		showVersion = flag.Bool("version", false, "Show version information")
		showHelp    = flag.Bool("help", false, "Show help message")
		showOpenAPI = flag.Bool("openapi", false, "Output OpenAPI specification and exit")
		configPath  = flag.String("config", "", "Path to configuration file")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `Quarry Retrieval Server - Orchestrated retrieval over PostgreSQL knowledge bases

Usage:
    quarry-retrieval-server [options]

Options:
    -config string
        Path to configuration file. If not specified, searches:
        1. /etc/quarry/quarry-retrieval-server.yaml
        2. quarry-retrieval-server.yaml (in binary directory)

    -openapi
        Output OpenAPI v3 specification as JSON and exit

    -version
        Show version information and exit

    -help
        Show this help message and exit

For more information, visit: https://github.com/quarrydata/quarry-retrieval-server
`)
	}

	flag.Parse()

	if *showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if *showVersion {
		fmt.Printf("Quarry Retrieval Server\n")
		fmt.Printf("  Version:    %s\n", version)
		fmt.Printf("  Build Time: %s\n", buildTime)
		fmt.Printf("  Git Commit: %s\n", gitCommit)
		os.Exit(0)
	}

	if *showOpenAPI {
		spec := server.BuildOpenAPISpec()
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(spec); err != nil {
			fmt.Fprintf(os.Stderr, "failed to encode OpenAPI spec: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	// Bootstrap logger; replaced once configuration is loaded.
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Run the server
	if err := run(*configPath, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger = newLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		"knowledge_bases", len(cfg.KnowledgeBases))

	// Load only the API keys the configured providers need
	keys, err := config.NewAPIKeyLoader(cfg.APIKeys).LoadKeys(cfg.EmbeddingLLM, cfg.GenerationLLM)
	if err != nil {
		return fmt.Errorf("failed to load API keys: %w", err)
	}

	embedder, err := factory.NewEmbeddingProvider(cfg.EmbeddingLLM.Provider, cfg.EmbeddingLLM.Model, keys)
	if err != nil {
		return fmt.Errorf("failed to create embedding provider: %w", err)
	}
	generator, err := factory.NewCompletionProvider(cfg.GenerationLLM.Provider, cfg.GenerationLLM.Model, keys)
	if err != nil {
		return fmt.Errorf("failed to create completion provider: %w", err)
	}

	// Connect to PostgreSQL
	connectCtx, cancelConnect := context.WithTimeout(context.Background(), 15*time.Second)
	pool, err := database.NewPool(connectCtx, cfg.Database)
	cancelConnect()
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pool.Close()

	searcher := database.NewSearcher(pool, cfg.KnowledgeBases, logger)

	var (
		cacheOpts  = []cache.Option{cache.WithLogger(logger)}
		engineOpts = []engine.Option{engine.WithLogger(logger)}
		serverOpts []server.Option
	)

	if cfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		collector := metrics.NewCollector(cfg.Metrics.Namespace, registry)
		cacheOpts = append(cacheOpts, cache.WithObserver(collector))
		engineOpts = append(engineOpts, engine.WithMetrics(collector))
		serverOpts = append(serverOpts, server.WithMetrics(collector, registry))
	}

	store, err := newCacheStore(cfg.Cache)
	if err != nil {
		return err
	}
	multiCache := cache.New(store,
		time.Duration(cfg.Cache.ResultTTLSeconds)*time.Second,
		time.Duration(cfg.Cache.ResponseTTLSeconds)*time.Second,
		cacheOpts...)
	defer func() {
		if err := multiCache.Close(); err != nil {
			logger.Error("failed to close cache", "error", err)
		}
	}()

	var checker governance.Checker = governance.AllowAll{}
	if cfg.Governance.Endpoint != "" {
		checker = governance.NewHTTPChecker(cfg.Governance.Endpoint,
			governance.WithTimeout(cfg.Governance.TimeoutSeconds))
		logger.Info("governance checks enabled", "endpoint", cfg.Governance.Endpoint)
	}

	eng, err := engine.New(cfg.Engine, engine.Deps{
		Embedder:   embedder,
		Generator:  generator,
		Searcher:   searcher,
		Cache:      multiCache,
		Governance: checker,
	}, engineOpts...)
	if err != nil {
		return fmt.Errorf("failed to create retrieval engine: %w", err)
	}
	defer eng.Close()

	// Create and start server
	srv := server.New(cfg, eng, logger, serverOpts...)

	// Handle graceful shutdown
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return err
	case sig := <-shutdownCh:
		logger.Info("received shutdown signal", "signal", sig)

		// Give 30 seconds for graceful shutdown
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		return srv.Shutdown(ctx)
	}
}

// newCacheStore builds the configured cache backend.
func newCacheStore(cfg config.CacheConfig) (cache.Store, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "memory":
		return cache.NewMemoryStore(), nil
	case "redis":
		var opts []cache.RedisOption
		if cfg.Redis.Password != "" {
			opts = append(opts, cache.WithPassword(cfg.Redis.Password))
		}
		if cfg.Redis.DB != 0 {
			opts = append(opts, cache.WithDB(cfg.Redis.DB))
		}
		return cache.NewRedisStore(cfg.Redis.Address, opts...), nil
	default:
		return nil, fmt.Errorf("unknown cache backend: %s", cfg.Backend)
	}
}

// newLogger builds the structured logger described by the logging
// configuration.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
