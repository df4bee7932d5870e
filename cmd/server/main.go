// Package main is the entry point for the modelgate server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oropendola/modelgate"
	"github.com/oropendola/modelgate/internal/api"
	"github.com/oropendola/modelgate/internal/config"
	"github.com/oropendola/modelgate/internal/counter"
	"github.com/oropendola/modelgate/internal/entitlement/postgres"
	"github.com/oropendola/modelgate/internal/registry"
)

func main() {
	configPath := flag.String("config", "config/gateway.yaml", "path to configuration file")
	flag.Parse()

	cfgManager, err := config.NewManager(*configPath, nil)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)
	logger.Info("starting modelgate", "port", cfg.Server.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	counters := newCounterStore(cfg, logger)

	store, err := postgres.Open(cfg.Postgres.DSN)
	if err != nil {
		logger.Error("failed to connect to entitlement database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	if err := store.Migrate(ctx); err != nil {
		logger.Error("failed to apply entitlement schema", "error", err)
		os.Exit(1)
	}

	router := modelgate.New(store, counters,
		modelgate.WithLogger(logger),
		modelgate.WithWeights(cfg.Weights),
		modelgate.WithCredentialTTL(cfg.Credential.TTL),
		modelgate.WithUsageQueue(cfg.Usage.BufferSize, cfg.Usage.Workers),
		modelgate.WithRequestDeadline(cfg.Server.RequestDeadline),
	)
	defer router.Close()

	seedCandidates(router, cfg.Candidates, logger)

	prober := registry.NewProber(cfg.Prober, router.Registry(), logger)
	prober.Start(ctx)

	// Weights and the candidate set follow the config file; connection
	// settings require a restart.
	cfgManager.OnChange(func(next *config.Config) {
		router.SetWeights(next.Weights)
		seedCandidates(router, next.Candidates, logger)
	})

	if err := cfgManager.Watch(ctx); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	}

	handler := api.NewHandler(router, logger)
	handler.SetInboundLimit(cfg.Server.MaxInboundRPS, 0)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	cancel()
	logger.Info("server stopped")
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
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
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// newCounterStore picks Redis when configured, otherwise the in-process
// store for single-node deployments.
func newCounterStore(cfg *config.Config, logger *slog.Logger) counter.Store {
	if cfg.Redis.Addr == "" {
		logger.Warn("no redis configured, quota counters are process-local")
		return counter.NewMemoryStore()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	logger.Info("using redis counter store", "addr", cfg.Redis.Addr)
	return counter.NewRedisStore(client, cfg.Redis.Namespace)
}

func seedCandidates(router *modelgate.Router, profiles []registry.Profile, logger *slog.Logger) {
	for _, p := range profiles {
		if _, err := router.Registry().Upsert(p); err != nil {
			logger.Error("rejected candidate profile", "id", p.ID, "error", err)
			continue
		}
		logger.Info("candidate registered", "id", p.ID, "provider", p.Provider)
	}
}
