// Package main provides the entry point for the build farm API server.
package main

import (
	"context"
	"errors"
	"os"

	"github.com/narvanalabs/buildfarm/internal/api"
	"github.com/narvanalabs/buildfarm/internal/api/health"
	"github.com/narvanalabs/buildfarm/internal/auth"
	"github.com/narvanalabs/buildfarm/internal/cache"
	"github.com/narvanalabs/buildfarm/internal/feed"
	"github.com/narvanalabs/buildfarm/internal/jobs"
	"github.com/narvanalabs/buildfarm/internal/jobs/binarybuild"
	"github.com/narvanalabs/buildfarm/internal/jobs/recipebuild"
	"github.com/narvanalabs/buildfarm/internal/queue"
	"github.com/narvanalabs/buildfarm/internal/scheduler"
	"github.com/narvanalabs/buildfarm/internal/shutdown"
	pgstore "github.com/narvanalabs/buildfarm/internal/store/postgres"
	"github.com/narvanalabs/buildfarm/internal/tracing"
	"github.com/narvanalabs/buildfarm/pkg/config"
	"github.com/narvanalabs/buildfarm/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Default().Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	log := logger.New(logger.ParseLevel(cfg.LogLevel), cfg.LogJSON).WithComponent("api")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopTracing, err := tracing.Init(ctx, "buildfarm-api", cfg.OTLPEndpoint)
	if err != nil {
		log.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	coordinator := shutdown.NewCoordinator(
		shutdown.WithTimeout(cfg.ShutdownTimeout),
		shutdown.WithLogger(log.Logger),
	)
	coordinator.Register(shutdown.NewFuncComponent("tracing", stopTracing))

	// Initialize database store
	store, err := pgstore.NewPostgresStore(pgstore.DefaultConfig(cfg.DatabaseDSN), log.Logger)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	coordinator.Register(shutdown.NewCloserComponent("store", store))

	registry := jobs.NewRegistry()
	if err := errors.Join(binarybuild.Register(registry), recipebuild.Register(registry)); err != nil {
		log.Error("failed to register job types", "error", err)
		os.Exit(1)
	}

	estimates := cache.NewEstimates(cfg.Cache.SizeBytes, cfg.Cache.TTL)
	q := queue.NewService(store, registry, cfg.Scheduler, log.Logger, queue.WithCache(estimates))
	events := scheduler.NewHandler(q, store, log.Logger)

	authService := auth.NewService(&auth.Config{
		JWTSecret:   []byte(cfg.JWTSecret),
		TokenExpiry: cfg.JWTExpiry,
	}, log.Logger)

	checker := health.NewChecker(store, api.Version)

	// The API serves without the feed; it only reports on it.
	if cfg.NATSURL != "" {
		nc, err := feed.Connect(cfg.NATSURL, "buildfarm-api", log.Logger)
		if err != nil {
			log.Warn("NATS unavailable, feed health will report degraded", "error", err)
		} else {
			checker.Register("feed", health.PingFunc(feed.Ping(nc)), false)
			coordinator.Register(shutdown.NewFuncComponent("nats", func(ctx context.Context) error {
				return nc.Drain()
			}))
		}
	}

	server := api.NewServer(cfg, q, events, authService, checker, log.Logger)
	coordinator.Register(shutdown.NewFuncComponent("http", server.Shutdown))

	go coordinator.WaitForSignal(ctx)

	log.Info("starting API server", "host", cfg.APIHost, "port", cfg.APIPort)
	exitCode := 0
	if err := server.Start(ctx); err != nil {
		log.Error("server error", "error", err)
		exitCode = 1
		cancel()
	}

	coordinator.Wait()
	if coordinator.ExitCode() != 0 {
		exitCode = coordinator.ExitCode()
	}
	log.Info("server stopped", "exit_code", exitCode)
	os.Exit(exitCode)
}
