// Package main provides the entry point for the build farm dispatcher: the
// scoring and assignment loop, the builder health monitor and the NATS
// consumer for heartbeats and job outcomes.
package main

import (
	"context"
	"errors"
	"os"

	"github.com/narvanalabs/buildfarm/internal/api"
	"github.com/narvanalabs/buildfarm/internal/api/health"
	"github.com/narvanalabs/buildfarm/internal/feed"
	"github.com/narvanalabs/buildfarm/internal/grpc"
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
	cfg := config.LoadWithDefaults()
	log := logger.New(logger.ParseLevel(cfg.LogLevel), cfg.LogJSON).WithComponent("dispatcher")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopTracing, err := tracing.Init(ctx, "buildfarm-dispatcher", cfg.OTLPEndpoint)
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

	q := queue.NewService(store, registry, cfg.Scheduler, log.Logger)
	events := scheduler.NewHandler(q, store, log.Logger)
	checker := health.NewChecker(store, api.Version)

	grpcCfg := grpc.DefaultConfig()
	grpcCfg.Port = cfg.GRPCPort
	grpcServer, err := grpc.NewServer(grpcCfg, checker, log.WithComponent("grpc").Logger)
	if err != nil {
		log.Error("failed to create gRPC server", "error", err)
		os.Exit(1)
	}
	coordinator.Register(grpcServer)
	go func() {
		if err := grpcServer.Start(ctx); err != nil {
			log.Error("gRPC server error", "error", err)
			cancel()
		}
	}()

	if cfg.NATSURL != "" {
		nc, err := feed.Connect(cfg.NATSURL, "buildfarm-dispatcher", log.Logger)
		if err != nil {
			log.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		checker.Register("feed", health.PingFunc(feed.Ping(nc)), false)

		subscriber := feed.NewSubscriber(events, 0, log.WithComponent("feed").Logger)
		if err := subscriber.Subscribe(nc); err != nil {
			log.Error("failed to subscribe to feed", "error", err)
			os.Exit(1)
		}
		coordinator.Register(shutdown.NewFuncComponent("feed", subscriber.Shutdown))
	} else {
		log.Warn("NATS_URL not set, heartbeats and outcomes arrive only over HTTP")
	}

	monitor := scheduler.NewHealthMonitor(q, store,
		cfg.Scheduler.HealthThreshold, cfg.Scheduler.HealthCheckInterval, log.WithComponent("health").Logger)
	coordinator.Register(shutdown.NewLoopComponent("health-monitor", monitor))
	go monitor.Start(ctx)

	dispatcher := scheduler.NewDispatcher(q, store, cfg.Scheduler, log.Logger)
	coordinator.Register(shutdown.NewLoopComponent("dispatcher", dispatcher))
	go dispatcher.Start(ctx)

	log.Info("dispatcher running",
		"interval", cfg.Scheduler.Interval,
		"grpc_port", cfg.GRPCPort,
		"feed", cfg.NATSURL != "",
	)

	coordinator.WaitForSignal(ctx)
	cancel()
	log.Info("dispatcher shutdown complete", "exit_code", coordinator.ExitCode())
	os.Exit(coordinator.ExitCode())
}
