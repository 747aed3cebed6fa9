// Package grpc serves the standard gRPC health protocol for build farm
// processes, backed by the same component checks as the HTTP /health endpoint.
package grpc

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	apihealth "github.com/narvanalabs/buildfarm/internal/api/health"
)

// ServiceName is the health service name reported next to the overall "" status.
const ServiceName = "buildfarm.Dispatcher"

// Config holds the gRPC server configuration.
type Config struct {
	Port                 int
	TLSCertFile          string
	TLSKeyFile           string
	MaxConcurrentStreams uint32
	KeepaliveTime        time.Duration
	KeepaliveTimeout     time.Duration
	// CheckInterval is how often component checks refresh the served status.
	CheckInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:                 9090,
		MaxConcurrentStreams: 100,
		KeepaliveTime:        30 * time.Second,
		KeepaliveTimeout:     10 * time.Second,
		CheckInterval:        10 * time.Second,
	}
}

// Prober runs component checks.
type Prober interface {
	Check(ctx context.Context) *apihealth.Response
}

// Server serves grpc.health.v1.Health.
type Server struct {
	config     *Config
	prober     Prober
	logger     *slog.Logger
	grpcServer *grpc.Server
	health     *grpchealth.Server

	serving  atomic.Bool
	closed   atomic.Bool
	stopOnce sync.Once
}

// NewServer creates a health server. A nil prober always reports serving.
func NewServer(cfg *Config, prober Prober, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config: cfg,
		prober: prober,
		logger: logger,
		health: grpchealth.NewServer(),
	}

	opts, err := s.buildServerOptions()
	if err != nil {
		return nil, fmt.Errorf("building server options: %w", err)
	}
	s.grpcServer = grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	reflection.Register(s.grpcServer)

	s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	return s, nil
}

// buildServerOptions constructs the gRPC server options.
func (s *Server) buildServerOptions() ([]grpc.ServerOption, error) {
	opts := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.MaxConcurrentStreams(s.config.MaxConcurrentStreams),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    s.config.KeepaliveTime,
			Timeout: s.config.KeepaliveTimeout,
		}),
		grpc.ChainUnaryInterceptor(s.loggingInterceptor()),
		grpc.ChainStreamInterceptor(s.streamLoggingInterceptor()),
	}

	if s.config.TLSCertFile != "" && s.config.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.config.TLSCertFile, s.config.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading TLS credentials: %w", err)
		}
		tlsConfig := &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsConfig)))
	}

	return opts, nil
}

// Start listens on the configured port and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	return s.Serve(ctx, lis)
}

// Serve refreshes the health status in the background and serves on lis.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.Refresh(ctx)
	go s.watch(ctx)

	s.logger.Info("gRPC health server starting", "address", lis.Addr().String())
	if err := s.grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("serving gRPC: %w", err)
	}
	return nil
}

func (s *Server) watch(ctx context.Context) {
	if s.config.CheckInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.closed.Load() {
				return
			}
			s.Refresh(ctx)
		}
	}
}

// Refresh runs the component checks once and publishes the result.
// Degraded components still count as serving.
func (s *Server) Refresh(ctx context.Context) {
	if s.closed.Load() {
		return
	}
	status := healthpb.HealthCheckResponse_SERVING
	if s.prober != nil {
		resp := s.prober.Check(ctx)
		if resp.Status == apihealth.StatusUnhealthy {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			s.logger.Warn("health check failing", "components", resp.Components)
		}
	}
	s.serving.Store(status == healthpb.HealthCheckResponse_SERVING)
	s.setStatus(status)
}

func (s *Server) setStatus(status healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Stop marks every service NOT_SERVING and gracefully stops the server,
// forcing it down when ctx ends first.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.closed.Store(true)
		s.serving.Store(false)
		s.health.Shutdown()
		s.logger.Info("gRPC server stopping")

		done := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(done)
		}()

		select {
		case <-done:
			s.logger.Info("gRPC server stopped gracefully")
		case <-time.After(30 * time.Second):
			s.logger.Warn("gRPC server graceful stop timed out, forcing stop")
			s.grpcServer.Stop()
		case <-ctx.Done():
			s.logger.Warn("context cancelled, forcing stop")
			s.grpcServer.Stop()
		}
	})
	return nil
}

// Shutdown implements shutdown.Component.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.Stop(ctx)
}

// Name implements shutdown.Component.
func (s *Server) Name() string {
	return "grpc-health"
}

// IsServing returns whether the last refresh found the process healthy.
func (s *Server) IsServing() bool {
	return s.serving.Load()
}
