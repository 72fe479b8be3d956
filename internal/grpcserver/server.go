// Package grpcserver exposes the standard gRPC health service for the
// connection registry, so load balancers and service meshes can probe the
// process without speaking HTTP.
package grpcserver

import (
	"context"
	"fmt"
	"net"
	"os"
	"runtime"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/vaebz/magic-mcp/internal/pkg/logger"
)

// RegistryService is the health service name reported for the connection
// registry. The empty name reports the process as a whole.
const RegistryService = "magic.registry"

// Probe checks a dependency. A nil return means serving.
type Probe func(ctx context.Context) error

// Config holds the gRPC server configuration.
type Config struct {
	// TCPAddr is the TCP address to listen on (e.g., ":50051").
	TCPAddr string

	// UnixSocketPath is the Unix socket path for local connections.
	// Empty string disables Unix socket listening.
	UnixSocketPath string

	// ProbeInterval is how often the registry probe runs.
	ProbeInterval time.Duration

	// ProbeTimeout bounds a single probe.
	ProbeTimeout time.Duration

	// MaxRecvMsgSize is the maximum message size in bytes.
	MaxRecvMsgSize int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TCPAddr:        ":50051",
		ProbeInterval:  10 * time.Second,
		ProbeTimeout:   2 * time.Second,
		MaxRecvMsgSize: 1024 * 1024,
	}
}

// Server serves grpc.health.v1 with the registry status.
type Server struct {
	cfg    Config
	log    *logger.Logger
	probe  Probe
	health *health.Server

	grpcServer *grpc.Server

	stopOnce sync.Once
	stop     chan struct{}
}

// New creates a server. A nil probe reports the registry as always serving.
func New(cfg Config, probe Probe, log *logger.Logger) *Server {
	def := DefaultConfig()
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = def.ProbeInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.MaxRecvMsgSize <= 0 {
		cfg.MaxRecvMsgSize = def.MaxRecvMsgSize
	}
	if probe == nil {
		probe = func(context.Context) error { return nil }
	}

	s := &Server{
		cfg:    cfg,
		log:    log,
		probe:  probe,
		health: health.NewServer(),
		stop:   make(chan struct{}),
	}

	s.grpcServer = grpc.NewServer(
		grpc.MaxRecvMsgSize(cfg.MaxRecvMsgSize),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 5 * time.Minute,
			Time:              30 * time.Second,
			Timeout:           5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(s.logUnary),
	)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	reflection.Register(s.grpcServer)

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.health.SetServingStatus(RegistryService, healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Start listens on TCP and, when configured, a Unix socket, then begins
// probing. It returns once the listeners are up.
func (s *Server) Start() error {
	tcpLis, err := net.Listen("tcp", s.cfg.TCPAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on TCP %s: %w", s.cfg.TCPAddr, err)
	}
	s.log.Info("gRPC health server listening on TCP", "addr", tcpLis.Addr().String())
	s.serve(tcpLis)

	if s.cfg.UnixSocketPath != "" && runtime.GOOS != "windows" {
		_ = os.Remove(s.cfg.UnixSocketPath)

		unixLis, err := net.Listen("unix", s.cfg.UnixSocketPath)
		if err != nil {
			s.log.Warn("Failed to listen on Unix socket", "path", s.cfg.UnixSocketPath, "error", err)
		} else {
			_ = os.Chmod(s.cfg.UnixSocketPath, 0o660)
			s.log.Info("gRPC health server listening on Unix socket", "path", s.cfg.UnixSocketPath)
			s.serve(unixLis)
		}
	}

	s.StartProbing()
	return nil
}

// Serve serves on an existing listener. Tests use it with bufconn.
func (s *Server) Serve(lis net.Listener) {
	s.serve(lis)
}

func (s *Server) serve(lis net.Listener) {
	go func() {
		if err := s.grpcServer.Serve(lis); err != nil && err != grpc.ErrServerStopped {
			s.log.Error("gRPC server error", "error", err)
		}
	}()
}

// StartProbing runs the registry probe immediately and then on every
// interval until Stop.
func (s *Server) StartProbing() {
	go func() {
		ticker := time.NewTicker(s.cfg.ProbeInterval)
		defer ticker.Stop()

		s.check()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.check()
			}
		}
	}()
}

// check runs one probe and publishes the result.
func (s *Server) check() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ProbeTimeout)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	if err := s.probe(ctx); err != nil {
		s.log.Warn("Registry probe failed", "error", err)
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(RegistryService, status)
}

// Stop marks every service NOT_SERVING, stops probing and drains in-flight
// calls.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.log.Info("Stopping gRPC health server")
		close(s.stop)
		s.health.Shutdown()
		s.grpcServer.GracefulStop()

		if s.cfg.UnixSocketPath != "" {
			_ = os.Remove(s.cfg.UnixSocketPath)
		}
	})
}

func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.log.Debug("gRPC call",
		"method", info.FullMethod,
		"duration", time.Since(start),
		"error", err,
	)
	return resp, err
}
