// Package server provides the HTTP surface: connection signals, the native
// websocket endpoint, broadcasts and component management.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/vaebz/magic-mcp/internal/broadcast"
	"github.com/vaebz/magic-mcp/internal/component"
	"github.com/vaebz/magic-mcp/internal/connection"
	"github.com/vaebz/magic-mcp/internal/metrics"
	"github.com/vaebz/magic-mcp/internal/pkg/logger"
	"github.com/vaebz/magic-mcp/internal/pkg/middleware"
	"github.com/vaebz/magic-mcp/internal/transport"
)

// Server is the HTTP server.
type Server struct {
	cfg        Config
	deps       Deps
	log        *logger.Logger
	httpServer *http.Server
	limiter    *middleware.RateLimiter

	mu      sync.RWMutex
	started bool
}

// Config configures the server.
type Config struct {
	// Host is the address to bind to.
	Host string

	// Port is the HTTP port.
	Port int

	// Version is the application version.
	Version string

	// ReadTimeout is the HTTP read timeout.
	ReadTimeout time.Duration

	// WriteTimeout is the HTTP write timeout. Websocket connections clear it
	// after the upgrade.
	WriteTimeout time.Duration

	// ShutdownTimeout is the graceful shutdown timeout.
	ShutdownTimeout time.Duration

	// PingInterval is how often the websocket endpoint pings clients. A
	// client that misses two pings is dropped.
	PingInterval time.Duration

	// ReadLimit caps inbound websocket frames.
	ReadLimit int64

	// RateLimit is requests per second per client on signal endpoints.
	// Zero disables limiting.
	RateLimit int

	// CORSOrigins is a comma separated allow list, or "*".
	CORSOrigins string

	// MetricsPath serves Prometheus metrics when Deps.Metrics is set.
	MetricsPath string
}

// DefaultConfig returns sensible server defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8080,
		Version:         "dev",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    60 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		PingInterval:    30 * time.Second,
		ReadLimit:       64 * 1024,
		CORSOrigins:     "*",
		MetricsPath:     "/metrics",
	}
}

// Deps are the services behind the routes.
type Deps struct {
	Manager    *connection.Manager
	Broadcast  broadcast.Broadcaster
	Components *component.Service

	// Hub terminates websockets for the native transport. Nil disables /ws.
	Hub *transport.Hub

	// Metrics is optional.
	Metrics *metrics.Metrics
}

// New creates a server. Zero config fields take their defaults.
func New(cfg Config, deps Deps, log *logger.Logger) *Server {
	d := DefaultConfig()
	if cfg.Port == 0 {
		cfg.Port = d.Port
	}
	if cfg.Host == "" {
		cfg.Host = d.Host
	}
	if cfg.Version == "" {
		cfg.Version = d.Version
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = d.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = d.WriteTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = d.ShutdownTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = d.PingInterval
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = d.ReadLimit
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = d.MetricsPath
	}

	s := &Server{
		cfg:  cfg,
		deps: deps,
		log:  log,
	}
	if cfg.RateLimit > 0 {
		s.limiter = middleware.NewRateLimiter(middleware.RateLimiterConfig{
			RequestsPerSecond: float64(cfg.RateLimit),
			Burst:             cfg.RateLimit * 2,
		})
	}
	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
}

// Start serves HTTP until Stop is called. It returns nil after a clean stop.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("server already started")
	}
	s.started = true
	s.httpServer = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       2 * time.Minute,
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.log.Info("Starting HTTP server", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the server and closes attached websockets.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}

	s.log.Info("Shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	// Hijacked websockets are invisible to Shutdown.
	if s.deps.Hub != nil {
		s.deps.Hub.CloseAll()
	}
	err := s.httpServer.Shutdown(shutdownCtx)
	if err != nil {
		s.log.Error("HTTP shutdown error", "error", err)
	}
	if s.limiter != nil {
		s.limiter.Stop()
	}

	s.started = false
	s.log.Info("HTTP server stopped")
	return err
}

// Health reports whether the server is serving.
func (s *Server) Health() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}

func splitOrigins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
