package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/vaebz/magic-mcp/internal/pkg/logger"
)

// maxLineSize bounds one JSON-RPC message.
const maxLineSize = 1 << 20

// Server accepts MCP clients on a Unix socket or TCP address.
type Server struct {
	addr     string
	network  string
	handler  *Handler
	log      *logger.Logger
	listener net.Listener

	connsMu    sync.Mutex
	conns      map[net.Conn]struct{}
	wg         sync.WaitGroup
	acceptDone chan struct{}
}

// ServerConfig configures the listener. TCPAddr wins over SocketPath.
type ServerConfig struct {
	SocketPath string
	TCPAddr    string
	Handler    *Handler
	Logger     *logger.Logger
}

// NewServer creates a server. With neither address set it listens on
// ~/.local/run/magic-mcp/mcp.sock.
func NewServer(cfg ServerConfig) *Server {
	network := "unix"
	addr := cfg.SocketPath

	if cfg.TCPAddr != "" {
		network = "tcp"
		addr = cfg.TCPAddr
	} else if addr == "" {
		home, _ := os.UserHomeDir()
		addr = filepath.Join(home, ".local", "run", "magic-mcp", "mcp.sock")
	}

	log := cfg.Logger
	if log == nil {
		log = logger.Discard()
	}

	return &Server{
		addr:    addr,
		network: network,
		handler: cfg.Handler,
		log:     log.WithScope("mcp"),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Listen binds the socket.
func (s *Server) Listen() error {
	if s.network == "unix" {
		if err := os.MkdirAll(filepath.Dir(s.addr), 0o755); err != nil {
			return fmt.Errorf("failed to create socket dir: %w", err)
		}
		_ = os.Remove(s.addr)
	}

	lis, err := net.Listen(s.network, s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	if s.network == "unix" {
		_ = os.Chmod(s.addr, 0o600)
	}

	s.listener = lis
	s.log.Info("MCP server listening", "network", s.network, "addr", lis.Addr().String())
	return nil
}

// Serve accepts clients until ctx is cancelled, then shuts down.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("mcp server is not listening")
	}

	s.acceptDone = make(chan struct{})
	go func() {
		defer close(s.acceptDone)
		s.acceptLoop(ctx)
	}()

	<-ctx.Done()
	return s.Shutdown()
}

// Start is Listen followed by Serve.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Addr returns the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Error("Accept error", "error", err)
			continue
		}

		s.connsMu.Lock()
		s.conns[conn] = struct{}{}
		s.connsMu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		_ = conn.Close()
		s.connsMu.Lock()
		delete(s.conns, conn)
		s.connsMu.Unlock()
	}()

	s.log.Debug("MCP client connected")

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.send(enc, errorResponse(nil, ErrParse, "Parse error"))
			continue
		}

		resp := s.handler.Handle(ctx, &req)
		if resp != nil && req.ID != nil {
			s.send(enc, resp)
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.Debug("MCP client read failed", "error", err)
	}
}

func (s *Server) send(enc *json.Encoder, resp *Response) {
	if err := enc.Encode(resp); err != nil {
		s.log.Debug("Failed to write response", "error", err)
	}
}

// Shutdown closes the listener and every client, then waits for handlers.
func (s *Server) Shutdown() error {
	s.log.Info("Shutting down MCP server")

	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.acceptDone != nil {
		<-s.acceptDone
	}

	s.connsMu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.connsMu.Unlock()

	s.wg.Wait()

	if s.network == "unix" {
		_ = os.Remove(s.addr)
	}
	return nil
}
