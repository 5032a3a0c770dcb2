package enclave

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"signetd/internal/metrics"
	"signetd/pkg/wire"
)

// ServerConfig configures the socket server.
type ServerConfig struct {
	// SocketPath is the Unix socket the daemon listens on. The file
	// is created 0600: possession of the socket is the only host-side
	// credential.
	SocketPath string

	// MaxConnections caps concurrent client connections.
	MaxConnections int

	// RequestsPerSecond and RequestBurst bound each connection's
	// command rate.
	RequestsPerSecond float64
	RequestBurst      int

	// ReadTimeout disconnects a client that sends nothing for this
	// long. The protocol is synchronous; an idle peer holds no state
	// worth keeping.
	ReadTimeout time.Duration

	// WriteTimeout bounds response writes.
	WriteTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Server accepts boundary connections and runs one synchronous
// command loop per connection.
type Server struct {
	cfg     ServerConfig
	handler Handler
	logger  *slog.Logger

	listener net.Listener

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	connCount atomic.Int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

// NewServer creates a server. Defaults: 16 connections, 50 commands
// per second with a burst of 10, 30s read timeout, 10s write timeout.
func NewServer(cfg ServerConfig, handler Handler) (*Server, error) {
	if cfg.SocketPath == "" {
		return nil, fmt.Errorf("enclave: server requires a socket path")
	}
	if handler == nil {
		return nil, fmt.Errorf("enclave: server requires a handler")
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 16
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 50
	}
	if cfg.RequestBurst <= 0 {
		cfg.RequestBurst = 10
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		handler: handler,
		logger:  cfg.Logger,
		conns:   make(map[net.Conn]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start binds the socket and begins accepting connections.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o700); err != nil {
		return fmt.Errorf("enclave: create socket directory: %w", err)
	}
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("enclave: remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("enclave: listen: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("enclave: set socket permissions: %w", err)
	}

	s.listener = listener
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info("boundary socket listening", slog.String("path", s.cfg.SocketPath))
	return nil
}

// Stop closes the listener and all connections, then waits for the
// connection loops to drain.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warn("connection drain timed out")
	}

	os.Remove(s.cfg.SocketPath)
	s.logger.Info("boundary socket closed")
	return nil
}

// SocketPath returns the bound socket path.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// ConnectionCount returns the number of live connections.
func (s *Server) ConnectionCount() int {
	return int(s.connCount.Load())
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", slog.String("error", err.Error()))
			continue
		}

		if int(s.connCount.Load()) >= s.cfg.MaxConnections {
			s.logger.Warn("connection limit reached, rejecting client")
			conn.Close()
			continue
		}

		s.track(conn)
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	s.connCount.Add(1)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ConnectionsActive.Inc()
	}
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.connCount.Add(-1)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ConnectionsActive.Dec()
	}
}

// handleConnection runs the synchronous command loop for one client.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.untrack(conn)
		conn.Close()
	}()

	limiter := rate.NewLimiter(rate.Limit(s.cfg.RequestsPerSecond), s.cfg.RequestBurst)

	var writeMu sync.Mutex
	send := func(msg *Message) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		return msg.WriteTo(conn)
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		msg, err := ReadMessage(conn)
		if err != nil {
			if err == io.EOF || errors.Is(err, net.ErrClosed) {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				// Idle client; the protocol has no keepalive to owe it.
				return
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return
			}
			// Framing violation. Tell the client once, then drop it:
			// after a bad header the stream position is unrecoverable.
			send(NewMessage(MsgError, 0, EncodeError(wire.CodeMalformedRequest, "bad frame")))
			s.logger.Warn("framing violation", slog.String("error", err.Error()))
			return
		}

		// Throttle before dispatch so a flooding client stalls
		// instead of racing the engine.
		if err := limiter.Wait(s.ctx); err != nil {
			return
		}

		response := s.handler.Handle(s.ctx, msg)
		if response == nil {
			response = NewMessage(MsgError, msg.Header.RequestID,
				EncodeError(wire.CodeInternal, "no response"))
		}
		if err := send(response); err != nil {
			return
		}
	}
}
