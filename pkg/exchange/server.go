package exchange

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/orneryd/lineagesketch/pkg/metrics"
	"github.com/orneryd/lineagesketch/pkg/registry"
	"github.com/orneryd/lineagesketch/pkg/sketch"
	"github.com/orneryd/lineagesketch/pkg/wire"
)

// ServerConfig configures the sketch service.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":9099".
	Addr string
	// MaxConnections caps concurrently served peers; extra connections are closed.
	MaxConnections int
	// IdleTimeout bounds the wait for each request on a connection.
	IdleTimeout    time.Duration
	MaxMessageSize int
	// TLS enables TLS on ListenAndServe. Nil serves plain TCP.
	TLS *tls.Config
}

// DefaultServerConfig returns the default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:           fmt.Sprintf(":%d", DefaultPort),
		MaxConnections: 64,
		IdleTimeout:    DefaultTimeout,
		MaxMessageSize: wire.DefaultMaxMessageSize,
	}
}

// Server answers GIVE_SKETCH requests with the local matrix and every matrix held in
// the registry.
type Server struct {
	cfg      ServerConfig
	local    *sketch.Matrix
	registry *registry.Registry
	metrics  *metrics.Metrics
	sem      *semaphore.Weighted

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
	closed   atomic.Bool
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerMetrics records served connections on m.
func WithServerMetrics(m *metrics.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates a server for the local matrix and registry.
func NewServer(cfg ServerConfig, local *sketch.Matrix, reg *registry.Registry, opts ...ServerOption) *Server {
	def := DefaultServerConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}

	s := &Server{
		cfg:      cfg,
		local:    local,
		registry: reg,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConnections)),
		conns:    make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListenAndServe listens on the configured address and serves until Close.
func (s *Server) ListenAndServe() error {
	var (
		ln  net.Listener
		err error
	)
	if s.cfg.TLS != nil {
		ln, err = tls.Listen("tcp", s.cfg.Addr, s.cfg.TLS)
	} else {
		ln, err = net.Listen("tcp", s.cfg.Addr)
	}
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}

	log.Printf("[exchange] sketch service listening on %s (tls=%t)", ln.Addr(), s.cfg.TLS != nil)
	return s.Serve(ln)
}

// Serve accepts connections on ln until Close. It always returns nil after Close.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.listener = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		if !s.sem.TryAcquire(1) {
			log.Printf("[exchange] rejecting %s: %d connections in use", conn.RemoteAddr(), s.cfg.MaxConnections)
			s.metrics.Served("rejected")
			conn.Close()
			continue
		}

		if !s.track(conn) {
			s.sem.Release(1)
			conn.Close()
			return nil
		}
		go s.handleConnection(conn)
	}
}

// Addr returns the listen address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting, closes open connections and waits for their handlers.
func (s *Server) Close() error {
	s.closed.Store(true)

	s.mu.Lock()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

// IsClosed returns whether the server is closed.
func (s *Server) IsClosed() bool {
	return s.closed.Load()
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.sem.Release(1)
	s.wg.Done()
}

// handleConnection serves one peer.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.untrack(conn)
	defer conn.Close()

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[exchange] recovered from panic serving %s: %v", conn.RemoteAddr(), r)
			s.metrics.Served("panic")
		}
	}()

	wc := wire.NewConn(conn, s.cfg.MaxMessageSize)
	s.extendDeadline(conn)
	if _, err := wc.ServerHandshake(); err != nil {
		log.Printf("[exchange] handshake with %s failed: %v", conn.RemoteAddr(), err)
		s.metrics.Served("handshake_failed")
		return
	}

	for {
		if s.closed.Load() {
			return
		}
		s.extendDeadline(conn)

		msg, err := wc.ReadMessage()
		if err != nil {
			if !isDisconnect(err) {
				log.Printf("[exchange] read from %s failed: %v", conn.RemoteAddr(), err)
				s.metrics.Served("error")
			}
			return
		}

		switch msg.Type {
		case wire.MsgGiveSketch:
			if err := s.sendBundle(wc); err != nil {
				log.Printf("[exchange] sending bundle to %s failed: %v", conn.RemoteAddr(), err)
				s.metrics.Served("error")
				return
			}
			s.metrics.Served("ok")
		case wire.MsgClose:
			return
		default:
			wc.WriteFailure(fmt.Sprintf("unexpected message %s (0x%02X)", wire.MessageName(msg.Type), msg.Type))
			s.metrics.Served("protocol_error")
			return
		}
	}
}

func (s *Server) sendBundle(wc *wire.Conn) error {
	matrix, err := wire.EncodeMatrix(s.local)
	if err != nil {
		wc.WriteFailure("encoding matrix failed")
		return err
	}
	bundle, err := wire.EncodeBundle(s.registry.Matrices())
	if err != nil {
		wc.WriteFailure("encoding bundle failed")
		return err
	}
	if err := wc.WriteMessage(wire.MsgMatrix, matrix); err != nil {
		return err
	}
	return wc.WriteMessage(wire.MsgBundle, bundle)
}

func (s *Server) extendDeadline(conn net.Conn) {
	if s.cfg.IdleTimeout > 0 {
		conn.SetDeadline(time.Now().Add(s.cfg.IdleTimeout))
	}
}

func isDisconnect(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "broken pipe")
}
