// Package mirror serves live J1939 bus traffic to remote tools over the
// cannelloni TCP protocol. Every client reads the bus through its own stream
// and may transmit single-frame packets onto the bus.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-j1939-bus/internal/bus"
	"github.com/kstaniek/go-j1939-bus/internal/cnl"
	"github.com/kstaniek/go-j1939-bus/internal/logging"
	"github.com/kstaniek/go-j1939-bus/internal/metrics"
	"github.com/kstaniek/go-j1939-bus/internal/transport"
)

const (
	defaultFlushInterval    = 5 * time.Millisecond
	defaultBatchSize        = 64
	defaultReadDeadline     = 60 * time.Second
	defaultHandshakeTimeout = 3 * time.Second
	defaultStreamTimeout    = 30 * time.Second
)

// Server owns the TCP listener and the connected clients.
type Server struct {
	mu   sync.RWMutex
	addr string
	bus  bus.Bus
	dec  transport.MultiFrameDecoder
	enc  transport.FrameBatchEncoder

	flushInterval    time.Duration
	batchSize        int
	readDeadline     time.Duration
	handshakeTimeout time.Duration
	streamTimeout    time.Duration
	maxClients       int
	logger           *slog.Logger

	readyOnce sync.Once
	readyCh   chan struct{}
	lastErrMu sync.Mutex
	lastErr   error
	errCh     chan error
	listener  net.Listener

	clientsMu sync.Mutex
	clients   map[uint64]net.Conn
	wg        sync.WaitGroup

	nextConnID         atomic.Uint64
	totalAccepted      atomic.Uint64
	totalHandshakeFail atomic.Uint64
	totalRejected      atomic.Uint64
	totalDisconnected  atomic.Uint64
	totalSendErrors    atomic.Uint64
	totalDropped       atomic.Uint64
}

type Option func(*Server)

// New returns a server mirroring b.
func New(b bus.Bus, opts ...Option) *Server {
	s := &Server{
		addr:             ":0",
		bus:              b,
		dec:              &cnl.Codec{},
		enc:              &cnl.Codec{},
		flushInterval:    defaultFlushInterval,
		batchSize:        defaultBatchSize,
		readDeadline:     defaultReadDeadline,
		handshakeTimeout: defaultHandshakeTimeout,
		streamTimeout:    defaultStreamTimeout,
		readyCh:          make(chan struct{}),
		errCh:            make(chan error, 1),
		clients:          make(map[uint64]net.Conn),
		logger:           logging.Component("mirror"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func WithListenAddr(a string) Option { return func(s *Server) { s.addr = a } }

func positive[T int | time.Duration](dst *T, v T) {
	if v > 0 {
		*dst = v
	}
}

func WithFlushInterval(d time.Duration) Option {
	return func(s *Server) { positive(&s.flushInterval, d) }
}
func WithBatchSize(n int) Option { return func(s *Server) { positive(&s.batchSize, n) } }
func WithReadDeadline(d time.Duration) Option {
	return func(s *Server) { positive(&s.readDeadline, d) }
}
func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *Server) { positive(&s.handshakeTimeout, d) }
}

// WithStreamTimeout sets the idle period after which a client's bus stream
// is reopened.
func WithStreamTimeout(d time.Duration) Option {
	return func(s *Server) { positive(&s.streamTimeout, d) }
}

// WithMaxClients limits concurrent clients; 0 means unlimited.
func WithMaxClients(n int) Option { return func(s *Server) { positive(&s.maxClients, n) } }

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func (s *Server) Addr() string           { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }
func (s *Server) Ready() <-chan struct{} { return s.readyCh }
func (s *Server) Errors() <-chan error   { return s.errCh }

func (s *Server) LastError() error {
	s.lastErrMu.Lock()
	defer s.lastErrMu.Unlock()
	return s.lastErr
}

func (s *Server) setError(err error) {
	metrics.IncError(mapErrToMetric(err))
	s.lastErrMu.Lock()
	s.lastErr = err
	s.lastErrMu.Unlock()
	select {
	case s.errCh <- err:
	default:
	}
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	return len(s.clients)
}

// Serve accepts clients until ctx ends.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		s.setError(wrap)
		return wrap
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.listener = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("mirror_listen", "addr", s.Addr())
	go func() { <-ctx.Done(); _ = ln.Close() }()
	for {
		if err := s.acceptOnce(ctx, ln); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (s *Server) acceptOnce(ctx context.Context, ln net.Listener) error {
	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
			return context.Canceled
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			time.Sleep(200 * time.Millisecond)
			return nil
		}
		wrap := fmt.Errorf("%w: %v", ErrAccept, err)
		s.setError(wrap)
		return wrap
	}
	s.totalAccepted.Add(1)
	id := s.nextConnID.Add(1)
	logger := s.logger.With("conn_id", id, "remote", conn.RemoteAddr().String())
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}
	if err := cnl.Handshake(ctx, conn, s.handshakeTimeout); err != nil {
		wrap := fmt.Errorf("%w: %v", ErrHandshake, err)
		s.setError(wrap)
		s.totalHandshakeFail.Add(1)
		logger.Warn("handshake_failed", "error", wrap)
		_ = conn.Close()
		return nil
	}
	s.clientsMu.Lock()
	if s.maxClients > 0 && len(s.clients) >= s.maxClients {
		s.clientsMu.Unlock()
		s.totalRejected.Add(1)
		metrics.IncMirrorReject()
		logger.Warn("client_reject_max", "max_clients", s.maxClients)
		_ = conn.Close()
		return nil
	}
	s.clients[id] = conn
	n := len(s.clients)
	s.clientsMu.Unlock()
	metrics.SetMirrorClients(n)
	logger.Info("client_connected", "clients", n)
	s.serveClient(ctx, id, conn, logger)
	return nil
}

func (s *Server) removeClient(id uint64) {
	s.clientsMu.Lock()
	_, ok := s.clients[id]
	delete(s.clients, id)
	n := len(s.clients)
	s.clientsMu.Unlock()
	if ok {
		metrics.SetMirrorClients(n)
	}
}

// Shutdown closes the listener and every client and waits for their
// goroutines.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.clientsMu.Lock()
	for id, conn := range s.clients {
		_ = conn.Close()
		delete(s.clients, id)
	}
	s.clientsMu.Unlock()
	metrics.SetMirrorClients(0)
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err())
	case <-done:
		s.logger.Info("shutdown_summary",
			"accepted", s.totalAccepted.Load(),
			"handshake_fail", s.totalHandshakeFail.Load(),
			"rejected", s.totalRejected.Load(),
			"disconnected", s.totalDisconnected.Load(),
			"send_errors", s.totalSendErrors.Load(),
			"dropped", s.totalDropped.Load())
		return nil
	}
}
