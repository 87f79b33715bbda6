// Package server exposes the broadcaster to network clients: a WebSocket
// stream that pushes every new reading, and an HTTP API answering point
// queries for the latest reading, recent history and bridge health.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/luhtfiimanal/serial-bridge/broadcast"
	"github.com/luhtfiimanal/serial-bridge/internal/metrics"
	"github.com/luhtfiimanal/serial-bridge/reading"
)

const (
	defaultWriteTimeout = 2 * time.Second
	defaultPingPeriod   = 30 * time.Second
	maxClientMessage    = 512
)

// Hub is the broadcaster view the server needs. *broadcast.Hub satisfies it.
type Hub interface {
	Latest() reading.Reading
	Recent(n int) []reading.Reading
	Publish(r reading.Reading)
	Subscribe() (*broadcast.Subscription, error)
	Len() int
}

// Status is the device side of the health report.
type Status struct {
	Connected   bool
	DeviceState string
	DeviceError error
	Degraded    bool
}

// StatusFunc reports the current device status.
type StatusFunc func() Status

// Config holds the listen addresses.
type Config struct {
	HTTPAddr   string
	StreamAddr string
}

// Server serves the query and stream surfaces on two listeners.
type Server struct {
	cfg    Config
	hub    Hub
	status StatusFunc

	logger       *zap.Logger
	metrics      *metrics.Metrics
	gatherer     prometheus.Gatherer
	writeTimeout time.Duration
	pingPeriod   time.Duration
	now          func() time.Time

	query    *http.Server
	stream   *http.Server
	upgrader websocket.Upgrader

	mu        sync.Mutex
	listeners [2]net.Listener
	conns     map[*websocket.Conn]struct{}
	clients   sync.WaitGroup
	closing   atomic.Bool
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets a logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithGatherer sets the registry served on /metrics
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithWriteTimeout bounds every write to a stream client
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// WithPingPeriod sets the keep-alive ping interval of stream connections
func WithPingPeriod(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.pingPeriod = d
		}
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// New instantiates a Server, executing functional options, if any
func New(cfg Config, hub Hub, status StatusFunc, options ...Option) *Server {
	s := &Server{
		cfg:          cfg,
		hub:          hub,
		status:       status,
		logger:       zap.NewNop(),
		gatherer:     prometheus.DefaultGatherer,
		writeTimeout: defaultWriteTimeout,
		pingPeriod:   defaultPingPeriod,
		now:          time.Now,
		conns:        make(map[*websocket.Conn]struct{}),
	}
	for _, option := range options {
		option(s)
	}
	if s.status == nil {
		s.status = func() Status { return Status{} }
	}

	s.upgrader = websocket.Upgrader{
		HandshakeTimeout: 5 * time.Second,
		CheckOrigin:      func(*http.Request) bool { return true },
	}
	s.query = &http.Server{
		Handler:           s.QueryHandler(),
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          zap.NewStdLog(s.logger),
	}
	s.stream = &http.Server{
		Handler:           s.StreamHandler(),
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          zap.NewStdLog(s.logger),
	}
	return s
}

// Listen binds both addresses. Serve calls it when needed.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listeners[0] != nil {
		return nil
	}

	q, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		return err
	}
	st, err := net.Listen("tcp", s.cfg.StreamAddr)
	if err != nil {
		q.Close()
		return err
	}
	s.listeners = [2]net.Listener{q, st}
	return nil
}

// Addrs returns the bound query and stream addresses, or nil before Listen.
func (s *Server) Addrs() (query, stream net.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listeners[0] == nil {
		return nil, nil
	}
	return s.listeners[0].Addr(), s.listeners[1].Addr()
}

// Serve blocks until ctx is done or one of the listeners fails. It does not
// shut the servers down; call Shutdown for that.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	q, st := s.listeners[0], s.listeners[1]
	s.mu.Unlock()

	s.logger.Info("serving",
		zap.Stringer("http", q.Addr()),
		zap.Stringer("stream", st.Addr()))

	errc := make(chan error, 2)
	go func() { errc <- s.query.Serve(q) }()
	go func() { errc <- s.stream.Serve(st) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown stops accepting connections, closes every stream client and
// drains in-flight queries.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closing.Store(true)

	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(s.writeTimeout))
		conn.Close()
	}
	s.mu.Unlock()

	err := errors.Join(s.stream.Shutdown(ctx), s.query.Shutdown(ctx))

	done := make(chan struct{})
	go func() {
		s.clients.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.Join(err, ctx.Err())
	}
	return err
}

func (s *Server) track(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.Load() {
		return false
	}
	s.conns[conn] = struct{}{}
	s.clients.Add(1)
	return true
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[conn]; ok {
		delete(s.conns, conn)
		s.clients.Done()
	}
}
