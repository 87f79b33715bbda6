// Package bridge wires the device channel, poll loop, broadcaster, servers
// and forwarder together and owns their start and shutdown order.
package bridge

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	serial "github.com/luhtfiimanal/serial-bridge"
	"github.com/luhtfiimanal/serial-bridge/broadcast"
	"github.com/luhtfiimanal/serial-bridge/internal/config"
	"github.com/luhtfiimanal/serial-bridge/internal/forward"
	"github.com/luhtfiimanal/serial-bridge/internal/metrics"
	"github.com/luhtfiimanal/serial-bridge/internal/poller"
	"github.com/luhtfiimanal/serial-bridge/internal/server"
)

const shutdownTimeout = 5 * time.Second

// Bridge is one running instance: a single device served to many clients.
type Bridge struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	opener    serial.OpenFunc
	publisher forward.Publisher

	channel *serial.Channel
	hub     *broadcast.Hub
	loop    *poller.Loop
	server  *server.Server
}

// Option configures a Bridge
type Option func(*Bridge)

// WithOpener replaces the device open function
func WithOpener(fn serial.OpenFunc) Option {
	return func(b *Bridge) {
		b.opener = fn
	}
}

// WithPublisher forwards readings to p instead of dialing the configured
// MQTT broker
func WithPublisher(p forward.Publisher) Option {
	return func(b *Bridge) {
		b.publisher = p
	}
}

// WithRegistry sets the Prometheus registry the bridge registers its
// collectors with and serves on /metrics
func WithRegistry(reg *prometheus.Registry) Option {
	return func(b *Bridge) {
		b.registry = reg
	}
}

// New builds all components from cfg, executing functional options, if any
func New(cfg *config.Config, logger *zap.Logger, options ...Option) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bridge{
		cfg:    cfg,
		logger: logger,
	}
	for _, option := range options {
		option(b)
	}
	if b.registry == nil {
		b.registry = prometheus.NewRegistry()
		b.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	b.metrics = metrics.New(b.registry)

	chOpts := []serial.Option{
		serial.WithLogger(logger),
		serial.WithStateChangeHandler(b.onDeviceState),
	}
	if b.opener != nil {
		chOpts = append(chOpts, serial.WithOpener(b.opener))
	}
	b.channel = serial.NewChannel(cfg.SerialConfig(), chOpts...)

	b.hub = broadcast.New(
		broadcast.WithBuffer(cfg.Server.Buffer),
		broadcast.WithHistory(cfg.Server.HistorySize),
		broadcast.WithLogger(logger.Named("hub")),
		broadcast.WithRecorder(b.metrics),
	)

	b.loop = poller.New(b.channel, b.hub,
		poller.WithPollTimeout(cfg.PollTimeout()),
		poller.WithReconnect(cfg.Poll.ReconnectAttempts, cfg.ReconnectInitial(), cfg.ReconnectMax()),
		poller.WithDegradedCooldown(cfg.DegradedCooldown()),
		poller.WithLogger(logger.Named("poller")),
		poller.WithMetrics(b.metrics),
	)

	b.server = server.New(
		server.Config{HTTPAddr: cfg.HTTPAddr(), StreamAddr: cfg.StreamAddr()},
		b.hub,
		b.status,
		server.WithLogger(logger.Named("server")),
		server.WithMetrics(b.metrics),
		server.WithGatherer(b.registry),
		server.WithWriteTimeout(cfg.WriteTimeout()),
	)
	return b
}

func (b *Bridge) onDeviceState(st serial.ConnectionStatus) {
	b.metrics.SetDeviceState(int(st.State))
	b.logger.Debug("device state changed", zap.Stringer("status", st))
}

func (b *Bridge) status() server.Status {
	st := b.channel.Status()
	return server.Status{
		Connected:   st.State == serial.StateConnected,
		DeviceState: st.State.String(),
		DeviceError: st.Error,
		Degraded:    b.loop.Degraded(),
	}
}

// Run serves clients and polls the device until ctx is done. A device that
// cannot be opened at startup, a rejected device configuration or a failing
// listener ends Run with that error, after everything has been shut down.
//
// Shutdown cancels the poll loop first. The loop is the only holder of the
// device and closes it in its Draining step before returning, so closing
// the device is the last step of cancelling the loop rather than a separate
// step after the clients. Only then are new subscriptions rejected, stream
// clients released and the forwarder stopped.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.server.Listen(); err != nil {
		return err
	}

	serveCtx, stopServe := context.WithCancel(context.Background())
	defer stopServe()
	serveErr := make(chan error, 1)
	go func() { serveErr <- b.server.Serve(serveCtx) }()

	fwdCtx, stopForward := context.WithCancel(context.Background())
	var fwd errgroup.Group
	b.startForwarder(fwdCtx, &fwd)

	loopCtx, stopLoop := context.WithCancel(ctx)
	defer stopLoop()
	loopErr := make(chan error, 1)
	go func() { loopErr <- b.loop.Run(loopCtx) }()

	var err error
	select {
	case err = <-loopErr:
	case err = <-serveErr:
		b.logger.Error("listener failed", zap.Error(err))
		stopLoop()
		<-loopErr
	}

	// The poll loop has returned, so the device is already closed. Stop
	// accepting subscribers, release clients, then stop forwarding.
	b.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := b.server.Shutdown(shutdownCtx); serr != nil {
		b.logger.Warn("server shutdown", zap.Error(serr))
	}
	stopForward()
	if ferr := fwd.Wait(); ferr != nil {
		b.logger.Error("forwarder stopped", zap.Error(ferr))
	}

	b.logger.Info("bridge stopped")
	return err
}

func (b *Bridge) startForwarder(ctx context.Context, g *errgroup.Group) {
	if b.publisher == nil && b.cfg.MQTT.Broker == "" {
		return
	}
	logger := b.logger.Named("forward")

	g.Go(func() error {
		publisher := b.publisher
		if publisher == nil {
			client, err := forward.Dial(ctx, forward.DialConfig{
				Broker:   b.cfg.MQTT.Broker,
				ClientID: b.cfg.MQTT.ClientID,
				Username: b.cfg.MQTT.Username,
				Password: b.cfg.MQTT.Password,
			}, logger)
			if err != nil {
				logger.Error("forwarding disabled", zap.Error(err))
				return nil
			}
			publisher = client
		}

		f := forward.New(publisher, b.cfg.MQTT.Topic, b.hub,
			forward.WithLogger(logger),
			forward.WithMetrics(b.metrics))
		return f.Run(ctx)
	})
}

// Addrs returns the bound query and stream addresses once Run is listening.
func (b *Bridge) Addrs() (query, stream string) {
	q, s := b.server.Addrs()
	if q == nil {
		return "", ""
	}
	return q.String(), s.String()
}
