// Package poller runs the read loop between the device channel and the
// broadcaster: it opens the device, reads lines, parses them and publishes
// readings, reconnecting with backoff when the device goes away.
package poller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	serial "github.com/luhtfiimanal/serial-bridge"
	"github.com/luhtfiimanal/serial-bridge/internal/metrics"
	"github.com/luhtfiimanal/serial-bridge/reading"
)

const (
	defaultPollTimeout      = 100 * time.Millisecond
	defaultMaxAttempts      = 5
	defaultInitialInterval  = 200 * time.Millisecond
	defaultMaxInterval      = 5 * time.Second
	defaultDegradedCooldown = 30 * time.Second

	// lines starting with this are diagnostics from the sensor firmware
	diagnosticPrefix = "Error"
)

// State denotes the state of the poll loop
type State int32

const (

	// StateIdle is active before Run opens the device
	StateIdle State = iota

	// StatePolling is active while lines are read and published
	StatePolling

	// StateDraining is active while the loop releases the device
	StateDraining

	// StateStopped is active once Run has returned
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StatePolling:
		return "Polling"
	case StateDraining:
		return "Draining"
	case StateStopped:
		return "Stopped"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Device is the part of *serial.Channel the loop drives.
type Device interface {
	Open() error
	ReadLine(timeout time.Duration) (string, bool, error)
	Close() error
}

// Publisher receives parsed readings. *broadcast.Hub satisfies it.
type Publisher interface {
	Publish(r reading.Reading)
}

// Loop moves lines from a Device to a Publisher.
type Loop struct {
	dev    Device
	pub    Publisher
	parser reading.Parser

	pollTimeout time.Duration
	maxAttempts int
	initial     time.Duration
	maxInterval time.Duration
	cooldown    time.Duration

	logger     *zap.Logger
	metrics    *metrics.Metrics
	onDegraded func(bool)

	breaker  *gobreaker.CircuitBreaker
	state    atomic.Int32
	degraded atomic.Bool
}

// Option configures a Loop
type Option func(*Loop)

// WithPollTimeout sets how long a single read waits for a line
func WithPollTimeout(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.pollTimeout = d
		}
	}
}

// WithParser replaces the line parser
func WithParser(p reading.Parser) Option {
	return func(l *Loop) {
		l.parser = p
	}
}

// WithReconnect sets the reconnect budget: at most maxAttempts opens per
// burst, spaced by an exponential backoff from initial up to max.
func WithReconnect(maxAttempts int, initial, max time.Duration) Option {
	return func(l *Loop) {
		if maxAttempts > 0 {
			l.maxAttempts = maxAttempts
		}
		if initial > 0 {
			l.initial = initial
		}
		if max > 0 {
			l.maxInterval = max
		}
	}
}

// WithDegradedCooldown sets the delay between reconnect probes once the
// reconnect budget is exhausted
func WithDegradedCooldown(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.cooldown = d
		}
	}
}

// WithLogger sets a logger
func WithLogger(logger *zap.Logger) Option {
	return func(l *Loop) {
		l.logger = logger
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Loop) {
		l.metrics = m
	}
}

// WithDegradedHandler defines a handler function that is called when the loop
// enters (true) or leaves (false) degraded mode
func WithDegradedHandler(fn func(bool)) Option {
	return func(l *Loop) {
		l.onDegraded = fn
	}
}

// New instantiates a Loop in StateIdle, executing functional options, if any
func New(dev Device, pub Publisher, options ...Option) *Loop {
	l := &Loop{
		dev:         dev,
		pub:         pub,
		pollTimeout: defaultPollTimeout,
		maxAttempts: defaultMaxAttempts,
		initial:     defaultInitialInterval,
		maxInterval: defaultMaxInterval,
		cooldown:    defaultDegradedCooldown,
		logger:      zap.NewNop(),
	}
	for _, option := range options {
		option(l)
	}

	maxAttempts := uint32(l.maxAttempts)
	l.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "device-reconnect",
		Timeout: l.cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= maxAttempts
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			l.logger.Debug("breaker state changed",
				zap.String("breaker", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
		},
	})
	return l
}

// State returns the current loop state
func (l *Loop) State() State {
	return State(l.state.Load())
}

// Degraded reports whether the reconnect budget is exhausted and the loop is
// only probing the device once per cooldown.
func (l *Loop) Degraded() bool {
	return l.degraded.Load()
}

// Run opens the device and polls it until ctx is cancelled. An open failure
// at startup is returned as is and nothing is published. A configuration
// error while reconnecting is returned too; every other device failure is
// retried. The device is closed on every exit path.
func (l *Loop) Run(ctx context.Context) error {
	defer l.setState(StateStopped)

	if err := l.dev.Open(); err != nil {
		l.metrics.DeviceError(ErrorKind(err))
		return err
	}
	defer func() {
		l.setState(StateDraining)
		if err := l.dev.Close(); err != nil {
			l.logger.Warn("closing device", zap.Error(err))
		}
	}()

	l.setState(StatePolling)
	for ctx.Err() == nil {
		line, ok, err := l.dev.ReadLine(l.pollTimeout)
		if err == nil {
			if ok {
				l.handleLine(line)
			}
			continue
		}
		if errors.Is(err, serial.ErrClosed) {
			l.logger.Debug("device closed, leaving poll loop")
			return nil
		}

		l.metrics.DeviceError(ErrorKind(err))
		if err := l.reconnect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
	return nil
}

func (l *Loop) handleLine(line string) {
	l.logger.Debug("line received", zap.String("line", line))

	trimmed := strings.TrimSpace(line)
	switch {
	case trimmed == "":
		return
	case strings.HasPrefix(trimmed, diagnosticPrefix):
		l.logger.Warn("device reported an error", zap.String("line", trimmed))
		l.metrics.ParseError("diagnostic")
		return
	}

	r, err := l.parser.Parse(trimmed)
	if err != nil {
		kind := "malformed_frame"
		if errors.Is(err, reading.ErrBadDistance) {
			kind = "bad_distance"
		}
		l.metrics.ParseError(kind)
		l.logger.Warn("discarding line", zap.Error(err))
		return
	}
	l.pub.Publish(r)
}

// reconnect returns nil once the device is open again. It only gives up on
// cancellation or on a configuration error.
func (l *Loop) reconnect(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.initial
	bo.MaxInterval = l.maxInterval
	bo.MaxElapsedTime = 0

	attempt := 0
	open := func() error {
		attempt++
		_, err := l.breaker.Execute(func() (interface{}, error) {
			return nil, l.dev.Open()
		})
		switch {
		case err == nil:
			return nil
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return backoff.Permanent(err)
		case errors.Is(err, serial.ErrConfigInvalid):
			return backoff.Permanent(err)
		}
		l.metrics.DeviceError(ErrorKind(err))
		l.logger.Info("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		return err
	}

	for {
		err := backoff.Retry(open,
			backoff.WithContext(backoff.WithMaxRetries(bo, uint64(l.maxAttempts-1)), ctx))
		if err == nil {
			l.metrics.Reconnected()
			l.setDegraded(false)
			l.logger.Info("device reconnected", zap.Int("attempts", attempt))
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, serial.ErrConfigInvalid) {
			l.logger.Error("device configuration rejected, stopping", zap.Error(err))
			return err
		}

		l.setDegraded(true)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.cooldown):
		}
	}
}

func (l *Loop) setDegraded(on bool) {
	if l.degraded.Swap(on) == on {
		return
	}
	l.metrics.SetDegraded(on)
	if on {
		l.logger.Warn("reconnect budget exhausted, entering degraded mode",
			zap.Duration("probe_every", l.cooldown))
	} else {
		l.logger.Info("leaving degraded mode")
	}
	if l.onDegraded != nil {
		l.onDegraded(on)
	}
}

func (l *Loop) setState(s State) {
	if State(l.state.Swap(int32(s))) != s {
		l.logger.Debug("poll loop state changed", zap.Stringer("state", s))
	}
}

// ErrorKind names the class of a device error for metrics labels.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, serial.ErrConfigInvalid):
		return "config_invalid"
	case errors.Is(err, serial.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, serial.ErrReadFailure):
		return "read_failure"
	case errors.Is(err, serial.ErrClosed):
		return "closed"
	}
	return "other"
}
