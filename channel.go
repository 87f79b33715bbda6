package serial

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Port is the line-oriented view of an open serial device.
type Port interface {
	ReadLine(timeout time.Duration) (line string, ok bool, err error)
	Close() error
}

// OpenFunc opens a Port for the given configuration.
type OpenFunc func(Config) (Port, error)

func openPort(cfg Config) (Port, error) {
	r, err := Open(cfg)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Channel owns the link to one device: it opens and closes the port and is
// the only place where the connection state changes.
type Channel struct {
	cfg      Config
	opener   OpenFunc
	logger   *zap.Logger
	onChange func(ConnectionStatus)

	mu       sync.Mutex
	port     Port
	status   ConnectionStatus
	openedAt time.Time
}

// Option configures a Channel
type Option func(*Channel)

// WithLogger sets a logger
func WithLogger(logger *zap.Logger) Option {
	return func(c *Channel) {
		c.logger = logger
	}
}

// WithOpener replaces the function used to open the port
func WithOpener(fn OpenFunc) Option {
	return func(c *Channel) {
		c.opener = fn
	}
}

// WithStateChangeHandler defines a handler function that is called upon state change
func WithStateChangeHandler(fn func(ConnectionStatus)) Option {
	return func(c *Channel) {
		c.onChange = fn
	}
}

// NewChannel instantiates a Channel in StateDisconnected, executing functional options, if any
func NewChannel(cfg Config, options ...Option) *Channel {
	c := &Channel{
		cfg:    cfg,
		opener: openPort,
		logger: zap.NewNop(),
	}
	for _, option := range options {
		option(c)
	}
	c.logger = c.logger.With(zap.String("device", cfg.Device))
	return c
}

// Config returns the configuration the channel opens the device with.
func (c *Channel) Config() Config {
	return c.cfg
}

// Status returns the current status of the device link
func (c *Channel) Status() ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Open opens the device. Calling Open on an open channel is a no-op.
func (c *Channel) Open() error {
	c.mu.Lock()
	if c.port != nil {
		c.mu.Unlock()
		return nil
	}
	st := c.setStatus(StateConnecting, nil)
	c.mu.Unlock()
	c.notify(st)

	port, err := c.opener(c.cfg)

	c.mu.Lock()
	if err != nil {
		st = c.setStatus(StateFailed, err)
		c.mu.Unlock()
		c.notify(st)
		c.logger.Warn("connection failed", zap.Int("baud", c.cfg.BaudRate), zap.Error(err))
		return err
	}
	c.port = port
	openedAt := time.Now()
	c.openedAt = openedAt
	st = c.setStatus(StateConnected, nil)
	c.mu.Unlock()
	c.notify(st)

	c.logger.Info("connection established",
		zap.Int("baud", c.cfg.BaudRate),
		zap.Time("at", openedAt))
	return nil
}

// ReadLine reads one line from the open port; see SerialReader.ReadLine.
// A read failure closes the port and moves the channel to StateFailed.
func (c *Channel) ReadLine(timeout time.Duration) (string, bool, error) {
	c.mu.Lock()
	port := c.port
	c.mu.Unlock()
	if port == nil {
		return "", false, ErrClosed
	}

	line, ok, err := port.ReadLine(timeout)
	if err == nil || errors.Is(err, ErrClosed) {
		return line, ok, err
	}

	c.mu.Lock()
	if c.port != port {
		// Closed or reopened underneath us.
		c.mu.Unlock()
		return "", false, ErrClosed
	}
	c.port = nil
	st := c.setStatus(StateFailed, err)
	c.mu.Unlock()

	if cerr := port.Close(); cerr != nil {
		c.logger.Debug("close after read failure", zap.Error(cerr))
	}
	c.notify(st)
	c.logger.Warn("connection lost", zap.Error(err))
	return "", false, err
}

// Close releases the port. It is idempotent and safe to call concurrently
// with ReadLine, which then returns ErrClosed.
func (c *Channel) Close() error {
	c.mu.Lock()
	port := c.port
	c.port = nil
	openedAt := c.openedAt
	changed := c.status.State != StateDisconnected || c.status.Error != nil
	st := c.setStatus(StateDisconnected, nil)
	c.mu.Unlock()

	var err error
	if port != nil {
		err = port.Close()
		c.logger.Info("connection closed",
			zap.Time("at", time.Now()),
			zap.Duration("uptime", time.Since(openedAt)))
	}
	if changed {
		c.notify(st)
	}
	return err
}

// setStatus must be called with c.mu held.
func (c *Channel) setStatus(state State, err error) ConnectionStatus {
	c.status = ConnectionStatus{
		State: state,
		Error: err,
	}
	return c.status
}

func (c *Channel) notify(st ConnectionStatus) {
	if c.onChange != nil {
		c.onChange(st)
	}
}
