// Package forward republishes every reading on an MQTT topic.
package forward

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/luhtfiimanal/serial-bridge/broadcast"
	"github.com/luhtfiimanal/serial-bridge/internal/metrics"
	"github.com/luhtfiimanal/serial-bridge/reading"
)

const (
	defaultPublishTimeout = 2 * time.Second
	defaultDialAttempts   = 5
	connectTimeout        = 3 * time.Second
	disconnectQuiesce     = 250 // ms
)

// Publisher is the part of mqtt.Client the forwarder uses.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Source hands out hub subscriptions. *broadcast.Hub satisfies it.
type Source interface {
	Subscribe() (*broadcast.Subscription, error)
}

// Forwarder is a hub subscriber that publishes readings to MQTT. Publish
// failures are logged and counted, never retried.
type Forwarder struct {
	client  Publisher
	topic   string
	source  Source
	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// Option configures a Forwarder
type Option func(*Forwarder)

// WithLogger sets a logger
func WithLogger(logger *zap.Logger) Option {
	return func(f *Forwarder) {
		f.logger = logger
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Forwarder) {
		f.metrics = m
	}
}

// WithPublishTimeout bounds the wait for a publish acknowledgement
func WithPublishTimeout(d time.Duration) Option {
	return func(f *Forwarder) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// New instantiates a Forwarder, executing functional options, if any
func New(client Publisher, topic string, source Source, options ...Option) *Forwarder {
	f := &Forwarder{
		client:  client,
		topic:   topic,
		source:  source,
		timeout: defaultPublishTimeout,
		logger:  zap.NewNop(),
	}
	for _, option := range options {
		option(f)
	}
	f.logger = f.logger.With(zap.String("topic", topic))
	return f
}

// Run forwards readings until ctx is done or the hub shuts down. When the hub
// drops the forwarder for falling behind, it subscribes again and carries on
// with the next reading.
func (f *Forwarder) Run(ctx context.Context) error {
	for {
		sub, err := f.source.Subscribe()
		if err != nil {
			if errors.Is(err, broadcast.ErrClosed) {
				return nil
			}
			return err
		}

		err = f.pump(ctx, sub)
		sub.Close()
		if err == nil || ctx.Err() != nil || errors.Is(err, broadcast.ErrClosed) {
			return nil
		}
		f.logger.Warn("forwarder fell behind, resubscribing", zap.Error(err))
	}
}

// pump returns nil on cancellation, otherwise the reason the subscription
// ended.
func (f *Forwarder) pump(ctx context.Context, sub *broadcast.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case r, ok := <-sub.C():
			if !ok {
				if err := sub.Err(); err != nil {
					return err
				}
				return broadcast.ErrClosed
			}
			f.publish(r)
		}
	}
}

func (f *Forwarder) publish(r reading.Reading) {
	payload, err := json.Marshal(reading.ToMessage(r))
	if err != nil {
		f.metrics.Forward("error")
		f.logger.Error("encoding reading", zap.Error(err))
		return
	}

	token := f.client.Publish(f.topic, 0, false, payload)
	switch {
	case !token.WaitTimeout(f.timeout):
		f.metrics.Forward("timeout")
		f.logger.Warn("publish timed out", zap.Duration("timeout", f.timeout))
	case token.Error() != nil:
		f.metrics.Forward("error")
		f.logger.Warn("publish failed", zap.Error(token.Error()))
	default:
		f.metrics.Forward("ok")
	}
}

// DialConfig holds the broker connection settings.
type DialConfig struct {
	Broker   string // e.g. tcp://localhost:1883
	ClientID string
	Username string
	Password string
	Attempts int
}

// Dial connects to the broker, retrying with exponential backoff. It gives up
// as soon as ctx is done. The client is disconnected when ctx is done.
func Dial(ctx context.Context, cfg DialConfig, logger *zap.Logger) (mqtt.Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", zap.Error(err))
	})

	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = defaultDialAttempts
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 10 * time.Second

	var client mqtt.Client
	err := backoff.Retry(func() error {
		client = mqtt.NewClient(opts)
		token := client.Connect()
		select {
		case <-token.Done():
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		}
		if err := token.Error(); err != nil {
			logger.Info("mqtt connect failed", zap.String("broker", cfg.Broker), zap.Error(err))
			return err
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(attempts-1)), ctx))
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Broker, err)
	}
	logger.Info("connected to mqtt broker", zap.String("broker", cfg.Broker))

	go func() {
		<-ctx.Done()
		client.Disconnect(disconnectQuiesce)
		logger.Info("mqtt connection closed")
	}()
	return client, nil
}
