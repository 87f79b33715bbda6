// Package broadcast holds the latest sensor reading and fans every new
// reading out to the live set of subscribers.
//
// All mutation of the subscriber set and every fan-out round happen under
// one mutex, so a Publish sees a consistent snapshot and delivers readings to
// each subscriber in publish order. Delivery never blocks: a subscriber whose
// queue is full is removed in the same round and its channel is closed.
package broadcast

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/luhtfiimanal/serial-bridge/reading"
)

const (
	defaultBuffer  = 16
	defaultHistory = 32
)

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("broadcaster closed")

// DeliveryError describes a subscriber dropped because a reading could not be
// queued for it.
type DeliveryError struct {
	Subscriber string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to subscriber %s failed: queue full", e.Subscriber)
}

// Recorder receives hub events. *metrics.Metrics satisfies it.
type Recorder interface {
	Published()
	Dropped()
	SetSubscribers(n int)
}

type nopRecorder struct{}

func (nopRecorder) Published()         {}
func (nopRecorder) Dropped()           {}
func (nopRecorder) SetSubscribers(int) {}

// Hub is the single owner of the latest reading and of the subscriber set.
type Hub struct {
	mu      sync.Mutex
	latest  reading.Reading
	history []reading.Reading
	next    int
	filled  bool
	subs    map[*Subscription]struct{}
	closed  bool

	buffer   int
	logger   *zap.Logger
	recorder Recorder
}

// Option configures a Hub
type Option func(*Hub)

// WithBuffer sets the per-subscriber queue length
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithHistory sets how many recent readings Recent can return
func WithHistory(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.history = make([]reading.Reading, n)
		}
	}
}

// WithLogger sets a logger
func WithLogger(logger *zap.Logger) Option {
	return func(h *Hub) {
		h.logger = logger
	}
}

// WithRecorder sets the metrics recorder
func WithRecorder(r Recorder) Option {
	return func(h *Hub) {
		if r != nil {
			h.recorder = r
		}
	}
}

// New instantiates an empty Hub, executing functional options, if any
func New(options ...Option) *Hub {
	h := &Hub{
		latest:   reading.Unknown(),
		history:  make([]reading.Reading, defaultHistory),
		subs:     make(map[*Subscription]struct{}),
		buffer:   defaultBuffer,
		logger:   zap.NewNop(),
		recorder: nopRecorder{},
	}
	for _, option := range options {
		option(h)
	}
	return h
}

// Publish replaces the latest reading and queues r for every current
// subscriber. Subscribers that cannot accept it are dropped; the failure stays
// local to them.
func (h *Hub) Publish(r reading.Reading) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.latest = r
	h.history[h.next] = r
	h.next = (h.next + 1) % len(h.history)
	if h.next == 0 {
		h.filled = true
	}
	h.recorder.Published()

	for s := range h.subs {
		select {
		case s.ch <- r:
		default:
			err := &DeliveryError{Subscriber: s.id}
			h.removeLocked(s, err)
			h.recorder.Dropped()
			h.logger.Warn("subscriber dropped", zap.Error(err))
		}
	}
}

// Latest returns the most recently published reading, or reading.Unknown()
// if nothing has been published yet.
func (h *Hub) Latest() reading.Reading {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latest
}

// Recent returns up to n of the most recent readings, oldest first.
func (h *Hub) Recent(n int) []reading.Reading {
	h.mu.Lock()
	defer h.mu.Unlock()

	size := h.next
	if h.filled {
		size = len(h.history)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]reading.Reading, 0, n)
	for i := size - n; i < size; i++ {
		idx := i
		if h.filled {
			idx = (h.next + i) % len(h.history)
		}
		out = append(out, h.history[idx])
	}
	return out
}

// Subscribe registers a new subscriber. It only receives readings published
// after this call returns.
func (h *Hub) Subscribe() (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}

	s := &Subscription{
		id:  uuid.NewString(),
		ch:  make(chan reading.Reading, h.buffer),
		hub: h,
	}
	h.subs[s] = struct{}{}
	h.recorder.SetSubscribers(len(h.subs))
	h.logger.Debug("subscriber added", zap.String("subscriber", s.id), zap.Int("subscribers", len(h.subs)))
	return s, nil
}

// Unsubscribe removes s and closes its channel. Redundant calls are no-ops.
func (h *Hub) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.removeLocked(s, nil) {
		h.logger.Debug("subscriber removed", zap.String("subscriber", s.id), zap.Int("subscribers", len(h.subs)))
	}
}

// Len returns the number of live subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close rejects further subscriptions and closes every subscriber channel.
// Latest keeps answering.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for s := range h.subs {
		h.removeLocked(s, ErrClosed)
	}
}

func (h *Hub) removeLocked(s *Subscription, reason error) bool {
	if _, ok := h.subs[s]; !ok {
		return false
	}
	delete(h.subs, s)
	s.err = reason
	close(s.ch)
	h.recorder.SetSubscribers(len(h.subs))
	return true
}

// Subscription is the receiving end of one subscriber.
type Subscription struct {
	id  string
	ch  chan reading.Reading
	hub *Hub
	err error
}

// ID returns the subscriber id.
func (s *Subscription) ID() string {
	return s.id
}

// C yields readings in publish order. It is closed when the subscriber is
// removed, by Close, by a failed delivery or by the hub shutting down.
func (s *Subscription) C() <-chan reading.Reading {
	return s.ch
}

// Err tells why C was closed: ErrClosed when the hub shut down, a
// *DeliveryError when s fell behind, nil when s unsubscribed itself. Only
// meaningful once C is closed.
func (s *Subscription) Err() error {
	return s.err
}

// Close unsubscribes s.
func (s *Subscription) Close() {
	s.hub.Unsubscribe(s)
}
