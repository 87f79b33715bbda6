package forward

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/luhtfiimanal/serial-bridge/broadcast"
	"github.com/luhtfiimanal/serial-bridge/internal/metrics"
	"github.com/luhtfiimanal/serial-bridge/reading"
)

type token struct {
	err     error
	timeout bool
	done    chan struct{}
}

func newToken(err error, timeout bool) *token {
	t := &token{err: err, timeout: timeout, done: make(chan struct{})}
	if !timeout {
		close(t.done)
	}
	return t
}

func (t *token) Wait() bool                     { return !t.timeout }
func (t *token) WaitTimeout(time.Duration) bool { return !t.timeout }
func (t *token) Done() <-chan struct{}          { return t.done }
func (t *token) Error() error                   { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeClient struct {
	mu      sync.Mutex
	msgs    []published
	results []mqtt.Token
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, published{topic, qos, retained, payload.([]byte)})
	if len(c.results) > 0 {
		t := c.results[0]
		c.results = c.results[1:]
		return t
	}
	return newToken(nil, false)
}

func (c *fakeClient) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func (c *fakeClient) get(i int) published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.msgs[i]
}

func TestForwarder_PublishesEachReading(t *testing.T) {
	hub := broadcast.New()
	client := &fakeClient{results: []mqtt.Token{
		newToken(nil, false),
		newToken(errors.New("not connected"), false),
		newToken(nil, true),
	}}
	m := metrics.New(prometheus.NewRegistry())
	f := New(client, "bins/1", hub, WithMetrics(m))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()
	require.Eventually(t, func() bool { return hub.Len() == 1 }, time.Second, time.Millisecond)

	at := time.Date(2024, 5, 1, 8, 30, 0, 0, time.Local)
	hub.Publish(reading.Reading{Distance: 23.5, BinStatus: "Full", ObservedAt: at})
	hub.Publish(reading.Reading{Distance: 20, BinStatus: "Full", ObservedAt: at})
	hub.Publish(reading.Reading{Distance: 10, BinStatus: "Half", ObservedAt: at})
	require.Eventually(t, func() bool { return client.count() == 3 }, time.Second, time.Millisecond)

	first := client.get(0)
	require.Equal(t, "bins/1", first.topic)
	require.Equal(t, byte(0), first.qos)
	require.False(t, first.retained)

	var msg reading.Message
	require.NoError(t, json.Unmarshal(first.payload, &msg))
	require.Equal(t, 23.5, *msg.Distance)
	require.Equal(t, "Full", msg.BinStatus)
	require.Equal(t, "2024-05-01 08:30:00", msg.Timestamp)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.Forwarded.WithLabelValues("timeout")) == 1
	}, time.Second, time.Millisecond)
	require.Equal(t, 1.0, testutil.ToFloat64(m.Forwarded.WithLabelValues("ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Forwarded.WithLabelValues("error")))

	cancel()
	require.NoError(t, <-done)
	require.Equal(t, 0, hub.Len())
}

func TestForwarder_StopsWhenHubCloses(t *testing.T) {
	hub := broadcast.New()
	f := New(&fakeClient{}, "bins/1", hub)

	done := make(chan error, 1)
	go func() { done <- f.Run(context.Background()) }()
	require.Eventually(t, func() bool { return hub.Len() == 1 }, time.Second, time.Millisecond)

	hub.Close()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("forwarder did not stop")
	}

	// A closed hub refuses the subscription outright.
	require.NoError(t, f.Run(context.Background()))
}

// blockingClient holds every publish until release is closed.
type blockingClient struct {
	fakeClient
	release chan struct{}
}

func (c *blockingClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	<-c.release
	return c.fakeClient.Publish(topic, qos, retained, payload)
}

func TestForwarder_ResubscribesAfterFallingBehind(t *testing.T) {
	hub := broadcast.New(broadcast.WithBuffer(1))
	client := &blockingClient{release: make(chan struct{})}
	f := New(client, "bins/1", hub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()
	require.Eventually(t, func() bool { return hub.Len() == 1 }, time.Second, time.Millisecond)

	// First reading is taken and blocks in Publish; the second fills the
	// queue; the third overflows it and drops the forwarder.
	at := time.Now()
	hub.Publish(reading.Reading{Distance: 1, BinStatus: "a", ObservedAt: at})
	require.Eventually(t, func() bool {
		hub.Publish(reading.Reading{Distance: 2, BinStatus: "b", ObservedAt: at})
		return hub.Len() == 0
	}, time.Second, time.Millisecond)

	close(client.release)
	require.Eventually(t, func() bool { return hub.Len() == 1 }, time.Second, time.Millisecond)

	hub.Publish(reading.Reading{Distance: 3, BinStatus: "c", ObservedAt: at})
	require.Eventually(t, func() bool {
		n := client.count()
		if n == 0 {
			return false
		}
		var msg reading.Message
		_ = json.Unmarshal(client.get(n-1).payload, &msg)
		return msg.BinStatus == "c"
	}, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestDial_RefusedBrokerFailsAfterRetries(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	client, err := Dial(context.Background(), DialConfig{
		Broker:   "tcp://" + addr,
		ClientID: "binbridge-test",
		Attempts: 2,
	}, nil)
	require.Error(t, err)
	require.ErrorContains(t, err, "connect to tcp://"+addr)
	require.Nil(t, client)
}

func TestDial_SilentBrokerStopsOnCancel(t *testing.T) {
	// Accepts connections and never answers CONNECT.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	_, err = Dial(ctx, DialConfig{Broker: "tcp://" + ln.Addr().String(), ClientID: "binbridge-test"}, nil)
	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, time.Since(start), time.Second)
}
