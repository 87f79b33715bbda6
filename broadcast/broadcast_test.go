package broadcast

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/luhtfiimanal/serial-bridge/internal/metrics"
	"github.com/luhtfiimanal/serial-bridge/reading"
)

func mk(d float64, status string) reading.Reading {
	return reading.Reading{Distance: d, BinStatus: status, ObservedAt: time.Unix(int64(d)+1, 0)}
}

func receive(t *testing.T, s *Subscription) reading.Reading {
	t.Helper()
	select {
	case r, ok := <-s.C():
		require.True(t, ok, "subscription closed unexpectedly")
		return r
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for reading")
	}
	return reading.Reading{}
}

func requireEmpty(t *testing.T, s *Subscription) {
	t.Helper()
	select {
	case r, ok := <-s.C():
		if ok {
			t.Fatalf("unexpected reading %v", r)
		}
	default:
	}
}

func TestHub_LatestSentinelThenExact(t *testing.T) {
	h := New()
	require.Equal(t, reading.Unknown(), h.Latest())

	r := mk(23.5, "Full")
	h.Publish(r)
	require.Equal(t, r, h.Latest())
}

func TestHub_NoReplayForLateSubscriber(t *testing.T) {
	h := New()
	r1, r2 := mk(1, "Empty"), mk(2, "Full")

	h.Publish(r1)
	s, err := h.Subscribe()
	require.NoError(t, err)
	h.Publish(r2)

	require.Equal(t, r2, receive(t, s))
	requireEmpty(t, s)
}

func TestHub_ThreeSubscribersOneMessageEach(t *testing.T) {
	h := New()
	var subs []*Subscription
	for i := 0; i < 3; i++ {
		s, err := h.Subscribe()
		require.NoError(t, err)
		subs = append(subs, s)
	}
	require.Equal(t, 3, h.Len())

	r := mk(10, "Half")
	h.Publish(r)

	for _, s := range subs {
		require.Equal(t, r, receive(t, s))
		requireEmpty(t, s)
	}
}

func TestHub_SlowSubscriberIsDroppedOthersUnaffected(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	h := New(WithBuffer(1), WithRecorder(m))

	slow, err := h.Subscribe()
	require.NoError(t, err)
	fast, err := h.Subscribe()
	require.NoError(t, err)

	r1, r2, r3 := mk(1, "a"), mk(2, "b"), mk(3, "c")
	h.Publish(r1)
	require.Equal(t, r1, receive(t, fast))

	// slow never drained r1: this round fails for it only.
	require.NotPanics(t, func() { h.Publish(r2) })
	require.Equal(t, r2, receive(t, fast))
	require.Equal(t, 1, h.Len())

	h.Publish(r3)
	require.Equal(t, r3, receive(t, fast))

	// slow sees what was queued before the failure, then a closed channel.
	require.Equal(t, r1, receive(t, slow))
	_, ok := <-slow.C()
	require.False(t, ok)
	var derr *DeliveryError
	require.ErrorAs(t, slow.Err(), &derr)
	require.Equal(t, slow.ID(), derr.Subscriber)

	require.Equal(t, 1.0, testutil.ToFloat64(m.DeliveriesDropped))
	require.Equal(t, 3.0, testutil.ToFloat64(m.ReadingsPublished))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Subscribers))

	// Unsubscribing a dropped subscriber is harmless.
	slow.Close()
	h.Unsubscribe(slow)
}

func TestHub_UnsubscribeIsIdempotent(t *testing.T) {
	h := New()
	s, err := h.Subscribe()
	require.NoError(t, err)

	s.Close()
	s.Close()
	h.Unsubscribe(s)
	h.Unsubscribe(nil)
	require.Equal(t, 0, h.Len())

	h.Publish(mk(1, "x"))
	_, ok := <-s.C()
	require.False(t, ok)
	require.NoError(t, s.Err())
}

func TestHub_CloseRejectsNewSubscriptions(t *testing.T) {
	h := New()
	s, err := h.Subscribe()
	require.NoError(t, err)

	h.Close()
	h.Close()

	_, ok := <-s.C()
	require.False(t, ok)
	require.ErrorIs(t, s.Err(), ErrClosed)

	_, err = h.Subscribe()
	require.ErrorIs(t, err, ErrClosed)

	r := mk(5, "Full")
	h.Publish(r)
	require.Equal(t, r, h.Latest())
}

func TestHub_Recent(t *testing.T) {
	h := New(WithHistory(3))
	require.Empty(t, h.Recent(10))

	for i := 1; i <= 5; i++ {
		h.Publish(mk(float64(i), "s"))
	}
	got := h.Recent(0)
	require.Len(t, got, 3)
	require.Equal(t, []float64{3, 4, 5}, []float64{got[0].Distance, got[1].Distance, got[2].Distance})

	got = h.Recent(2)
	require.Equal(t, []float64{4, 5}, []float64{got[0].Distance, got[1].Distance})
}

func TestHub_ConcurrentSubscribePublishPreservesOrder(t *testing.T) {
	h := New(WithBuffer(1024))
	const rounds = 500

	var wg sync.WaitGroup
	stop := make(chan struct{})

	// Churn: subscribers come and go during publishing.
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				s, err := h.Subscribe()
				if err != nil {
					return
				}
				s.Close()
			}
		}()
	}

	watcher, err := h.Subscribe()
	require.NoError(t, err)

	for i := 0; i < rounds; i++ {
		h.Publish(mk(float64(i), "s"))
	}
	close(stop)
	wg.Wait()

	for i := 0; i < rounds; i++ {
		require.Equal(t, float64(i), receive(t, watcher).Distance)
	}
}
