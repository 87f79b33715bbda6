// Package metrics holds the Prometheus collectors of the bridge. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "binbridge"

// Metrics groups the collectors exported on /metrics
type Metrics struct {
	ReadingsPublished prometheus.Counter
	ParseErrors       *prometheus.CounterVec
	DeviceErrors      *prometheus.CounterVec
	Subscribers       prometheus.Gauge
	DeliveriesDropped prometheus.Counter
	DeviceState       prometheus.Gauge
	Degraded          prometheus.Gauge
	Reconnects        prometheus.Counter
	Forwarded         *prometheus.CounterVec
	StreamConnections prometheus.Counter
	QueryRequests     *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ReadingsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "readings_published_total",
			Help: "Readings published to the broadcaster.",
		}),
		ParseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "parse_errors_total",
			Help: "Device lines that could not be parsed, by kind.",
		}, []string{"kind"}),
		DeviceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "device_errors_total",
			Help: "Device channel errors, by kind.",
		}, []string{"kind"}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "subscribers",
			Help: "Live streaming subscribers.",
		}),
		DeliveriesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "deliveries_dropped_total",
			Help: "Subscribers removed after a failed delivery.",
		}),
		DeviceState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "device_state",
			Help: "Device connection state (0 disconnected, 1 connecting, 2 connected, 3 failed).",
		}),
		Degraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "degraded",
			Help: "1 while the reconnect budget is exhausted.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconnects_total",
			Help: "Successful device reconnects.",
		}),
		Forwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "forwarded_total",
			Help: "Readings forwarded to MQTT, by result.",
		}, []string{"result"}),
		StreamConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "stream_connections_total",
			Help: "Accepted streaming connections.",
		}),
		QueryRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "query_requests_total",
			Help: "Point-query requests, by route.",
		}, []string{"route"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ReadingsPublished, m.ParseErrors, m.DeviceErrors, m.Subscribers,
			m.DeliveriesDropped, m.DeviceState, m.Degraded, m.Reconnects,
			m.Forwarded, m.StreamConnections, m.QueryRequests,
		)
	}
	return m
}

// Published counts a reading handed to the hub
func (m *Metrics) Published() {
	if m == nil {
		return
	}
	m.ReadingsPublished.Inc()
}

// ParseError counts a skipped line by reason
func (m *Metrics) ParseError(kind string) {
	if m == nil {
		return
	}
	m.ParseErrors.WithLabelValues(kind).Inc()
}

// DeviceError counts a device failure by kind
func (m *Metrics) DeviceError(kind string) {
	if m == nil {
		return
	}
	m.DeviceErrors.WithLabelValues(kind).Inc()
}

// SetSubscribers sets the current subscriber count
func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.Subscribers.Set(float64(n))
}

// Dropped counts a subscriber dropped for falling behind
func (m *Metrics) Dropped() {
	if m == nil {
		return
	}
	m.DeliveriesDropped.Inc()
}

// SetDeviceState records the device channel state
func (m *Metrics) SetDeviceState(state int) {
	if m == nil {
		return
	}
	m.DeviceState.Set(float64(state))
}

// SetDegraded records whether the poll loop is in degraded mode
func (m *Metrics) SetDegraded(on bool) {
	if m == nil {
		return
	}
	if on {
		m.Degraded.Set(1)
		return
	}
	m.Degraded.Set(0)
}

// Reconnected counts a successful device reopen
func (m *Metrics) Reconnected() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

// Forward counts an MQTT publish by result
func (m *Metrics) Forward(result string) {
	if m == nil {
		return
	}
	m.Forwarded.WithLabelValues(result).Inc()
}

// StreamAccepted counts an accepted stream connection
func (m *Metrics) StreamAccepted() {
	if m == nil {
		return
	}
	m.StreamConnections.Inc()
}

// Query counts a point query request by route
func (m *Metrics) Query(route string) {
	if m == nil {
		return
	}
	m.QueryRequests.WithLabelValues(route).Inc()
}
