// Package metrics exposes the observability signals of a telemetry session as
// Prometheus collectors. A nil *Metrics is valid and records nothing, so
// components can take one unconditionally.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every collector.
const Namespace = "feed"

// Metrics groups the collectors of one session.
type Metrics struct {
	frames        *prometheus.CounterVec
	framesDropped *prometheus.CounterVec
	connects      *prometheus.CounterVec
	disconnects   prometheus.Counter
	bytesReceived prometheus.Counter
	publishes     *prometheus.CounterVec
	pingInterval  prometheus.Gauge
}

// New creates the collectors and registers them with the registerer. A nil
// registerer leaves them unregistered, which is useful in tests.
func New(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		frames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "frames_total",
				Help:      "Total number of frames resolved from the peer stream",
			},
			[]string{"tag"},
		),
		framesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "frames_dropped_total",
				Help:      "Total number of frames dropped because they were malformed",
			},
			[]string{"tag"},
		),
		connects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "connects_total",
				Help:      "Total number of connection attempts",
			},
			[]string{"result"},
		),
		disconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "disconnects_total",
				Help:      "Total number of connections torn down",
			},
		),
		bytesReceived: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "bytes_received_total",
				Help:      "Total number of bytes read from the peer",
			},
		),
		publishes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "publish_total",
				Help:      "Total number of payloads handed to the sink, by outcome",
			},
			[]string{"result"},
		),
		pingInterval: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "ping_interval_seconds",
				Help:      "Liveness ping interval currently in effect",
			},
		),
	}
	if registerer == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.frames, m.framesDropped, m.connects, m.disconnects, m.bytesReceived, m.publishes, m.pingInterval} {
		if err := registerer.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Frame records a resolved frame. Dropped frames are counted separately.
func (m *Metrics) Frame(tag string, dropped bool) {
	if m == nil {
		return
	}
	if dropped {
		m.framesDropped.WithLabelValues(tag).Inc()
		return
	}
	m.frames.WithLabelValues(tag).Inc()
}

// Connect records the outcome of a connection attempt.
func (m *Metrics) Connect(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.connects.WithLabelValues("failure").Inc()
		return
	}
	m.connects.WithLabelValues("success").Inc()
}

// Disconnect records a torn down connection.
func (m *Metrics) Disconnect() {
	if m == nil {
		return
	}
	m.disconnects.Inc()
}

// BytesReceived records bytes read from the peer.
func (m *Metrics) BytesReceived(n int) {
	if m == nil {
		return
	}
	m.bytesReceived.Add(float64(n))
}

// Publish records the outcome of a publish. Result is one of "success",
// "failure", or "duplicate".
func (m *Metrics) Publish(result string) {
	if m == nil {
		return
	}
	m.publishes.WithLabelValues(result).Inc()
}

// PingInterval records the liveness interval in effect.
func (m *Metrics) PingInterval(d time.Duration) {
	if m == nil {
		return
	}
	m.pingInterval.Set(d.Seconds())
}
