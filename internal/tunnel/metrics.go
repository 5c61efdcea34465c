package tunnel

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors of one Server. Each Server owns its own
// registry so several servers can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	activeSessions  prometheus.Gauge
	connections     prometheus.Counter
	authFailures    *prometheus.CounterVec
	bytes           *prometheus.CounterVec
	sessionDuration prometheus.Histogram
}

// NewMetrics creates and registers the tunnel collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gx_tunnel_active_sessions",
			Help: "Number of sessions currently open",
		}),
		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gx_tunnel_connections_total",
			Help: "Total number of accepted connections",
		}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gx_tunnel_auth_failures_total",
			Help: "Rejected handshakes by reason",
		}, []string{"reason"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gx_tunnel_bytes_total",
			Help: "Bytes relayed by direction",
		}, []string{"direction"}),
		sessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gx_tunnel_session_duration_seconds",
			Help:    "Duration of closed sessions",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 16),
		}),
	}
	m.registry.MustRegister(
		m.activeSessions,
		m.connections,
		m.authFailures,
		m.bytes,
		m.sessionDuration,
	)
	return m
}

// Registry returns the registry holding the tunnel collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) sessionOpened() {
	m.connections.Inc()
	m.activeSessions.Inc()
}

func (m *Metrics) sessionClosed(d time.Duration) {
	m.activeSessions.Dec()
	m.sessionDuration.Observe(d.Seconds())
}

func (m *Metrics) authFailed(reason string) {
	m.authFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) download(n int) {
	m.bytes.WithLabelValues("download").Add(float64(n))
}

func (m *Metrics) upload(n int) {
	m.bytes.WithLabelValues("upload").Add(float64(n))
}
