package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the sidecar's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ReceiptsMinted   prometheus.Counter
	AdapterRuns      *prometheus.CounterVec
	HeartbeatFails   prometheus.Gauge
	LockdownActive   prometheus.Gauge
	RevocationSetLen prometheus.Gauge
	KeyRotations     prometheus.Counter
}

// NewMetrics registers the sidecar collectors on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vac",
			Name:      "requests_total",
			Help:      "Proxied requests by decision and error kind.",
		}, []string{"decision", "kind"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vac",
			Name:      "request_duration_seconds",
			Help:      "End-to-end request duration by decision.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"decision"}),
		ReceiptsMinted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vac",
			Name:      "receipts_minted_total",
			Help:      "Receipts minted on upstream success.",
		}),
		AdapterRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vac",
			Name:      "adapter_runs_total",
			Help:      "Adapter invocations by outcome.",
		}, []string{"outcome"}),
		HeartbeatFails: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vac",
			Name:      "heartbeat_consecutive_failures",
			Help:      "Consecutive heartbeat failures.",
		}),
		LockdownActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vac",
			Name:      "lockdown_active",
			Help:      "1 while the sidecar is in lockdown.",
		}),
		RevocationSetLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vac",
			Name:      "revocation_set_size",
			Help:      "Token ids currently in the revocation set.",
		}),
		KeyRotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vac",
			Name:      "session_key_rotations_total",
			Help:      "Session keypair rotations since start.",
		}),
	}
	reg.MustRegister(
		m.RequestsTotal, m.RequestDuration, m.ReceiptsMinted, m.AdapterRuns,
		m.HeartbeatFails, m.LockdownActive, m.RevocationSetLen, m.KeyRotations,
	)
	return m
}

// Handler serves the registry for the admin listener.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
