// Package metrics exposes Prometheus instrumentation for signetd.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "signetd"

// Metrics holds all signetd instrumentation. Each daemon instance owns
// one set backed by its own registry, so tests never collide on global
// registration.
type Metrics struct {
	registry *prometheus.Registry

	// Counters
	VerificationsTotal *prometheus.CounterVec
	AccountsCreated    prometheus.Counter
	RequestsTotal      *prometheus.CounterVec
	EntropyFailures    prometheus.Counter

	// Gauges
	NoncesRetained       prometheus.Gauge
	PaymastersAuthorized prometheus.Gauge
	ConnectionsActive    prometheus.Gauge
	EntropySourceHealthy *prometheus.GaugeVec

	// Histograms
	VerificationDuration prometheus.Histogram
}

// New creates and registers all signetd metrics on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		VerificationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "authz",
			Name:      "verifications_total",
			Help:      "Verification requests by outcome code.",
		}, []string{"outcome"}),

		AccountsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "accounts",
			Name:      "created_total",
			Help:      "Accounts created.",
		}),

		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "enclave",
			Name:      "requests_total",
			Help:      "Framed requests by message type.",
		}, []string{"type"}),

		EntropyFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "entropy",
			Name:      "failures_total",
			Help:      "Entropy draws that failed health testing.",
		}),

		NoncesRetained: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "authz",
			Name:      "nonces_retained",
			Help:      "Nonces currently inside the replay window.",
		}),

		PaymastersAuthorized: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "authz",
			Name:      "paymasters_authorized",
			Help:      "Addresses in the paymaster allow list.",
		}),

		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "enclave",
			Name:      "connections_active",
			Help:      "Open host connections.",
		}),

		EntropySourceHealthy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "entropy",
			Name:      "source_healthy",
			Help:      "Per-source health (1 healthy, 0.5 degraded, 0 failed).",
		}, []string{"source"}),

		VerificationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "authz",
			Name:      "verification_duration_seconds",
			Help:      "End-to-end verification latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
	}
}

// Handler returns the scrape endpoint for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
