// Package metrics exposes escrow activity as Prometheus series.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns its own registry so several engines (tests, embedded use) can
// coexist in one process. A nil *Metrics records nothing.
type Metrics struct {
	registry      *prometheus.Registry
	operations    *prometheus.CounterVec
	resolutions   *prometheus.CounterVec
	custodyErrors *prometheus.CounterVec
	pending       prometheus.Gauge
	submitLatency prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gigescrow",
			Subsystem: "engine",
			Name:      "operations_total",
			Help:      "Coordinator entry points segmented by operation and outcome.",
		}, []string{"operation", "outcome"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gigescrow",
			Subsystem: "oracle",
			Name:      "resolutions_total",
			Help:      "Verification callbacks segmented by result.",
		}, []string{"result"}),
		custodyErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gigescrow",
			Subsystem: "custody",
			Name:      "errors_total",
			Help:      "Failed custody transfers segmented by operation and kind.",
		}, []string{"op", "kind"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gigescrow",
			Subsystem: "oracle",
			Name:      "pending_requests",
			Help:      "Verification requests submitted and not yet resolved.",
		}),
		submitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gigescrow",
			Subsystem: "oracle",
			Name:      "submit_duration_seconds",
			Help:      "Latency of outbound verification submissions.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	m.registry.MustRegister(m.operations, m.resolutions, m.custodyErrors, m.pending, m.submitLatency)
	return m
}

// Operation records one coordinator call. err == nil counts as "ok".
func (m *Metrics) Operation(op string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(op, outcome).Inc()
}

// Resolution records a processed callback as released, retryable or failed.
func (m *Metrics) Resolution(result string) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(result).Inc()
}

// Pending sets the outstanding request count as read from storage.
func (m *Metrics) Pending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

func (m *Metrics) Submitted(seconds float64) {
	if m == nil {
		return
	}
	m.submitLatency.Observe(seconds)
}

func (m *Metrics) CustodyError(op, kind string) {
	if m == nil {
		return
	}
	m.custodyErrors.WithLabelValues(op, kind).Inc()
}

// Gatherer exposes the registry for tests and embedding.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
