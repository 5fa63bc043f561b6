// Package metrics exposes Prometheus instrumentation for the SDK's
// outbound activity (spec §C supplemented feature: fetch-cycle
// unchanged/changed counters, queue depth, retry/circuit-breaker
// behavior). Grounded on the teacher's pkg/metrics/retry.go
// Namespace/Subsystem convention via promauto, but registered against
// a private *prometheus.Registry per Client rather than the global
// DefaultRegisterer — a library embedded in a host process can be
// constructed more than once (tests, multiple client keys), and
// promauto.With(reg) keeps each instance's metrics independent instead
// of panicking on duplicate global registration.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cfclient"

// Metrics bundles every counter/gauge/histogram the SDK records.
type Metrics struct {
	Registry *prometheus.Registry

	FetchCyclesTotal    *prometheus.CounterVec // outcome: "skipped", "unchanged", "changed", "no_settings", "error"
	FetchDurationSeconds *prometheus.HistogramVec

	// RetryAttemptsTotal and CircuitBreakerTrips are registered but no
	// SDK component records to them, so they stay at zero.
	RetryAttemptsTotal *prometheus.CounterVec // operation, outcome
	CircuitBreakerTrips *prometheus.CounterVec // operation

	QueueDepth    *prometheus.GaugeVec // queue: "summary", "event"
	QueueDropped  *prometheus.CounterVec
	FlushesTotal  *prometheus.CounterVec // queue, outcome

	ConnectionStatus *prometheus.GaugeVec // status label, 1 for active else 0
}

// New builds a Metrics bundle registered against a fresh private
// registry, safe to construct once per Client instance.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		FetchCyclesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "cycles_total",
			Help:      "Total configuration fetch cycles by outcome.",
		}, []string{"outcome"}),

		FetchDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "duration_seconds",
			Help:      "Duration of a configuration fetch cycle.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"outcome"}),

		RetryAttemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "attempts_total",
			Help:      "Total retry attempts by operation and outcome.",
		}, []string{"operation", "outcome"}),

		CircuitBreakerTrips: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "circuit_breaker",
			Name:      "trips_total",
			Help:      "Total number of times a circuit breaker opened.",
		}, []string{"operation"}),

		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Current number of items queued awaiting flush.",
		}, []string{"queue"}),

		QueueDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "dropped_total",
			Help:      "Total items dropped due to a full queue.",
		}, []string{"queue"}),

		FlushesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "flushes_total",
			Help:      "Total flush attempts by queue and outcome.",
		}, []string{"queue", "outcome"}),

		ConnectionStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "status",
			Help:      "1 if the connection status label is currently active, else 0.",
		}, []string{"status"}),
	}
}

// SetConnectionStatus zeroes every known status gauge then sets only
// the active one to 1, so Prometheus always sees a clean one-hot set.
func (m *Metrics) SetConnectionStatus(active string, known []string) {
	for _, s := range known {
		val := 0.0
		if s == active {
			val = 1.0
		}
		m.ConnectionStatus.WithLabelValues(s).Set(val)
	}
}
