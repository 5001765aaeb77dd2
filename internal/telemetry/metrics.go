// Package telemetry exposes Prometheus metrics for turn processing,
// arbitration outcomes, and lock contention.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the runtime emits, registered against one
// registry so tests can use isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	// Arbitration decisions by winning policy and action.
	decisionsTotal *prometheus.CounterVec

	// Per-policy prediction outcomes (predicted, abstained, failed).
	policyOutcomes *prometheus.CounterVec

	// Full turn processing duration.
	turnDuration *prometheus.HistogramVec

	// Optimistic save conflicts that triggered a reload and retry.
	saveConflictsTotal prometheus.Counter

	// Lock acquisition timeouts and wait times.
	lockTimeoutsTotal prometheus.Counter
	lockWaitSeconds   prometheus.Histogram
}

// New creates and registers all collectors on a fresh registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "colloquy"
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,

		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decisions_total",
				Help:      "Arbitration decisions by winning policy and action",
			},
			[]string{"policy", "action"},
		),

		policyOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_outcomes_total",
				Help:      "Per-policy prediction outcomes",
			},
			[]string{"policy", "outcome"},
		),

		turnDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "turn_duration_seconds",
				Help:      "End-to-end turn processing duration",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"status"},
		),

		saveConflictsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "save_conflicts_total",
				Help:      "Optimistic save conflicts that forced a reload and retry",
			},
		),

		lockTimeoutsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_timeouts_total",
				Help:      "Session lock acquisitions that timed out",
			},
		),

		lockWaitSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "lock_wait_seconds",
				Help:      "Time spent waiting for the session lock",
				Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
			},
		),
	}

	registry.MustRegister(
		m.decisionsTotal,
		m.policyOutcomes,
		m.turnDuration,
		m.saveConflictsTotal,
		m.lockTimeoutsTotal,
		m.lockWaitSeconds,
	)
	return m
}

// RecordDecision counts an arbitration result.
func (m *Metrics) RecordDecision(policy, action string) {
	m.decisionsTotal.WithLabelValues(policy, action).Inc()
}

// RecordPolicyOutcome counts what one policy did during a decision.
func (m *Metrics) RecordPolicyOutcome(policy, outcome string) {
	m.policyOutcomes.WithLabelValues(policy, outcome).Inc()
}

// ObserveTurn records a completed turn's duration.
func (m *Metrics) ObserveTurn(status string, seconds float64) {
	m.turnDuration.WithLabelValues(status).Observe(seconds)
}

// RecordSaveConflict counts one optimistic save rejection.
func (m *Metrics) RecordSaveConflict() {
	m.saveConflictsTotal.Inc()
}

// RecordLockTimeout counts one lock acquisition timeout.
func (m *Metrics) RecordLockTimeout() {
	m.lockTimeoutsTotal.Inc()
}

// ObserveLockWait records how long a turn waited for its session lock.
func (m *Metrics) ObserveLockWait(seconds float64) {
	m.lockWaitSeconds.Observe(seconds)
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}
