// Package metrics wraps github.com/prometheus/client_golang, grounded
// on the teacher's internal/escrow/metrics.go NewMetrics/promauto
// idiom, generalized from the escrow domain's entropy/transaction
// gauges to the kernel's circuit breakers, job scheduler, and event
// bus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ocx/agentkernel/internal/circuitbreaker"
)

// Metrics holds every Prometheus collector the kernel exports.
type Metrics struct {
	Registry       *prometheus.Registry
	CircuitState   *prometheus.GaugeVec
	JobRuns        *prometheus.CounterVec
	JobDuration    *prometheus.HistogramVec
	JobOverlapSkip *prometheus.CounterVec
	EventsEmitted  *prometheus.CounterVec
	PolicyDecision *prometheus.CounterVec
}

// New creates every collector against its own registry, so that
// multiple Metrics instances (one per test, or one per tenant-scoped
// server in a multi-process deployment) never collide on metric name
// registration the way a shared default registry would.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		CircuitState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agentkernel_circuit_state",
				Help: "Current circuit breaker state (0=closed, 1=half_open, 2=open)",
			},
			[]string{"name"},
		),
		JobRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentkernel_scheduler_job_runs_total",
				Help: "Total scheduled job executions by outcome",
			},
			[]string{"job_id", "outcome"},
		),
		JobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentkernel_scheduler_job_duration_seconds",
				Help:    "Duration of scheduled job executions",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"job_id"},
		),
		JobOverlapSkip: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentkernel_scheduler_overlap_skips_total",
				Help: "Total ticks skipped because the previous run was still in flight",
			},
			[]string{"job_id"},
		),
		EventsEmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentkernel_events_emitted_total",
				Help: "Total events published to the event bus",
			},
			[]string{"channel"},
		),
		PolicyDecision: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentkernel_policy_decisions_total",
				Help: "Total policy evaluations by decision",
			},
			[]string{"tenant_id", "decision"},
		),
	}
}

// CircuitRecorder adapts Metrics to circuitbreaker.MetricsRecorder.
type CircuitRecorder struct {
	m *Metrics
}

// NewCircuitRecorder wraps m for use as a circuitbreaker.MetricsRecorder.
func NewCircuitRecorder(m *Metrics) CircuitRecorder {
	return CircuitRecorder{m: m}
}

func (r CircuitRecorder) SetState(name string, state circuitbreaker.State) {
	var v float64
	switch state {
	case circuitbreaker.Closed:
		v = 0
	case circuitbreaker.HalfOpen:
		v = 1
	case circuitbreaker.Open:
		v = 2
	}
	r.m.CircuitState.WithLabelValues(name).Set(v)
}

// RecordJobRun records one scheduler execution.
func (m *Metrics) RecordJobRun(jobID, outcome string, durationSeconds float64) {
	m.JobRuns.WithLabelValues(jobID, outcome).Inc()
	m.JobDuration.WithLabelValues(jobID).Observe(durationSeconds)
}

// RecordOverlapSkip records one skipped tick.
func (m *Metrics) RecordOverlapSkip(jobID string) {
	m.JobOverlapSkip.WithLabelValues(jobID).Inc()
}

// RecordEvent records one event bus publish.
func (m *Metrics) RecordEvent(channel string) {
	m.EventsEmitted.WithLabelValues(channel).Inc()
}

// RecordPolicyDecision records one policy evaluation outcome.
func (m *Metrics) RecordPolicyDecision(tenantID, decision string) {
	m.PolicyDecision.WithLabelValues(tenantID, decision).Inc()
}
