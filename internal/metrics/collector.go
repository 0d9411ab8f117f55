// Package metrics provides internal prometheus metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector registers and records orchestrator metrics.
type Collector struct {
	workflowsTotal   *prometheus.CounterVec
	workflowDuration *prometheus.HistogramVec
	targetsTotal     *prometheus.CounterVec
	recoveryTotal    *prometheus.CounterVec
	breakerTotal     *prometheus.CounterVec
	healsTotal       *prometheus.CounterVec
	inflightWorkers  prometheus.Gauge
}

// NewCollector creates a collector registered against reg. Pass
// prometheus.DefaultRegisterer in production; tests use a fresh registry to
// avoid duplicate-registration panics.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		workflowsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflows_total",
				Help:      "Total number of workflow runs by adapter and final status",
			},
			[]string{"adapter", "status"},
		),
		workflowDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "workflow_duration_seconds",
				Help:      "Workflow run duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"adapter"},
		),
		targetsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "targets_processed_total",
				Help:      "Total number of per-target dispatches by adapter and outcome",
			},
			[]string{"adapter", "outcome"},
		),
		recoveryTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recovery_attempts_total",
				Help:      "Total number of recovery dispatches by category and strategy",
			},
			[]string{"category", "strategy"},
		),
		breakerTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "breaker_transitions_total",
				Help:      "Total number of circuit breaker state transitions",
			},
			[]string{"breaker", "to_state"},
		),
		healsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "heals_total",
				Help:      "Total number of healing actions by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		inflightWorkers: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "inflight_workers",
				Help:      "Number of per-target units currently executing",
			},
		),
	}
}

// RecordWorkflow records one finished workflow run.
func (c *Collector) RecordWorkflow(adapter, status string, duration time.Duration) {
	c.workflowsTotal.WithLabelValues(adapter, status).Inc()
	c.workflowDuration.WithLabelValues(adapter).Observe(duration.Seconds())
}

// RecordTarget records one per-target dispatch outcome.
func (c *Collector) RecordTarget(adapter, outcome string) {
	c.targetsTotal.WithLabelValues(adapter, outcome).Inc()
}

// RecordRecovery records one recovery-strategy dispatch.
func (c *Collector) RecordRecovery(category, strategy string) {
	c.recoveryTotal.WithLabelValues(category, strategy).Inc()
}

// RecordBreakerTransition records a breaker state change.
func (c *Collector) RecordBreakerTransition(breaker, toState string) {
	c.breakerTotal.WithLabelValues(breaker, toState).Inc()
}

// RecordHeal records a healing action.
func (c *Collector) RecordHeal(kind, outcome string) {
	c.healsTotal.WithLabelValues(kind, outcome).Inc()
}

// WorkerStarted marks a per-target unit entering execution.
func (c *Collector) WorkerStarted() { c.inflightWorkers.Inc() }

// WorkerFinished marks a per-target unit leaving execution.
func (c *Collector) WorkerFinished() { c.inflightWorkers.Dec() }
