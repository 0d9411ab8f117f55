// Package observability bundles structured logging and metrics behind one
// collaborator that components can call unconditionally: every method is a
// safe no-op when observability is disabled, and none of them can fail.
package observability

import (
	"time"

	"go.uber.org/zap"

	"github.com/taskfleet/taskfleet/internal/metrics"
)

// Observer is the shared observability collaborator.
type Observer struct {
	logger    *zap.Logger
	collector *metrics.Collector
	enabled   bool
}

// New creates an enabled observer. Either argument may be nil.
func New(logger *zap.Logger, collector *metrics.Collector) *Observer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Observer{logger: logger, collector: collector, enabled: true}
}

// Nop returns a disabled observer whose methods do nothing.
func Nop() *Observer {
	return &Observer{logger: zap.NewNop()}
}

// Logger exposes the underlying logger for components that build child
// loggers with extra fields.
func (o *Observer) Logger() *zap.Logger {
	if o == nil {
		return zap.NewNop()
	}
	return o.logger
}

// Info logs a structured informational event.
func (o *Observer) Info(msg string, fields ...zap.Field) {
	if o == nil || !o.enabled {
		return
	}
	o.logger.Info(msg, fields...)
}

// Warn logs a structured warning.
func (o *Observer) Warn(msg string, fields ...zap.Field) {
	if o == nil || !o.enabled {
		return
	}
	o.logger.Warn(msg, fields...)
}

// Error logs a structured error event.
func (o *Observer) Error(msg string, fields ...zap.Field) {
	if o == nil || !o.enabled {
		return
	}
	o.logger.Error(msg, fields...)
}

// WorkflowFinished records a finished run.
func (o *Observer) WorkflowFinished(adapter, status string, duration time.Duration) {
	if o == nil || !o.enabled || o.collector == nil {
		return
	}
	o.collector.RecordWorkflow(adapter, status, duration)
}

// TargetProcessed records one per-target outcome.
func (o *Observer) TargetProcessed(adapter, outcome string) {
	if o == nil || !o.enabled || o.collector == nil {
		return
	}
	o.collector.RecordTarget(adapter, outcome)
}

// RecoveryAttempt records a recovery-strategy dispatch.
func (o *Observer) RecoveryAttempt(category, strategy string) {
	if o == nil || !o.enabled || o.collector == nil {
		return
	}
	o.collector.RecordRecovery(category, strategy)
}

// BreakerTransition records a breaker state change.
func (o *Observer) BreakerTransition(breaker, toState string) {
	if o == nil || !o.enabled || o.collector == nil {
		return
	}
	o.collector.RecordBreakerTransition(breaker, toState)
}

// HealAction records a healer action.
func (o *Observer) HealAction(kind, outcome string) {
	if o == nil || !o.enabled || o.collector == nil {
		return
	}
	o.collector.RecordHeal(kind, outcome)
}

// WorkerStarted marks a dispatch unit entering execution.
func (o *Observer) WorkerStarted() {
	if o == nil || !o.enabled || o.collector == nil {
		return
	}
	o.collector.WorkerStarted()
}

// WorkerFinished marks a dispatch unit leaving execution.
func (o *Observer) WorkerFinished() {
	if o == nil || !o.enabled || o.collector == nil {
		return
	}
	o.collector.WorkerFinished()
}
