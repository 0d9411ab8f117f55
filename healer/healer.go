// Package healer scans the workflow state store for failed or stuck runs
// and attempts automated recovery. It performs single passes only; the
// caller owns the timer, which keeps the scan testable without real sleeps.
package healer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/taskfleet/taskfleet/circuitbreaker"
	"github.com/taskfleet/taskfleet/executor"
	"github.com/taskfleet/taskfleet/observability"
	"github.com/taskfleet/taskfleet/recovery"
	"github.com/taskfleet/taskfleet/state"
	"github.com/taskfleet/taskfleet/types"
)

// Config configures the healer.
type Config struct {
	// MaxErrorCount is the healing eligibility boundary: records with
	// more accumulated errors than this are left alone.
	MaxErrorCount int `json:"max_error_count" yaml:"max_error_count"`

	// StuckThreshold force-fails Running records whose last update is
	// older than this.
	StuckThreshold time.Duration `json:"stuck_threshold" yaml:"stuck_threshold"`

	// FailedBatchSize bounds the Failed scan per pass.
	FailedBatchSize int `json:"failed_batch_size" yaml:"failed_batch_size"`

	// RunningBatchSize bounds the stuck scan per pass.
	RunningBatchSize int `json:"running_batch_size" yaml:"running_batch_size"`

	// DefaultAdapter is used when a resubmitted task does not name one.
	DefaultAdapter string `json:"default_adapter" yaml:"default_adapter"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxErrorCount:    5,
		StuckThreshold:   time.Hour,
		FailedBatchSize:  50,
		RunningBatchSize: 100,
	}
}

// Healer resubmits eligible failed runs and force-fails stuck ones.
type Healer struct {
	config   Config
	store    *state.Store
	executor *executor.Executor
	breakers *circuitbreaker.Registry
	policies recovery.Policies
	observer *observability.Observer
	logger   *zap.Logger

	// now is swappable for tests.
	now func() time.Time
}

// New creates a healer.
func New(config Config, store *state.Store, exec *executor.Executor, breakers *circuitbreaker.Registry, policies recovery.Policies, observer *observability.Observer, logger *zap.Logger) *Healer {
	if config.MaxErrorCount <= 0 {
		config.MaxErrorCount = DefaultConfig().MaxErrorCount
	}
	if config.StuckThreshold <= 0 {
		config.StuckThreshold = DefaultConfig().StuckThreshold
	}
	if config.FailedBatchSize <= 0 {
		config.FailedBatchSize = DefaultConfig().FailedBatchSize
	}
	if config.RunningBatchSize <= 0 {
		config.RunningBatchSize = DefaultConfig().RunningBatchSize
	}
	if policies == nil {
		policies = recovery.DefaultPolicies()
	}
	if observer == nil {
		observer = observability.Nop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Healer{
		config:   config,
		store:    store,
		executor: exec,
		breakers: breakers,
		policies: policies,
		observer: observer,
		logger:   logger.With(zap.String("component", "healer")),
		now:      time.Now,
	}
}

// MonitorAndHeal runs one scan-and-act pass: resubmit eligible Failed
// records, then force-fail stuck Running ones. Intended to be invoked on a
// fixed interval by an external scheduler loop.
func (h *Healer) MonitorAndHeal(ctx context.Context) error {
	if err := h.healFailed(ctx); err != nil {
		return err
	}
	return h.failStuck(ctx)
}

func (h *Healer) healFailed(ctx context.Context) error {
	failed, err := h.store.List(ctx, types.StatusFailed, h.config.FailedBatchSize)
	if err != nil {
		return fmt.Errorf("failed to list failed workflows: %w", err)
	}

	for _, record := range failed {
		if !h.eligible(record) {
			continue
		}
		h.heal(ctx, record)
	}
	return nil
}

// eligible applies the healing boundary: bounded error count and a task
// plus targets still attached to resubmit.
func (h *Healer) eligible(record *types.WorkflowRecord) bool {
	if len(record.Errors) > h.config.MaxErrorCount {
		return false
	}
	if record.Task == nil || len(record.Targets) == 0 {
		return false
	}
	return true
}

func (h *Healer) heal(ctx context.Context, record *types.WorkflowRecord) {
	// Resubmit under a marked task id so the retry gets its own record.
	task := *record.Task
	task.ID = fmt.Sprintf("%s-retry-%d", record.ID, record.RetryCount+1)

	adapterName := task.ParamString("adapter")
	if adapterName == "" {
		adapterName = h.config.DefaultAdapter
	}

	engine := recovery.NewEngine(h.breakers.GetOrCreate(adapterName), h.policies, h.observer, h.logger)
	res := engine.Execute(ctx, func(ctx context.Context) (any, error) {
		aggregate, err := h.executor.ExecuteParallel(ctx, &task, adapterName, record.Targets, nil)
		if err != nil {
			return nil, err
		}
		if aggregate.Status == executor.RunFailed {
			return nil, fmt.Errorf("healing resubmission failed for all %d targets", aggregate.ReposProcessed)
		}
		return aggregate, nil
	}, record.ID, "")

	if !res.Success {
		h.observer.HealAction("resubmit", "failed")
		h.logger.Warn("healing resubmission failed",
			zap.String("workflow_id", record.ID),
			zap.Int("retry_count", record.RetryCount),
			zap.Error(res.Err))
		return
	}

	if _, err := h.store.Update(ctx, record.ID, func(r *types.WorkflowRecord) {
		r.Status = types.StatusRunning
		r.RetryCount++
		r.HealedFromFailure = true
	}); err != nil {
		h.logger.Warn("failed to mark workflow healed",
			zap.String("workflow_id", record.ID),
			zap.Error(err))
		return
	}

	h.observer.HealAction("resubmit", "healed")
	h.logger.Info("workflow healed",
		zap.String("workflow_id", record.ID),
		zap.String("retry_task_id", task.ID),
		zap.Int("retry_count", record.RetryCount+1))
}

// failStuck force-transitions Running records whose executor stopped
// updating them. This is what lets MonitorAndHeal eventually retry runs
// whose executor crashed without finalizing state.
func (h *Healer) failStuck(ctx context.Context) error {
	running, err := h.store.List(ctx, types.StatusRunning, h.config.RunningBatchSize)
	if err != nil {
		return fmt.Errorf("failed to list running workflows: %w", err)
	}

	cutoff := h.now().Add(-h.config.StuckThreshold)
	for _, record := range running {
		if !record.UpdatedAt.Before(cutoff) {
			continue
		}

		if _, err := h.store.Update(ctx, record.ID, func(r *types.WorkflowRecord) {
			r.Status = types.StatusFailed
			r.TimedOut = true
		}); err != nil {
			h.logger.Warn("failed to fail stuck workflow",
				zap.String("workflow_id", record.ID),
				zap.Error(err))
			continue
		}

		h.observer.HealAction("stuck", "failed")
		h.logger.Warn("stuck workflow force-failed",
			zap.String("workflow_id", record.ID),
			zap.Time("last_update", record.UpdatedAt))
	}
	return nil
}
