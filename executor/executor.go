// Package executor dispatches a task across many targets in parallel,
// bounded by a process-wide concurrency limit. Every per-target dispatch
// goes through the adapter's circuit breaker and the recovery engine;
// failures are contained to their target and never cancel siblings. The
// run's lifecycle is tracked in the workflow state store.
package executor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/taskfleet/taskfleet/circuitbreaker"
	"github.com/taskfleet/taskfleet/observability"
	"github.com/taskfleet/taskfleet/recovery"
	"github.com/taskfleet/taskfleet/state"
	"github.com/taskfleet/taskfleet/types"
)

// Config configures the parallel executor.
type Config struct {
	// MaxConcurrentWorkflows bounds how many per-target units may execute
	// adapter calls simultaneously.
	MaxConcurrentWorkflows int `json:"max_concurrent_workflows" yaml:"max_concurrent_workflows"`

	// RateLimitPerSecond throttles adapter dispatches across all units.
	// Zero disables rate limiting.
	RateLimitPerSecond float64 `json:"rate_limit_per_second" yaml:"rate_limit_per_second"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentWorkflows: 5,
	}
}

// ProgressFunc is invoked after each target finishes, in completion order.
type ProgressFunc func(completed, total int, target string)

// AggregateResult is the outcome of one parallel run.
type AggregateResult struct {
	Status               string               `json:"status"`
	Adapter              string               `json:"adapter"`
	WorkflowID           string               `json:"workflow_id"`
	TaskID               string               `json:"task_id"`
	ReposProcessed       int                  `json:"repos_processed"`
	SuccessfulRepos      int                  `json:"successful_repos"`
	FailedRepos          int                  `json:"failed_repos"`
	ExecutionTimeSeconds float64              `json:"execution_time_seconds"`
	Results              []types.TargetResult `json:"results"`
	Errors               []types.TargetError  `json:"errors,omitempty"`
	ConcurrencyLimit     int                  `json:"concurrency_limit"`
}

// Run statuses reported to callers.
const (
	RunCompleted = "completed"
	RunPartial   = "partial"
	RunFailed    = "failed"
)

// Executor is the concurrency-gated parallel executor.
type Executor struct {
	config   Config
	adapters *Registry
	breakers *circuitbreaker.Registry
	policies recovery.Policies
	store    *state.Store
	observer *observability.Observer
	logger   *zap.Logger
	tracer   trace.Tracer
	limiter  *rate.Limiter

	gate        QualityGate
	checkpoints Checkpointer
	targets     TargetSource
}

// New creates an executor. policies may be nil for the defaults.
func New(config Config, adapters *Registry, breakers *circuitbreaker.Registry, policies recovery.Policies, store *state.Store, observer *observability.Observer, logger *zap.Logger) *Executor {
	if config.MaxConcurrentWorkflows <= 0 {
		config.MaxConcurrentWorkflows = DefaultConfig().MaxConcurrentWorkflows
	}
	if adapters == nil {
		adapters = NewRegistry()
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

	var limiter *rate.Limiter
	if config.RateLimitPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RateLimitPerSecond), 1)
	}

	return &Executor{
		config:   config,
		adapters: adapters,
		breakers: breakers,
		policies: policies,
		store:    store,
		observer: observer,
		logger:   logger.With(zap.String("component", "executor")),
		tracer:   otel.Tracer("taskfleet/executor"),
		limiter:  limiter,
	}
}

// WithQualityGate installs the optional quality-gate collaborator.
func (e *Executor) WithQualityGate(gate QualityGate) *Executor {
	e.gate = gate
	return e
}

// WithCheckpointer installs the optional checkpoint collaborator.
func (e *Executor) WithCheckpointer(cp Checkpointer) *Executor {
	e.checkpoints = cp
	return e
}

// WithTargetSource installs the optional default-target provider.
func (e *Executor) WithTargetSource(src TargetSource) *Executor {
	e.targets = src
	return e
}

// Adapters exposes the adapter registry.
func (e *Executor) Adapters() *Registry {
	return e.adapters
}

// ExecuteParallel runs task against every target through adapterName,
// bounded by the configured concurrency limit. A nil targets slice resolves
// to the default target list; an empty one completes immediately without
// touching the adapter. Per-target failures are captured, not propagated:
// only configuration and pre-flight validation errors abort the batch.
func (e *Executor) ExecuteParallel(ctx context.Context, task *types.Task, adapterName string, targets []string, progress ProgressFunc) (*AggregateResult, error) {
	if task == nil {
		return nil, types.NewConfigurationError("task", "task must not be nil")
	}

	adapter, err := e.adapters.Get(adapterName)
	if err != nil {
		return nil, err
	}

	if targets == nil && e.targets != nil {
		targets, err = e.targets.DefaultTargets(ctx)
		if err != nil {
			return nil, types.NewConfigurationError("targets", "default target resolution failed: "+err.Error())
		}
	}
	targets = dedupe(targets)

	if e.gate != nil {
		if gateErr := e.gate.ValidatePreExecution(ctx, targets); gateErr != nil {
			return nil, types.NewValidationError("pre-execution gate rejected batch: " + gateErr.Error())
		}
	}

	taskID := task.ID
	if taskID == "" {
		taskID = uuid.New().String()
	}

	ctx, span := e.tracer.Start(ctx, "executor.ExecuteParallel",
		trace.WithAttributes(
			attribute.String("adapter", adapterName),
			attribute.String("task.type", task.Type),
			attribute.Int("targets", len(targets)),
		))
	defer span.End()

	record, err := e.store.Create(ctx, taskID, task, targets)
	if err != nil {
		return nil, err
	}

	checkpointID := e.createCheckpoint(ctx, record)

	start := time.Now()
	e.logger.Info("parallel run started",
		zap.String("workflow_id", record.ID),
		zap.String("adapter", adapterName),
		zap.Int("targets", len(targets)),
		zap.Int("concurrency_limit", e.config.MaxConcurrentWorkflows))

	results, targetErrs := e.fanOut(ctx, adapter, adapterName, task, record.ID, targets, progress)

	aggregate := e.finalize(ctx, record.ID, adapterName, taskID, targets, results, targetErrs, time.Since(start))

	if e.gate != nil {
		// A post-flight gate failure only warns; it never flips a
		// completed run to failed.
		if gateErr := e.gate.ValidatePostExecution(ctx, targets); gateErr != nil {
			e.observer.Warn("post-execution gate failed",
				zap.String("workflow_id", record.ID),
				zap.Error(gateErr))
		}
	}

	e.updateCheckpoint(ctx, checkpointID, aggregate)

	span.SetAttributes(attribute.String("status", aggregate.Status))
	return aggregate, nil
}

// fanOut schedules one unit per target under the concurrency limit and
// waits for all of them regardless of individual failure. Outcomes are
// zipped back by input index so aggregate order matches targets order.
func (e *Executor) fanOut(ctx context.Context, adapter Adapter, adapterName string, task *types.Task, workflowID string, targets []string, progress ProgressFunc) ([]*types.TargetResult, []*types.TargetError) {
	total := len(targets)
	results := make([]*types.TargetResult, total)
	targetErrs := make([]*types.TargetError, total)

	engine := recovery.NewEngine(e.breakers.GetOrCreate(adapterName), e.policies, e.observer, e.logger)

	var completed atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(e.config.MaxConcurrentWorkflows)

	for i, target := range targets {
		i, target := i, target
		g.Go(func() error {
			if e.limiter != nil {
				_ = e.limiter.Wait(ctx)
			}

			e.observer.WorkerStarted()
			res := engine.Execute(ctx, func(ctx context.Context) (any, error) {
				out, execErr := adapter.Execute(ctx, task, []string{target})
				if execErr != nil {
					return nil, types.NewAdapterError(adapterName, target, execErr)
				}
				return out, nil
			}, workflowID, target)
			e.observer.WorkerFinished()

			now := time.Now()
			if res.Success {
				results[i] = &types.TargetResult{
					Target:     target,
					Output:     res.Value,
					Attempts:   res.Attempts,
					Recovered:  res.Recovered,
					FinishedAt: now,
				}
				e.observer.TargetProcessed(adapterName, "success")
				if err := e.store.AddResult(ctx, workflowID, *results[i]); err != nil {
					e.logger.Warn("failed to record target result", zap.Error(err))
				}
			} else {
				targetErrs[i] = &types.TargetError{
					Target:    target,
					Message:   res.Err.Error(),
					Category:  string(res.Category),
					Timestamp: now,
				}
				e.observer.TargetProcessed(adapterName, "error")
				if err := e.store.AddError(ctx, workflowID, *targetErrs[i]); err != nil {
					e.logger.Warn("failed to record target error", zap.Error(err))
				}
			}

			done := int(completed.Add(1))
			if err := e.store.UpdateProgress(ctx, workflowID, done, total); err != nil {
				e.logger.Warn("failed to update progress", zap.Error(err))
			}
			if progress != nil {
				progress(done, total, target)
			}
			return nil
		})
	}

	_ = g.Wait()
	return results, targetErrs
}

// finalize partitions outcomes, updates the record to its terminal status
// and builds the aggregate result.
func (e *Executor) finalize(ctx context.Context, workflowID, adapterName, taskID string, targets []string, results []*types.TargetResult, targetErrs []*types.TargetError, elapsed time.Duration) *AggregateResult {
	successful := make([]types.TargetResult, 0, len(targets))
	failed := make([]types.TargetError, 0)
	for i := range targets {
		if results[i] != nil {
			successful = append(successful, *results[i])
		}
		if targetErrs[i] != nil {
			failed = append(failed, *targetErrs[i])
		}
	}

	status := RunCompleted
	recordStatus := types.StatusCompleted
	switch {
	case len(failed) == 0:
		// Completed, including the empty batch.
	case len(successful) == 0:
		status = RunFailed
		recordStatus = types.StatusFailed
	default:
		status = RunPartial
		recordStatus = types.StatusPartial
	}

	if _, err := e.store.Update(ctx, workflowID, func(r *types.WorkflowRecord) {
		r.Status = recordStatus
		r.Progress = 100
	}); err != nil {
		e.logger.Warn("failed to finalize workflow record",
			zap.String("workflow_id", workflowID),
			zap.Error(err))
	}

	e.observer.WorkflowFinished(adapterName, status, elapsed)
	e.logger.Info("parallel run finished",
		zap.String("workflow_id", workflowID),
		zap.String("status", status),
		zap.Int("successful", len(successful)),
		zap.Int("failed", len(failed)),
		zap.Duration("elapsed", elapsed))

	aggregate := &AggregateResult{
		Status:               status,
		Adapter:              adapterName,
		WorkflowID:           workflowID,
		TaskID:               taskID,
		ReposProcessed:       len(targets),
		SuccessfulRepos:      len(successful),
		FailedRepos:          len(failed),
		ExecutionTimeSeconds: elapsed.Seconds(),
		Results:              successful,
		ConcurrencyLimit:     e.config.MaxConcurrentWorkflows,
	}
	if len(failed) > 0 {
		aggregate.Errors = failed
	}
	return aggregate
}

func (e *Executor) createCheckpoint(ctx context.Context, record *types.WorkflowRecord) string {
	if e.checkpoints == nil {
		return ""
	}
	snapshot := map[string]any{
		"workflow_id": record.ID,
		"targets":     record.Targets,
		"created_at":  record.CreatedAt,
	}
	checkpointID, err := e.checkpoints.CreateCheckpoint(ctx, record.ID, snapshot)
	if err != nil {
		e.observer.Warn("checkpoint creation failed",
			zap.String("workflow_id", record.ID),
			zap.Error(err))
		return ""
	}
	return checkpointID
}

func (e *Executor) updateCheckpoint(ctx context.Context, checkpointID string, aggregate *AggregateResult) {
	if e.checkpoints == nil || checkpointID == "" {
		return
	}
	if err := e.checkpoints.UpdateCheckpoint(ctx, checkpointID, aggregate.Status, aggregate); err != nil {
		e.observer.Warn("checkpoint update failed",
			zap.String("checkpoint_id", checkpointID),
			zap.Error(err))
	}
}

// dedupe removes duplicate targets while preserving input order.
func dedupe(targets []string) []string {
	if len(targets) < 2 {
		return targets
	}
	seen := make(map[string]struct{}, len(targets))
	out := targets[:0:0]
	for _, t := range targets {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
