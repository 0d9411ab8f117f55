// Package recovery classifies failures and applies per-category recovery
// strategies: retry with backoff and jitter, fallback, skip, or notify.
// Every attempt is admitted through the adapter's circuit breaker.
package recovery

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/taskfleet/taskfleet/circuitbreaker"
	"github.com/taskfleet/taskfleet/observability"
)

// Strategy selects how a failure category is recovered.
type Strategy string

const (
	StrategyRetry    Strategy = "retry"
	StrategyFallback Strategy = "fallback"
	StrategySkip     Strategy = "skip"
	StrategyNotify   Strategy = "notify"
)

// FallbackFunc produces a substitute result after the primary operation
// failed. It receives the original error.
type FallbackFunc func(ctx context.Context, cause error) (any, error)

// Action is the immutable per-category recovery policy.
type Action struct {
	Strategy      Strategy
	MaxAttempts   int
	BackoffFactor float64
	Fallback      FallbackFunc
}

// Policies maps failure categories to recovery actions.
type Policies map[Category]Action

// DefaultPolicies returns the default category policies. Resource errors
// fall back (a FallbackFunc must be supplied via WithFallback to take
// effect); Permission and Permanent failures are skipped; Validation is
// escalated without retrying.
func DefaultPolicies() Policies {
	return Policies{
		CategoryTransient:  {Strategy: StrategyRetry, MaxAttempts: 5, BackoffFactor: 2},
		CategoryNetwork:    {Strategy: StrategyRetry, MaxAttempts: 3, BackoffFactor: 3},
		CategoryResource:   {Strategy: StrategyFallback},
		CategoryPermission: {Strategy: StrategySkip},
		CategoryPermanent:  {Strategy: StrategySkip},
		CategoryValidation: {Strategy: StrategyNotify},
	}
}

// defaultAction applies when a category has no mapped policy.
var defaultAction = Action{Strategy: StrategyRetry, MaxAttempts: 3, BackoffFactor: 2}

// maxBackoffSeconds caps a single retry sleep.
const maxBackoffSeconds = 60

// Operation is one resilient unit of work.
type Operation func(ctx context.Context) (any, error)

// Result is the outcome of Execute.
type Result struct {
	// Success is true when a value was produced, by the operation itself
	// or by a fallback.
	Success bool
	Value   any
	Err     error
	// Attempts counts the initial attempt plus whatever the strategy
	// performed.
	Attempts int
	// Recovered marks outcomes where a strategy absorbed the failure:
	// a late retry success, a fallback success, or a skip.
	Recovered bool
	// Skipped marks degraded-but-continued outcomes; Err preserves the
	// original failure so aggregates can tell them from hard failures.
	Skipped  bool
	Category Category
}

// Engine wraps operations with breaker admission, classification and
// strategy dispatch.
type Engine struct {
	breaker  *circuitbreaker.Breaker
	policies Policies
	observer *observability.Observer
	logger   *zap.Logger

	// sleep is swappable so tests run without real time.
	sleep func(ctx context.Context, d time.Duration) error
	// jitter returns a fraction in [0.1, 0.3).
	jitter func() float64
}

// NewEngine creates a recovery engine bound to one adapter's breaker.
func NewEngine(breaker *circuitbreaker.Breaker, policies Policies, observer *observability.Observer, logger *zap.Logger) *Engine {
	if policies == nil {
		policies = DefaultPolicies()
	}
	if observer == nil {
		observer = observability.Nop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		breaker:  breaker,
		policies: policies,
		observer: observer,
		logger:   logger.With(zap.String("component", "recovery")),
		sleep:    sleepContext,
		jitter:   func() float64 { return 0.1 + rand.Float64()*0.2 },
	}
}

// WithFallback returns a copy of the policies with the Resource fallback
// function installed.
func (p Policies) WithFallback(fn FallbackFunc) Policies {
	out := make(Policies, len(p))
	for cat, action := range p {
		if action.Strategy == StrategyFallback {
			action.Fallback = fn
		}
		out[cat] = action
	}
	return out
}

// Execute runs op through the breaker, classifies any failure, and
// dispatches the category's recovery strategy. workflowID and target key the
// structured log events; either may be empty.
func (e *Engine) Execute(ctx context.Context, op Operation, workflowID, target string) Result {
	value, err := e.breaker.CallWithResult(ctx, op)
	if err == nil {
		return Result{Success: true, Value: value, Attempts: 1}
	}

	category := Classify(err)
	action, ok := e.policies[category]
	if !ok {
		action = defaultAction
	}

	e.observer.RecoveryAttempt(string(category), string(action.Strategy))
	e.logger.Warn("operation failed, dispatching recovery",
		zap.String("workflow_id", workflowID),
		zap.String("target", target),
		zap.String("category", string(category)),
		zap.String("strategy", string(action.Strategy)),
		zap.Error(err))

	switch action.Strategy {
	case StrategyRetry:
		return e.retry(ctx, op, action, category, err, workflowID, target)
	case StrategyFallback:
		return e.fallback(ctx, action, category, err, workflowID, target)
	case StrategySkip:
		e.logger.Info("skipping failed operation",
			zap.String("workflow_id", workflowID),
			zap.String("target", target),
			zap.String("category", string(category)))
		return Result{Err: err, Attempts: 1, Recovered: true, Skipped: true, Category: category}
	case StrategyNotify:
		e.logger.Error("operation failure escalated",
			zap.String("workflow_id", workflowID),
			zap.String("target", target),
			zap.String("category", string(category)),
			zap.Error(err))
		return Result{Err: err, Attempts: 1, Category: category}
	default:
		return Result{Err: err, Attempts: 1, Category: category}
	}
}

func (e *Engine) retry(ctx context.Context, op Operation, action Action, category Category, firstErr error, workflowID, target string) Result {
	lastErr := firstErr

	for attempt := 2; attempt <= action.MaxAttempts+1; attempt++ {
		if err := e.sleep(ctx, e.backoff(action.BackoffFactor, attempt)); err != nil {
			return Result{Err: lastErr, Attempts: attempt - 1, Category: category}
		}

		value, err := e.breaker.CallWithResult(ctx, op)
		if err == nil {
			e.logger.Info("retry succeeded",
				zap.String("workflow_id", workflowID),
				zap.String("target", target),
				zap.Int("attempt", attempt))
			return Result{Success: true, Value: value, Attempts: attempt, Recovered: true, Category: category}
		}
		lastErr = err

		e.logger.Warn("retry failed",
			zap.String("workflow_id", workflowID),
			zap.String("target", target),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}

	return Result{Err: lastErr, Attempts: action.MaxAttempts + 1, Category: category}
}

func (e *Engine) fallback(ctx context.Context, action Action, category Category, cause error, workflowID, target string) Result {
	if action.Fallback == nil {
		e.logger.Warn("no fallback configured",
			zap.String("workflow_id", workflowID),
			zap.String("target", target),
			zap.String("category", string(category)))
		return Result{Err: cause, Attempts: 1, Category: category}
	}

	value, err := action.Fallback(ctx, cause)
	if err != nil {
		e.logger.Error("fallback failed",
			zap.String("workflow_id", workflowID),
			zap.String("target", target),
			zap.Error(err))
		return Result{Err: err, Attempts: 2, Category: category}
	}

	return Result{Success: true, Value: value, Attempts: 2, Recovered: true, Category: category}
}

// backoff computes the pre-retry sleep for attempt >= 2:
// min(factor^(attempt-1), 60) seconds plus jitter in [0.1, 0.3) of that.
func (e *Engine) backoff(factor float64, attempt int) time.Duration {
	if factor <= 1 {
		factor = 2
	}
	base := math.Min(math.Pow(factor, float64(attempt-1)), maxBackoffSeconds)
	seconds := base * (1 + e.jitter())
	return time.Duration(seconds * float64(time.Second))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
