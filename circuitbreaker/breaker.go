// Package circuitbreaker gates calls to a failing downstream adapter.
//
// The breaker has three states. Closed lets every call through and counts
// consecutive failures; reaching the threshold opens the circuit. Open
// rejects calls until the open timeout has elapsed, at which point the next
// admission check flips the breaker to HalfOpen — the transition is lazy,
// there is no background timer. HalfOpen lets calls through; a success
// closes the circuit, while failures accumulate from HalfOpen entry and
// must reach the full threshold again before the circuit reopens.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrBreakerOpen is returned when admission is denied. The message mentions
// "unavailable" on purpose: downstream classification treats it as transient.
var ErrBreakerOpen = errors.New("circuit breaker open: adapter temporarily unavailable")

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds the immutable breaker settings.
type Config struct {
	// FailureThreshold is the failure count that opens the circuit.
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`
	// OpenTimeout is how long the circuit stays open before the next
	// admission check moves it to half-open.
	OpenTimeout time.Duration `json:"open_timeout" yaml:"open_timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		OpenTimeout:      60 * time.Second,
	}
}

// Event describes a state transition.
type Event struct {
	Name      string    `json:"name"`
	OldState  State     `json:"old_state"`
	NewState  State     `json:"new_state"`
	Reason    string    `json:"reason"`
	Failures  int       `json:"failures"`
	Timestamp time.Time `json:"timestamp"`
}

// EventHandler receives state-transition events.
type EventHandler interface {
	OnStateChange(event Event)
}

// Breaker is a per-adapter circuit breaker. Safe for concurrent use.
type Breaker struct {
	name   string
	config Config
	logger *zap.Logger

	handler EventHandler

	mu              sync.RWMutex
	state           State
	failureCount    int
	lastFailureTime time.Time

	// now is swappable for tests.
	now func() time.Time
}

// New creates a breaker for the named adapter.
func New(name string, config Config, handler EventHandler, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = DefaultConfig().OpenTimeout
	}
	return &Breaker{
		name:    name,
		config:  config,
		handler: handler,
		logger:  logger.With(zap.String("breaker", name)),
		state:   StateClosed,
		now:     time.Now,
	}
}

// Allow reports whether a call may proceed. In Open state it also performs
// the lazy Open->HalfOpen transition once the open timeout has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true

	case StateOpen:
		if b.now().Sub(b.lastFailureTime) > b.config.OpenTimeout {
			b.transitionTo(StateHalfOpen, "open timeout elapsed")
			// Failures recorded from here on count toward the full
			// threshold before the circuit reopens.
			b.failureCount = 0
			return true
		}
		return false

	default:
		return false
	}
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.transitionTo(StateClosed, "success in half-open")
	}
	b.failureCount = 0
}

// RecordFailure records a failed call. The threshold check runs on every
// failure, so a half-open circuit reopens only after the count climbs back
// to the threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailureTime = b.now()

	if b.state != StateOpen && b.failureCount >= b.config.FailureThreshold {
		b.transitionTo(StateOpen, fmt.Sprintf("%d consecutive failures", b.failureCount))
	}
}

// Call composes admission, execution and outcome recording. A denied call
// returns ErrBreakerOpen without invoking fn.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.CallWithResult(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}

// CallWithResult is Call for operations that produce a value.
func (b *Breaker) CallWithResult(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	if !b.Allow() {
		return nil, fmt.Errorf("%w (adapter %s)", ErrBreakerOpen, b.name)
	}

	result, err := fn(ctx)
	if err != nil {
		b.RecordFailure()
		return nil, err
	}

	b.RecordSuccess()
	return result, nil
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Failures returns the current failure count.
func (b *Breaker) Failures() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.failureCount
}

// Reset returns the breaker to Closed. Manual operator recovery.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateClosed {
		b.transitionTo(StateClosed, "manual reset")
	}
	b.failureCount = 0
}

// transitionTo must be called with the lock held.
func (b *Breaker) transitionTo(newState State, reason string) {
	oldState := b.state
	b.state = newState

	b.logger.Info("circuit breaker state change",
		zap.String("old_state", oldState.String()),
		zap.String("new_state", newState.String()),
		zap.String("reason", reason),
		zap.Int("failures", b.failureCount))

	if b.handler != nil {
		event := Event{
			Name:      b.name,
			OldState:  oldState,
			NewState:  newState,
			Reason:    reason,
			Failures:  b.failureCount,
			Timestamp: b.now(),
		}
		// Delivered off the lock to avoid deadlocking re-entrant handlers.
		go b.handler.OnStateChange(event)
	}
}
