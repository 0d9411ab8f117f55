package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// testClock drives the breaker's lazy time-based transition without sleeping.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(threshold int, openTimeout time.Duration) (*Breaker, *testClock) {
	clock := newTestClock()
	b := New("test", Config{FailureThreshold: threshold, OpenTimeout: openTimeout}, nil, zap.NewNop())
	b.now = clock.Now
	return b, clock
}

// ---------------------------------------------------------------------------
// DefaultConfig / New
// ---------------------------------------------------------------------------

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 5, cfg.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.OpenTimeout)
}

func TestNew_CorrectsInvalidConfig(t *testing.T) {
	b := New("x", Config{FailureThreshold: -1, OpenTimeout: 0}, nil, nil)
	assert.Equal(t, 5, b.config.FailureThreshold)
	assert.Equal(t, 60*time.Second, b.config.OpenTimeout)
	assert.Equal(t, StateClosed, b.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(99).String())
}

// ---------------------------------------------------------------------------
// Closed -> Open: threshold monotonicity
// ---------------------------------------------------------------------------

func TestBreaker_OpensExactlyAtThreshold(t *testing.T) {
	const threshold = 4
	b, _ := newTestBreaker(threshold, time.Minute)

	for i := 0; i < threshold-1; i++ {
		b.RecordFailure()
		assert.Equal(t, StateClosed, b.State(), "below threshold must stay closed")
	}

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, threshold, b.Failures())
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State(), "count was reset by the success")

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
}

// ---------------------------------------------------------------------------
// Open -> HalfOpen: lazy timeout transition
// ---------------------------------------------------------------------------

func TestBreaker_OpenTimeoutTransition(t *testing.T) {
	openTimeout := time.Minute
	b, clock := newTestBreaker(1, openTimeout)

	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	// Just before the timeout: still rejecting, still open.
	clock.Advance(openTimeout - time.Second)
	assert.False(t, b.Allow())
	assert.Equal(t, StateOpen, b.State())

	// Just after: admission flips the state as a side effect.
	clock.Advance(2 * time.Second)
	assert.True(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreaker_AllowByState(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	assert.True(t, b.Allow(), "closed admits")

	b.RecordFailure()
	assert.False(t, b.Allow(), "open rejects before timeout")
}

// ---------------------------------------------------------------------------
// HalfOpen: reopening requires the full threshold again
// ---------------------------------------------------------------------------

func TestBreaker_HalfOpenReopenRequiresFullThreshold(t *testing.T) {
	const threshold = 3
	b, clock := newTestBreaker(threshold, time.Minute)

	for i := 0; i < threshold; i++ {
		b.RecordFailure()
	}
	require.Equal(t, StateOpen, b.State())

	clock.Advance(2 * time.Minute)
	require.True(t, b.Allow())
	require.Equal(t, StateHalfOpen, b.State())

	// A single failure in half-open must not reopen the circuit.
	b.RecordFailure()
	assert.Equal(t, StateHalfOpen, b.State())
	assert.Equal(t, 1, b.Failures())

	// Failures accumulate from half-open entry; the threshold reopens it.
	b.RecordFailure()
	assert.Equal(t, StateHalfOpen, b.State())
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)

	b.RecordFailure()
	clock.Advance(2 * time.Minute)
	require.True(t, b.Allow())
	require.Equal(t, StateHalfOpen, b.State())

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Failures())
}

// ---------------------------------------------------------------------------
// Call composition
// ---------------------------------------------------------------------------

func TestBreaker_CallRecordsOutcomes(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)
	errFail := errors.New("boom")

	err := b.Call(context.Background(), func(ctx context.Context) error { return errFail })
	assert.ErrorIs(t, err, errFail)
	assert.Equal(t, 1, b.Failures())

	err = b.Call(context.Background(), func(ctx context.Context) error { return nil })
	assert.NoError(t, err)
	assert.Equal(t, 0, b.Failures())
}

func TestBreaker_CallRejectsWhenOpen(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	var invoked bool
	err := b.Call(context.Background(), func(ctx context.Context) error {
		invoked = true
		return nil
	})
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.False(t, invoked, "rejected call must not execute")
}

func TestBreaker_CallWithResult(t *testing.T) {
	b, _ := newTestBreaker(5, time.Minute)

	value, err := b.CallWithResult(context.Background(), func(ctx context.Context) (any, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, value)
}

// ---------------------------------------------------------------------------
// Reset and events
// ---------------------------------------------------------------------------

func TestBreaker_Reset(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Failures())
	assert.True(t, b.Allow())
}

type recordingHandler struct {
	mu     sync.Mutex
	events []Event
}

func (h *recordingHandler) OnStateChange(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
}

func (h *recordingHandler) snapshot() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Event(nil), h.events...)
}

func TestBreaker_EmitsTransitionEvents(t *testing.T) {
	handler := &recordingHandler{}
	b := New("payments", Config{FailureThreshold: 2, OpenTimeout: time.Minute}, handler, zap.NewNop())

	b.RecordFailure()
	b.RecordFailure()

	require.Eventually(t, func() bool {
		return len(handler.snapshot()) == 1
	}, time.Second, 10*time.Millisecond)

	event := handler.snapshot()[0]
	assert.Equal(t, "payments", event.Name)
	assert.Equal(t, StateClosed, event.OldState)
	assert.Equal(t, StateOpen, event.NewState)
	assert.Equal(t, 2, event.Failures)
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

func TestRegistry_GetOrCreate(t *testing.T) {
	r := NewRegistry(DefaultConfig(), nil, zap.NewNop())

	a := r.GetOrCreate("adapter-a")
	b := r.GetOrCreate("adapter-b")
	assert.NotSame(t, a, b, "one breaker per adapter")
	assert.Same(t, a, r.GetOrCreate("adapter-a"))

	states := r.States()
	assert.Len(t, states, 2)
	assert.Equal(t, StateClosed, states["adapter-a"])
}

func TestRegistry_ResetAll(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1, OpenTimeout: time.Minute}, nil, zap.NewNop())
	b := r.GetOrCreate("a")
	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	r.ResetAll()
	assert.Equal(t, StateClosed, b.State())
}

// ---------------------------------------------------------------------------
// Concurrent safety
// ---------------------------------------------------------------------------

func TestBreaker_ConcurrentCalls(t *testing.T) {
	b, _ := newTestBreaker(100, time.Minute)

	var wg sync.WaitGroup
	var successCount atomic.Int64
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.Call(context.Background(), func(ctx context.Context) error { return nil }); err == nil {
				successCount.Add(1)
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, int64(50), successCount.Load())
	assert.Equal(t, StateClosed, b.State())
}
