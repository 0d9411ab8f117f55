package executor

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskfleet/taskfleet/circuitbreaker"
	"github.com/taskfleet/taskfleet/observability"
	"github.com/taskfleet/taskfleet/state"
	"github.com/taskfleet/taskfleet/types"
)

// fakeAdapter executes instantly and fails the targets listed in fail.
// Error messages are chosen to classify as skip-strategy categories so
// tests never sit in retry backoff.
type fakeAdapter struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
	delay time.Duration

	inflight    atomic.Int64
	maxInflight atomic.Int64
}

func (a *fakeAdapter) Execute(ctx context.Context, task *types.Task, targets []string) (any, error) {
	current := a.inflight.Add(1)
	for {
		peak := a.maxInflight.Load()
		if current <= peak || a.maxInflight.CompareAndSwap(peak, current) {
			break
		}
	}
	defer a.inflight.Add(-1)

	if a.delay > 0 {
		time.Sleep(a.delay)
	}

	target := targets[0]
	a.mu.Lock()
	a.calls = append(a.calls, target)
	a.mu.Unlock()

	if err, ok := a.fail[target]; ok {
		return nil, err
	}
	return "output-" + target, nil
}

func (a *fakeAdapter) Health(ctx context.Context) types.HealthStatus {
	return types.HealthStatus{Status: "healthy"}
}

func (a *fakeAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

type testHarness struct {
	executor *Executor
	adapter  *fakeAdapter
	store    *state.Store
}

func newTestHarness(t *testing.T, cfg Config) *testHarness {
	t.Helper()

	adapter := &fakeAdapter{fail: make(map[string]error)}
	adapters := NewRegistry()
	require.NoError(t, adapters.Register("fake", adapter))

	breakers := circuitbreaker.NewRegistry(
		circuitbreaker.Config{FailureThreshold: 100, OpenTimeout: time.Minute}, nil, zap.NewNop())
	store := state.NewStore(state.NewMemoryBackend(), zap.NewNop())
	t.Cleanup(func() { _ = store.Close() })

	return &testHarness{
		executor: New(cfg, adapters, breakers, nil, store, observability.Nop(), zap.NewNop()),
		adapter:  adapter,
		store:    store,
	}
}

// ---------------------------------------------------------------------------
// Aggregation and ordering
// ---------------------------------------------------------------------------

func TestExecuteParallel_AllTargetsSucceed(t *testing.T) {
	h := newTestHarness(t, Config{MaxConcurrentWorkflows: 3})
	targets := []string{"repo-a", "repo-b", "repo-c"}

	aggregate, err := h.executor.ExecuteParallel(context.Background(),
		&types.Task{ID: "task-1", Type: "shell.command"}, "fake", targets, nil)
	require.NoError(t, err)

	assert.Equal(t, RunCompleted, aggregate.Status)
	assert.Equal(t, "task-1", aggregate.TaskID)
	assert.Equal(t, 3, aggregate.ReposProcessed)
	assert.Equal(t, 3, aggregate.SuccessfulRepos)
	assert.Equal(t, 0, aggregate.FailedRepos)
	assert.Empty(t, aggregate.Errors)
	assert.Equal(t, 3, aggregate.ConcurrencyLimit)

	// Results come back in input order regardless of completion order.
	require.Len(t, aggregate.Results, 3)
	for i, target := range targets {
		assert.Equal(t, target, aggregate.Results[i].Target)
		assert.Equal(t, "output-"+target, aggregate.Results[i].Output)
		assert.Equal(t, 1, aggregate.Results[i].Attempts)
	}

	record, err := h.store.Get(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, record.Status)
	assert.Equal(t, 100, record.Progress)
}

func TestExecuteParallel_PartialFailureIsContained(t *testing.T) {
	h := newTestHarness(t, Config{MaxConcurrentWorkflows: 3})
	h.adapter.fail["repo-b"] = errors.New("permission denied")

	aggregate, err := h.executor.ExecuteParallel(context.Background(),
		&types.Task{ID: "task-1", Type: "shell.command"}, "fake",
		[]string{"repo-a", "repo-b", "repo-c"}, nil)
	require.NoError(t, err, "per-target failures never abort the batch")

	assert.Equal(t, RunPartial, aggregate.Status)
	assert.Equal(t, 3, aggregate.ReposProcessed)
	assert.Equal(t, 2, aggregate.SuccessfulRepos)
	assert.Equal(t, 1, aggregate.FailedRepos)

	require.Len(t, aggregate.Results, 2)
	assert.Equal(t, "repo-a", aggregate.Results[0].Target)
	assert.Equal(t, "repo-c", aggregate.Results[1].Target)

	require.Len(t, aggregate.Errors, 1)
	assert.Equal(t, "repo-b", aggregate.Errors[0].Target)
	assert.Contains(t, aggregate.Errors[0].Message, "permission denied")
	assert.Equal(t, "permission", aggregate.Errors[0].Category)

	record, err := h.store.Get(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPartial, record.Status)
	assert.Len(t, record.Results, 2)
	assert.Len(t, record.Errors, 1)
}

func TestExecuteParallel_AllTargetsFail(t *testing.T) {
	h := newTestHarness(t, Config{MaxConcurrentWorkflows: 2})
	h.adapter.fail["repo-a"] = errors.New("permission denied")
	h.adapter.fail["repo-b"] = errors.New("403 forbidden")

	aggregate, err := h.executor.ExecuteParallel(context.Background(),
		&types.Task{ID: "task-1"}, "fake", []string{"repo-a", "repo-b"}, nil)
	require.NoError(t, err)

	assert.Equal(t, RunFailed, aggregate.Status)
	assert.Equal(t, 0, aggregate.SuccessfulRepos)
	assert.Equal(t, 2, aggregate.FailedRepos)

	record, err := h.store.Get(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, record.Status)
}

func TestExecuteParallel_EmptyBatchCompletes(t *testing.T) {
	h := newTestHarness(t, Config{MaxConcurrentWorkflows: 2})

	aggregate, err := h.executor.ExecuteParallel(context.Background(),
		&types.Task{ID: "task-1"}, "fake", []string{}, nil)
	require.NoError(t, err)

	assert.Equal(t, RunCompleted, aggregate.Status)
	assert.Equal(t, 0, aggregate.ReposProcessed)
	assert.Equal(t, 0, h.adapter.callCount(), "empty batch never touches the adapter")

	record, err := h.store.Get(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, record.Status)
}

func TestExecuteParallel_DedupesTargets(t *testing.T) {
	h := newTestHarness(t, Config{MaxConcurrentWorkflows: 2})

	aggregate, err := h.executor.ExecuteParallel(context.Background(),
		&types.Task{}, "fake", []string{"repo-a", "repo-b", "repo-a"}, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, aggregate.ReposProcessed)
	assert.Equal(t, 2, h.adapter.callCount())
}

// ---------------------------------------------------------------------------
// Input validation
// ---------------------------------------------------------------------------

func TestExecuteParallel_NilTask(t *testing.T) {
	h := newTestHarness(t, Config{MaxConcurrentWorkflows: 2})

	_, err := h.executor.ExecuteParallel(context.Background(), nil, "fake", []string{"a"}, nil)
	var cfgErr *types.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestExecuteParallel_UnknownAdapter(t *testing.T) {
	h := newTestHarness(t, Config{MaxConcurrentWorkflows: 2})

	_, err := h.executor.ExecuteParallel(context.Background(), &types.Task{}, "nope", []string{"a"}, nil)
	var cfgErr *types.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, 0, h.adapter.callCount())
}

// ---------------------------------------------------------------------------
// Concurrency limit and progress
// ---------------------------------------------------------------------------

func TestExecuteParallel_RespectsConcurrencyLimit(t *testing.T) {
	const limit = 2
	h := newTestHarness(t, Config{MaxConcurrentWorkflows: limit})
	h.adapter.delay = 20 * time.Millisecond

	_, err := h.executor.ExecuteParallel(context.Background(),
		&types.Task{}, "fake", []string{"a", "b", "c", "d", "e", "f"}, nil)
	require.NoError(t, err)

	assert.Equal(t, 6, h.adapter.callCount())
	assert.LessOrEqual(t, h.adapter.maxInflight.Load(), int64(limit),
		"observed parallelism must never exceed the limit")
}

func TestExecuteParallel_ProgressCallback(t *testing.T) {
	h := newTestHarness(t, Config{MaxConcurrentWorkflows: 2})

	var mu sync.Mutex
	var counts []int
	_, err := h.executor.ExecuteParallel(context.Background(),
		&types.Task{}, "fake", []string{"a", "b", "c"},
		func(completed, total int, target string) {
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, 3, total)
			counts = append(counts, completed)
		})
	require.NoError(t, err)

	// One callback per target; completed counts cover 1..total.
	sort.Ints(counts)
	assert.Equal(t, []int{1, 2, 3}, counts)
}

// ---------------------------------------------------------------------------
// Optional collaborators
// ---------------------------------------------------------------------------

type stubGate struct {
	preErr   error
	postErr  error
	preCalls atomic.Int64
}

func (g *stubGate) ValidatePreExecution(ctx context.Context, targets []string) error {
	g.preCalls.Add(1)
	return g.preErr
}

func (g *stubGate) ValidatePostExecution(ctx context.Context, targets []string) error {
	return g.postErr
}

func TestExecuteParallel_PreGateAbortsBatch(t *testing.T) {
	h := newTestHarness(t, Config{MaxConcurrentWorkflows: 2})
	gate := &stubGate{preErr: errors.New("batch too large")}
	h.executor.WithQualityGate(gate)

	_, err := h.executor.ExecuteParallel(context.Background(),
		&types.Task{}, "fake", []string{"a", "b"}, nil)

	var valErr *types.ValidationError
	assert.ErrorAs(t, err, &valErr)
	assert.Equal(t, 0, h.adapter.callCount(), "rejected batch never dispatches")
}

func TestExecuteParallel_PostGateOnlyWarns(t *testing.T) {
	h := newTestHarness(t, Config{MaxConcurrentWorkflows: 2})
	h.executor.WithQualityGate(&stubGate{postErr: errors.New("drift detected")})

	aggregate, err := h.executor.ExecuteParallel(context.Background(),
		&types.Task{}, "fake", []string{"a"}, nil)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, aggregate.Status, "post-flight failure never fails the run")
}

type stubTargetSource struct {
	targets []string
	err     error
}

func (s *stubTargetSource) DefaultTargets(ctx context.Context) ([]string, error) {
	return s.targets, s.err
}

func TestExecuteParallel_NilTargetsUseTargetSource(t *testing.T) {
	h := newTestHarness(t, Config{MaxConcurrentWorkflows: 2})
	h.executor.WithTargetSource(&stubTargetSource{targets: []string{"repo-x", "repo-y"}})

	aggregate, err := h.executor.ExecuteParallel(context.Background(),
		&types.Task{}, "fake", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, aggregate.ReposProcessed)
	assert.Equal(t, 2, aggregate.SuccessfulRepos)
}

func TestExecuteParallel_TargetSourceFailure(t *testing.T) {
	h := newTestHarness(t, Config{MaxConcurrentWorkflows: 2})
	h.executor.WithTargetSource(&stubTargetSource{err: errors.New("inventory down")})

	_, err := h.executor.ExecuteParallel(context.Background(), &types.Task{}, "fake", nil, nil)
	var cfgErr *types.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

type stubCheckpointer struct {
	mu      sync.Mutex
	created []string
	updated []string
}

func (c *stubCheckpointer) CreateCheckpoint(ctx context.Context, sessionID string, snapshot map[string]any) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.created = append(c.created, sessionID)
	return "cp-" + sessionID, nil
}

func (c *stubCheckpointer) UpdateCheckpoint(ctx context.Context, checkpointID, status string, result any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updated = append(c.updated, checkpointID+":"+status)
	return nil
}

func TestExecuteParallel_CheckpointsLifecycle(t *testing.T) {
	h := newTestHarness(t, Config{MaxConcurrentWorkflows: 2})
	cp := &stubCheckpointer{}
	h.executor.WithCheckpointer(cp)

	_, err := h.executor.ExecuteParallel(context.Background(),
		&types.Task{ID: "task-1"}, "fake", []string{"a"}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"task-1"}, cp.created)
	assert.Equal(t, []string{"cp-task-1:completed"}, cp.updated)
}

// ---------------------------------------------------------------------------
// Adapter registry
// ---------------------------------------------------------------------------

func TestRegistry_RegisterValidation(t *testing.T) {
	r := NewRegistry()

	assert.Error(t, r.Register("", &fakeAdapter{}))
	assert.Error(t, r.Register("x", nil))

	require.NoError(t, r.Register("x", &fakeAdapter{}))
	assert.Error(t, r.Register("x", &fakeAdapter{}), "duplicate registration")

	_, err := r.Get("x")
	assert.NoError(t, err)
	assert.Equal(t, []string{"x"}, r.Names())
}
