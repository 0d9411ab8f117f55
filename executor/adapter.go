package executor

import (
	"context"
	"sync"

	"github.com/taskfleet/taskfleet/types"
)

// Adapter is the uniform execution back-end contract. Adapters own their
// internal logic and idempotency; the executor guarantees at-least-once
// attempts, not exactly-once execution.
type Adapter interface {
	// Execute applies the task to the given targets and returns an
	// adapter-defined result payload.
	Execute(ctx context.Context, task *types.Task, targets []string) (any, error)

	// Health reports whether the adapter considers itself usable.
	Health(ctx context.Context) types.HealthStatus
}

// Registry holds the registered adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under name. A nil adapter, empty name or
// duplicate registration is a configuration error.
func (r *Registry) Register(name string, adapter Adapter) error {
	if name == "" {
		return types.NewConfigurationError("adapter", "name must not be empty")
	}
	if adapter == nil {
		return types.NewConfigurationError("adapter", "adapter must not be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[name]; exists {
		return types.NewConfigurationError("adapter", "duplicate registration: "+name)
	}
	r.adapters[name] = adapter
	return nil
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	adapter, ok := r.adapters[name]
	if !ok {
		return nil, types.NewConfigurationError("adapter", "unknown adapter: "+name)
	}
	return adapter, nil
}

// Names returns the registered adapter names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}

// QualityGate validates targets around a run. Optional collaborator.
type QualityGate interface {
	// ValidatePreExecution rejects a batch before dispatch; a non-nil
	// error aborts the whole run.
	ValidatePreExecution(ctx context.Context, targets []string) error

	// ValidatePostExecution checks the batch after the run; a non-nil
	// error is logged as a warning and never fails the run.
	ValidatePostExecution(ctx context.Context, targets []string) error
}

// Checkpointer snapshots in-flight run state for resumability. Optional
// collaborator, distinct from the workflow state store.
type Checkpointer interface {
	CreateCheckpoint(ctx context.Context, sessionID string, snapshot map[string]any) (string, error)
	UpdateCheckpoint(ctx context.Context, checkpointID, status string, result any) error
}

// TargetSource supplies the default target list for runs that omit one.
// Optional collaborator.
type TargetSource interface {
	DefaultTargets(ctx context.Context) ([]string, error)
}
