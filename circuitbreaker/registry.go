package circuitbreaker

import (
	"sync"

	"go.uber.org/zap"
)

// Registry manages one breaker per adapter, created on demand with a shared
// configuration. Breakers are never shared across adapters.
type Registry struct {
	config  Config
	handler EventHandler
	logger  *zap.Logger

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates a breaker registry.
func NewRegistry(config Config, handler EventHandler, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		config:   config,
		handler:  handler,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// GetOrCreate returns the breaker for the named adapter, creating it on
// first use.
func (r *Registry) GetOrCreate(name string) *Breaker {
	r.mu.RLock()
	if b, ok := r.breakers[name]; ok {
		r.mu.RUnlock()
		return b
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}

	b := New(name, r.config, r.handler, r.logger)
	r.breakers[name] = b
	return b
}

// States returns a snapshot of every breaker's state.
func (r *Registry) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make(map[string]State, len(r.breakers))
	for name, b := range r.breakers {
		states[name] = b.State()
	}
	return states
}

// ResetAll resets every breaker.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, b := range r.breakers {
		b.Reset()
	}
}
