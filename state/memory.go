package state

import (
	"context"
	"sort"
	"sync"

	"github.com/taskfleet/taskfleet/types"
)

// MemoryBackend is an in-process map backend. Suitable for development and
// testing, and used as the fallback tier behind FallbackStore. Data is lost
// on restart.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[string]*types.WorkflowRecord
	closed  bool
}

// NewMemoryBackend creates an in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		records: make(map[string]*types.WorkflowRecord),
	}
}

// Save stores a copy of the record.
func (b *MemoryBackend) Save(ctx context.Context, record *types.WorkflowRecord) error {
	if record == nil || record.ID == "" {
		return types.ErrInvalidInput
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return types.ErrStoreClosed
	}
	b.records[record.ID] = record.Clone()
	return nil
}

// Get returns a copy of the record for id.
func (b *MemoryBackend) Get(ctx context.Context, id string) (*types.WorkflowRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, types.ErrStoreClosed
	}
	record, ok := b.records[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	return record.Clone(), nil
}

// List returns up to limit records filtered by status, oldest first.
func (b *MemoryBackend) List(ctx context.Context, status types.WorkflowStatus, limit int) ([]*types.WorkflowRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, types.ErrStoreClosed
	}

	result := make([]*types.WorkflowRecord, 0)
	for _, record := range b.records {
		if status != "" && record.Status != status {
			continue
		}
		result = append(result, record.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	if limit > 0 && limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}

// Delete removes a record. Unknown ids are a no-op.
func (b *MemoryBackend) Delete(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return types.ErrStoreClosed
	}
	delete(b.records, id)
	return nil
}

// Ping reports whether the backend is usable.
func (b *MemoryBackend) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return types.ErrStoreClosed
	}
	return nil
}

// Close marks the backend closed.
func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
