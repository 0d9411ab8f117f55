package state

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/taskfleet/taskfleet/types"
)

// FallbackStore decorates a primary backend with an in-memory fallback.
// A transport error on the primary degrades that call — and only that
// call — to the memory tier; the next call tries the primary again.
// Writes are mirrored into memory so fallback reads stay consistent.
// Callers never see a primary failure, only a possibly stale result.
type FallbackStore struct {
	primary Backend
	memory  *MemoryBackend
	logger  *zap.Logger
}

// NewFallbackStore wraps primary with an in-memory fallback tier.
func NewFallbackStore(primary Backend, logger *zap.Logger) *FallbackStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FallbackStore{
		primary: primary,
		memory:  NewMemoryBackend(),
		logger:  logger.With(zap.String("component", "state_fallback")),
	}
}

// Save writes to the memory mirror first, then the primary. A primary
// failure is logged and swallowed.
func (f *FallbackStore) Save(ctx context.Context, record *types.WorkflowRecord) error {
	if err := f.memory.Save(ctx, record); err != nil {
		return err
	}
	if err := f.primary.Save(ctx, record); err != nil {
		f.logger.Warn("primary backend save failed, record held in memory",
			zap.String("workflow_id", record.ID),
			zap.Error(err))
	}
	return nil
}

// Get reads from the primary; a transport error falls back to memory.
// types.ErrNotFound is a result, not a transport error, and propagates.
func (f *FallbackStore) Get(ctx context.Context, id string) (*types.WorkflowRecord, error) {
	record, err := f.primary.Get(ctx, id)
	if err == nil {
		return record, nil
	}
	if errors.Is(err, types.ErrNotFound) {
		// The record may live only in the memory tier after a failed
		// primary save.
		if mirrored, memErr := f.memory.Get(ctx, id); memErr == nil {
			return mirrored, nil
		}
		return nil, err
	}

	f.logger.Warn("primary backend get failed, falling back to memory",
		zap.String("workflow_id", id),
		zap.Error(err))
	return f.memory.Get(ctx, id)
}

// List reads from the primary; a transport error falls back to memory.
func (f *FallbackStore) List(ctx context.Context, status types.WorkflowStatus, limit int) ([]*types.WorkflowRecord, error) {
	records, err := f.primary.List(ctx, status, limit)
	if err == nil {
		return records, nil
	}

	f.logger.Warn("primary backend list failed, falling back to memory",
		zap.Error(err))
	return f.memory.List(ctx, status, limit)
}

// Delete removes from both tiers. A primary failure is logged and swallowed.
func (f *FallbackStore) Delete(ctx context.Context, id string) error {
	if err := f.memory.Delete(ctx, id); err != nil {
		return err
	}
	if err := f.primary.Delete(ctx, id); err != nil {
		f.logger.Warn("primary backend delete failed",
			zap.String("workflow_id", id),
			zap.Error(err))
	}
	return nil
}

// Ping probes the primary; the memory tier keeps the store usable either way.
func (f *FallbackStore) Ping(ctx context.Context) error {
	if err := f.primary.Ping(ctx); err != nil {
		f.logger.Warn("primary backend unhealthy", zap.Error(err))
	}
	return f.memory.Ping(ctx)
}

// Close closes both tiers.
func (f *FallbackStore) Close() error {
	err := f.primary.Close()
	if memErr := f.memory.Close(); err == nil {
		err = memErr
	}
	return err
}
