// Package state tracks the lifecycle of every workflow run in a keyed
// record store with a pluggable backend.
//
// Supported backends:
//   - Memory: development, testing, and the fallback tier (default)
//   - Redis: the external searchable log store for distributed deployments
//   - SQLite: durable single-node deployments
//
// The FallbackStore decorator hides transport failures of the primary
// backend behind an in-process map, so callers never see a backend outage.
package state

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskfleet/taskfleet/types"
)

// BackendType names a storage backend.
type BackendType string

const (
	BackendMemory BackendType = "memory"
	BackendRedis  BackendType = "redis"
	BackendSQLite BackendType = "sqlite"
)

// Backend is the pluggable record storage contract. Get returns
// types.ErrNotFound for unknown ids; List with an empty status returns
// records of every status.
type Backend interface {
	Save(ctx context.Context, record *types.WorkflowRecord) error
	Get(ctx context.Context, id string) (*types.WorkflowRecord, error)
	List(ctx context.Context, status types.WorkflowStatus, limit int) ([]*types.WorkflowRecord, error)
	Delete(ctx context.Context, id string) error

	// Ping checks if the backend is healthy.
	Ping(ctx context.Context) error
	// Close closes the backend and releases resources.
	Close() error
}

// Config selects and configures the store backend.
type Config struct {
	Type   BackendType  `json:"type" yaml:"type"`
	Redis  RedisConfig  `json:"redis" yaml:"redis"`
	SQLite SQLiteConfig `json:"sqlite" yaml:"sqlite"`
}

// RedisConfig contains Redis-specific configuration.
type RedisConfig struct {
	Addr      string `json:"addr" yaml:"addr"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	PoolSize  int    `json:"pool_size" yaml:"pool_size"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// SQLiteConfig contains SQLite-specific configuration.
type SQLiteConfig struct {
	Path string `json:"path" yaml:"path"`
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() Config {
	return Config{
		Type: BackendMemory,
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			PoolSize:  10,
			KeyPrefix: "taskfleet:",
		},
		SQLite: SQLiteConfig{
			Path: "./data/taskfleet.db",
		},
	}
}

// Store is the workflow state service. All mutations stamp UpdatedAt; the
// stamp never moves backwards.
type Store struct {
	backend Backend
	logger  *zap.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewStore creates a store on top of a backend.
func NewStore(backend Backend, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		backend: backend,
		logger:  logger.With(zap.String("component", "state")),
		now:     time.Now,
	}
}

// Create records a new run in Pending. An empty id gets a generated one.
func (s *Store) Create(ctx context.Context, id string, task *types.Task, targets []string) (*types.WorkflowRecord, error) {
	if id == "" {
		id = uuid.New().String()
	}

	now := s.now()
	record := &types.WorkflowRecord{
		ID:        id,
		Status:    types.StatusPending,
		Task:      task,
		Targets:   append([]string(nil), targets...),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.backend.Save(ctx, record); err != nil {
		return nil, err
	}

	s.logger.Debug("workflow record created",
		zap.String("workflow_id", id),
		zap.Int("targets", len(targets)))
	return record.Clone(), nil
}

// Get returns the record for id, or types.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*types.WorkflowRecord, error) {
	return s.backend.Get(ctx, id)
}

// List returns up to limit records, optionally filtered by status.
func (s *Store) List(ctx context.Context, status types.WorkflowStatus, limit int) ([]*types.WorkflowRecord, error) {
	return s.backend.List(ctx, status, limit)
}

// Delete removes a record. Best-effort: deleting an unknown id is not an
// error. Deletion is an operator action, never performed by the core.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.backend.Delete(ctx, id)
}

// Update applies mutate to the record and persists it.
func (s *Store) Update(ctx context.Context, id string, mutate func(*types.WorkflowRecord)) (*types.WorkflowRecord, error) {
	record, err := s.backend.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	mutate(record)
	s.stamp(record)

	if err := s.backend.Save(ctx, record); err != nil {
		return nil, err
	}
	return record.Clone(), nil
}

// UpdateProgress recomputes progress from completed/total and flips a
// Pending record to Running on its first progress update.
func (s *Store) UpdateProgress(ctx context.Context, id string, completed, total int) error {
	_, err := s.Update(ctx, id, func(r *types.WorkflowRecord) {
		if total <= 0 {
			r.Progress = 0
		} else {
			r.Progress = 100 * completed / total
		}
		if r.Status == types.StatusPending {
			r.Status = types.StatusRunning
		}
	})
	return err
}

// AddResult appends one target's success payload.
func (s *Store) AddResult(ctx context.Context, id string, result types.TargetResult) error {
	_, err := s.Update(ctx, id, func(r *types.WorkflowRecord) {
		r.Results = append(r.Results, result)
	})
	return err
}

// AddError appends one target's failure record.
func (s *Store) AddError(ctx context.Context, id string, targetErr types.TargetError) error {
	_, err := s.Update(ctx, id, func(r *types.WorkflowRecord) {
		r.Errors = append(r.Errors, targetErr)
	})
	return err
}

// Ping probes the backend.
func (s *Store) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// stamp advances UpdatedAt without ever moving it backwards.
func (s *Store) stamp(r *types.WorkflowRecord) {
	now := s.now()
	if now.After(r.UpdatedAt) {
		r.UpdatedAt = now
	}
}
