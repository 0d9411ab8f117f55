package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskfleet/taskfleet/types"
)

// RedisBackend stores workflow records as JSON documents with sorted-set
// indexes by status. This is the external searchable log store for
// distributed deployments.
type RedisBackend struct {
	client    *redis.Client
	keyPrefix string
}

// allStatuses is iterated for index cleanup on delete.
var allStatuses = []types.WorkflowStatus{
	types.StatusPending, types.StatusRunning, types.StatusCompleted,
	types.StatusPartial, types.StatusFailed, types.StatusCancelled,
	types.StatusTimeout,
}

// NewRedisBackend creates a Redis-backed store and verifies connectivity.
func NewRedisBackend(config RedisConfig) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	keyPrefix := config.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "taskfleet:"
	}

	return &RedisBackend{
		client:    client,
		keyPrefix: keyPrefix + "workflow:",
	}, nil
}

// NewRedisBackendWithClient wraps an existing client. Used by tests.
func NewRedisBackendWithClient(client *redis.Client, keyPrefix string) *RedisBackend {
	if keyPrefix == "" {
		keyPrefix = "taskfleet:"
	}
	return &RedisBackend{client: client, keyPrefix: keyPrefix + "workflow:"}
}

func (b *RedisBackend) recordKey(id string) string {
	return b.keyPrefix + "data:" + id
}

func (b *RedisBackend) statusKey(status types.WorkflowStatus) string {
	return b.keyPrefix + "status:" + string(status)
}

func (b *RedisBackend) allKey() string {
	return b.keyPrefix + "all"
}

// Save persists the record and maintains the status indexes.
func (b *RedisBackend) Save(ctx context.Context, record *types.WorkflowRecord) error {
	if record == nil || record.ID == "" {
		return types.ErrInvalidInput
	}

	// Old status needed for index cleanup on status change.
	old, _ := b.Get(ctx, record.ID)

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	score := float64(record.CreatedAt.UnixNano())
	pipe := b.client.Pipeline()
	pipe.Set(ctx, b.recordKey(record.ID), data, 0)
	if old != nil && old.Status != record.Status {
		pipe.ZRem(ctx, b.statusKey(old.Status), record.ID)
	}
	pipe.ZAdd(ctx, b.statusKey(record.Status), redis.Z{Score: score, Member: record.ID})
	pipe.ZAdd(ctx, b.allKey(), redis.Z{Score: score, Member: record.ID})

	_, err = pipe.Exec(ctx)
	return err
}

// Get retrieves a record by id.
func (b *RedisBackend) Get(ctx context.Context, id string) (*types.WorkflowRecord, error) {
	data, err := b.client.Get(ctx, b.recordKey(id)).Bytes()
	if err == redis.Nil {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var record types.WorkflowRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// List returns up to limit records by status index, oldest first.
func (b *RedisBackend) List(ctx context.Context, status types.WorkflowStatus, limit int) ([]*types.WorkflowRecord, error) {
	key := b.allKey()
	if status != "" {
		key = b.statusKey(status)
	}

	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}

	ids, err := b.client.ZRange(ctx, key, 0, stop).Result()
	if err != nil {
		return nil, err
	}

	result := make([]*types.WorkflowRecord, 0, len(ids))
	for _, id := range ids {
		record, err := b.Get(ctx, id)
		if err != nil {
			// Index entry without a document; skip it.
			continue
		}
		result = append(result, record)
	}
	return result, nil
}

// Delete removes the record and its index entries.
func (b *RedisBackend) Delete(ctx context.Context, id string) error {
	pipe := b.client.Pipeline()
	pipe.Del(ctx, b.recordKey(id))
	for _, status := range allStatuses {
		pipe.ZRem(ctx, b.statusKey(status), id)
	}
	pipe.ZRem(ctx, b.allKey(), id)

	_, err := pipe.Exec(ctx)
	return err
}

// Ping checks connectivity.
func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close closes the client.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
