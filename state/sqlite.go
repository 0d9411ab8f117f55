package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/taskfleet/taskfleet/types"
)

// SQLiteBackend stores workflow records in a local SQLite database. Durable
// option for single-node deployments.
type SQLiteBackend struct {
	db *gorm.DB
}

// NewSQLiteBackend opens (and migrates) the database at path.
func NewSQLiteBackend(config SQLiteConfig) (*SQLiteBackend, error) {
	db, err := gorm.Open(sqlite.Open(config.Path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	if err := db.AutoMigrate(&types.WorkflowRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate workflow schema: %w", err)
	}

	return &SQLiteBackend{db: db}, nil
}

// Save upserts the record.
func (b *SQLiteBackend) Save(ctx context.Context, record *types.WorkflowRecord) error {
	if record == nil || record.ID == "" {
		return types.ErrInvalidInput
	}
	return b.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(record).Error
}

// Get retrieves a record by id.
func (b *SQLiteBackend) Get(ctx context.Context, id string) (*types.WorkflowRecord, error) {
	var record types.WorkflowRecord
	err := b.db.WithContext(ctx).First(&record, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// List returns up to limit records filtered by status, oldest first.
func (b *SQLiteBackend) List(ctx context.Context, status types.WorkflowStatus, limit int) ([]*types.WorkflowRecord, error) {
	query := b.db.WithContext(ctx).Order("created_at asc")
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var records []*types.WorkflowRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// Delete removes a record. Unknown ids are a no-op.
func (b *SQLiteBackend) Delete(ctx context.Context, id string) error {
	return b.db.WithContext(ctx).Delete(&types.WorkflowRecord{}, "id = ?", id).Error
}

// Ping checks the underlying connection.
func (b *SQLiteBackend) Ping(ctx context.Context) error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database.
func (b *SQLiteBackend) Close() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
