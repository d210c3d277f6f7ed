package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/sumire-labs/poolkeeper/internal/models"
)

type TaskHistoryRepository struct {
	db *gorm.DB
}

func NewTaskHistoryRepository(db *gorm.DB) *TaskHistoryRepository {
	return &TaskHistoryRepository{db: db}
}

// Append persists a finished task record.
func (r *TaskHistoryRepository) Append(ctx context.Context, record *models.TaskRecord) error {
	result := r.db.WithContext(ctx).Create(record)
	if result.Error != nil {
		return fmt.Errorf("failed to append task history: %w", result.Error)
	}
	return nil
}

// Recent returns the newest task records, most recent first.
func (r *TaskHistoryRepository) Recent(ctx context.Context, limit int) ([]models.TaskRecord, error) {
	var records []models.TaskRecord
	result := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&records)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to query task history: %w", result.Error)
	}
	return records, nil
}
