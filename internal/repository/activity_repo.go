package repository

import (
	"context"
	"fmt"

	"page-collab/internal/models"

	"gorm.io/gorm"
)

/*
CONNECTION ACTIVITY JOURNAL

Rows are append-only. Query patterns:
- Store: one row per lifecycle event, written by the activity workers
- ListByPage: newest events for a page, for the diagnostics API
*/

const maxActivityPage = 500

// ActivityRepositoryImpl stores activity events in Postgres.
type ActivityRepositoryImpl struct {
	db *gorm.DB
}

// NewActivityRepository creates a new activity repository
func NewActivityRepository(db *gorm.DB) *ActivityRepositoryImpl {
	return &ActivityRepositoryImpl{db: db}
}

// Store inserts one event.
func (r *ActivityRepositoryImpl) Store(ctx context.Context, event *models.ActivityEvent) error {
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("failed to store activity event: %w", err)
	}
	return nil
}

// ListByPage returns up to limit events for pageID, newest first.
func (r *ActivityRepositoryImpl) ListByPage(ctx context.Context, pageID string, limit int) ([]*models.ActivityEvent, error) {
	if limit <= 0 || limit > maxActivityPage {
		limit = maxActivityPage
	}

	var events []*models.ActivityEvent
	err := r.db.WithContext(ctx).
		Where("page_id = ?", pageID).
		Order("created_at DESC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list activity: %w", err)
	}

	return events, nil
}
