package services

import (
	"context"

	"page-collab/internal/models"
)

/*
Interfaces are declared by the package that consumes them. The repository
package returns concrete types and never imports this file.
*/

// ActivityRepository is what the activity journal needs from storage.
type ActivityRepository interface {
	Store(ctx context.Context, event *models.ActivityEvent) error
	ListByPage(ctx context.Context, pageID string, limit int) ([]*models.ActivityEvent, error)
}
