package api

import (
	"context"

	"page-collab/internal/models"
)

/*
This package is the consumer of the collaboration core and the activity
journal, so the narrow interfaces it needs live here.
*/

// CollaborationService is the read-only diagnostics view of live state.
type CollaborationService interface {
	Connections() []models.ConnectionInfo
	UserConnections(userID string) []models.ConnectionInfo
	Presence(pageID string) models.PagePresence
	ActivePages() []string
}

// ActivityService is the query side of the activity journal.
type ActivityService interface {
	Recent(ctx context.Context, pageID string, limit int) ([]*models.ActivityEvent, error)
	QueueLength() int
	Dropped() int64
}
