package collaboration

import (
	"context"

	"page-collab/internal/models"
)

// The collaboration core is the consumer of these capabilities, so their
// interfaces live here and the implementations stay unaware of this package.

// TokenVerifier checks a bearer credential and returns the identity it carries.
type TokenVerifier interface {
	Verify(token string) (models.UserInfo, error)
}

// ActivityRecorder journals connection lifecycle events. Record must not block.
type ActivityRecorder interface {
	Record(event models.ActivityEvent)
}

// Backplane relays page broadcasts between server instances.
type Backplane interface {
	// Publish sends an already-serialized broadcast for pageID to other instances.
	Publish(ctx context.Context, pageID string, payload []byte) error
	// Receive blocks, invoking deliver for every broadcast published by another
	// instance, until ctx is cancelled or the subscription fails.
	Receive(ctx context.Context, deliver func(pageID string, payload []byte)) error
}
