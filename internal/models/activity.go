package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

// ActivityKind names a connection lifecycle event.
type ActivityKind string

const (
	ActivityConnected     ActivityKind = "connected"
	ActivityAuthenticated ActivityKind = "authenticated"
	ActivitySubscribed    ActivityKind = "subscribed"
	ActivityUnsubscribed  ActivityKind = "unsubscribed"
	ActivityDisconnected  ActivityKind = "disconnected"
)

// ActivityEvent is one row of the connection activity journal. It is audit
// data only and is never read back into live presence state.
type ActivityEvent struct {
	ID           string       `gorm:"type:varchar(27);primaryKey" json:"id"`
	ConnectionID string       `gorm:"type:varchar(27);not null;index" json:"connection_id"`
	UserID       string       `gorm:"type:varchar(255);index" json:"user_id,omitempty"`
	PageID       string       `gorm:"type:varchar(255);index:idx_activity_page_time" json:"page_id,omitempty"`
	Kind         ActivityKind `gorm:"type:varchar(32);not null" json:"kind"`
	CreatedAt    time.Time    `gorm:"index:idx_activity_page_time" json:"created_at"`
}

// BeforeCreate generates KSUID
func (a *ActivityEvent) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = ksuid.New().String()
	}
	return nil
}

// TableName override
func (ActivityEvent) TableName() string {
	return "connection_activity"
}
