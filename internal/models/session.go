package models

import (
	"encoding/json"
	"time"
)

// MessageType is the `type` discriminator carried by every frame.
type MessageType string

const (
	// Client -> server
	MessageTypeAuth        MessageType = "auth"
	MessageTypeSubscribe   MessageType = "subscribe"
	MessageTypeUnsubscribe MessageType = "unsubscribe"
	MessageTypeBlockUpdate MessageType = "block_update"
	MessageTypePageUpdate  MessageType = "page_update"
	MessageTypeCursor      MessageType = "cursor_position"
	MessageTypePing        MessageType = "ping"

	// Server -> client
	MessageTypeAuthSuccess  MessageType = "auth_success"
	MessageTypeAuthError    MessageType = "auth_error"
	MessageTypeSubscribed   MessageType = "subscribed"
	MessageTypeUserJoined   MessageType = "user_joined"
	MessageTypeUserLeft     MessageType = "user_left"
	MessageTypeBlockUpdated MessageType = "block_updated"
	MessageTypePageUpdated  MessageType = "page_updated"
	MessageTypePong         MessageType = "pong"
	MessageTypeError        MessageType = "error"
)

// UserInfo is the identity bound to a connection by a verified token.
type UserInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CursorPosition is a user's pointer location, optionally anchored to a block.
type CursorPosition struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	BlockID *string `json:"block_id,omitempty"`
}

// CursorState is the last reported position of one user on one page.
// UpdatedAt lets clients apply their own staleness rule.
type CursorState struct {
	UserID    string         `json:"user_id"`
	UserName  string         `json:"user_name"`
	Position  CursorPosition `json:"position"`
	UpdatedAt int64          `json:"updated_at"`
}

// InboundMessage is the union of every client -> server payload. Fields not
// used by a given type are left empty.
type InboundMessage struct {
	Type     MessageType     `json:"type"`
	Token    string          `json:"token,omitempty"`
	PageID   string          `json:"page_id,omitempty"`
	BlockID  string          `json:"block_id,omitempty"`
	Content  json.RawMessage `json:"content,omitempty"`
	Updates  json.RawMessage `json:"updates,omitempty"`
	Position *CursorPosition `json:"position,omitempty"`
}

// Server -> client payloads

type AuthSuccessMessage struct {
	Type   MessageType `json:"type"`
	UserID string      `json:"user_id"`
}

type ErrorMessage struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

type SubscribedMessage struct {
	Type    MessageType             `json:"type"`
	PageID  string                  `json:"page_id"`
	Users   []UserInfo              `json:"users"`
	Cursors map[string]*CursorState `json:"cursors"`
}

type UserJoinedMessage struct {
	Type      MessageType `json:"type"`
	PageID    string      `json:"page_id"`
	User      UserInfo    `json:"user"`
	Timestamp int64       `json:"timestamp"`
}

type UserLeftMessage struct {
	Type   MessageType `json:"type"`
	PageID string      `json:"page_id"`
	User   UserInfo    `json:"user"`
	UserID string      `json:"user_id"`
}

type BlockUpdatedMessage struct {
	Type    MessageType     `json:"type"`
	PageID  string          `json:"page_id"`
	UserID  string          `json:"user_id"`
	BlockID string          `json:"block_id"`
	Content json.RawMessage `json:"content"`
}

type PageUpdatedMessage struct {
	Type    MessageType     `json:"type"`
	PageID  string          `json:"page_id"`
	UserID  string          `json:"user_id"`
	Updates json.RawMessage `json:"updates"`
}

type CursorMessage struct {
	Type     MessageType    `json:"type"`
	PageID   string         `json:"page_id"`
	UserID   string         `json:"user_id"`
	UserName string         `json:"user_name"`
	Position CursorPosition `json:"position"`
}

type PongMessage struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"`
}

// ConnectionInfo is the diagnostics view of a live connection.
type ConnectionInfo struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id,omitempty"`
	UserName      string    `json:"user_name,omitempty"`
	Authenticated bool      `json:"authenticated"`
	Pages         []string  `json:"pages"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastActiveAt  time.Time `json:"last_active_at"`
}

// PagePresence is the diagnostics view of one page room.
type PagePresence struct {
	PageID      string                  `json:"page_id"`
	Users       []UserInfo              `json:"users"`
	Cursors     map[string]*CursorState `json:"cursors"`
	Connections int                     `json:"connections"`
}

// UnixMillis is the timestamp format used on the wire.
func UnixMillis(t time.Time) int64 {
	return t.UnixMilli()
}
