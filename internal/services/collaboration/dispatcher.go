package collaboration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"page-collab/internal/logger"
	"page-collab/internal/middleware"
	"page-collab/internal/models"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// errUnauthenticated marks a privileged request from a connection that has not
// authenticated. It is logged but never reported on the wire.
var errUnauthenticated = errors.New("unauthenticated")

// requestError is a recoverable problem with a request, reported to the
// client as an `error` frame.
type requestError struct {
	message string
}

func (e *requestError) Error() string { return e.message }

func missingField(name string) error {
	return &requestError{message: fmt.Sprintf("%s is required", name)}
}

type handlerFunc func(ctx context.Context, c *Connection, msg *models.InboundMessage) error

// Dispatcher parses inbound frames and routes them by type. Frames without a
// recognized type are dropped silently.
type Dispatcher struct {
	sm       *SessionManager
	handlers map[models.MessageType]handlerFunc
	now      func() time.Time
}

func newDispatcher(sm *SessionManager) *Dispatcher {
	d := &Dispatcher{sm: sm, now: time.Now}
	d.handlers = map[models.MessageType]handlerFunc{
		models.MessageTypeAuth:        d.handleAuth,
		models.MessageTypeSubscribe:   d.handleSubscribe,
		models.MessageTypeUnsubscribe: d.handleUnsubscribe,
		models.MessageTypeBlockUpdate: d.handleBlockUpdate,
		models.MessageTypePageUpdate:  d.handlePageUpdate,
		models.MessageTypeCursor:      d.handleCursorPosition,
		models.MessageTypePing:        d.handlePing,
	}
	return d
}

// Dispatch handles one inbound frame from c. It never panics and never closes
// the connection; failures are isolated to this frame.
func (d *Dispatcher) Dispatch(ctx context.Context, c *Connection, raw []byte) {
	var envelope struct {
		Type models.MessageType `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.Type == "" {
		logger.Debug("dropping frame without type", zap.String("conn_id", c.ID))
		return
	}
	handler, ok := d.handlers[envelope.Type]
	if !ok {
		logger.Debug("dropping frame with unknown type",
			zap.String("conn_id", c.ID),
			zap.String("type", string(envelope.Type)),
		)
		return
	}

	ctx, span := middleware.StartSpan(ctx, "WebSocket.ProcessMessage",
		attribute.String("connection.id", c.ID),
		attribute.String("message.type", string(envelope.Type)),
		attribute.Int("message.size", len(raw)),
	)
	defer span.End()

	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("panic handling %s: %v", envelope.Type, p)
			middleware.AddSpanError(ctx, err)
			logger.Error("message handler panic",
				zap.String("conn_id", c.ID),
				zap.Error(err),
				zap.ByteString("stack", debug.Stack()),
			)
			c.sendJSON(models.ErrorMessage{Type: models.MessageTypeError, Message: "Internal server error"})
		}
	}()

	var msg models.InboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		if c.Authenticated() {
			c.sendJSON(models.ErrorMessage{
				Type:    models.MessageTypeError,
				Message: fmt.Sprintf("Malformed %s message", envelope.Type),
			})
		}
		return
	}

	err := handler(ctx, c, &msg)
	if err == nil {
		return
	}

	var reqErr *requestError
	switch {
	case errors.Is(err, errUnauthenticated):
		logger.Debug("ignoring request from unauthenticated connection",
			zap.String("conn_id", c.ID),
			zap.String("type", string(msg.Type)),
			zap.String("reason", "unauthenticated"),
		)
	case errors.As(err, &reqErr):
		c.sendJSON(models.ErrorMessage{Type: models.MessageTypeError, Message: reqErr.message})
	default:
		middleware.AddSpanError(ctx, err)
		logger.Error("message handler failed",
			zap.String("conn_id", c.ID),
			zap.String("type", string(msg.Type)),
			zap.Error(err),
		)
		c.sendJSON(models.ErrorMessage{Type: models.MessageTypeError, Message: "Server error: " + err.Error()})
	}
}

// requireUser returns the identity of c, or errUnauthenticated.
func requireUser(c *Connection) (models.UserInfo, error) {
	user, ok := c.Identity()
	if !ok {
		return models.UserInfo{}, errUnauthenticated
	}
	return user, nil
}

func (d *Dispatcher) handleAuth(ctx context.Context, c *Connection, msg *models.InboundMessage) error {
	user, prev, hadPrev, err := d.sm.identity.Authenticate(c, msg.Token)
	if err != nil {
		// auth_error has already been sent.
		middleware.AddSpanEvent(ctx, "auth.failed", attribute.String("reason", err.Error()))
		return nil
	}

	if hadPrev && prev.ID != user.ID {
		for _, pageID := range c.Pages() {
			d.sm.subs.dropCursor(pageID, prev.ID)
		}
	}

	d.sm.record(models.ActivityAuthenticated, c, "")
	return nil
}

func (d *Dispatcher) handleSubscribe(ctx context.Context, c *Connection, msg *models.InboundMessage) error {
	if _, err := requireUser(c); err != nil {
		return err
	}
	if msg.PageID == "" {
		return missingField("page_id")
	}

	if d.sm.subs.Subscribe(c, msg.PageID) {
		d.sm.record(models.ActivitySubscribed, c, msg.PageID)
	}
	return nil
}

func (d *Dispatcher) handleUnsubscribe(ctx context.Context, c *Connection, msg *models.InboundMessage) error {
	if _, err := requireUser(c); err != nil {
		return err
	}
	if msg.PageID == "" {
		return missingField("page_id")
	}

	if d.sm.subs.Unsubscribe(c, msg.PageID) {
		d.sm.record(models.ActivityUnsubscribed, c, msg.PageID)
	}
	return nil
}

func (d *Dispatcher) handleBlockUpdate(ctx context.Context, c *Connection, msg *models.InboundMessage) error {
	user, err := requireUser(c)
	if err != nil {
		return err
	}
	switch {
	case msg.PageID == "":
		return missingField("page_id")
	case msg.BlockID == "":
		return missingField("block_id")
	case len(msg.Content) == 0:
		return missingField("content")
	}

	d.sm.router.Broadcast(msg.PageID, models.BlockUpdatedMessage{
		Type:    models.MessageTypeBlockUpdated,
		PageID:  msg.PageID,
		UserID:  user.ID,
		BlockID: msg.BlockID,
		Content: msg.Content,
	}, c)
	return nil
}

func (d *Dispatcher) handlePageUpdate(ctx context.Context, c *Connection, msg *models.InboundMessage) error {
	user, err := requireUser(c)
	if err != nil {
		return err
	}
	switch {
	case msg.PageID == "":
		return missingField("page_id")
	case len(msg.Updates) == 0:
		return missingField("updates")
	}

	d.sm.router.Broadcast(msg.PageID, models.PageUpdatedMessage{
		Type:    models.MessageTypePageUpdated,
		PageID:  msg.PageID,
		UserID:  user.ID,
		Updates: msg.Updates,
	}, c)
	return nil
}

func (d *Dispatcher) handleCursorPosition(ctx context.Context, c *Connection, msg *models.InboundMessage) error {
	if _, err := requireUser(c); err != nil {
		return err
	}
	switch {
	case msg.PageID == "":
		return missingField("page_id")
	case msg.Position == nil:
		return missingField("position")
	}

	d.sm.presence.UpdateCursor(c, msg.PageID, *msg.Position)
	return nil
}

func (d *Dispatcher) handlePing(ctx context.Context, c *Connection, msg *models.InboundMessage) error {
	c.sendJSON(models.PongMessage{Type: models.MessageTypePong, Timestamp: models.UnixMillis(d.now())})
	return nil
}
