package collaboration

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"page-collab/internal/logger"
	"page-collab/internal/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const writeWait = 10 * time.Second

// Connection is one live WebSocket session. Identity fields are written only
// by the IdentityBinder; the page set only by the SubscriptionManager.
type Connection struct {
	ID          string
	Conn        *websocket.Conn
	ConnectedAt time.Time

	// Outbound frames. Never closed; writers select on done instead so a
	// broadcast racing with cleanup cannot panic.
	send chan []byte
	done chan struct{}

	mu         sync.Mutex
	user       *models.UserInfo
	pages      map[string]struct{}
	closed     bool
	lastActive time.Time

	authLimiter *rate.Limiter
}

func newConnection(conn *websocket.Conn, bufferSize int, authLimiter *rate.Limiter) *Connection {
	now := time.Now()
	return &Connection{
		Conn:        conn,
		ConnectedAt: now,
		send:        make(chan []byte, bufferSize),
		done:        make(chan struct{}),
		pages:       make(map[string]struct{}),
		lastActive:  now,
		authLimiter: authLimiter,
	}
}

// Identity returns the bound user and whether the connection is authenticated.
func (c *Connection) Identity() (models.UserInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.user == nil {
		return models.UserInfo{}, false
	}
	return *c.user, true
}

func (c *Connection) Authenticated() bool {
	_, ok := c.Identity()
	return ok
}

// bind replaces the identity and returns the previous one, if any.
func (c *Connection) bind(user models.UserInfo) (prev models.UserInfo, hadPrev bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.user != nil {
		prev, hadPrev = *c.user, true
	}
	c.user = &user
	return prev, hadPrev
}

// addPage records a subscription. It fails once the connection is closing so
// that cleanup never misses a page added concurrently.
func (c *Connection) addPage(pageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.pages[pageID] = struct{}{}
	return true
}

func (c *Connection) removePage(pageID string) {
	c.mu.Lock()
	delete(c.pages, pageID)
	c.mu.Unlock()
}

func (c *Connection) hasPage(pageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pages[pageID]
	return ok
}

// Pages returns the subscribed page ids, sorted.
func (c *Connection) Pages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pagesLocked()
}

func (c *Connection) pagesLocked() []string {
	out := make([]string, 0, len(c.pages))
	for id := range c.pages {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// markClosed flips the connection to closing exactly once and returns the
// pages it was subscribed to at that instant.
func (c *Connection) markClosed() ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false
	}
	c.closed = true
	close(c.done)
	return c.pagesLocked(), true
}

func (c *Connection) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Done is closed when the connection starts its cleanup.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActive = time.Now()
	c.mu.Unlock()
}

func (c *Connection) allowAuthAttempt() bool {
	if c.authLimiter == nil {
		return true
	}
	return c.authLimiter.Allow()
}

// enqueue hands a serialized frame to the write pump without blocking.
// It reports false when the connection is closed or its buffer is full.
func (c *Connection) enqueue(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// sendJSON marshals v and enqueues it for this connection only.
func (c *Connection) sendJSON(v interface{}) bool {
	payload, err := json.Marshal(v)
	if err != nil {
		logger.Error("failed to marshal outbound message", zap.String("conn_id", c.ID), zap.Error(err))
		return false
	}
	if !c.enqueue(payload) {
		logger.Warn("dropping direct message, send buffer unavailable", zap.String("conn_id", c.ID))
		return false
	}
	return true
}

// Info is the diagnostics snapshot of the connection.
func (c *Connection) Info() models.ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := models.ConnectionInfo{
		ID:            c.ID,
		Authenticated: c.user != nil,
		Pages:         c.pagesLocked(),
		ConnectedAt:   c.ConnectedAt,
		LastActiveAt:  c.lastActive,
	}
	if c.user != nil {
		info.UserID = c.user.ID
		info.UserName = c.user.Name
	}
	return info
}

// ReadPump reads frames until the socket fails or goes idle, then runs the
// full disconnect cleanup.
func (c *Connection) ReadPump(ctx context.Context, sm *SessionManager) {
	defer sm.Disconnect(c)

	idle := sm.opts.IdleTimeout
	if sm.opts.MaxMessageSize > 0 {
		c.Conn.SetReadLimit(sm.opts.MaxMessageSize)
	}
	c.Conn.SetReadDeadline(time.Now().Add(idle))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(idle))
		c.touch()
		return nil
	})

	for {
		msgType, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				logger.Warn("websocket read error", zap.String("conn_id", c.ID), zap.Error(err))
			}
			return
		}

		c.Conn.SetReadDeadline(time.Now().Add(idle))
		c.touch()

		if msgType != websocket.TextMessage {
			continue
		}

		sm.HandleMessage(ctx, c, message)
	}
}

// WritePump drains the send queue onto the socket and keeps the transport
// alive with pings.
func (c *Connection) WritePump(sm *SessionManager) {
	ticker := time.NewTicker(sm.pingPeriod())
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.Conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case message := <-c.send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			// One JSON object per frame, so queued messages are not batched.
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logger.Debug("websocket write failed", zap.String("conn_id", c.ID), zap.Error(err))
				sm.Disconnect(c)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				sm.Disconnect(c)
				return
			}
		}
	}
}
