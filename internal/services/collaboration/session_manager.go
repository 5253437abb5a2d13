package collaboration

import (
	"context"
	"sync"
	"time"

	"page-collab/internal/logger"
	"page-collab/internal/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Options tunes per-connection resources.
type Options struct {
	SendBufferSize int
	IdleTimeout    time.Duration
	MaxMessageSize int64

	// Auth attempts per second and burst, per connection. A rate <= 0
	// disables throttling.
	AuthRateLimit float64
	AuthBurst     int

	// Frames waiting to be published on the backplane.
	RelayQueueSize int
}

func DefaultOptions() Options {
	return Options{
		SendBufferSize: 256,
		IdleTimeout:    90 * time.Second,
		MaxMessageSize: 512 * 1024,
		AuthRateLimit:  1,
		AuthBurst:      5,
		RelayQueueSize: 1024,
	}
}

type relayFrame struct {
	pageID  string
	payload []byte
}

// SessionManager owns all shared collaboration state: the connection
// registry, page rooms and cursor maps. All mutation goes through its
// components; nothing outside this package touches the maps directly.
type SessionManager struct {
	opts Options

	registry   *Registry
	identity   *IdentityBinder
	subs       *SubscriptionManager
	router     *BroadcastRouter
	presence   *PresenceTracker
	dispatcher *Dispatcher

	activity  ActivityRecorder
	backplane Backplane
	relay     chan relayFrame

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSessionManager wires the collaboration components together.
func NewSessionManager(verifier TokenVerifier, opts Options) *SessionManager {
	defaults := DefaultOptions()
	if opts.SendBufferSize <= 0 {
		opts.SendBufferSize = defaults.SendBufferSize
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaults.IdleTimeout
	}
	if opts.RelayQueueSize <= 0 {
		opts.RelayQueueSize = defaults.RelayQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	sm := &SessionManager{
		opts:     opts,
		registry: NewRegistry(),
		subs:     NewSubscriptionManager(),
		ctx:      ctx,
		cancel:   cancel,
	}
	sm.identity = NewIdentityBinder(verifier, sm.registry)
	sm.router = NewBroadcastRouter(sm.subs, sm.disconnectAsync)
	sm.presence = NewPresenceTracker(sm.subs, sm.router)
	sm.dispatcher = newDispatcher(sm)
	return sm
}

// SetActivityRecorder enables the activity journal. Call before Start.
func (sm *SessionManager) SetActivityRecorder(r ActivityRecorder) {
	sm.activity = r
}

// SetBackplane enables cross-instance fan-out. Call before Start.
func (sm *SessionManager) SetBackplane(b Backplane) {
	sm.backplane = b
	sm.relay = make(chan relayFrame, sm.opts.RelayQueueSize)
	sm.router.relay = sm.enqueueRelay
}

// Start launches the backplane loops, if a backplane is set.
func (sm *SessionManager) Start() {
	if sm.backplane == nil {
		logger.Info("session manager started (single instance)")
		return
	}

	sm.wg.Add(2)
	go sm.publishLoop()
	go sm.receiveLoop()
	logger.Info("session manager started with backplane")
}

// Shutdown disconnects every connection and stops background loops.
func (sm *SessionManager) Shutdown() {
	logger.Info("shutting down session manager", zap.Int("connections", sm.registry.Count()))

	for _, c := range sm.registry.Connections() {
		sm.Disconnect(c)
	}

	sm.cancel()
	sm.wg.Wait()

	logger.Info("session manager shutdown complete")
}

// Connect registers a new connection for an upgraded socket. conn may be nil
// for in-process connections.
func (sm *SessionManager) Connect(conn *websocket.Conn) *Connection {
	var limiter *rate.Limiter
	if sm.opts.AuthRateLimit > 0 {
		burst := sm.opts.AuthBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(sm.opts.AuthRateLimit), burst)
	}

	c := newConnection(conn, sm.opts.SendBufferSize, limiter)
	sm.registry.Register(c)
	sm.record(models.ActivityConnected, c, "")

	logger.Info("connection opened", zap.String("conn_id", c.ID), zap.Int("total", sm.registry.Count()))
	return c
}

// Disconnect runs the end-of-life cleanup for c: unregister, leave every
// subscribed page (notifying the remaining subscribers) and stop the write
// pump. Safe to call any number of times from any goroutine.
func (sm *SessionManager) Disconnect(c *Connection) {
	pages, ok := c.markClosed()
	if !ok {
		return
	}

	sm.registry.Unregister(c)

	left := sm.subs.LeaveAll(c, pages)
	for _, pageID := range left {
		sm.record(models.ActivityUnsubscribed, c, pageID)
	}
	sm.record(models.ActivityDisconnected, c, "")

	user, _ := c.Identity()
	logger.Info("connection closed",
		zap.String("conn_id", c.ID),
		zap.String("user_id", user.ID),
		zap.Int("pages_left", len(left)),
	)
}

func (sm *SessionManager) disconnectAsync(c *Connection) {
	go sm.Disconnect(c)
}

// HandleMessage dispatches one inbound text frame from c.
func (sm *SessionManager) HandleMessage(ctx context.Context, c *Connection, frame []byte) {
	sm.dispatcher.Dispatch(ctx, c, frame)
}

// Broadcast sends msg to the subscribers of pageID, skipping exclude.
func (sm *SessionManager) Broadcast(pageID string, msg interface{}, exclude *Connection) int {
	return sm.router.Broadcast(pageID, msg, exclude)
}

// Connections lists every live connection for diagnostics.
func (sm *SessionManager) Connections() []models.ConnectionInfo {
	conns := sm.registry.Connections()
	out := make([]models.ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Info())
	}
	return out
}

// UserConnections lists the live connections bound to userID.
func (sm *SessionManager) UserConnections(userID string) []models.ConnectionInfo {
	conns := sm.registry.ConnectionsForUser(userID)
	out := make([]models.ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Info())
	}
	return out
}

// Presence returns who is on pageID and their cursors.
func (sm *SessionManager) Presence(pageID string) models.PagePresence {
	return sm.presence.Presence(pageID)
}

// ActivePages lists pages with at least one local subscriber.
func (sm *SessionManager) ActivePages() []string {
	return sm.subs.Pages()
}

func (sm *SessionManager) pingPeriod() time.Duration {
	return sm.opts.IdleTimeout * 9 / 10
}

func (sm *SessionManager) record(kind models.ActivityKind, c *Connection, pageID string) {
	if sm.activity == nil {
		return
	}
	user, _ := c.Identity()
	sm.activity.Record(models.ActivityEvent{
		ConnectionID: c.ID,
		UserID:       user.ID,
		PageID:       pageID,
		Kind:         kind,
		CreatedAt:    time.Now(),
	})
}

// enqueueRelay runs under a room lock, so it must not block.
func (sm *SessionManager) enqueueRelay(pageID string, payload []byte) {
	select {
	case sm.relay <- relayFrame{pageID: pageID, payload: payload}:
	default:
		logger.Warn("backplane queue full, frame not relayed", zap.String("page_id", pageID))
	}
}

// publishLoop is the single publisher, which keeps per-page order on the
// backplane equal to local order.
func (sm *SessionManager) publishLoop() {
	defer sm.wg.Done()

	for {
		select {
		case <-sm.ctx.Done():
			return
		case f := <-sm.relay:
			ctx, cancel := context.WithTimeout(sm.ctx, 5*time.Second)
			if err := sm.backplane.Publish(ctx, f.pageID, f.payload); err != nil {
				logger.Warn("backplane publish failed", zap.String("page_id", f.pageID), zap.Error(err))
			}
			cancel()
		}
	}
}

func (sm *SessionManager) receiveLoop() {
	defer sm.wg.Done()

	backoff := time.Second
	for {
		err := sm.backplane.Receive(sm.ctx, func(pageID string, payload []byte) {
			sm.router.DeliverRemote(pageID, payload)
		})
		if sm.ctx.Err() != nil {
			return
		}
		logger.Warn("backplane receive stopped, retrying", zap.Error(err), zap.Duration("backoff", backoff))

		select {
		case <-sm.ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}
