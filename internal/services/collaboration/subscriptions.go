package collaboration

import (
	"sort"
	"sync"
	"time"

	"page-collab/internal/logger"
	"page-collab/internal/models"

	"go.uber.org/zap"
)

// room is the subscriber set and cursor map of one page. Everything inside is
// guarded by mu; a room marked closed has been dropped from the index and
// must not be used again.
type room struct {
	id          string
	mu          sync.Mutex
	subscribers map[string]*Connection         // connection id -> connection
	cursors     map[string]*models.CursorState // user id -> last position
	closed      bool
}

func newRoom(pageID string) *room {
	return &room{
		id:          pageID,
		subscribers: make(map[string]*Connection),
		cursors:     make(map[string]*models.CursorState),
	}
}

// usersExcept lists the distinct users subscribed to the room, leaving out
// excludeUserID. Sorted by id.
func (r *room) usersExcept(excludeUserID string) []models.UserInfo {
	seen := make(map[string]bool, len(r.subscribers))
	users := make([]models.UserInfo, 0, len(r.subscribers))
	for _, c := range r.subscribers {
		user, ok := c.Identity()
		if !ok || user.ID == excludeUserID || seen[user.ID] {
			continue
		}
		seen[user.ID] = true
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users
}

func (r *room) cursorsExcept(excludeUserID string) map[string]*models.CursorState {
	out := make(map[string]*models.CursorState, len(r.cursors))
	for userID, state := range r.cursors {
		if userID == excludeUserID {
			continue
		}
		cp := *state
		out[userID] = &cp
	}
	return out
}

// SubscriptionManager maintains the page -> connections relation. Each page
// has its own lock so traffic on unrelated pages never serializes.
type SubscriptionManager struct {
	mu     sync.Mutex // guards rooms (the index only, not room contents)
	rooms  map[string]*room
	router *BroadcastRouter
	now    func() time.Time
}

func NewSubscriptionManager() *SubscriptionManager {
	return &SubscriptionManager{
		rooms: make(map[string]*room),
		now:   time.Now,
	}
}

// lockRoom returns the page's room with its lock held, creating it when create
// is set. Returns nil when the room does not exist and create is false.
func (sm *SubscriptionManager) lockRoom(pageID string, create bool) *room {
	for {
		sm.mu.Lock()
		r, ok := sm.rooms[pageID]
		if !ok {
			if !create {
				sm.mu.Unlock()
				return nil
			}
			r = newRoom(pageID)
			sm.rooms[pageID] = r
		}
		sm.mu.Unlock()

		r.mu.Lock()
		if !r.closed {
			return r
		}
		// Dropped between lookup and lock; look again.
		r.mu.Unlock()
	}
}

// releaseRoom unlocks r, first removing it from the index if it is empty.
func (sm *SubscriptionManager) releaseRoom(r *room) {
	if len(r.subscribers) == 0 {
		r.closed = true
		sm.mu.Lock()
		if sm.rooms[r.id] == r {
			delete(sm.rooms, r.id)
		}
		sm.mu.Unlock()
	}
	r.mu.Unlock()
}

// Subscribe joins c to pageID. Unauthenticated connections are ignored and
// false is returned. The order inside the room lock is: snapshot existing
// subscribers and cursors, add c, reply `subscribed` to c, then announce
// `user_joined` to everyone else. A repeated subscribe re-sends the snapshot
// without a second announcement.
func (sm *SubscriptionManager) Subscribe(c *Connection, pageID string) bool {
	user, ok := c.Identity()
	if !ok {
		return false
	}

	r := sm.lockRoom(pageID, true)
	defer sm.releaseRoom(r)

	_, already := r.subscribers[c.ID]

	users := r.usersExcept(user.ID)
	cursors := r.cursorsExcept(user.ID)

	if !already {
		if !c.addPage(pageID) {
			return false
		}
		r.subscribers[c.ID] = c
	}

	c.sendJSON(models.SubscribedMessage{
		Type:    models.MessageTypeSubscribed,
		PageID:  pageID,
		Users:   users,
		Cursors: cursors,
	})

	if already {
		return true
	}

	sm.router.fanoutLocked(r, models.UserJoinedMessage{
		Type:      models.MessageTypeUserJoined,
		PageID:    pageID,
		User:      user,
		Timestamp: models.UnixMillis(sm.now()),
	}, c)

	logger.Info("subscribed",
		zap.String("conn_id", c.ID),
		zap.String("user_id", user.ID),
		zap.String("page_id", pageID),
		zap.Int("subscribers", len(r.subscribers)),
	)
	return true
}

// Unsubscribe removes c from pageID. It is a no-op (false) when c was not
// subscribed or the page is unknown.
func (sm *SubscriptionManager) Unsubscribe(c *Connection, pageID string) bool {
	r := sm.lockRoom(pageID, false)
	if r == nil {
		c.removePage(pageID)
		return false
	}
	defer sm.releaseRoom(r)

	if _, ok := r.subscribers[c.ID]; !ok {
		c.removePage(pageID)
		return false
	}
	sm.removeLocked(r, c)
	return true
}

// LeaveAll runs Unsubscribe for every page in pages and returns the ones c
// was actually removed from.
func (sm *SubscriptionManager) LeaveAll(c *Connection, pages []string) []string {
	left := make([]string, 0, len(pages))
	for _, pageID := range pages {
		if sm.Unsubscribe(c, pageID) {
			left = append(left, pageID)
		}
	}
	return left
}

// removeLocked drops c and its user's cursor from r, then tells the
// remaining subscribers. Cursor removal and notification share the room lock
// so a stale cursor can never be relayed after user_left.
func (sm *SubscriptionManager) removeLocked(r *room, c *Connection) {
	delete(r.subscribers, c.ID)
	c.removePage(r.id)

	user, _ := c.Identity()
	delete(r.cursors, user.ID)

	if len(r.subscribers) > 0 {
		sm.router.fanoutLocked(r, models.UserLeftMessage{
			Type:   models.MessageTypeUserLeft,
			PageID: r.id,
			User:   user,
			UserID: user.ID,
		}, c)
	}

	logger.Info("unsubscribed",
		zap.String("conn_id", c.ID),
		zap.String("user_id", user.ID),
		zap.String("page_id", r.id),
		zap.Int("remaining", len(r.subscribers)),
	)
}

// dropCursor removes userID's cursor from pageID, used when a connection is
// re-bound to a different user.
func (sm *SubscriptionManager) dropCursor(pageID, userID string) {
	r := sm.lockRoom(pageID, false)
	if r == nil {
		return
	}
	delete(r.cursors, userID)
	sm.releaseRoom(r)
}

// Subscribers returns the connections currently subscribed to pageID.
func (sm *SubscriptionManager) Subscribers(pageID string) []*Connection {
	r := sm.lockRoom(pageID, false)
	if r == nil {
		return nil
	}
	defer sm.releaseRoom(r)

	out := make([]*Connection, 0, len(r.subscribers))
	for _, c := range r.subscribers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Pages returns the ids of every page with at least one subscriber.
func (sm *SubscriptionManager) Pages() []string {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	out := make([]string, 0, len(sm.rooms))
	for id := range sm.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
