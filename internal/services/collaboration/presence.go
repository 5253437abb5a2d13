package collaboration

import (
	"page-collab/internal/models"
)

// PresenceTracker keeps the last cursor position per (page, user). Entries
// live until the user unsubscribes or disconnects; there is no server-side
// expiry, clients age them out using UpdatedAt.
type PresenceTracker struct {
	subs   *SubscriptionManager
	router *BroadcastRouter
}

func NewPresenceTracker(subs *SubscriptionManager, router *BroadcastRouter) *PresenceTracker {
	return &PresenceTracker{subs: subs, router: router}
}

// UpdateCursor stores pos for c's user on pageID and relays it to every other
// subscriber. The position is only stored when c is subscribed to the page,
// since only then will unsubscribe or disconnect clean it up; it is relayed
// either way. Returns false for unauthenticated connections.
func (p *PresenceTracker) UpdateCursor(c *Connection, pageID string, pos models.CursorPosition) bool {
	user, ok := c.Identity()
	if !ok {
		return false
	}

	msg := models.CursorMessage{
		Type:     models.MessageTypeCursor,
		PageID:   pageID,
		UserID:   user.ID,
		UserName: user.Name,
		Position: pos,
	}

	p.router.broadcastWith(pageID, msg, c, func(r *room) {
		if _, subscribed := r.subscribers[c.ID]; !subscribed {
			return
		}
		r.cursors[user.ID] = &models.CursorState{
			UserID:    user.ID,
			UserName:  user.Name,
			Position:  pos,
			UpdatedAt: models.UnixMillis(p.subs.now()),
		}
	})
	return true
}

// Cursors returns a copy of the cursor map for pageID.
func (p *PresenceTracker) Cursors(pageID string) map[string]*models.CursorState {
	r := p.subs.lockRoom(pageID, false)
	if r == nil {
		return map[string]*models.CursorState{}
	}
	defer p.subs.releaseRoom(r)
	return r.cursorsExcept("")
}

// Presence derives the users viewing pageID from its subscriber set.
func (p *PresenceTracker) Presence(pageID string) models.PagePresence {
	out := models.PagePresence{
		PageID:  pageID,
		Users:   []models.UserInfo{},
		Cursors: map[string]*models.CursorState{},
	}

	r := p.subs.lockRoom(pageID, false)
	if r == nil {
		return out
	}
	defer p.subs.releaseRoom(r)

	out.Users = r.usersExcept("")
	out.Cursors = r.cursorsExcept("")
	out.Connections = len(r.subscribers)
	return out
}
