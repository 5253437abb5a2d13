package collaboration

import (
	"encoding/json"

	"page-collab/internal/logger"

	"go.uber.org/zap"
)

// BroadcastRouter fans a page message out to the page's subscribers. Frames
// are serialized once and enqueued under the room lock, which keeps per-page
// delivery order equal to arrival order.
type BroadcastRouter struct {
	subs *SubscriptionManager

	// onFailed is called for a subscriber whose queue rejected a frame.
	onFailed func(*Connection)
	// relay hands every locally originated frame to the backplane, if any.
	relay func(pageID string, payload []byte)
}

func NewBroadcastRouter(subs *SubscriptionManager, onFailed func(*Connection)) *BroadcastRouter {
	b := &BroadcastRouter{subs: subs, onFailed: onFailed}
	subs.router = b
	return b
}

// Broadcast sends msg to every subscriber of pageID except exclude (may be
// nil) and returns how many connections accepted it.
func (b *BroadcastRouter) Broadcast(pageID string, msg interface{}, exclude *Connection) int {
	return b.broadcastWith(pageID, msg, exclude, nil)
}

// broadcastWith runs mutate under the room lock before delivering, so a state
// change and its notification are observed together.
func (b *BroadcastRouter) broadcastWith(pageID string, msg interface{}, exclude *Connection, mutate func(*room)) int {
	payload, err := json.Marshal(msg)
	if err != nil {
		logger.Error("failed to marshal broadcast", zap.String("page_id", pageID), zap.Error(err))
		return 0
	}

	r := b.subs.lockRoom(pageID, false)
	if r == nil {
		b.publish(pageID, payload)
		return 0
	}
	defer b.subs.releaseRoom(r)

	if mutate != nil {
		mutate(r)
	}
	n := b.deliverLocked(r, payload, exclude)
	b.publish(pageID, payload)
	return n
}

// fanoutLocked is Broadcast for callers already holding r's lock.
func (b *BroadcastRouter) fanoutLocked(r *room, msg interface{}, exclude *Connection) int {
	payload, err := json.Marshal(msg)
	if err != nil {
		logger.Error("failed to marshal broadcast", zap.String("page_id", r.id), zap.Error(err))
		return 0
	}
	n := b.deliverLocked(r, payload, exclude)
	b.publish(r.id, payload)
	return n
}

// DeliverRemote hands a frame published by another instance to the local
// subscribers of pageID. It is never re-published.
func (b *BroadcastRouter) DeliverRemote(pageID string, payload []byte) int {
	r := b.subs.lockRoom(pageID, false)
	if r == nil {
		return 0
	}
	defer b.subs.releaseRoom(r)
	return b.deliverLocked(r, payload, nil)
}

func (b *BroadcastRouter) deliverLocked(r *room, payload []byte, exclude *Connection) int {
	delivered := 0
	for id, c := range r.subscribers {
		if exclude != nil && id == exclude.ID {
			continue
		}
		if c.enqueue(payload) {
			delivered++
			continue
		}
		if c.Closed() {
			continue
		}
		logger.Warn("send buffer full, dropping connection",
			zap.String("conn_id", c.ID),
			zap.String("page_id", r.id),
		)
		if b.onFailed != nil {
			b.onFailed(c)
		}
	}
	return delivered
}

func (b *BroadcastRouter) publish(pageID string, payload []byte) {
	if b.relay != nil {
		b.relay(pageID, payload)
	}
}
