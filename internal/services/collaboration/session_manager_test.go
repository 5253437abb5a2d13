package collaboration

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"page-collab/internal/models"
)

func TestCollaborationScenario(t *testing.T) {
	sm := newTestManager(t)

	a := login(t, sm, "tok-alice")
	first := subscribe(t, sm, a, "p1")
	assert.Equal(t, 0, len(first["users"].([]interface{})))

	b := login(t, sm, "tok-bob")
	snapshot := subscribe(t, sm, b, "p1")
	assert.Equal(t, "p1", snapshot["page_id"])
	assert.Equal(t, []interface{}{map[string]interface{}{"id": "u1", "name": "Alice"}}, snapshot["users"])

	joined := drain(t, a)
	assert.Equal(t, []string{"user_joined"}, types(joined))
	assert.Equal(t, map[string]interface{}{"id": "u2", "name": "Bob"}, joined[0]["user"])

	send(t, sm, b, frame{"type": "cursor_position", "page_id": "p1", "position": frame{"x": 10, "y": 20}})
	cursor := drain(t, a)
	assert.Equal(t, 1, len(cursor))
	assert.Equal(t, "cursor_position", cursor[0]["type"])
	assert.Equal(t, "u2", cursor[0]["user_id"])
	assert.Equal(t, "Bob", cursor[0]["user_name"])
	assert.Equal(t, map[string]interface{}{"x": float64(10), "y": float64(20)}, cursor[0]["position"])
	assert.Equal(t, 0, len(drain(t, b)))

	sm.Disconnect(b)
	left := drain(t, a)
	assert.Equal(t, []string{"user_left"}, types(left))
	assert.Equal(t, "u2", left[0]["user"].(map[string]interface{})["id"])
	assert.Equal(t, "u2", left[0]["user_id"])
}

// P1
func TestJoinSnapshotExcludesSelf(t *testing.T) {
	sm := newTestManager(t)

	a := login(t, sm, "tok-alice")
	subscribe(t, sm, a, "doc")
	b := login(t, sm, "tok-bob")
	subscribe(t, sm, b, "doc")

	// A hears about B, B never hears about itself.
	assert.Equal(t, []string{"user_joined"}, types(drain(t, a)))
	assert.Equal(t, 0, len(drain(t, b)))

	// A second tab of the same user does not list itself.
	b2 := login(t, sm, "tok-bob")
	snapshot := subscribe(t, sm, b2, "doc")
	assert.Equal(t, []interface{}{map[string]interface{}{"id": "u1", "name": "Alice"}}, snapshot["users"])
}

func TestSubscribeSnapshotIncludesCursors(t *testing.T) {
	sm := newTestManager(t)

	a := login(t, sm, "tok-alice")
	subscribe(t, sm, a, "p1")
	send(t, sm, a, frame{"type": "cursor_position", "page_id": "p1", "position": frame{"x": 1, "y": 2, "block_id": "b7"}})

	b := login(t, sm, "tok-bob")
	snapshot := subscribe(t, sm, b, "p1")
	cursors := snapshot["cursors"].(map[string]interface{})
	assert.Equal(t, 1, len(cursors))

	alice := cursors["u1"].(map[string]interface{})
	assert.Equal(t, "Alice", alice["user_name"])
	assert.Equal(t, map[string]interface{}{"x": float64(1), "y": float64(2), "block_id": "b7"}, alice["position"])
	assert.NotEqual(t, nil, alice["updated_at"])
}

// P2
func TestLeaveNotificationOnEveryPath(t *testing.T) {
	leave := map[string]func(sm *SessionManager, c *Connection){
		"unsubscribe": func(sm *SessionManager, c *Connection) {
			send(t, sm, c, frame{"type": "unsubscribe", "page_id": "p1"})
		},
		"close": func(sm *SessionManager, c *Connection) {
			sm.Disconnect(c)
		},
		"repeated close": func(sm *SessionManager, c *Connection) {
			sm.Disconnect(c)
			sm.Disconnect(c)
		},
	}

	for name, fn := range leave {
		t.Run(name, func(t *testing.T) {
			sm := newTestManager(t)
			a := login(t, sm, "tok-alice")
			subscribe(t, sm, a, "p1")
			b := login(t, sm, "tok-bob")
			subscribe(t, sm, b, "p1")
			send(t, sm, b, frame{"type": "cursor_position", "page_id": "p1", "position": frame{"x": 5, "y": 5}})
			drain(t, a)

			fn(sm, b)

			left := ofType(drain(t, a), "user_left")
			assert.Equal(t, 1, len(left))
			assert.Equal(t, "u2", left[0]["user_id"])

			c := login(t, sm, "tok-carol")
			snapshot := subscribe(t, sm, c, "p1")
			_, hasBob := snapshot["cursors"].(map[string]interface{})["u2"]
			assert.Equal(t, false, hasBob)
		})
	}
}

func TestLastSubscriberLeavingDropsPage(t *testing.T) {
	sm := newTestManager(t)
	a := login(t, sm, "tok-alice")
	subscribe(t, sm, a, "p1")
	assert.Equal(t, []string{"p1"}, sm.ActivePages())

	send(t, sm, a, frame{"type": "unsubscribe", "page_id": "p1"})
	assert.Equal(t, []string{}, sm.ActivePages())
	assert.Equal(t, 0, len(drain(t, a)))

	// unknown page and repeated unsubscribe are no-ops
	send(t, sm, a, frame{"type": "unsubscribe", "page_id": "p1"})
	send(t, sm, a, frame{"type": "unsubscribe", "page_id": "nope"})
	assert.Equal(t, 0, len(drain(t, a)))
}

// P3
func TestRelayExcludesSender(t *testing.T) {
	sm := newTestManager(t)
	a := login(t, sm, "tok-alice")
	b := login(t, sm, "tok-bob")
	c := login(t, sm, "tok-carol")
	for _, conn := range []*Connection{a, b, c} {
		subscribe(t, sm, conn, "p1")
	}
	drain(t, a)
	drain(t, b)

	send(t, sm, c, frame{"type": "block_update", "page_id": "p1", "block_id": "blk", "content": frame{"text": "hi"}})
	send(t, sm, c, frame{"type": "page_update", "page_id": "p1", "updates": frame{"title": "New"}})
	send(t, sm, c, frame{"type": "cursor_position", "page_id": "p1", "position": frame{"x": 1, "y": 1}})

	for _, other := range []*Connection{a, b} {
		got := drain(t, other)
		assert.Equal(t, []string{"block_updated", "page_updated", "cursor_position"}, types(got))
		assert.Equal(t, "u3", got[0]["user_id"])
		assert.Equal(t, "blk", got[0]["block_id"])
		assert.Equal(t, map[string]interface{}{"text": "hi"}, got[0]["content"])
		assert.Equal(t, "p1", got[1]["page_id"])
		assert.Equal(t, map[string]interface{}{"title": "New"}, got[1]["updates"])
	}
	assert.Equal(t, 0, len(drain(t, c)))
}

// P4
func TestSubscribeIsIdempotent(t *testing.T) {
	sm := newTestManager(t)
	a := login(t, sm, "tok-alice")
	b := login(t, sm, "tok-bob")
	subscribe(t, sm, a, "p1")
	subscribe(t, sm, b, "p1")
	drain(t, a)

	again := subscribe(t, sm, b, "p1")
	assert.Equal(t, "p1", again["page_id"])
	assert.Equal(t, 0, len(drain(t, a)))
	assert.Equal(t, 2, len(sm.subs.Subscribers("p1")))

	send(t, sm, a, frame{"type": "block_update", "page_id": "p1", "block_id": "x", "content": "y"})
	assert.Equal(t, 1, len(drain(t, b)))
}

// P5
func TestUnauthenticatedRequestsAreIgnored(t *testing.T) {
	sm := newTestManager(t)
	a := login(t, sm, "tok-alice")
	subscribe(t, sm, a, "p1")

	anon := sm.Connect(nil)
	send(t, sm, anon, frame{"type": "subscribe", "page_id": "p1"})
	send(t, sm, anon, frame{"type": "block_update", "page_id": "p1", "block_id": "b", "content": "c"})
	send(t, sm, anon, frame{"type": "page_update", "page_id": "p1", "updates": frame{}})
	send(t, sm, anon, frame{"type": "cursor_position", "page_id": "p1", "position": frame{"x": 1, "y": 1}})
	send(t, sm, anon, frame{"type": "unsubscribe", "page_id": "p1"})
	send(t, sm, anon, frame{"type": "subscribe"})

	assert.Equal(t, 0, len(drain(t, anon)))
	assert.Equal(t, 0, len(drain(t, a)))
	assert.Equal(t, 1, len(sm.subs.Subscribers("p1")))
	assert.Equal(t, 0, len(sm.Presence("p1").Cursors))
	assert.Equal(t, []string{}, anon.Pages())

	send(t, sm, anon, frame{"type": "ping"})
	assert.Equal(t, []string{"pong"}, types(drain(t, anon)))
}

// P6
func TestBroadcastIsolatedPerPage(t *testing.T) {
	sm := newTestManager(t)
	a := login(t, sm, "tok-alice")
	b := login(t, sm, "tok-bob")
	c := login(t, sm, "tok-carol")
	subscribe(t, sm, a, "d1")
	subscribe(t, sm, b, "d1")
	subscribe(t, sm, c, "d2")
	drain(t, a)

	send(t, sm, a, frame{"type": "block_update", "page_id": "d1", "block_id": "x", "content": 1})
	assert.Equal(t, 1, len(drain(t, b)))
	assert.Equal(t, 0, len(drain(t, c)))

	// A page nobody watches delivers nowhere.
	assert.Equal(t, 0, sm.Broadcast("d3", models.PongMessage{Type: models.MessageTypePong}, nil))
}

func TestDisconnectLeavesEveryPage(t *testing.T) {
	sm := newTestManager(t)
	a := login(t, sm, "tok-alice")
	b := login(t, sm, "tok-bob")
	c := login(t, sm, "tok-carol")
	subscribe(t, sm, a, "p1")
	subscribe(t, sm, a, "p2")
	subscribe(t, sm, b, "p1")
	subscribe(t, sm, c, "p2")
	drain(t, a)

	sm.Disconnect(a)

	for _, other := range []*Connection{b, c} {
		left := ofType(drain(t, other), "user_left")
		assert.Equal(t, 1, len(left))
		assert.Equal(t, "u1", left[0]["user_id"])
	}
	assert.Equal(t, false, sm.registry.IsRegistered(a.ID))
	assert.Equal(t, 0, len(sm.UserConnections("u1")))
	assert.Equal(t, []string{"p1", "p2"}, sm.ActivePages())

	// Closed connections can no longer join anything.
	send(t, sm, a, frame{"type": "subscribe", "page_id": "p3"})
	assert.Equal(t, []string{"p1", "p2"}, sm.ActivePages())
}

func TestSlowSubscriberIsDisconnected(t *testing.T) {
	opts := DefaultOptions()
	opts.AuthRateLimit = 0
	opts.SendBufferSize = 2
	sm := newTestManagerWith(t, opts)

	a := login(t, sm, "tok-alice")
	b := login(t, sm, "tok-bob")
	subscribe(t, sm, a, "p1")
	send(t, sm, b, frame{"type": "subscribe", "page_id": "p1"}) // B's queue: subscribed
	drain(t, a)

	for i := 0; i < 3; i++ {
		send(t, sm, a, frame{"type": "block_update", "page_id": "p1", "block_id": "x", "content": i})
	}

	select {
	case <-b.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("slow connection was not disconnected")
	}

	f := next(t, a, 2*time.Second)
	assert.Equal(t, "user_left", f["type"])
	assert.Equal(t, "u2", f["user_id"])
}

func TestActivityIsRecorded(t *testing.T) {
	sm := newTestManager(t)
	rec := newRecordedActivity()
	sm.SetActivityRecorder(rec)

	a := login(t, sm, "tok-alice")
	subscribe(t, sm, a, "p1")
	send(t, sm, a, frame{"type": "unsubscribe", "page_id": "p1"})
	subscribe(t, sm, a, "p2")
	sm.Disconnect(a)

	assert.Equal(t, []models.ActivityKind{
		models.ActivityConnected,
		models.ActivityAuthenticated,
		models.ActivitySubscribed,
		models.ActivityUnsubscribed,
		models.ActivitySubscribed,
		models.ActivityUnsubscribed,
		models.ActivityDisconnected,
	}, rec.kinds())
}

func TestShutdownDisconnectsEveryone(t *testing.T) {
	sm := newTestManager(t)
	a := login(t, sm, "tok-alice")
	b := sm.Connect(nil)
	subscribe(t, sm, a, "p1")

	sm.Shutdown()

	assert.Equal(t, true, a.Closed())
	assert.Equal(t, true, b.Closed())
	assert.Equal(t, 0, len(sm.Connections()))
	assert.Equal(t, []string{}, sm.ActivePages())
}
