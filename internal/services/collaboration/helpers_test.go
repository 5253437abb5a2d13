package collaboration

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"page-collab/internal/auth"
	"page-collab/internal/models"
)

type frame map[string]interface{}

// fakeVerifier maps literal tokens to identities.
type fakeVerifier map[string]models.UserInfo

func (f fakeVerifier) Verify(token string) (models.UserInfo, error) {
	if token == "" {
		return models.UserInfo{}, auth.ErrMissingToken
	}
	if token == "expired" {
		return models.UserInfo{}, auth.ErrExpiredToken
	}
	user, ok := f[token]
	if !ok {
		return models.UserInfo{}, auth.ErrInvalidToken
	}
	return user, nil
}

var testUsers = fakeVerifier{
	"tok-alice": {ID: "u1", Name: "Alice"},
	"tok-bob":   {ID: "u2", Name: "Bob"},
	"tok-carol": {ID: "u3", Name: "Carol"},
}

func newTestManager(t *testing.T) *SessionManager {
	t.Helper()
	opts := DefaultOptions()
	opts.AuthRateLimit = 0
	return newTestManagerWith(t, opts)
}

func newTestManagerWith(t *testing.T, opts Options) *SessionManager {
	t.Helper()
	sm := NewSessionManager(testUsers, opts)
	t.Cleanup(sm.Shutdown)
	return sm
}

func send(t *testing.T, sm *SessionManager, c *Connection, v interface{}) {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	sm.HandleMessage(context.Background(), c, raw)
}

func sendRaw(sm *SessionManager, c *Connection, raw string) {
	sm.HandleMessage(context.Background(), c, []byte(raw))
}

// drain returns every frame currently queued for c.
func drain(t *testing.T, c *Connection) []frame {
	t.Helper()
	var out []frame
	for {
		select {
		case payload := <-c.send:
			var f frame
			if err := json.Unmarshal(payload, &f); err != nil {
				t.Fatalf("bad frame %q: %v", payload, err)
			}
			out = append(out, f)
		default:
			return out
		}
	}
}

// next waits for one frame for c.
func next(t *testing.T, c *Connection, timeout time.Duration) frame {
	t.Helper()
	select {
	case payload := <-c.send:
		var f frame
		if err := json.Unmarshal(payload, &f); err != nil {
			t.Fatalf("bad frame %q: %v", payload, err)
		}
		return f
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for frame on %s", c.ID)
		return nil
	}
}

func types(frames []frame) []string {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		out = append(out, f["type"].(string))
	}
	return out
}

func ofType(frames []frame, typ string) []frame {
	var out []frame
	for _, f := range frames {
		if f["type"] == typ {
			out = append(out, f)
		}
	}
	return out
}

// login opens an in-process connection and authenticates it.
func login(t *testing.T, sm *SessionManager, token string) *Connection {
	t.Helper()
	c := sm.Connect(nil)
	send(t, sm, c, frame{"type": "auth", "token": token})
	got := drain(t, c)
	if len(got) != 1 || got[0]["type"] != "auth_success" {
		t.Fatalf("login %s: got %v", token, got)
	}
	return c
}

func subscribe(t *testing.T, sm *SessionManager, c *Connection, pageID string) frame {
	t.Helper()
	send(t, sm, c, frame{"type": "subscribe", "page_id": pageID})
	subscribed := ofType(drain(t, c), "subscribed")
	if len(subscribed) != 1 {
		t.Fatalf("expected one subscribed frame for %s", pageID)
	}
	return subscribed[0]
}

type recordedActivity struct {
	events chan models.ActivityEvent
}

func newRecordedActivity() *recordedActivity {
	return &recordedActivity{events: make(chan models.ActivityEvent, 256)}
}

func (r *recordedActivity) Record(event models.ActivityEvent) {
	r.events <- event
}

func (r *recordedActivity) kinds() []models.ActivityKind {
	var out []models.ActivityKind
	for {
		select {
		case e := <-r.events:
			out = append(out, e.Kind)
		default:
			return out
		}
	}
}
