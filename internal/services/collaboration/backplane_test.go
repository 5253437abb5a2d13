package collaboration

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type relayed struct {
	pageID  string
	payload []byte
}

// channelBackplane is an in-memory Backplane: published frames are captured
// and frames pushed on incoming are delivered as if from another instance.
type channelBackplane struct {
	published chan relayed
	incoming  chan relayed
}

func newChannelBackplane() *channelBackplane {
	return &channelBackplane{
		published: make(chan relayed, 64),
		incoming:  make(chan relayed, 64),
	}
}

func (b *channelBackplane) Publish(ctx context.Context, pageID string, payload []byte) error {
	b.published <- relayed{pageID: pageID, payload: payload}
	return nil
}

func (b *channelBackplane) Receive(ctx context.Context, deliver func(pageID string, payload []byte)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-b.incoming:
			deliver(r.pageID, r.payload)
		}
	}
}

func (b *channelBackplane) waitPublished(t *testing.T) relayed {
	t.Helper()
	select {
	case r := <-b.published:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for publish")
		return relayed{}
	}
}

func (b *channelBackplane) drainPublished() int {
	n := 0
	for {
		select {
		case <-b.published:
			n++
		case <-time.After(100 * time.Millisecond):
			return n
		}
	}
}

func TestBackplanePublishesLocalBroadcasts(t *testing.T) {
	sm := newTestManager(t)
	bp := newChannelBackplane()
	sm.SetBackplane(bp)
	sm.Start()

	a := login(t, sm, "tok-alice")
	b := login(t, sm, "tok-bob")
	subscribe(t, sm, a, "p1")
	subscribe(t, sm, b, "p1")
	drain(t, a)
	bp.drainPublished()

	send(t, sm, a, frame{"type": "block_update", "page_id": "p1", "block_id": "blk", "content": "x"})
	assert.Equal(t, []string{"block_updated"}, types(drain(t, b)))

	r := bp.waitPublished(t)
	assert.Equal(t, "p1", r.pageID)
	var f frame
	assert.Equal(t, nil, json.Unmarshal(r.payload, &f))
	assert.Equal(t, "block_updated", f["type"])
	assert.Equal(t, "u1", f["user_id"])
}

func TestBackplaneDeliversRemoteFramesWithoutRepublishing(t *testing.T) {
	sm := newTestManager(t)
	bp := newChannelBackplane()
	sm.SetBackplane(bp)
	sm.Start()

	a := login(t, sm, "tok-alice")
	b := login(t, sm, "tok-bob")
	subscribe(t, sm, a, "p1")
	subscribe(t, sm, b, "p1")
	drain(t, a)
	bp.drainPublished()

	remote := []byte(`{"type":"page_updated","page_id":"p1","user_id":"u9","updates":{"title":"x"}}`)
	bp.incoming <- relayed{pageID: "p1", payload: remote}

	// Remote frames have no local sender, so every subscriber gets them.
	fa := next(t, a, 2*time.Second)
	fb := next(t, b, 2*time.Second)
	assert.Equal(t, "page_updated", fa["type"])
	assert.Equal(t, "u9", fb["user_id"])

	// Pages without local subscribers are ignored.
	bp.incoming <- relayed{pageID: "elsewhere", payload: remote}

	assert.Equal(t, 0, bp.drainPublished())
	assert.Equal(t, []string{"p1"}, sm.ActivePages())
}
