package backplane

import (
	"context"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	a := newRedis(nil, "test", "instance-a")
	b := newRedis(nil, "test", "instance-b")

	payload := []byte(`{"type":"block_updated","page_id":"p1","user_id":"u1","block_id":"b","content":"x"}`)
	raw, err := a.encode("p1", payload)
	assert.Equal(t, nil, err)

	pageID, got, ok := b.decode(raw)
	assert.Equal(t, true, ok)
	assert.Equal(t, "p1", pageID)
	assert.Equal(t, string(payload), string(got))
}

func TestDecodeSkipsOwnFrames(t *testing.T) {
	a := newRedis(nil, "test", "instance-a")
	raw, err := a.encode("p1", []byte(`{"type":"pong"}`))
	assert.Equal(t, nil, err)

	_, _, ok := a.decode(raw)
	assert.Equal(t, false, ok)
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	b := newRedis(nil, "test", "instance-b")
	for _, raw := range []string{
		`garbage`,
		`{"origin":"x","payload":{"type":"pong"}}`,
		`{"origin":"x","page_id":"p1"}`,
	} {
		_, _, ok := b.decode([]byte(raw))
		assert.Equal(t, false, ok)
	}
}

func TestNewRedisRejectsBadURL(t *testing.T) {
	_, err := NewRedis(context.Background(), "not-a-url://", "test")
	assert.NotEqual(t, nil, err)
}
