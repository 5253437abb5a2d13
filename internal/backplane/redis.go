package backplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"page-collab/internal/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// envelope is what travels on the Redis channel. Origin lets an instance
// ignore its own publications.
type envelope struct {
	Origin  string          `json:"origin"`
	PageID  string          `json:"page_id"`
	Payload json.RawMessage `json:"payload"`
}

// Redis relays page broadcasts between instances over one pub/sub channel.
type Redis struct {
	client   *redis.Client
	channel  string
	instance string
}

// NewRedis connects to the server at url (redis://...) and verifies it with
// a ping.
func NewRedis(ctx context.Context, url, channel string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	r := newRedis(client, channel, uuid.NewString())
	logger.Info("redis backplane connected",
		zap.String("addr", opts.Addr),
		zap.String("channel", channel),
		zap.String("instance", r.instance),
	)
	return r, nil
}

func newRedis(client *redis.Client, channel, instance string) *Redis {
	return &Redis{client: client, channel: channel, instance: instance}
}

// Instance is the id stamped on every frame this instance publishes.
func (r *Redis) Instance() string {
	return r.instance
}

func (r *Redis) Publish(ctx context.Context, pageID string, payload []byte) error {
	raw, err := r.encode(pageID, payload)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, raw).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", r.channel, err)
	}
	return nil
}

// Receive subscribes to the channel and delivers frames from other instances
// until ctx is done or the subscription breaks.
func (r *Redis) Receive(ctx context.Context, deliver func(pageID string, payload []byte)) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	// Wait for the subscription confirmation so errors surface here.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to %s: %w", r.channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("redis subscription closed")
			}
			pageID, payload, ok := r.decode([]byte(msg.Payload))
			if !ok {
				continue
			}
			deliver(pageID, payload)
		}
	}
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) encode(pageID string, payload []byte) ([]byte, error) {
	raw, err := json.Marshal(envelope{Origin: r.instance, PageID: pageID, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("encode backplane frame: %w", err)
	}
	return raw, nil
}

// decode unwraps a channel message. Frames from this instance and malformed
// frames are rejected.
func (r *Redis) decode(raw []byte) (string, []byte, bool) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		logger.Warn("dropping malformed backplane frame", zap.Error(err))
		return "", nil, false
	}
	if env.Origin == r.instance || env.PageID == "" || len(env.Payload) == 0 {
		return "", nil, false
	}
	return env.PageID, env.Payload, true
}
