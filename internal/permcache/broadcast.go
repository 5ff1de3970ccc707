package permcache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultChannel carries invalidation events between instances.
const DefaultChannel = "permcache.invalidate"

// Op names an invalidation kind.
type Op string

const (
	OpInvalidate Op = "invalidate"
	OpPrefix     Op = "prefix"
	OpClear      Op = "clear"
)

// Event describes one invalidation. Key holds the prefix for OpPrefix.
type Event struct {
	Origin string `json:"origin"`
	Op     Op     `json:"op"`
	Key    string `json:"key,omitempty"`
}

// Notifier publishes local invalidations.
type Notifier interface {
	Publish(ctx context.Context, ev Event) error
}

// RedisBroadcaster fans invalidations out over Redis pub/sub so instances
// holding a process-local store stay coherent. It is best effort.
type RedisBroadcaster struct {
	client  *redis.Client
	channel string
	id      string
	logger  *slog.Logger
}

// NewRedisBroadcaster builds a broadcaster with a fresh instance id.
func NewRedisBroadcaster(client *redis.Client, channel string, logger *slog.Logger) *RedisBroadcaster {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBroadcaster{client: client, channel: channel, id: uuid.NewString(), logger: logger}
}

// ID identifies this instance in published events.
func (b *RedisBroadcaster) ID() string {
	return b.id
}

// Publish sends ev tagged with this instance id.
func (b *RedisBroadcaster) Publish(ctx context.Context, ev Event) error {
	if b == nil || b.client == nil {
		return nil
	}
	ev.Origin = b.id
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}

// Listen subscribes to the channel and replays events from other instances on
// cache until ctx is done. It returns once the subscription is confirmed.
func (b *RedisBroadcaster) Listen(ctx context.Context, cache *Cache) error {
	if b == nil || b.client == nil {
		return nil
	}
	if cache == nil {
		return errors.New("permcache: listen requires a cache")
	}
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				b.handle(ctx, cache, msg.Payload)
			}
		}
	}()
	return nil
}

func (b *RedisBroadcaster) handle(ctx context.Context, cache *Cache, payload string) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		b.logger.Warn("permcache broadcast decode", slog.Any("error", err))
		return
	}
	if ev.Origin == b.id {
		return
	}
	if err := cache.apply(ctx, ev); err != nil {
		b.logger.Warn("permcache broadcast apply", slog.String("op", string(ev.Op)), slog.Any("error", err))
	}
}
