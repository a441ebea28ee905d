package trust

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisInvalidator publishes to the "trust:invalidate" channel on every
// mutation, letting other host processes sharing the same trust file react
// by calling Manager.Reload (see Subscribe).
type RedisInvalidator struct {
	client  *redis.Client
	channel string
}

// NewRedisInvalidator wraps client, publishing on channel (defaults to
// "trust:invalidate" when empty).
func NewRedisInvalidator(client *redis.Client, channel string) *RedisInvalidator {
	if channel == "" {
		channel = "trust:invalidate"
	}
	return &RedisInvalidator{client: client, channel: channel}
}

// Publish announces a trust document change.
func (r *RedisInvalidator) Publish(ctx context.Context) error {
	if err := r.client.Publish(ctx, r.channel, "reload").Err(); err != nil {
		return fmt.Errorf("trust: publish invalidation: %w", err)
	}
	return nil
}

// Subscribe returns a channel of invalidation notifications; callers loop
// over it calling Manager.Reload.
func (r *RedisInvalidator) Subscribe(ctx context.Context) <-chan *redis.Message {
	sub := r.client.Subscribe(ctx, r.channel)
	return sub.Channel()
}
