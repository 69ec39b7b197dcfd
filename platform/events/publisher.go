package events

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Publisher fans a payload out to real-time subscribers of a channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// NopPublisher drops every message. Used when no Redis is configured.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, string, []byte) error { return nil }

// RedisPublisher publishes over Redis pub/sub.
type RedisPublisher struct {
	client redis.UniversalClient
}

// NewRedisPublisher wraps a go-redis client.
func NewRedisPublisher(client redis.UniversalClient) *RedisPublisher {
	return &RedisPublisher{client: client}
}

// Publish implements Publisher.
func (p *RedisPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	return p.client.Publish(ctx, channel, payload).Err()
}
