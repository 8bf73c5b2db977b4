// Package invalidate emits cache invalidation signals after comment or
// content mutations so downstream readers refresh a document's view.
package invalidate

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Publisher is the invalidation signal consumed by downstream caches. The
// signal is keyed by document id; the delivery mechanism is pluggable.
type Publisher interface {
	DocumentChanged(ctx context.Context, documentID string) error
}

const defaultChannel = "tribute:document-changed"

// RedisPublisher broadcasts invalidation events on a Redis pub/sub channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher connects to Redis and returns a publisher.
func NewRedisPublisher(redisURL string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisPublisher{client: client, channel: defaultChannel}, nil
}

// NewRedisPublisherWithClient builds a publisher from an existing client.
func NewRedisPublisherWithClient(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client, channel: defaultChannel}
}

// Channel returns the pub/sub channel invalidation events are sent on.
func (p *RedisPublisher) Channel() string {
	return p.channel
}

func (p *RedisPublisher) DocumentChanged(ctx context.Context, documentID string) error {
	if err := p.client.Publish(ctx, p.channel, documentID).Err(); err != nil {
		return fmt.Errorf("publish invalidation for %s: %w", documentID, err)
	}
	return nil
}

// Close releases the underlying Redis connection.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// Noop is used when no Redis is configured; mutations still succeed, readers
// just fall back to their own refresh cadence.
type Noop struct{}

func (Noop) DocumentChanged(context.Context, string) error { return nil }
