package events

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStreamPublisher appends events to a Redis stream and keeps a per-saga
// status hash so dashboards can read the latest state without replaying the
// stream.
type RedisStreamPublisher struct {
	client    RedisPipelineClient
	stream    string
	keyPrefix string
	ttl       time.Duration
	maxLen    int64
}

// RedisPipelineClient is the minimal client surface used by RedisStreamPublisher.
type RedisPipelineClient interface {
	Pipeline() RedisPipeliner
}

// RedisPipeliner is the subset of commands used within a pipeline.
type RedisPipeliner interface {
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Exec(ctx context.Context) ([]redis.Cmder, error)
}

// NewRedisStreamPublisher constructs a Redis-backed event publisher.
func NewRedisStreamPublisher(client RedisPipelineClient, stream string, ttl time.Duration, maxLen int64) *RedisStreamPublisher {
	if stream == "" {
		stream = "saga_events"
	}
	return &RedisStreamPublisher{
		client:    client,
		stream:    stream,
		keyPrefix: "saga:",
		ttl:       ttl,
		maxLen:    maxLen,
	}
}

// Publish appends the event to the stream and refreshes the status hash in a
// single pipeline round trip.
func (p *RedisStreamPublisher) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	key := p.keyPrefix + ev.Key
	occurredAt := ev.OccurredAt.UTC().Format(time.RFC3339Nano)

	pipe := p.client.Pipeline()
	pipe.HSet(ctx, key, map[string]any{
		"event_id":    ev.ID,
		"event_type":  ev.Type,
		"occurred_at": occurredAt,
	})
	if p.ttl > 0 {
		pipe.Expire(ctx, key, p.ttl)
	}

	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"event_id":    ev.ID,
			"event_type":  ev.Type,
			"saga_id":     ev.Key,
			"occurred_at": occurredAt,
			"payload":     string(ev.Payload),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	pipe.XAdd(ctx, args)

	_, err := pipe.Exec(ctx)
	return err
}
