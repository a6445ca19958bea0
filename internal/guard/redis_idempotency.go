package guard

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisIdempotencyClient is the minimal client surface used by the Redis guard.
type RedisIdempotencyClient interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisIdempotencyGuard stores reservations as SETNX keys with a TTL, so the
// test-and-reserve is atomic across processes.
type RedisIdempotencyGuard struct {
	client    RedisIdempotencyClient
	keyPrefix string
}

// NewRedisIdempotencyGuard constructs a Redis-backed guard.
func NewRedisIdempotencyGuard(client RedisIdempotencyClient, keyPrefix string) *RedisIdempotencyGuard {
	if keyPrefix == "" {
		keyPrefix = "idem:"
	}
	return &RedisIdempotencyGuard{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

func (g *RedisIdempotencyGuard) CheckAndReserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	reserved, err := g.client.SetNX(ctx, g.keyPrefix+key, "1", ttl).Result()
	if err != nil {
		return false, err
	}
	return !reserved, nil
}

func (g *RedisIdempotencyGuard) Release(ctx context.Context, key string) error {
	return g.client.Del(ctx, g.keyPrefix+key).Err()
}
