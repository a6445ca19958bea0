package guard

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		if err := client.Close(); err != nil {
			t.Fatalf("close redis client: %v", err)
		}
	})
	return mr, client
}

func TestRedisIdempotencyGuard_ReserveHitAndExpiry(t *testing.T) {
	mr, client := newTestRedis(t)
	g := NewRedisIdempotencyGuard(client, "")
	ctx := context.Background()

	already, err := g.CheckAndReserve(ctx, "k1", time.Minute)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if already {
		t.Fatalf("expected fresh key to reserve")
	}

	if already, _ = g.CheckAndReserve(ctx, "k1", time.Minute); !already {
		t.Fatalf("expected duplicate to be reported")
	}

	mr.FastForward(2 * time.Minute)
	if already, _ = g.CheckAndReserve(ctx, "k1", time.Minute); already {
		t.Fatalf("expected expired key to reserve again")
	}
}

func TestRedisIdempotencyGuard_Release(t *testing.T) {
	_, client := newTestRedis(t)
	g := NewRedisIdempotencyGuard(client, "dedupe:")
	ctx := context.Background()

	if already, _ := g.CheckAndReserve(ctx, "k1", time.Hour); already {
		t.Fatalf("expected fresh reserve")
	}
	if err := g.Release(ctx, "k1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if already, _ := g.CheckAndReserve(ctx, "k1", time.Hour); already {
		t.Fatalf("expected released key to reserve again")
	}
}

func TestRedisRateLimiter_MinuteBoundary(t *testing.T) {
	_, client := newTestRedis(t)

	now := time.Date(2024, 5, 1, 12, 0, 30, 0, time.UTC)
	limiter := NewRedisRateLimiter(client, "", fixedCeilings(Ceilings{PerMinute: 5, PerHour: 50})).
		WithClock(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		allowed, err := limiter.Allow(ctx, "email", "user-1")
		if err != nil {
			t.Fatalf("allow %d: %v", i+1, err)
		}
		if !allowed {
			t.Fatalf("send %d should be allowed", i+1)
		}
	}

	allowed, err := limiter.Allow(ctx, "email", "user-1")
	if err != nil {
		t.Fatalf("allow 6: %v", err)
	}
	if allowed {
		t.Fatalf("6th send within the minute should be rejected")
	}

	now = now.Add(time.Minute)
	if allowed, _ := limiter.Allow(ctx, "email", "user-1"); !allowed {
		t.Fatalf("next minute should be allowed")
	}
}

func TestRedisRateLimiter_RejectionDoesNotIncrement(t *testing.T) {
	_, client := newTestRedis(t)

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewRedisRateLimiter(client, "", fixedCeilings(Ceilings{PerMinute: 5, PerHour: 6})).
		WithClock(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		// 5 allowed, the 6th rejected by the minute window.
		_, err := limiter.Allow(ctx, "email", "user-1")
		if err != nil {
			t.Fatalf("allow %d: %v", i+1, err)
		}
	}

	// The rejected call must not have consumed the 6th hour slot.
	now = now.Add(time.Minute)
	allowed, err := limiter.Allow(ctx, "email", "user-1")
	if err != nil {
		t.Fatalf("allow next minute: %v", err)
	}
	if !allowed {
		t.Fatalf("hour window should have one slot left after a rejected call")
	}
}
