package reliability

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTokenBucket_BurstThenWait(t *testing.T) {
	t.Parallel()

	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var slept []time.Duration

	limiter := NewTokenBucket(100*time.Millisecond, 2)
	limiter.now = func() time.Time { return current }
	limiter.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		current = current.Add(d)
		return nil
	}
	limiter.last = current

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := limiter.Wait(ctx); err != nil {
			t.Fatalf("burst wait %d: %v", i+1, err)
		}
	}
	if len(slept) != 0 {
		t.Fatalf("burst should not sleep, slept %v", slept)
	}

	if err := limiter.Wait(ctx); err != nil {
		t.Fatalf("throttled wait: %v", err)
	}
	if len(slept) == 0 {
		t.Fatalf("expected a sleep once the burst is spent")
	}
}

func TestTokenBucket_RefillCapsAtBurst(t *testing.T) {
	t.Parallel()

	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewTokenBucket(10*time.Millisecond, 3)
	limiter.now = func() time.Time { return current }
	limiter.last = current
	limiter.tokens = 0

	// A long idle period refills to burst, not beyond.
	current = current.Add(time.Second)
	limiter.refill(current)
	if limiter.tokens != 3 {
		t.Fatalf("tokens = %d, want burst cap 3", limiter.tokens)
	}
}

func TestTokenBucket_CanceledContext(t *testing.T) {
	t.Parallel()

	limiter := NewTokenBucket(time.Second, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := limiter.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestTokenBucket_DisabledPassesThrough(t *testing.T) {
	t.Parallel()

	limiter := NewTokenBucket(0, 0)
	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("disabled limiter should not block: %v", err)
	}

	var nilLimiter *TokenBucket
	if err := nilLimiter.Wait(context.Background()); err != nil {
		t.Fatalf("nil limiter should not block: %v", err)
	}
}
