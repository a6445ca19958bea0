package guard

import (
	"context"
	"testing"
	"time"
)

func fixedCeilings(c Ceilings) func(string) Ceilings {
	return func(string) Ceilings { return c }
}

func TestMemoryRateLimiter_MinuteBoundary(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewMemoryRateLimiter(fixedCeilings(Ceilings{PerMinute: 5, PerHour: 50, PerDay: 200})).
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

	// A rejected call must not consume quota in the wider windows.
	now = now.Add(time.Minute)
	for i := 0; i < 5; i++ {
		allowed, err := limiter.Allow(ctx, "email", "user-1")
		if err != nil {
			t.Fatalf("next minute allow %d: %v", i+1, err)
		}
		if !allowed {
			t.Fatalf("next-minute send %d should be allowed", i+1)
		}
	}
}

func TestMemoryRateLimiter_HourCeilingStops(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewMemoryRateLimiter(fixedCeilings(Ceilings{PerMinute: 10, PerHour: 3})).
		WithClock(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if allowed, _ := limiter.Allow(ctx, "sms", "user-1"); !allowed {
			t.Fatalf("send %d should be allowed", i+1)
		}
	}
	if allowed, _ := limiter.Allow(ctx, "sms", "user-1"); allowed {
		t.Fatalf("hour ceiling should reject the 4th send")
	}

	// Minute rollover does not help; the hour window is still full.
	now = now.Add(time.Minute)
	if allowed, _ := limiter.Allow(ctx, "sms", "user-1"); allowed {
		t.Fatalf("hour ceiling should still reject after minute rollover")
	}

	now = now.Add(time.Hour)
	if allowed, _ := limiter.Allow(ctx, "sms", "user-1"); !allowed {
		t.Fatalf("next hour should be allowed")
	}
}

func TestMemoryRateLimiter_ScopesIndependent(t *testing.T) {
	limiter := NewMemoryRateLimiter(fixedCeilings(Ceilings{PerMinute: 1}))
	ctx := context.Background()

	if allowed, _ := limiter.Allow(ctx, "email", "user-1"); !allowed {
		t.Fatalf("user-1 should be allowed")
	}
	if allowed, _ := limiter.Allow(ctx, "email", "user-2"); !allowed {
		t.Fatalf("user-2 has its own counters")
	}
	if allowed, _ := limiter.Allow(ctx, "push", "user-1"); !allowed {
		t.Fatalf("another channel has its own counters")
	}
	if allowed, _ := limiter.Allow(ctx, "email", "user-1"); allowed {
		t.Fatalf("user-1 email should now be limited")
	}
}

func TestMemoryRateLimiter_ZeroCeilingDisablesWindow(t *testing.T) {
	limiter := NewMemoryRateLimiter(fixedCeilings(Ceilings{}))
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		if allowed, _ := limiter.Allow(ctx, "email", "user-1"); !allowed {
			t.Fatalf("no ceilings configured, send %d should pass", i+1)
		}
	}
}
