package guard

import (
	"context"
	"sync"
	"time"
)

// IdempotencyGuard maps a deduplication key to a TTL-bounded marker recording
// that a side effect was already performed. CheckAndReserve must be atomic
// under concurrent callers: exactly one caller observes already=false for a
// given live key.
type IdempotencyGuard interface {
	// CheckAndReserve reports whether key already has a live reservation.
	// If not, it inserts one with the given TTL and returns false, meaning
	// the caller may proceed with the side effect.
	CheckAndReserve(ctx context.Context, key string, ttl time.Duration) (already bool, err error)
	// Release drops a reservation early, so an aborted operation does not
	// block a legitimate retry for the remainder of the TTL.
	Release(ctx context.Context, key string) error
}

// MemoryIdempotencyGuard keeps reservations in process memory.
type MemoryIdempotencyGuard struct {
	mu      sync.Mutex
	now     func() time.Time
	expires map[string]time.Time
}

// NewMemoryIdempotencyGuard constructs an in-memory guard.
func NewMemoryIdempotencyGuard() *MemoryIdempotencyGuard {
	return &MemoryIdempotencyGuard{
		now:     time.Now,
		expires: make(map[string]time.Time),
	}
}

// WithClock overrides the time source (for testing TTL behavior).
func (g *MemoryIdempotencyGuard) WithClock(now func() time.Time) *MemoryIdempotencyGuard {
	g.now = now
	return g
}

func (g *MemoryIdempotencyGuard) CheckAndReserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if deadline, ok := g.expires[key]; ok && now.Before(deadline) {
		return true, nil
	}
	g.expires[key] = now.Add(ttl)
	g.prune(now)
	return false, nil
}

func (g *MemoryIdempotencyGuard) Release(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.expires, key)
	return nil
}

// prune drops expired entries; called under the lock.
func (g *MemoryIdempotencyGuard) prune(now time.Time) {
	if len(g.expires) < 1024 {
		return
	}
	for key, deadline := range g.expires {
		if !now.Before(deadline) {
			delete(g.expires, key)
		}
	}
}
