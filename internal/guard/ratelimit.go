package guard

import (
	"context"
	"sync"
	"time"
)

// Window identifies one of the independently enforced rate-limit windows.
type Window string

const (
	WindowMinute Window = "minute"
	WindowHour   Window = "hour"
	WindowDay    Window = "day"
)

func (w Window) duration() time.Duration {
	switch w {
	case WindowMinute:
		return time.Minute
	case WindowHour:
		return time.Hour
	default:
		return 24 * time.Hour
	}
}

var windows = []Window{WindowMinute, WindowHour, WindowDay}

// Ceilings holds the per-window limits for one channel. A zero ceiling
// disables that window.
type Ceilings struct {
	PerMinute int
	PerHour   int
	PerDay    int
}

func (c Ceilings) limit(w Window) int {
	switch w {
	case WindowMinute:
		return c.PerMinute
	case WindowHour:
		return c.PerHour
	default:
		return c.PerDay
	}
}

// RateLimiter enforces per-channel/per-scope send ceilings. Allow is a single
// atomic test-and-increment: it increments the counters only when every
// window is under its ceiling, so two concurrent callers can never both slip
// under a ceiling with one slot left.
type RateLimiter interface {
	Allow(ctx context.Context, channel, scope string) (bool, error)
}

type bucketKey struct {
	channel string
	scope   string
	window  Window
	start   int64
}

// MemoryRateLimiter keeps windowed counters in process memory.
type MemoryRateLimiter struct {
	mu       sync.Mutex
	now      func() time.Time
	ceilings func(channel string) Ceilings
	counts   map[bucketKey]int
}

// NewMemoryRateLimiter constructs an in-memory limiter. The ceilings func maps
// a channel to its limits.
func NewMemoryRateLimiter(ceilings func(channel string) Ceilings) *MemoryRateLimiter {
	return &MemoryRateLimiter{
		now:      time.Now,
		ceilings: ceilings,
		counts:   make(map[bucketKey]int),
	}
}

// WithClock overrides the time source (for testing window boundaries).
func (l *MemoryRateLimiter) WithClock(now func() time.Time) *MemoryRateLimiter {
	l.now = now
	return l
}

func (l *MemoryRateLimiter) Allow(ctx context.Context, channel, scope string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	limits := l.ceilings(channel)

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	keys := make([]bucketKey, 0, len(windows))
	for _, w := range windows {
		limit := limits.limit(w)
		if limit <= 0 {
			continue
		}
		key := bucketKey{
			channel: channel,
			scope:   scope,
			window:  w,
			start:   now.Truncate(w.duration()).Unix(),
		}
		if l.counts[key] >= limit {
			return false, nil
		}
		keys = append(keys, key)
	}

	for _, key := range keys {
		l.counts[key]++
	}
	l.pruneLocked(now)
	return true, nil
}

// pruneLocked drops buckets whose window has passed; called under the lock.
func (l *MemoryRateLimiter) pruneLocked(now time.Time) {
	if len(l.counts) < 4096 {
		return
	}
	for key := range l.counts {
		dur := key.window.duration()
		if now.Truncate(dur).Unix() != key.start {
			delete(l.counts, key)
		}
	}
}
