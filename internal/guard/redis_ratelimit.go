package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// allowScript tests every window counter against its ceiling and increments
// all of them only when every one is under the limit. Running as a single Lua
// script keeps the test-and-increment atomic across concurrent clients.
var allowScript = redis.NewScript(`
for i = 1, #KEYS do
	local current = tonumber(redis.call('GET', KEYS[i]) or '0')
	local limit = tonumber(ARGV[i*2-1])
	if current >= limit then
		return 0
	end
end
for i = 1, #KEYS do
	local count = redis.call('INCR', KEYS[i])
	if count == 1 then
		redis.call('PEXPIRE', KEYS[i], tonumber(ARGV[i*2]))
	end
end
return 1
`)

// RedisRateLimiter enforces windowed counters in Redis.
type RedisRateLimiter struct {
	client    redis.Scripter
	keyPrefix string
	now       func() time.Time
	ceilings  func(channel string) Ceilings
}

// NewRedisRateLimiter constructs a Redis-backed limiter.
func NewRedisRateLimiter(client redis.Scripter, keyPrefix string, ceilings func(channel string) Ceilings) *RedisRateLimiter {
	if keyPrefix == "" {
		keyPrefix = "ratelimit:"
	}
	return &RedisRateLimiter{
		client:    client,
		keyPrefix: keyPrefix,
		now:       time.Now,
		ceilings:  ceilings,
	}
}

// WithClock overrides the time source (for testing window boundaries).
func (l *RedisRateLimiter) WithClock(now func() time.Time) *RedisRateLimiter {
	l.now = now
	return l
}

func (l *RedisRateLimiter) Allow(ctx context.Context, channel, scope string) (bool, error) {
	limits := l.ceilings(channel)
	now := l.now()

	keys := make([]string, 0, len(windows))
	args := make([]any, 0, 2*len(windows))
	for _, w := range windows {
		limit := limits.limit(w)
		if limit <= 0 {
			continue
		}
		start := now.Truncate(w.duration())
		keys = append(keys,
			fmt.Sprintf("%s%s:%s:%s:%d", l.keyPrefix, channel, scope, w, start.Unix()))
		args = append(args, limit, w.duration().Milliseconds())
	}
	if len(keys) == 0 {
		return true, nil
	}

	allowed, err := allowScript.Run(ctx, l.client, keys, args...).Int()
	if err != nil {
		return false, err
	}
	return allowed == 1, nil
}
