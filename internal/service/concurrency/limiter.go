package concurrency

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

var acquireScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local current = tonumber(redis.call('GET', key) or '0')
if current < limit then
  current = redis.call('INCR', key)
  if ttl > 0 then
    redis.call('PEXPIRE', key, ttl)
  end
  return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
local key = KEYS[1]
local current = tonumber(redis.call('GET', key) or '0')
if current <= 1 then
  redis.call('DEL', key)
  return 0
end
return redis.call('DECR', key)
`)

// Limiter coordinates deployment-wide slots using Redis counters. Each named
// slot holds at most limit concurrent holders; the counter expires after ttl so
// a crashed holder cannot pin a slot forever.
type Limiter struct {
	client *redis.Client
	ttl    time.Duration
}

// NewLimiter constructs a slot limiter.
func NewLimiter(client *redis.Client, ttl time.Duration) *Limiter {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Limiter{client: client, ttl: ttl}
}

// Acquire attempts to reserve one slot under name. A non-positive limit means
// unlimited and always succeeds without touching Redis.
func (l *Limiter) Acquire(ctx context.Context, name string, limit int) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	res, err := acquireScript.Run(ctx, l.client, []string{l.key(name)}, limit, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("concurrency acquire %s: %w", name, err)
	}
	return res == 1, nil
}

// Wait polls Acquire every interval until a slot is reserved or ctx ends.
func (l *Limiter) Wait(ctx context.Context, name string, limit int, interval time.Duration) error {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ok, err := l.Acquire(ctx, name, limit)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("concurrency wait %s: %w", name, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Release frees a previously acquired slot.
func (l *Limiter) Release(ctx context.Context, name string, limit int) error {
	if limit <= 0 {
		return nil
	}
	if _, err := releaseScript.Run(ctx, l.client, []string{l.key(name)}).Int(); err != nil {
		return fmt.Errorf("concurrency release %s: %w", name, err)
	}
	return nil
}

func (l *Limiter) key(name string) string {
	return "checkin:slot:" + name
}
