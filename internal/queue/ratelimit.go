package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var incrWithTTLScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return c
`)

// RateLimiter caps how many generation requests a user may start per hour.
type RateLimiter struct {
	redis *redis.Client
	limit int64
}

func NewRateLimiter(rdb *redis.Client, limit int64) *RateLimiter {
	return &RateLimiter{redis: rdb, limit: limit}
}

func (r *RateLimiter) Allow(ctx context.Context, userID string, now time.Time) (allowed bool, used int64, resetAt time.Time, err error) {
	windowStart := now.UTC().Truncate(time.Hour)
	windowEnd := windowStart.Add(time.Hour)
	ttl := int64(windowEnd.Sub(now.UTC()).Seconds())
	if ttl < 1 {
		ttl = 1
	}

	key := fmt.Sprintf("emberchat:ratelimit:%s:%s", userID, windowStart.Format("2006010215"))
	res, err := incrWithTTLScript.Run(ctx, r.redis, []string{key}, ttl).Int64()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit script: %w", err)
	}
	return res <= r.limit, res, windowEnd, nil
}

// TaskDeduplicator collapses duplicate background tasks: only the first
// enqueue for a key within the TTL goes through. Used to keep one memory
// extraction in flight per chat instead of one per message burst.
type TaskDeduplicator struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewTaskDeduplicator(rdb *redis.Client, ttl time.Duration) *TaskDeduplicator {
	return &TaskDeduplicator{redis: rdb, ttl: ttl}
}

func (d *TaskDeduplicator) MarkFirst(ctx context.Context, kind Kind, key string) (bool, error) {
	redisKey := fmt.Sprintf("emberchat:task:%s:%s", kind, key)
	ok, err := d.redis.SetNX(ctx, redisKey, "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe setnx: %w", err)
	}
	return ok, nil
}
