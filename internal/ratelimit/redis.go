package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "spaceport:rl:"

// Window increment and expiry must be atomic, otherwise a crash between
// INCR and PEXPIRE leaves a counter that never resets.
// KEYS[1]=window key; ARGV[1]=window ms. Returns {count, pttl_ms}.
var incrScript = redis.NewScript(`
  local count = redis.call('INCR', KEYS[1])
  if count == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
  end
  local ttl = redis.call('PTTL', KEYS[1])
  return {count, ttl}
`)

// RedisCounter shares rate limit windows across instances. Expiry is
// delegated to Redis TTLs, so there is nothing to GC.
type RedisCounter struct {
	rdb redis.Scripter
	now func() time.Time
}

// NewRedisCounter wraps a go-redis client (or anything that can run
// scripts) as a Counter.
func NewRedisCounter(rdb redis.Scripter) *RedisCounter {
	return &RedisCounter{rdb: rdb, now: time.Now}
}

// Incr implements Counter.
func (r *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	res, err := incrScript.Run(ctx, r.rdb, []string{redisKeyPrefix + key}, window.Milliseconds()).Result()
	if err != nil {
		return 0, time.Time{}, err
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return 0, time.Time{}, fmt.Errorf("unexpected script reply %T", res)
	}
	count, ok := vals[0].(int64)
	if !ok {
		return 0, time.Time{}, fmt.Errorf("unexpected count type %T", vals[0])
	}
	ttlMs, ok := vals[1].(int64)
	if !ok {
		return 0, time.Time{}, fmt.Errorf("unexpected ttl type %T", vals[1])
	}

	// PTTL returns a negative value when the key has no expiry (e.g. it was
	// created by an older deployment without the script); treat the window
	// as starting now rather than never resetting.
	if ttlMs < 0 {
		ttlMs = window.Milliseconds()
	}
	return count, r.now().Add(time.Duration(ttlMs) * time.Millisecond), nil
}

var _ Counter = (*RedisCounter)(nil)
