package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Throttle enforces a cross-process per-minute message ceiling against the
// SMTP relay. Several newsletters may dispatch concurrently from multiple
// server instances; the counter lives in Redis so they share one budget. The
// check-and-increment runs as a Lua script to avoid the GET/INCR race.
type Throttle struct {
	redis  *redis.Client
	limit  int
	script *redis.Script
}

// Reserve atomically, per minute bucket: increment only when the whole chunk
// still fits under the limit. An empty bucket always grants, even when the
// chunk alone exceeds the limit; a chunk larger than the per-minute budget
// must still go out eventually.
const reserveLuaScript = `
local key = KEYS[1]
local increment = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local current = tonumber(redis.call("GET", key) or "0")

if current > 0 and current + increment > limit then
    return {0, current}
end

local newVal = redis.call("INCRBY", key, increment)
if newVal == increment then
    redis.call("EXPIRE", key, ttl)
end

return {1, newVal}
`

// NewThrottle creates a throttle allowing at most perMinute messages per
// minute across all senders sharing the Redis instance.
func NewThrottle(redisClient *redis.Client, perMinute int) *Throttle {
	return &Throttle{
		redis:  redisClient,
		limit:  perMinute,
		script: redis.NewScript(reserveLuaScript),
	}
}

// Reserve claims n message slots in the current minute bucket. A zero wait
// means the slots were reserved and the caller may send. A positive wait
// means the bucket is full; the caller should sleep that long and try again.
func (t *Throttle) Reserve(ctx context.Context, n int) (wait time.Duration, err error) {
	now := time.Now()
	key := fmt.Sprintf("throttle:smtp:min:%d", now.Unix()/60)

	result, err := t.script.Run(ctx, t.redis,
		[]string{key},
		n,
		t.limit,
		120, // bucket outlives the minute so late readers still see it
	).Slice()
	if err != nil {
		return 0, fmt.Errorf("throttle reserve failed: %w", err)
	}

	if result[0].(int64) == 1 {
		return 0, nil
	}
	// Wait for the next minute bucket, plus a little slack past the
	// boundary.
	return time.Duration(60-now.Second())*time.Second + 100*time.Millisecond, nil
}

// Usage returns the current minute bucket's counter and limit.
func (t *Throttle) Usage(ctx context.Context) (current, limit int64, err error) {
	key := fmt.Sprintf("throttle:smtp:min:%d", time.Now().Unix()/60)
	current, err = t.redis.Get(ctx, key).Int64()
	if err == redis.Nil {
		err = nil
	}
	return current, int64(t.limit), err
}
