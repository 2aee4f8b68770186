package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter throttles outbound traffic per counter-party key.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// LocalLimiter keeps one token bucket per key in process memory.
type LocalLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func NewLocalLimiter(rps float64, burst int) *LocalLimiter {
	return &LocalLimiter{
		limit:    rate.Limit(rps),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *LocalLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = lim
	}
	l.mu.Unlock()
	return lim.Allow(), nil
}

// tokenBucketScript refills and consumes a bucket atomically.
// KEYS[1] = bucket key, ARGV = rate/s, capacity, cost, now (seconds).
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return {allowed, tostring(tokens)}
`)

// RedisLimiter shares one bucket per counter-party across all connector
// instances.
type RedisLimiter struct {
	client redis.Scripter
	rps    float64
	burst  int
	prefix string
}

func NewRedisLimiter(client redis.Scripter, rps float64, burst int) *RedisLimiter {
	if rps <= 0 {
		rps = 1
	}
	return &RedisLimiter{client: client, rps: rps, burst: burst, prefix: "connector:dispatch:"}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := float64(time.Now().UnixMicro()) / 1e6
	res, err := tokenBucketScript.Run(ctx, l.client, []string{l.prefix + key}, l.rps, l.burst, 1, now).Result()
	if err != nil {
		return false, fmt.Errorf("redis limiter error: %w", err)
	}
	values, ok := res.([]interface{})
	if !ok || len(values) != 2 {
		return false, fmt.Errorf("invalid response from limiter script")
	}
	allowed, _ := values[0].(int64)
	return allowed == 1, nil
}

// Limiters requires every limiter to allow; the first denial wins.
type Limiters []Limiter

func (ls Limiters) Allow(ctx context.Context, key string) (bool, error) {
	for _, l := range ls {
		ok, err := l.Allow(ctx, key)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}
