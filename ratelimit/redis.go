package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// tokenBucketScript refills and takes tokens atomically on the redis server.
// It returns {allowed, tokens left}
var tokenBucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil then
	tokens = capacity
	ts = now
end

local elapsed = math.max(0, now - ts)
tokens = math.min(capacity, tokens + elapsed * refill)

local allowed = 0
if tokens >= cost then
	tokens = tokens - cost
	allowed = 1
end

redis.call('HSET', KEYS[1], 'tokens', tokens, 'ts', now)
redis.call('EXPIRE', KEYS[1], ttl)
return {allowed, tostring(tokens)}
`)

// RedisBackend keeps token buckets in redis so that several instances share them
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisBackend creates a backend on client. Keys are prefixed with prefix and
// expire after ttl without use
func NewRedisBackend(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisBackend {
	if ttl < time.Second {
		ttl = 10 * time.Minute
	}
	return &RedisBackend{client: client, prefix: prefix, ttl: ttl}
}

// NewRedisClient connects to a single redis server with timeouts short enough for the request path
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  250 * time.Millisecond,
		ReadTimeout:  100 * time.Millisecond,
		WriteTimeout: 100 * time.Millisecond,
		MaxRetries:   -1,
	})
}

// Take runs the token bucket script for key
func (rb *RedisBackend) Take(ctx context.Context, key string, lim Limit, cost int, now time.Time) (Result, error) {
	nowSec := float64(now.UnixNano()) / float64(time.Second)
	raw, err := tokenBucketScript.Run(ctx, rb.client, []string{rb.prefix + key},
		lim.Capacity, lim.RefillRate, nowSec, cost, int(rb.ttl.Seconds())).Result()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s", ErrBackend, err)
	}

	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 2 {
		return Result{}, fmt.Errorf("%w: unexpected script reply %v", ErrBackend, raw)
	}
	allowed, _ := vals[0].(int64)
	s, _ := vals[1].(string)
	tokens, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Result{}, fmt.Errorf("%w: tokens %q: %s", ErrBackend, s, err)
	}

	res := Result{
		Allowed:   allowed == 1,
		Limit:     lim.Capacity,
		Remaining: int(math.Max(0, math.Floor(tokens))),
		Reset:     durationFor(float64(lim.Capacity)-tokens, lim.RefillRate),
	}
	if !res.Allowed {
		res.RetryAfter = durationFor(float64(cost)-tokens, lim.RefillRate)
	}
	return res, nil
}
