package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills and consumes atomically server-side so that
// every gateway replica observes the same bucket. State is a hash of
// tokens (fractional) and the last refill timestamp in ms.
const tokenBucketScript = `
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local burst = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local ttl_ms = tonumber(ARGV[5])

local data = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])

if tokens == nil then
  tokens = burst
  ts = now_ms
else
  local delta = math.max(0, now_ms - ts)
  tokens = math.min(burst, tokens + (delta / 1000.0) * rate)
  ts = now_ms
end

local allowed = 0
local retry_ms = 0

if tokens >= cost then
  allowed = 1
  tokens = tokens - cost
else
  local missing = cost - tokens
  if rate > 0 then
    retry_ms = math.ceil((missing / rate) * 1000.0)
  else
    retry_ms = 1000
  end
end

redis.call("HMSET", key, "tokens", tokens, "ts", ts)
redis.call("PEXPIRE", key, ttl_ms)
return {allowed, tostring(tokens), retry_ms}
`

type RedisLimiter struct {
	rdb    *redis.Client
	script *redis.Script
}

func NewRedisLimiter(rdb *redis.Client) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, script: redis.NewScript(tokenBucketScript)}
}

func (r *RedisLimiter) Allow(ctx context.Context, key string, pol Policy, cost float64) (Decision, error) {
	now := time.Now().UnixMilli()
	ttlMs := IdleTTL(pol).Milliseconds()

	res, err := r.script.Run(ctx, r.rdb, []string{key}, now, pol.Rate, pol.Burst, cost, ttlMs).Result()
	if err != nil {
		return Decision{}, err
	}
	arr, ok := res.([]any)
	if !ok || len(arr) != 3 {
		return Decision{}, redis.Nil
	}

	dec := Decision{
		Allowed:   toInt(arr[0]) == 1,
		Remaining: toFloat(arr[1]),
		Limit:     pol.Burst,
	}
	if !dec.Allowed {
		dec.RetryAfter = time.Duration(toInt(arr[2])) * time.Millisecond
	}
	return dec, nil
}

func (r *RedisLimiter) Close() error { return r.rdb.Close() }

// Ping reports shared-store reachability for the detailed health probe.
func (r *RedisLimiter) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func toInt(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case int:
		return float64(t)
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	default:
		return 0
	}
}
