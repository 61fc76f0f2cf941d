package ratelimit

import (
	"fmt"
	"time"

	"github.com/go-redis/redis"
)

// redisBucketScript implements the same token-bucket arithmetic as
// bucket.take, but atomically inside Redis via a Lua script, so a cluster
// of nodes shares one set of counters through the same Redis instance the
// event-bus relay uses.
const redisBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local data = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])
if tokens == nil then
  tokens = capacity
  ts = now
end

local elapsed = math.max(0, now - ts)
tokens = math.min(capacity, tokens + elapsed * refill_rate)

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "ts", now)
redis.call("EXPIRE", key, 3600)

return {allowed, tokens}
`

// RedisLimiter is the cluster-mode Limiter backed by go-redis's Client.
type RedisLimiter struct {
	client  *redis.Client
	classes map[string]RouteClass
	script  *redis.Script
}

// NewRedisLimiter wraps an already-connected redis.Client.
func NewRedisLimiter(client *redis.Client, classes map[string]RouteClass) *RedisLimiter {
	if classes == nil {
		classes = DefaultClasses()
	}
	return &RedisLimiter{
		client:  client,
		classes: classes,
		script:  redis.NewScript(redisBucketScript),
	}
}

// Allow implements Limiter.
func (r *RedisLimiter) Allow(routeClass, identity string) Decision {
	rc, ok := r.classes[routeClass]
	if !ok {
		rc = RouteClass{Capacity: 5, RefillPerSecond: 1}
	}

	key := fmt.Sprintf("nexus:ratelimit:%s:%s", routeClass, identity)
	now := float64(time.Now().UnixNano()) / 1e9

	res, err := r.script.Run(r.client, []string{key}, rc.Capacity, rc.RefillPerSecond, now).Result()
	if err != nil {
		// Fail open: a Redis outage must not take down message sends. No
		// local limiter stands in, so requests go unthrottled until Redis
		// answers again.
		return Decision{Allowed: true}
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return Decision{Allowed: true}
	}
	allowed, _ := vals[0].(int64)
	tokensLeft, _ := vals[1].(string)
	if allowed == 1 {
		return Decision{Allowed: true}
	}

	var tokens float64
	fmt.Sscanf(tokensLeft, "%f", &tokens)
	deficit := 1 - tokens
	if deficit < 0 {
		deficit = 0
	}
	retryAfter := time.Duration(deficit/rc.RefillPerSecond*1000) * time.Millisecond
	return Decision{Allowed: false, RetryAfter: retryAfter}
}
