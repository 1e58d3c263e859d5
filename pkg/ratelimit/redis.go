package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/uaesivakumar/upr-authority/pkg/contracts"
)

// tokenBucketScript refills and consumes atomically so replicas never
// double-spend a bucket.
// KEYS[1] = bucket key ("ratelimit:{user}:{action}")
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity (max banked tokens)
// ARGV[3] = cost
// ARGV[4] = now (unix seconds, fractional)
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
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 86400)

return allowed
`)

// Redis is the shared limiter. Buckets live in Redis hashes with a 24 h
// TTL so abandoned (user, action) pairs clean themselves up.
type Redis struct {
	client *redis.Client
	policy Policy
}

// NewRedis builds the shared limiter from an already-configured client.
func NewRedis(client *redis.Client, policy Policy) *Redis {
	return &Redis{client: client, policy: policy}
}

// Allow runs the bucket script for the pair. Redis being unreachable is
// a retryable infrastructure error, not a denial.
func (l *Redis) Allow(ctx context.Context, userID, action string) (bool, error) {
	now := float64(time.Now().UnixMicro()) / 1e6
	res, err := tokenBucketScript.Run(ctx, l.client,
		[]string{bucketKey(userID, action)},
		l.policy.perSecond(), l.policy.burst(), 1, now).Int64()
	if err != nil {
		return false, &contracts.Retryable{Err: fmt.Errorf("ratelimit: redis bucket: %w", err)}
	}
	return res == 1, nil
}
