// Package ratelimit implements a Redis-backed token bucket shared by every
// dispatcher instance.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/crawl-frontier/internal/frontier"
)

// admitScript refills the bucket for the elapsed time and consumes one token
// when available. The refilled level is persisted even on rejection.
var admitScript = redis.NewScript(`
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local ttl_ms = tonumber(ARGV[4])

local tokens = capacity
local raw = redis.call('GET', KEYS[1])
if raw then tokens = tonumber(raw) end
local last = now_ms
local raw_ts = redis.call('GET', KEYS[2])
if raw_ts then last = tonumber(raw_ts) end

local elapsed = math.max(0, now_ms - last) / 1000.0
tokens = math.min(capacity, tokens + elapsed * rate)

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call('SET', KEYS[1], tostring(tokens), 'PX', ttl_ms)
redis.call('SET', KEYS[2], tostring(now_ms), 'PX', ttl_ms)
return allowed
`)

const idleTTL = time.Hour

// TokenBucket implements frontier.RateLimiter.
type TokenBucket struct {
	client redis.Scripter
	clock  frontier.Clock
}

// New creates a TokenBucket. The clock supplies the refill timestamps so all
// instances must share a reasonably synchronized wall clock.
func New(client redis.Scripter, clock frontier.Clock) (*TokenBucket, error) {
	if client == nil {
		return nil, errors.New("ratelimit: redis client is required")
	}
	if clock == nil {
		return nil, errors.New("ratelimit: clock is required")
	}
	return &TokenBucket{client: client, clock: clock}, nil
}

// Admit consumes one token from the bucket named key in a single round trip.
// A capacity below one never admits.
func (b *TokenBucket) Admit(ctx context.Context, key string, ratePerSecond float64, capacity int) (bool, error) {
	if capacity < 1 {
		return false, nil
	}
	if ratePerSecond < 0 {
		ratePerSecond = 0
	}
	keys := []string{
		"tb:{" + key + "}:tokens",
		"tb:{" + key + "}:ts",
	}
	res, err := admitScript.Run(ctx, b.client, keys,
		ratePerSecond,
		capacity,
		b.clock.Now().UnixMilli(),
		stateTTL(ratePerSecond, capacity).Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("admit %s: %w", key, err)
	}
	return res == 1, nil
}

// stateTTL keeps bucket state at least twice as long as a full refill takes,
// after which a missing key is equivalent to a full bucket.
func stateTTL(ratePerSecond float64, capacity int) time.Duration {
	if ratePerSecond <= 0 {
		return idleTTL
	}
	refill := time.Duration(math.Ceil(float64(capacity)/ratePerSecond*1000)) * time.Millisecond
	ttl := 2*refill + time.Second
	if ttl > idleTTL {
		return idleTTL
	}
	return ttl
}
