// Package redis provides a Redis implementation of the meter.CounterStore
// interface. Counting runs through a Lua script so increment and expiry are
// atomic even with many gateway processes sharing the backend.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cursive-ai/gateway/pkg/meter"
)

// Counters implements meter.CounterStore using Redis fixed-window counters.
type Counters struct {
	client    redis.UniversalClient
	keyPrefix string
	incr      *redis.Script
}

// Config holds Redis counter configuration.
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "gateway:rl:")
	KeyPrefix string
}

// incrScript increments the window counter and stamps its expiry on first
// touch. Returns the new count and the remaining window in milliseconds.
const incrScript = `
local key = KEYS[1]
local windowMs = tonumber(ARGV[1])

local count = redis.call('INCR', key)
if count == 1 then
	redis.call('PEXPIRE', key, windowMs)
end

local ttl = redis.call('PTTL', key)
if ttl < 0 then
	-- Key lost its expiry (e.g. restored from a dump); restore it.
	redis.call('PEXPIRE', key, windowMs)
	ttl = windowMs
end

return {count, ttl}
`

// New creates a Redis counter store.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring.
func New(client redis.UniversalClient, config Config) (*Counters, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	keyPrefix := config.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "gateway:rl:"
	}
	return &Counters{
		client:    client,
		keyPrefix: keyPrefix,
		incr:      redis.NewScript(incrScript),
	}, nil
}

// Incr implements meter.CounterStore. The window boundary lives in the key
// so every process lands in the same bucket regardless of clock skew on the
// Redis side.
func (c *Counters) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	bucket := time.Now().Truncate(window).Unix()
	redisKey := fmt.Sprintf("%s%s:%d", c.keyPrefix, key, bucket)

	res, err := c.incr.Run(ctx, c.client, []string{redisKey}, window.Milliseconds()).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", meter.ErrStoreUnavailable, err)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("%w: unexpected script result %T", meter.ErrStoreUnavailable, res)
	}
	count, _ := values[0].(int64)
	ttlMs, _ := values[1].(int64)
	return count, time.Duration(ttlMs) * time.Millisecond, nil
}

var _ meter.CounterStore = (*Counters)(nil)
