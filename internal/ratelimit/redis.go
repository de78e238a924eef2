package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindow prunes, optionally records, and reports usage for one zset.
// The reply is {added, count, score...} with scores oldest first.
// ARGV: now_ms, window_ms, limit (-1 unlimited, -2 read only), member.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local added = 0
if limit ~= -2 and (limit == -1 or count < limit) then
  redis.call('ZADD', key, now, ARGV[4])
  count = count + 1
  added = 1
end
if count > 0 then
  redis.call('PEXPIRE', key, window)
end
local out = {added, count}
local hits = redis.call('ZRANGE', key, 0, -1, 'WITHSCORES')
for i = 2, #hits, 2 do
  out[#out + 1] = tonumber(hits[i])
end
return out
`)

const (
	unlimited = -1
	readOnly  = -2
)

// RedisCounter is a KeyedCounter backed by one sorted set per key, scored in
// Unix milliseconds. Atomicity across processes comes from the Lua script.
type RedisCounter struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCounter wraps client. Keys are stored under prefix.
func NewRedisCounter(client redis.UniversalClient, prefix string) *RedisCounter {
	if prefix == "" {
		prefix = "cvflow:rl:"
	}
	return &RedisCounter{client: client, prefix: prefix}
}

func (c *RedisCounter) run(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (Usage, bool, error) {
	res, err := slidingWindow.Run(ctx, c.client, []string{c.prefix + key},
		now.UnixMilli(), window.Milliseconds(), limit, uuid.NewString()).Int64Slice()
	if err != nil {
		return Usage{}, false, fmt.Errorf("ratelimit: redis script: %w", err)
	}
	if len(res) < 2 || int64(len(res)-2) != res[1] {
		return Usage{}, false, fmt.Errorf("ratelimit: unexpected script reply %v", res)
	}
	u := Usage{Count: int(res[1])}
	for _, ms := range res[2:] {
		u.Hits = append(u.Hits, time.UnixMilli(ms))
	}
	if len(u.Hits) > 0 {
		u.Oldest = u.Hits[0]
	}
	return u, res[0] == 1, nil
}

func (c *RedisCounter) TryAdd(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (Usage, bool, error) {
	if limit < 0 {
		limit = 0
	}
	return c.run(ctx, key, now, window, limit)
}

func (c *RedisCounter) Add(ctx context.Context, key string, now time.Time, window time.Duration) (Usage, error) {
	u, _, err := c.run(ctx, key, now, window, unlimited)
	return u, err
}

func (c *RedisCounter) Usage(ctx context.Context, key string, now time.Time, window time.Duration) (Usage, error) {
	u, _, err := c.run(ctx, key, now, window, readOnly)
	return u, err
}

func (c *RedisCounter) Reset(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		return fmt.Errorf("ratelimit: redis reset: %w", err)
	}
	return nil
}
