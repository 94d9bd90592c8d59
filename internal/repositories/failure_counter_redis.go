package repositories

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// recordFailureLua trims the window and adds a failure unless the limit is
// already reached. Returns {count, recorded}.
// KEYS[1] = failure set
// ARGV[1] = attempt time (unix ms)
// ARGV[2] = unique member
// ARGV[3] = window start (unix ms); entries at or before it are dropped
// ARGV[4] = key TTL (ms)
// ARGV[5] = limit (0 = none)
var recordFailureLua = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[3])
local count = redis.call('ZCOUNT', KEYS[1], '-inf', ARGV[1])
local limit = tonumber(ARGV[5])
if limit > 0 and count >= limit then
  return {count, 0}
end
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return {count + 1, 1}
`)

// RedisFailureCounter keeps failures in a sorted set per user, scored by
// attempt time. It lets several API instances share one lockout view.
type RedisFailureCounter struct {
	redis  redis.UniversalClient
	prefix string
}

func NewRedisFailureCounter(client redis.UniversalClient, prefix string) *RedisFailureCounter {
	return &RedisFailureCounter{redis: client, prefix: prefix}
}

func (c *RedisFailureCounter) key(userID string) string {
	return c.prefix + ":mfa:fail:" + userID
}

func (c *RedisFailureCounter) RecordFailure(ctx context.Context, userID string, at time.Time, window time.Duration, limit int) (int, bool, error) {
	ms := at.UnixMilli()
	res, err := recordFailureLua.Run(ctx, c.redis, []string{c.key(userID)},
		ms,
		uuid.New().String(),
		ms-window.Milliseconds(),
		window.Milliseconds(),
		max(limit, 0),
	).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("failed to record MFA failure: %w", err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("unexpected MFA failure script result: %v", res)
	}
	return int(res[0]), res[1] == 1, nil
}

func (c *RedisFailureCounter) Failures(ctx context.Context, userID string, since time.Time) ([]time.Time, error) {
	members, err := c.redis.ZRangeByScoreWithScores(ctx, c.key(userID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read MFA failures: %w", err)
	}

	out := make([]time.Time, 0, len(members))
	for _, m := range members {
		out = append(out, time.UnixMilli(int64(m.Score)))
	}
	return out, nil
}

func (c *RedisFailureCounter) Reset(ctx context.Context, userID string) error {
	if err := c.redis.Del(ctx, c.key(userID)).Err(); err != nil {
		return fmt.Errorf("failed to reset MFA failures: %w", err)
	}
	return nil
}
