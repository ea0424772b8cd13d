package rate

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "prop:withdraw:rl:"

// countAttemptScript bumps the user's attempt counter and arms the
// window expiry on the first attempt. It returns the running count and
// the window's remaining lifetime; whether the attempt is allowed is
// decided in Go against the configured cap.
var countAttemptScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisLimiter enforces the per-user withdrawal cap across every
// service instance sharing the Redis.
type RedisLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	prefix string
}

func NewRedisLimiter(client *redis.Client, limit int, window time.Duration, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisLimiter{
		client: client,
		limit:  limit,
		window: window,
		prefix: prefix,
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, userID string, _ time.Time) (bool, time.Duration, error) {
	windowMS := l.window.Milliseconds()
	if windowMS <= 0 {
		return false, 0, fmt.Errorf("invalid withdrawal rate window")
	}

	res, err := countAttemptScript.Run(ctx, l.client, []string{l.prefix + userID}, windowMS).Result()
	if err != nil {
		return false, 0, fmt.Errorf("count withdrawal attempt: %w", err)
	}

	count, ttlMS, err := decodeScriptReply(res)
	if err != nil {
		return false, 0, err
	}

	if count > int64(l.limit) {
		retryAfter := time.Duration(ttlMS) * time.Millisecond
		if retryAfter < 0 {
			retryAfter = 0
		}
		return false, retryAfter, nil
	}
	return true, 0, nil
}

func decodeScriptReply(res any) (count, ttlMS int64, err error) {
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return 0, 0, fmt.Errorf("unexpected redis reply shape")
	}
	count, ok = vals[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected redis reply shape")
	}
	ttlMS, ok = vals[1].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected redis reply shape")
	}
	return count, ttlMS, nil
}
