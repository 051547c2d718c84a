package throttle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// admitScript trims the log to (now-per, now], then admits if there is room.
// Returns {1, 0} on admit or {0, retry_at_ms}.
var admitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local per = tonumber(ARGV[2])
local rate = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - per)
local count = redis.call('ZCARD', key)
if count < rate then
  redis.call('ZADD', key, now, ARGV[4])
  redis.call('PEXPIRE', key, per)
  return {1, 0}
end
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
return {0, tonumber(oldest[2]) + per}
`)

// RedisGate shares admission logs across worker processes through a sorted set
// per campaign. The Lua script makes check-and-record atomic.
type RedisGate struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisGate creates a gate storing logs under keys "<prefix><campaign id>"
func NewRedisGate(client redis.UniversalClient, prefix string) *RedisGate {
	if prefix == "" {
		prefix = "throttle:campaign:"
	}
	return &RedisGate{client: client, prefix: prefix}
}

var _ Gate = (*RedisGate)(nil)

func (g *RedisGate) TryAdmit(ctx context.Context, campaignID int64, limit Limit, now time.Time) (Admission, error) {
	key := fmt.Sprintf("%s%d", g.prefix, campaignID)
	res, err := admitScript.Run(ctx, g.client, []string{key},
		now.UnixMilli(),
		limit.Per.Milliseconds(),
		limit.Rate,
		uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return Admission{}, fmt.Errorf("failed to run throttle script: %w", err)
	}
	if len(res) != 2 {
		return Admission{}, fmt.Errorf("unexpected throttle script reply: %v", res)
	}
	if res[0] == 1 {
		return Admission{Admitted: true}, nil
	}
	return Admission{Admitted: false, RetryAt: time.UnixMilli(res[1]).UTC()}, nil
}
