package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/grokipedia-api/internal/article"
)

// admitWindow bumps the window counter while it is below the limit and arms
// its expiry on first use. It returns {count, admitted}.
var admitWindow = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current >= tonumber(ARGV[2]) then
  return {current, 0}
end
current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {current, 1}
`)

// RedisWindow shares fixed windows across processes through Redis.
type RedisWindow struct {
	client redis.UniversalClient
	clock  article.Clock
	period time.Duration
	prefix string
}

// NewRedisWindow builds a RedisWindow. Keys are prefix + ":ratelimit:".
func NewRedisWindow(client redis.UniversalClient, prefix string, period time.Duration, clock article.Clock) *RedisWindow {
	if period <= 0 {
		period = DefaultPeriod
	}
	if prefix == "" {
		prefix = "grokapi"
	}
	return &RedisWindow{client: client, clock: clock, period: period, prefix: prefix}
}

func (w *RedisWindow) key(identity string, start time.Time) string {
	return fmt.Sprintf("%s:ratelimit:%s:%d", w.prefix, identity, start.Unix())
}

// Allow increments the identity's counter for the current window. As with
// MemoryWindow, rejected requests are not counted.
func (w *RedisWindow) Allow(ctx context.Context, identity string, limit int) (Decision, error) {
	start := w.clock.Now().Truncate(w.period)
	ttl := w.period + time.Second
	res, err := admitWindow.Run(ctx, w.client, []string{w.key(identity, start)}, ttl.Milliseconds(), limit).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("redis window: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("redis window: unexpected reply %v", res)
	}
	count := int(res[0])
	return Decision{
		Allowed:   res[1] == 1,
		Count:     count,
		Limit:     limit,
		Remaining: max(0, limit-count),
		ResetAt:   start.Add(w.period),
	}, nil
}
