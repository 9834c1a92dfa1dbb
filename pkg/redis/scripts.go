package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript bumps the counter and starts the window on the first hit
// in one round trip, so a crash between INCR and PEXPIRE cannot leave an
// immortal counter.
var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {count, ttl}
`)

// releaseScript deletes the key only while it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RateWindow is the state of one fixed window after counting a hit.
type RateWindow struct {
	Allowed bool
	Count   int64
	ResetIn time.Duration
}

// Allow counts one hit against scope and reports whether it fits in limit.
func (c *Client) Allow(ctx context.Context, scope string, limit int64, window time.Duration) (RateWindow, error) {
	if err := c.ready(); err != nil {
		return RateWindow{}, err
	}
	if window <= 0 {
		return RateWindow{}, fmt.Errorf("rate window must be positive, got %s", window)
	}
	vals, err := fixedWindowScript.Run(ctx, c.cmd, []string{c.RateLimitKey(scope)}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return RateWindow{}, fmt.Errorf("rate limit %s: %w", scope, err)
	}
	if len(vals) != 2 {
		return RateWindow{}, fmt.Errorf("rate limit %s: unexpected reply %v", scope, vals)
	}
	out := RateWindow{Count: vals[0], Allowed: vals[0] <= limit}
	if vals[1] > 0 {
		out.ResetIn = time.Duration(vals[1]) * time.Millisecond
	}
	return out, nil
}

// ReleaseIfOwner deletes key when its value equals token. It reports whether
// the key was removed.
func (c *Client) ReleaseIfOwner(ctx context.Context, key, token string) (bool, error) {
	if err := c.ready(); err != nil {
		return false, err
	}
	n, err := releaseScript.Run(ctx, c.cmd, []string{key}, token).Int64()
	if err != nil {
		return false, fmt.Errorf("release %s: %w", key, err)
	}
	return n == 1, nil
}
