// Package rate provides the Redis-backed rolling-window rate limiter shared
// by every credential protocol.
//
// # Window semantics
//
// Rolling window over a sorted set: each attempt is a member scored by its
// millisecond timestamp. An attempt is admitted only while fewer than
// MaxAttempts members survive inside the window; rejection reports the exact
// remaining cooldown derived from the oldest surviving member. Admission is a
// single Lua script, so concurrent increments cannot over-admit.
//
// # What this package must NOT do
//
//   - Implement protocol-specific policies (those live in the engine).
//   - Be imported outside the authcore module.
package rate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrRateLimited is returned when the attempt budget is exhausted.
	ErrRateLimited = errors.New("rate limited")
	// ErrRedisUnavailable wraps backend failures.
	ErrRedisUnavailable = errors.New("redis unavailable")
)

// Config holds limiter tuning parameters.
type Config struct {
	Enabled     bool
	MaxAttempts int
	Window      time.Duration
}

// Limiter enforces a per-client rolling attempt budget.
type Limiter struct {
	redis  redis.UniversalClient
	prefix string
	config Config
}

const admitScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local member = ARGV[4]

redis.call("ZREMRANGEBYSCORE", key, 0, now - window)

local count = redis.call("ZCARD", key)
if count >= max then
  local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
  local retry = window
  if oldest[2] then
    retry = window - (now - tonumber(oldest[2]))
    if retry < 0 then
      retry = 0
    end
  end
  return {0, retry}
end

redis.call("ZADD", key, now, member)
redis.call("PEXPIRE", key, window)
return {1, 0}
`

var admitLua = redis.NewScript(admitScript)

// New creates a rolling-window [Limiter] backed by the given Redis client.
func New(redisClient redis.UniversalClient, prefix string, cfg Config) *Limiter {
	if prefix == "" {
		prefix = "rl"
	}
	return &Limiter{redis: redisClient, prefix: prefix, config: cfg}
}

// ClientKey derives the limiter key for (IP, principal-if-known, user-agent
// fingerprint). The tuple is hashed so raw identifiers never appear in key
// space.
func ClientKey(ip, principalID, uaFingerprint string) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{ip, principalID, uaFingerprint}, "|")))
	return hex.EncodeToString(sum[:16])
}

// Allow admits or rejects one attempt for the client key. On rejection the
// returned duration is the remaining window (the retry-after value) and the
// error is [ErrRateLimited].
func (l *Limiter) Allow(ctx context.Context, clientKey string) (time.Duration, error) {
	if !l.config.Enabled || l.config.MaxAttempts <= 0 {
		return 0, nil
	}

	now := time.Now().UnixMilli()
	member := fmt.Sprintf("%d-%s", now, randomSuffix())

	res, err := admitLua.Run(ctx, l.redis,
		[]string{l.key(clientKey)},
		now, l.config.Window.Milliseconds(), l.config.MaxAttempts, member,
	).Int64Slice()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(res) != 2 {
		return 0, fmt.Errorf("%w: unexpected admit reply", ErrRedisUnavailable)
	}

	if res[0] == 0 {
		return time.Duration(res[1]) * time.Millisecond, ErrRateLimited
	}
	return 0, nil
}

// Reset clears the attempt window for a client key. Called after a fully
// successful authentication so earlier failures stop counting.
func (l *Limiter) Reset(ctx context.Context, clientKey string) error {
	if !l.config.Enabled {
		return nil
	}
	if err := l.redis.Del(ctx, l.key(clientKey)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (l *Limiter) key(clientKey string) string {
	return l.prefix + ":" + clientKey
}
