package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	minuteKeyPrefix = "rate:minute:"
	dailyKeyPrefix  = "rate:daily:"
)

// consumeScript checks both quotas and records a reservation in one
// indivisible server-side operation. The minute window carries a 90s
// backstop TTL so a stuck key cannot linger. Return shapes:
//
//	{0, reservationID} admitted
//	{1, waitSeconds}   minute window full
//	{2, 'daily'}       daily quota exhausted
var consumeScript = redis.NewScript(`
local minute_key = KEYS[1]
local daily_key = KEYS[2]
local now = tonumber(ARGV[1])
local reservation_id = ARGV[2]
local per_minute = tonumber(ARGV[3])
local daily_limit = tonumber(ARGV[4])
local daily_ttl = tonumber(ARGV[5])

redis.call('ZREMRANGEBYSCORE', minute_key, '-inf', now - 60)

local daily_count = tonumber(redis.call('GET', daily_key) or '0')
if daily_count >= daily_limit then
    return {2, 'daily'}
end

local minute_count = redis.call('ZCARD', minute_key)
if minute_count >= per_minute then
    local oldest = redis.call('ZRANGE', minute_key, 0, 0, 'WITHSCORES')
    local wait = 10
    if #oldest >= 2 then
        wait = math.max(1, math.ceil(tonumber(oldest[2]) + 60 - now))
    end
    return {1, wait}
end

redis.call('ZADD', minute_key, now, reservation_id)
redis.call('EXPIRE', minute_key, 90)
redis.call('INCR', daily_key)
if redis.call('TTL', daily_key) < 0 then
    redis.call('EXPIRE', daily_key, daily_ttl)
end

return {0, reservation_id}
`)

// releaseScript removes one reservation from the minute window and,
// only when something was actually removed, decrements the daily
// counter without letting it go below zero.
var releaseScript = redis.NewScript(`
local minute_key = KEYS[1]
local daily_key = KEYS[2]
local reservation_id = ARGV[1]

local removed = redis.call('ZREM', minute_key, reservation_id)
if removed > 0 then
    local current = tonumber(redis.call('GET', daily_key) or '0')
    if current > 0 then
        redis.call('DECR', daily_key)
    end
end
return removed
`)

var errBadScriptReply = errors.New("unexpected rate limit script reply")

// RedisBackend enforces the same semantics as MemoryBackend across
// processes sharing one Redis instance. Both mutations are single
// round-trip Lua scripts, so concurrent callers for the same key
// serialize on the server without blocking unrelated keys.
type RedisBackend struct {
	client redis.UniversalClient
	limits Limits
	now    Clock
	newID  func() string
}

// NewRedisBackend creates a Redis-backed rate limit backend. The
// client is created once by the caller and reused across requests.
func NewRedisBackend(client redis.UniversalClient, limits Limits) *RedisBackend {
	return &RedisBackend{
		client: client,
		limits: limits,
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
	}
}

// WithClock overrides the time source. Test hook.
func (b *RedisBackend) WithClock(now Clock) *RedisBackend {
	b.now = now

	return b
}

func (b *RedisBackend) Reserve(ctx context.Context, key string) (Result, error) {
	now := b.now()
	id := b.newID()

	keys := []string{minuteKey(key), dailyKey(key, now)}
	args := []interface{}{
		float64(now.UnixMicro()) / 1e6,
		id,
		b.limits.PerMinute,
		b.limits.PerDay,
		SecondsUntilMidnight(now),
	}

	reply, err := consumeScript.Run(ctx, b.client, keys, args...).Result()
	if err != nil {
		return Result{}, fmt.Errorf("rate limit reserve: %w", err)
	}

	values, ok := reply.([]interface{})
	if !ok || len(values) != 2 {
		return Result{}, errBadScriptReply
	}

	status, ok := values[0].(int64)
	if !ok {
		return Result{}, errBadScriptReply
	}

	switch status {
	case 2:
		return Result{Limited: true, Reason: ReasonDaily}, nil
	case 1:
		wait, ok := values[1].(int64)
		if !ok || wait < 1 {
			wait = 1
		}

		return Result{Limited: true, Reason: ReasonMinute, RetryAfter: int(wait)}, nil
	case 0:
		return Result{ReservationID: id}, nil
	default:
		return Result{}, errBadScriptReply
	}
}

func (b *RedisBackend) Release(ctx context.Context, key, reservationID string) error {
	keys := []string{minuteKey(key), dailyKey(key, b.now())}

	if err := releaseScript.Run(ctx, b.client, keys, reservationID).Err(); err != nil {
		return fmt.Errorf("rate limit release: %w", err)
	}

	return nil
}

func (b *RedisBackend) DailyCount(ctx context.Context, key string) (int, error) {
	count, err := b.client.Get(ctx, dailyKey(key, b.now())).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}

		return 0, fmt.Errorf("daily count: %w", err)
	}

	return count, nil
}

func minuteKey(key string) string {
	return minuteKeyPrefix + key
}

func dailyKey(key string, now time.Time) string {
	return dailyKeyPrefix + key + ":" + DayKey(now)
}

// Compile-time check.
var _ Backend = (*RedisBackend)(nil)
