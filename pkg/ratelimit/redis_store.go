package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisWindowScript maintains a rolling window in a sorted set atomically.
// Members are "<uuid>|<amount>" scored by their timestamp in microseconds.
// KEYS[1] = window key (e.g. "ratelimit:cpu_seconds:alice")
// ARGV[1] = now (unix micros)
// ARGV[2] = window (micros)
// ARGV[3] = amount to add (0 = read only)
// ARGV[4] = max per window (negative = unconditional add)
// ARGV[5] = member id
var redisWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local span = tonumber(ARGV[2])
local amount = tonumber(ARGV[3])
local max = tonumber(ARGV[4])
local member = ARGV[5]

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - span)

local used = 0
local members = redis.call("ZRANGE", key, 0, -1)
for _, m in ipairs(members) do
    local sep = string.find(m, "|", 1, true)
    if sep then
        used = used + tonumber(string.sub(m, sep + 1))
    end
end

local allowed = 1
if amount > 0 then
    if max >= 0 and used + amount > max then
        allowed = 0
    else
        redis.call("ZADD", key, now, member .. "|" .. ARGV[3])
        redis.call("PEXPIRE", key, math.ceil(span / 1000) + 1000)
    end
end

return {allowed, tostring(used)}
`)

// RedisStore keeps windows in Redis so several kernel replicas share one
// admission view. The Lua script serialises operations per key.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a new store backed by Redis.
func NewRedisStore(addr, password string, db int) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisStore{client: rdb, prefix: "ratelimit:"}
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) run(ctx context.Context, key string, amount, max float64, span time.Duration, now time.Time) (bool, float64, error) {
	res, err := redisWindowScript.Run(ctx, s.client, []string{s.prefix + key},
		now.UnixMicro(),
		span.Microseconds(),
		strconv.FormatFloat(amount, 'f', -1, 64),
		strconv.FormatFloat(max, 'f', -1, 64),
		uuid.NewString(),
	).Result()
	if err != nil {
		return false, 0, fmt.Errorf("redis window error: %w", err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, 0, fmt.Errorf("invalid response from lua script")
	}
	allowed, _ := results[0].(int64)
	usedStr, _ := results[1].(string)
	used, err := strconv.ParseFloat(usedStr, 64)
	if err != nil {
		return false, 0, fmt.Errorf("invalid usage from lua script: %w", err)
	}
	return allowed == 1, used, nil
}

func (s *RedisStore) Usage(ctx context.Context, key string, span time.Duration, now time.Time) (float64, error) {
	_, used, err := s.run(ctx, key, 0, -1, span, now)
	return used, err
}

func (s *RedisStore) Add(ctx context.Context, key string, amount float64, span time.Duration, now time.Time) error {
	_, _, err := s.run(ctx, key, amount, -1, span, now)
	return err
}

func (s *RedisStore) TryAdd(ctx context.Context, key string, amount, max float64, span time.Duration, now time.Time) (bool, float64, error) {
	return s.run(ctx, key, amount, max, span, now)
}
