package counter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// decrIfGEScript decrements only when the remaining balance covers the cost.
// A stored value of -1 means unlimited and always passes untouched.
// Returns {status, remaining}: status 1 = decremented, 0 = insufficient,
// -2 = key missing.
const decrIfGEScript = `
local current = redis.call('GET', KEYS[1])
if current == false then
    return {-2, 0}
end
current = tonumber(current)
local amount = tonumber(ARGV[1])
if current == -1 then
    return {1, -1}
end
if current >= amount then
    local remaining = redis.call('DECRBY', KEYS[1], amount)
    return {1, remaining}
end
return {0, current}
`

// takeTokenScript implements a fixed-window token bucket: the first take of
// a window seeds the bucket at full capacity with the window as TTL, and
// each subsequent take decrements until empty.
// Returns {status, x}: status 1 = token taken (x = tokens left),
// 0 = bucket empty (x = seconds until refill).
const takeTokenScript = `
local current = redis.call('GET', KEYS[1])
local capacity = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
if current == false then
    redis.call('SET', KEYS[1], capacity - 1, 'EX', window)
    return {1, capacity - 1}
end
current = tonumber(current)
if current > 0 then
    local remaining = redis.call('DECR', KEYS[1])
    if redis.call('TTL', KEYS[1]) == -1 then
        redis.call('EXPIRE', KEYS[1], window)
    end
    return {1, remaining}
end
local ttl = redis.call('TTL', KEYS[1])
if ttl < 0 then
    ttl = window
end
return {0, ttl}
`

// incrExistingScript credits a counter back only while the key still lives.
// A refund racing the daily expiry must not recreate the key, since the
// recreated key would have no TTL. Unlimited counters (-1) stay untouched.
// Returns the value after the credit, or -2 when the key was gone.
const incrExistingScript = `
local current = redis.call('GET', KEYS[1])
if current == false then
    return -2
end
if tonumber(current) == -1 then
    return -1
end
return redis.call('INCRBY', KEYS[1], ARGV[1])
`

// RedisStore implements Store on Redis using Lua scripts so each check is a
// single atomic round trip.
type RedisStore struct {
	client       redis.UniversalClient
	namespace    string
	decrIfGE     *redis.Script
	takeToken    *redis.Script
	incrExisting *redis.Script
}

// NewRedisStore creates a counter store on the given Redis client.
// All keys are prefixed with namespace when it is non-empty.
func NewRedisStore(client redis.UniversalClient, namespace string) *RedisStore {
	return &RedisStore{
		client:       client,
		namespace:    namespace,
		decrIfGE:     redis.NewScript(decrIfGEScript),
		takeToken:    redis.NewScript(takeTokenScript),
		incrExisting: redis.NewScript(incrExistingScript),
	}
}

func (s *RedisStore) prefixKey(key string) string {
	if s.namespace == "" {
		return key
	}
	return s.namespace + ":" + key
}

// InitIfMissing seeds the counter via SET NX and reads back the live value.
func (s *RedisStore) InitIfMissing(ctx context.Context, key string, value int64, ttl time.Duration) (int64, error) {
	k := s.prefixKey(key)

	if err := s.client.SetNX(ctx, k, value, ttl).Err(); err != nil {
		return 0, fmt.Errorf("redis setnx: %w", err)
	}

	current, err := s.client.Get(ctx, k).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis get: %w", err)
	}
	return current, nil
}

// DecrIfGE runs the compare-and-decrement script.
func (s *RedisStore) DecrIfGE(ctx context.Context, key string, amount int64) (bool, int64, error) {
	val, err := s.decrIfGE.Run(ctx, s.client, []string{s.prefixKey(key)}, amount).Result()
	if err != nil {
		return false, 0, fmt.Errorf("redis decr-if-ge: %w", err)
	}

	status, remaining, err := parsePair(val)
	if err != nil {
		return false, 0, err
	}
	if status == -2 {
		return false, 0, ErrKeyMissing
	}
	return status == 1, remaining, nil
}

// IncrBy credits the counter back, used for quota refunds on rollback. The
// credit is dropped when the key has already expired.
func (s *RedisStore) IncrBy(ctx context.Context, key string, amount int64) error {
	if err := s.incrExisting.Run(ctx, s.client, []string{s.prefixKey(key)}, amount).Err(); err != nil {
		return fmt.Errorf("redis incrby: %w", err)
	}
	return nil
}

// TakeToken runs the token bucket script.
func (s *RedisStore) TakeToken(ctx context.Context, key string, capacity int64, window time.Duration) (bool, int, error) {
	windowSec := int64(window.Seconds())
	if windowSec < 1 {
		windowSec = 1
	}

	val, err := s.takeToken.Run(ctx, s.client, []string{s.prefixKey(key)}, capacity, windowSec).Result()
	if err != nil {
		return false, 0, fmt.Errorf("redis take-token: %w", err)
	}

	status, extra, err := parsePair(val)
	if err != nil {
		return false, 0, err
	}
	if status == 1 {
		return true, 0, nil
	}
	return false, int(extra), nil
}

func parsePair(val interface{}) (int64, int64, error) {
	slice, ok := val.([]interface{})
	if !ok || len(slice) != 2 {
		return 0, 0, fmt.Errorf("unexpected script result: %v", val)
	}

	out := [2]int64{}
	for i, v := range slice {
		n, ok := v.(int64)
		if !ok {
			return 0, 0, fmt.Errorf("unexpected script result element %d: %T", i, v)
		}
		out[i] = n
	}
	return out[0], out[1], nil
}
