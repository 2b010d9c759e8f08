// Package quota implements the windowed counter store behind the rate limit
// evaluator.
//
// Counters live in a cache backend (Redis in production, memory in tests and
// single-process development). All coordination relies on the backend's
// atomic primitives; there are no distributed locks.
package quota

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Backend is the cache contract the quota store and stats buckets need.
//
// Implementations must be safe for concurrent use.
type Backend interface {
	// Incr atomically increments key and returns the new value. The first
	// increment of a key (or one found without expiry) sets its TTL.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// HIncrBy atomically adds each delta to the hash fields of key and
	// refreshes the hash TTL.
	HIncrBy(ctx context.Context, key string, deltas map[string]int64, ttl time.Duration) error

	// HGetAll returns every integer field of the hash at key.
	// A missing key yields an empty map.
	HGetAll(ctx context.Context, key string) (map[string]int64, error)
}

// incrScript increments and arms the TTL in one atomic server-side step.
// The PTTL probe also repairs keys that lost their expiry.
var incrScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 or redis.call('PTTL', KEYS[1]) < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return count
`)

// RedisBackend stores counters in Redis.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisBackend wraps an existing client. prefix namespaces every key
// (e.g. "rl:").
func NewRedisBackend(client redis.UniversalClient, prefix string) *RedisBackend {
	return &RedisBackend{client: client, prefix: prefix}
}

// Incr runs the increment script for key.
func (b *RedisBackend) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := incrScript.Run(ctx, b.client, []string{b.prefix + key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return count, nil
}

// HIncrBy applies all deltas and the TTL inside one MULTI/EXEC.
func (b *RedisBackend) HIncrBy(ctx context.Context, key string, deltas map[string]int64, ttl time.Duration) error {
	if len(deltas) == 0 {
		return nil
	}
	full := b.prefix + key
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for field, delta := range deltas {
			pipe.HIncrBy(ctx, full, field, delta)
		}
		pipe.PExpire(ctx, full, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("hincrby %s: %w", key, err)
	}
	return nil
}

// HGetAll reads the hash and parses every value as an integer.
func (b *RedisBackend) HGetAll(ctx context.Context, key string) (map[string]int64, error) {
	raw, err := b.client.HGetAll(ctx, b.prefix+key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", key, err)
	}
	out := make(map[string]int64, len(raw))
	for field, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("hgetall %s: field %s: %w", key, field, err)
		}
		out[field] = n
	}
	return out, nil
}

var (
	_ Backend = (*RedisBackend)(nil)
	_ Backend = (*MemoryBackend)(nil)
)
