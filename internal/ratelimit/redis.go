package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var incrScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

var claimScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
  return cur
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return ARGV[1]
`)

var addMemberScript = redis.NewScript(`
redis.call('SADD', KEYS[1], ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return redis.call('SCARD', KEYS[1])
`)

// RedisStore shares limiter state across instances. Each operation is a
// single Lua script, so counting stays atomic under concurrent callers.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a RedisStore. prefix namespaces every key.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

var _ Store = (*RedisStore)(nil)

func (r *RedisStore) key(k string) []string {
	return []string{r.prefix + k}
}

func millis(d time.Duration) int64 {
	ms := d.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return ms
}

func (r *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := incrScript.Run(ctx, r.client, r.key(key), millis(ttl)).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis incr %s: %w", key, err)
	}
	return n, nil
}

func (r *RedisStore) Claim(ctx context.Context, key, value string, ttl time.Duration) (string, error) {
	v, err := claimScript.Run(ctx, r.client, r.key(key), value, millis(ttl)).Text()
	if err != nil {
		return "", fmt.Errorf("redis claim %s: %w", key, err)
	}
	return v, nil
}

func (r *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := r.client.PTTL(ctx, r.prefix+key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis pttl %s: %w", key, err)
	}
	// Negative values mean missing key or no expiry.
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

func (r *RedisStore) AddMember(ctx context.Context, key, member string, ttl time.Duration) (int64, error) {
	n, err := addMemberScript.Run(ctx, r.client, r.key(key), member, millis(ttl)).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis add member %s: %w", key, err)
	}
	return n, nil
}
