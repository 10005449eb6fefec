package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"ledgerwatch.io/ledgerwatch/internal/testutil"
)

func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("IncrCounts", func(t *testing.T) {
		s := newStore(t)
		for want := int64(1); want <= 3; want++ {
			n, err := s.Incr(ctx, "count:k", time.Minute)
			require.NoError(t, err)
			require.Equal(t, want, n)
		}
		ttl, err := s.TTL(ctx, "count:k")
		require.NoError(t, err)
		require.Greater(t, ttl, time.Duration(0))
		require.LessOrEqual(t, ttl, time.Minute)
	})

	t.Run("ClaimKeepsFirstValue", func(t *testing.T) {
		s := newStore(t)
		v, err := s.Claim(ctx, "burst:k", "first", time.Minute)
		require.NoError(t, err)
		require.Equal(t, "first", v)
		v, err = s.Claim(ctx, "burst:k", "second", time.Minute)
		require.NoError(t, err)
		require.Equal(t, "first", v)
	})

	t.Run("TTLOfMissingKeyIsZero", func(t *testing.T) {
		s := newStore(t)
		ttl, err := s.TTL(ctx, "lock:nobody")
		require.NoError(t, err)
		require.Zero(t, ttl)
	})

	t.Run("AddMemberCountsDistinct", func(t *testing.T) {
		s := newStore(t)
		for _, m := range []string{"a", "b", "a"} {
			_, err := s.AddMember(ctx, "violations:k", m, time.Minute)
			require.NoError(t, err)
		}
		n, err := s.AddMember(ctx, "violations:k", "c", time.Minute)
		require.NoError(t, err)
		require.EqualValues(t, 3, n)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(*testing.T) Store { return NewMemoryStore() })
}

func TestMemoryStore_Expiry(t *testing.T) {
	clk := &clock{t: start}
	s := NewMemoryStore(WithMemoryClock(clk.Now))
	ctx := context.Background()

	_, err := s.Incr(ctx, "count:a", time.Minute)
	require.NoError(t, err)
	_, err = s.Claim(ctx, "lock:a", "x", time.Hour)
	require.NoError(t, err)
	require.Equal(t, 2, s.Len())

	clk.Set(start.Add(2 * time.Minute))
	n, err := s.Incr(ctx, "count:a", time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	clk.Set(start.Add(2 * time.Hour))
	require.Equal(t, 2, s.Sweep())
	require.Zero(t, s.Len())
}

func TestRedisStore(t *testing.T) {
	addr := testutil.RedisAddr(t)
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	runStoreContract(t, func(t *testing.T) Store {
		prefix := "test:" + uuid.NewString() + ":"
		t.Cleanup(func() {
			keys, _ := client.Keys(context.Background(), prefix+"*").Result()
			if len(keys) > 0 {
				_ = client.Del(context.Background(), keys...).Err()
			}
		})
		return NewRedisStore(client, prefix)
	})
}
