package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ledgerwatch.io/ledgerwatch/internal/config"
	"ledgerwatch.io/ledgerwatch/internal/governance/audit"
)

var start = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func newLimiter(rules map[string]Rule, abuse Abuse) (*Limiter, *clock, *audit.MemoryRecorder) {
	clk := &clock{t: start}
	rec := audit.NewMemoryRecorder()
	store := NewMemoryStore(WithMemoryClock(clk.Now))
	return NewLimiter(store, rules, abuse, WithClock(clk.Now), WithAudit(rec)), clk, rec
}

func TestLimiter_FixedWindow(t *testing.T) {
	l, clk, rec := newLimiter(map[string]Rule{"api": {Window: time.Minute, Max: 5}}, Abuse{})
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		res, err := l.Allow(ctx, "ip:10.0.0.1", "api")
		require.NoError(t, err)
		require.True(t, res.Allowed, "request %d", i)
		require.Equal(t, 5-i, res.Remaining)
		require.Equal(t, 5, res.Limit)
		require.Equal(t, start.Add(time.Minute), res.ResetAt)
	}

	clk.Set(start.Add(20 * time.Second))
	res, err := l.Allow(ctx, "ip:10.0.0.1", "api")
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Equal(t, 0, res.Remaining)
	require.Equal(t, 40*time.Second, res.RetryAfter)
	require.Equal(t, 40, res.RetryAfterSeconds())

	other, err := l.Allow(ctx, "ip:10.0.0.2", "api")
	require.NoError(t, err)
	require.True(t, other.Allowed)

	records := rec.ByAction(audit.ActionRateLimitExceeded)
	require.Len(t, records, 1)
	require.Equal(t, "ip:10.0.0.1:api", records[0].Details["key"])
	require.Equal(t, "api", records[0].Details["endpoint"])
	require.Equal(t, KindLimit, records[0].Details["kind"])

	clk.Set(start.Add(time.Minute))
	res, err = l.Allow(ctx, "ip:10.0.0.1", "api")
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Equal(t, 4, res.Remaining)
}

func TestLimiter_ConcurrentRequestsNeverOvershoot(t *testing.T) {
	l, _, _ := newLimiter(map[string]Rule{"api": {Window: time.Minute, Max: 10}}, Abuse{})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Allow(context.Background(), "user:u1", "api")
			if err != nil {
				t.Errorf("allow: %v", err)
				return
			}
			if res.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 10, allowed)
}

func TestLimiter_BurstOncePerCooldown(t *testing.T) {
	l, clk, _ := newLimiter(map[string]Rule{"api": {Window: time.Minute, Max: 2, BurstMax: 3}}, Abuse{})
	ctx := context.Background()
	allow := func() Result {
		res, err := l.Allow(ctx, "user:u1", "api")
		require.NoError(t, err)
		return res
	}

	clk.Set(start.Add(time.Second))
	require.True(t, allow().Allowed)
	require.True(t, allow().Allowed)
	burst := allow()
	require.True(t, burst.Allowed)
	require.True(t, burst.Burst)
	require.Equal(t, 0, burst.Remaining)
	require.False(t, allow().Allowed)

	// The burst flag outlives the next window.
	clk.Set(start.Add(time.Minute + time.Second))
	require.True(t, allow().Allowed)
	require.True(t, allow().Allowed)
	require.False(t, allow().Allowed)

	clk.Set(start.Add(2*time.Minute + 10*time.Second))
	require.True(t, allow().Allowed)
	require.True(t, allow().Allowed)
	require.True(t, allow().Burst)
}

func TestLimiter_AbuseEscalatesToLockout(t *testing.T) {
	rules := map[string]Rule{
		"a": {Window: time.Minute, Max: 1},
		"b": {Window: time.Minute, Max: 1},
		"c": {Window: time.Minute, Max: 100},
	}
	l, clk, rec := newLimiter(rules, Abuse{Window: 5 * time.Minute, MinEndpoints: 2, MinViolations: 3, Lockout: time.Hour})
	ctx := context.Background()
	allow := func(identity, endpoint string) Result {
		res, err := l.Allow(ctx, identity, endpoint)
		require.NoError(t, err)
		return res
	}

	require.True(t, allow("ip:1.2.3.4", "a").Allowed)
	require.False(t, allow("ip:1.2.3.4", "a").Locked)
	require.False(t, allow("ip:1.2.3.4", "a").Locked)
	require.True(t, allow("ip:1.2.3.4", "b").Allowed)

	escalated := allow("ip:1.2.3.4", "b")
	require.False(t, escalated.Allowed)
	require.True(t, escalated.Locked)
	require.Equal(t, time.Hour, escalated.RetryAfter)
	require.Len(t, rec.ByAction(audit.ActionRateLimitLockout), 1)

	// Locked out everywhere, even where budget remains.
	clk.Set(start.Add(10 * time.Minute))
	locked := allow("ip:1.2.3.4", "c")
	require.False(t, locked.Allowed)
	require.True(t, locked.Locked)
	require.Equal(t, 50*time.Minute, locked.RetryAfter)
	require.Equal(t, KindLockout, rec.ByAction(audit.ActionRateLimitExceeded)[3].Details["kind"])

	require.True(t, allow("ip:5.6.7.8", "c").Allowed)

	clk.Set(start.Add(61 * time.Minute))
	require.True(t, allow("ip:1.2.3.4", "c").Allowed)
}

func TestLimiter_RejectsUnknownEndpointAndBadRule(t *testing.T) {
	l, _, _ := newLimiter(map[string]Rule{}, Abuse{})
	_, err := l.Allow(context.Background(), "ip:1", "nope")
	require.Error(t, err)
	_, err = l.Check(context.Background(), "ip:1", "x", Rule{Window: time.Minute})
	require.Error(t, err)
}

func TestRulesFromConfig(t *testing.T) {
	rules, abuse := RulesFromConfig(config.RateLimitConfig{
		Premium: config.RateLimitRule{Window: 15 * time.Minute, Max: 2},
		Abuse:   config.AbuseConfig{Lockout: time.Hour, MinEndpoints: 3},
	})
	require.Equal(t, Rule{Window: 15 * time.Minute, Max: 2}, rules[EndpointPremium])
	require.Len(t, rules, 4)
	require.Equal(t, 3, abuse.MinEndpoints)
}
