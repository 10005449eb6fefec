// Package ratelimit implements fixed-window request budgets per identity
// and endpoint class, with a one-off burst allowance and escalation of
// repeat offenders to a temporary lockout.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"ledgerwatch.io/ledgerwatch/internal/config"
	"ledgerwatch.io/ledgerwatch/internal/governance/audit"
	"ledgerwatch.io/ledgerwatch/internal/pkg/logger"
	"ledgerwatch.io/ledgerwatch/internal/pkg/telemetry"
)

// Endpoint classes.
const (
	EndpointWebhook        = "webhook"
	EndpointReconciliation = "reconciliation"
	EndpointPremium        = "premium"
	EndpointAnalytics      = "analytics"
)

// Violation kinds recorded to the audit sink.
const (
	KindLimit   = "limit"
	KindLockout = "lockout"
)

// Rule is the budget of one endpoint class.
type Rule struct {
	Window time.Duration
	Max    int
	// BurstMax, when above Max, lets a key exceed Max up to BurstMax in
	// one window per cool-down of two windows.
	BurstMax int
}

// Abuse controls escalation to lockout.
type Abuse struct {
	Window        time.Duration
	MinEndpoints  int
	MinViolations int
	Lockout       time.Duration
}

// Result is the outcome of one check.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
	Burst      bool
	Locked     bool
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, at least one.
func (r Result) RetryAfterSeconds() int {
	s := int((r.RetryAfter + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

// Limiter checks requests against per-endpoint rules.
type Limiter struct {
	store Store
	rules map[string]Rule
	abuse Abuse
	audit audit.Recorder
	now   func() time.Time
	log   *zap.Logger
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithAudit records every violation.
func WithAudit(r audit.Recorder) Option {
	return func(l *Limiter) { l.audit = r }
}

// NewLimiter creates a Limiter. A zero Abuse disables lockouts.
func NewLimiter(store Store, rules map[string]Rule, abuse Abuse, opts ...Option) *Limiter {
	if abuse.Lockout <= 0 {
		abuse.Lockout = time.Hour
	}
	l := &Limiter{
		store: store,
		rules: rules,
		abuse: abuse,
		now:   time.Now,
		log:   logger.Named("ratelimit"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RulesFromConfig maps the configured budgets to endpoint classes.
func RulesFromConfig(c config.RateLimitConfig) (map[string]Rule, Abuse) {
	conv := func(r config.RateLimitRule) Rule {
		return Rule{Window: r.Window, Max: r.Max, BurstMax: r.BurstMax}
	}
	rules := map[string]Rule{
		EndpointWebhook:        conv(c.Webhook),
		EndpointReconciliation: conv(c.Reconciliation),
		EndpointPremium:        conv(c.Premium),
		EndpointAnalytics:      conv(c.Analytics),
	}
	abuse := Abuse{
		Window:        c.Abuse.Window,
		MinEndpoints:  c.Abuse.MinEndpoints,
		MinViolations: c.Abuse.MinViolations,
		Lockout:       c.Abuse.Lockout,
	}
	return rules, abuse
}

// Rule returns the budget of an endpoint class.
func (l *Limiter) Rule(endpoint string) (Rule, bool) {
	r, ok := l.rules[endpoint]
	return r, ok
}

// Allow checks one request of identity against the rule of endpoint.
func (l *Limiter) Allow(ctx context.Context, identity, endpoint string) (Result, error) {
	rule, ok := l.rules[endpoint]
	if !ok {
		return Result{}, fmt.Errorf("no rate limit rule for endpoint %q", endpoint)
	}
	return l.Check(ctx, identity, endpoint, rule)
}

// Check counts one request of identity against rule.
func (l *Limiter) Check(ctx context.Context, identity, endpoint string, rule Rule) (Result, error) {
	if rule.Window <= 0 || rule.Max <= 0 {
		return Result{}, fmt.Errorf("invalid rate limit rule for %q", endpoint)
	}
	now := l.now()
	windowStart := now.Truncate(rule.Window)
	res := Result{
		Limit:   rule.Max,
		ResetAt: windowStart.Add(rule.Window),
	}

	locked, err := l.store.TTL(ctx, lockKey(identity))
	if err != nil {
		return Result{}, err
	}
	if locked > 0 {
		res.Locked = true
		res.RetryAfter = locked
		res.ResetAt = now.Add(locked)
		l.violation(ctx, identity, endpoint, KindLockout, now)
		return res, nil
	}

	key := counterKey(identity, endpoint, windowStart)
	count, err := l.store.Incr(ctx, key, rule.Window)
	if err != nil {
		return Result{}, err
	}

	if count <= int64(rule.Max) {
		res.Allowed = true
		res.Remaining = rule.Max - int(count)
		return res, nil
	}

	if rule.BurstMax > rule.Max && count <= int64(rule.BurstMax) {
		tag := strconv.FormatInt(windowStart.Unix(), 10)
		held, err := l.store.Claim(ctx, burstKey(identity, endpoint), tag, 2*rule.Window)
		if err != nil {
			return Result{}, err
		}
		if held == tag {
			res.Allowed = true
			res.Burst = true
			return res, nil
		}
	}

	res.RetryAfter = res.ResetAt.Sub(now)
	if lockout := l.violation(ctx, identity, endpoint, KindLimit, now); lockout {
		res.Locked = true
		res.RetryAfter = l.abuse.Lockout
		res.ResetAt = now.Add(l.abuse.Lockout)
	}
	return res, nil
}

// violation records a denied request and reports whether it escalated
// the identity to lockout. Store errors here never change the decision.
func (l *Limiter) violation(ctx context.Context, identity, endpoint, kind string, at time.Time) bool {
	key := identity + ":" + endpoint
	telemetry.RateLimitDenials.WithLabelValues(endpoint, kind).Inc()
	audit.Safe(ctx, l.audit, audit.ActionRateLimitExceeded, "ratelimit", key, identity, map[string]interface{}{
		"key":      key,
		"identity": identity,
		"endpoint": endpoint,
		"kind":     kind,
		"at":       at.UTC().Format(time.RFC3339Nano),
	})
	l.log.Info("Rate limit violation",
		zap.String("key", key), zap.String("endpoint", endpoint), zap.String("kind", kind))

	if kind != KindLimit || l.abuse.MinEndpoints <= 0 || l.abuse.Window <= 0 {
		return false
	}
	endpoints, err := l.store.AddMember(ctx, violationSetKey(identity), endpoint, l.abuse.Window)
	if err != nil {
		l.log.Warn("Abuse tracking failed", zap.String("identity", identity), zap.Error(err))
		return false
	}
	violations, err := l.store.Incr(ctx, violationCountKey(identity), l.abuse.Window)
	if err != nil {
		l.log.Warn("Abuse tracking failed", zap.String("identity", identity), zap.Error(err))
		return false
	}
	if endpoints < int64(l.abuse.MinEndpoints) || violations < int64(l.abuse.MinViolations) {
		return false
	}

	if _, err := l.store.Claim(ctx, lockKey(identity), at.UTC().Format(time.RFC3339), l.abuse.Lockout); err != nil {
		l.log.Warn("Lockout not stored", zap.String("identity", identity), zap.Error(err))
		return false
	}
	audit.Safe(ctx, l.audit, audit.ActionRateLimitLockout, "ratelimit", identity, identity, map[string]interface{}{
		"identity":   identity,
		"endpoints":  endpoints,
		"violations": violations,
		"lockout":    l.abuse.Lockout.String(),
	})
	l.log.Warn("Identity locked out",
		zap.String("identity", identity),
		zap.Int64("endpoints", endpoints),
		zap.Int64("violations", violations),
		zap.Duration("lockout", l.abuse.Lockout))
	return true
}

func counterKey(identity, endpoint string, windowStart time.Time) string {
	return fmt.Sprintf("count:%s:%s:%d", identity, endpoint, windowStart.Unix())
}

func burstKey(identity, endpoint string) string {
	return "burst:" + identity + ":" + endpoint
}

func lockKey(identity string) string {
	return "lock:" + identity
}

func violationSetKey(identity string) string {
	return "violations:endpoints:" + identity
}

func violationCountKey(identity string) string {
	return "violations:count:" + identity
}
