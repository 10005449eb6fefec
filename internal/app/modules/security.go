package modules

import (
	"context"
	"time"

	"github.com/riverqueue/river"

	"ledgerwatch.io/ledgerwatch/internal/api/handlers"
	"ledgerwatch.io/ledgerwatch/internal/api/middleware"
	"ledgerwatch.io/ledgerwatch/internal/jobs"
	"ledgerwatch.io/ledgerwatch/internal/ratelimit"
)

const (
	rateLimitKeyPrefix = "ledgerwatch:ratelimit:"
	sweepInterval      = time.Minute
)

// SecurityModule wires request authentication and rate limiting. It
// contributes middleware to the router instead of handler deps.
type SecurityModule struct {
	infra   *Infrastructure
	limiter *ratelimit.Limiter
	memory  *ratelimit.MemoryStore
	jwt     middleware.JWTConfig
}

// NewSecurityModule creates the security module. Limiter state lives in
// Redis when configured so that every instance shares one budget.
func NewSecurityModule(infra *Infrastructure) *SecurityModule {
	cfg := infra.Config
	m := &SecurityModule{
		infra: infra,
		jwt: middleware.JWTConfig{
			SigningKey: []byte(cfg.Security.JWTSigningKey),
			Issuer:     cfg.Security.JWTIssuer,
		},
	}

	var store ratelimit.Store
	if infra.Redis != nil {
		store = ratelimit.NewRedisStore(infra.Redis, rateLimitKeyPrefix)
	} else {
		m.memory = ratelimit.NewMemoryStore()
		store = m.memory
	}
	rules, abuse := ratelimit.RulesFromConfig(cfg.RateLimit)
	m.limiter = ratelimit.NewLimiter(store, rules, abuse, ratelimit.WithAudit(infra.Audit))
	return m
}

func (m *SecurityModule) Name() string { return "security" }

// Limiter returns the shared limiter.
func (m *SecurityModule) Limiter() *ratelimit.Limiter { return m.limiter }

// JWT returns the token settings.
func (m *SecurityModule) JWT() middleware.JWTConfig { return m.jwt }

func (m *SecurityModule) ContributeServerDeps(*handlers.ServerDeps) {}

func (m *SecurityModule) RegisterWorkers(*river.Workers) {}

func (m *SecurityModule) PeriodicTasks() []jobs.Periodic { return nil }

// Start evicts expired in-memory counters until ctx is done.
func (m *SecurityModule) Start(ctx context.Context) error {
	if m.memory != nil {
		go m.memory.RunSweeper(ctx, sweepInterval)
	}
	return nil
}

func (m *SecurityModule) Shutdown(context.Context) error { return nil }
