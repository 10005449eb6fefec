// Package config provides configuration management for ledgerwatch.
//
// Configuration is loaded from:
// 1. config.yaml file (optional)
// 2. Environment variables (DATABASE_URL, SERVER_PORT, PROCESSOR_WORKERS, ...)
// 3. Default values
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config is the root configuration structure.
type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Redis          RedisConfig          `mapstructure:"redis"`
	Log            LogConfig            `mapstructure:"log"`
	River          RiverConfig          `mapstructure:"river"`
	Security       SecurityConfig       `mapstructure:"security"`
	Worker         WorkerConfig         `mapstructure:"worker"`
	Processor      ProcessorConfig      `mapstructure:"processor"`
	Webhook        WebhookConfig        `mapstructure:"webhook"`
	RateLimit      RateLimitConfig      `mapstructure:"ratelimit"`
	Analytics      AnalyticsConfig      `mapstructure:"analytics"`
	Reconciliation ReconciliationConfig `mapstructure:"reconciliation"`
	Collaborators  CollaboratorsConfig  `mapstructure:"collaborators"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port                  int           `mapstructure:"port"`
	ReadTimeout           time.Duration `mapstructure:"read_timeout"`
	WriteTimeout          time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout       time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins        []string      `mapstructure:"allowed_origins"`
	AllowCredentials      bool          `mapstructure:"allow_credentials"`
	UnsafeAllowAllOrigins bool          `mapstructure:"unsafe_allow_all_origins"`
	ValidateRequests      bool          `mapstructure:"validate_requests"`
	TrustedProxies        []string      `mapstructure:"trusted_proxies"`
}

// DatabaseConfig contains PostgreSQL connection settings.
// One pgxpool is shared by the stores and River.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`

	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`

	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`

	AutoMigrate bool `mapstructure:"auto_migrate"`

	// InMemory keeps every store in process memory and skips PostgreSQL
	// and River entirely. State is lost on restart.
	InMemory bool `mapstructure:"in_memory"`
}

// DSN returns the PostgreSQL connection string.
// Priority: DATABASE_URL > constructed from individual fields.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslmode,
	)
}

// RedisConfig enables the shared rate-limit store. Empty Addr keeps
// rate-limit state in process memory.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Enabled reports whether a Redis address is configured.
func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// RiverConfig contains River queue settings.
type RiverConfig struct {
	MaxWorkers int `mapstructure:"max_workers"`
	// ReconciliationWorkers bounds concurrent reconciliation runs on their
	// own queue so long runs cannot starve maintenance jobs.
	ReconciliationWorkers       int           `mapstructure:"reconciliation_workers"`
	CompletedJobRetentionPeriod time.Duration `mapstructure:"completed_job_retention_period"`
}

// SecurityConfig contains security-related settings.
type SecurityConfig struct {
	JWTSigningKey string `mapstructure:"jwt_signing_key"`
	JWTIssuer     string `mapstructure:"jwt_issuer"`
	// ResolverRoles, when set, restricts the resolve endpoints to
	// authenticated callers holding one of these roles.
	ResolverRoles []string `mapstructure:"resolver_roles"`
}

// WorkerConfig contains worker pool settings.
type WorkerConfig struct {
	GeneralPoolSize int `mapstructure:"general_pool_size"`
}

// ProcessorConfig controls the queue processor state machine.
type ProcessorConfig struct {
	Workers           int           `mapstructure:"workers"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	HandlerTimeout    time.Duration `mapstructure:"handler_timeout"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	BackoffJitter     float64       `mapstructure:"backoff_jitter"`
	ProcessingTimeout time.Duration `mapstructure:"processing_timeout"`
	ReaperInterval    time.Duration `mapstructure:"reaper_interval"`
}

// WebhookConfig controls inbound webhook validation.
type WebhookConfig struct {
	SigningSecret   string        `mapstructure:"signing_secret"`
	TimestampSkew   time.Duration `mapstructure:"timestamp_skew"`
	MaxPayloadBytes int64         `mapstructure:"max_payload_bytes"`
}

// RateLimitRule is a per endpoint-class budget.
type RateLimitRule struct {
	Window   time.Duration `mapstructure:"window"`
	Max      int           `mapstructure:"max"`
	BurstMax int           `mapstructure:"burst_max"`
}

// AbuseConfig controls escalation to a temporary lockout.
type AbuseConfig struct {
	Window        time.Duration `mapstructure:"window"`
	MinEndpoints  int           `mapstructure:"min_endpoints"`
	MinViolations int           `mapstructure:"min_violations"`
	Lockout       time.Duration `mapstructure:"lockout"`
}

// RateLimitConfig contains limiter budgets per endpoint class.
type RateLimitConfig struct {
	Webhook        RateLimitRule `mapstructure:"webhook"`
	Reconciliation RateLimitRule `mapstructure:"reconciliation"`
	Premium        RateLimitRule `mapstructure:"premium"`
	Analytics      RateLimitRule `mapstructure:"analytics"`
	Abuse          AbuseConfig   `mapstructure:"abuse"`
}

// AnalyticsConfig controls metric aggregation and anomaly detection.
type AnalyticsConfig struct {
	MetricsFile      string        `mapstructure:"metrics_file"`
	RulesFile        string        `mapstructure:"rules_file"`
	WatchFiles       bool          `mapstructure:"watch_files"`
	RollupInterval   time.Duration `mapstructure:"rollup_interval"`
	AnomalyInterval  time.Duration `mapstructure:"anomaly_interval"`
	EvidenceLimit    int           `mapstructure:"evidence_limit"`
	ResolveAfter     int           `mapstructure:"resolve_after_cycles"`
	SummaryWindowMin int           `mapstructure:"summary_window_minutes"`
}

// ReconciliationConfig controls reconciliation runs.
type ReconciliationConfig struct {
	Tolerance     string        `mapstructure:"tolerance"`
	FetchTimeout  time.Duration `mapstructure:"fetch_timeout"`
	StaleAfter    time.Duration `mapstructure:"stale_after"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// CollaboratorConfig points at a JSON-over-HTTP collaborator.
type CollaboratorConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// CollaboratorsConfig holds the payment and billing collaborators.
type CollaboratorsConfig struct {
	Payments CollaboratorConfig `mapstructure:"payments"`
	Billing  CollaboratorConfig `mapstructure:"billing"`
}

var (
	bootstrapLoggerOnce sync.Once
	bootstrapLogger     *zap.Logger
)

// Load reads configuration from file and environment variables.
// Nested keys map to env names with underscores: processor.max_attempts → PROCESSOR_MAX_ATTEMPTS.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/ledgerwatch")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.ensureSecrets(); err != nil {
		return nil, fmt.Errorf("ensure secrets: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate reports every setting the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Security.JWTSigningKey) < 32 {
		errs = append(errs, errors.New("security.jwt_signing_key must be at least 32 characters"))
	}
	if c.Processor.Workers <= 0 {
		errs = append(errs, errors.New("processor.workers must be positive"))
	}
	if c.Processor.MaxAttempts <= 0 {
		errs = append(errs, errors.New("processor.max_attempts must be positive"))
	}
	if c.Processor.BackoffMultiplier < 1 {
		errs = append(errs, errors.New("processor.backoff_multiplier must be >= 1"))
	}

	rules := []struct {
		name string
		rule RateLimitRule
	}{
		{"webhook", c.RateLimit.Webhook},
		{"reconciliation", c.RateLimit.Reconciliation},
		{"premium", c.RateLimit.Premium},
		{"analytics", c.RateLimit.Analytics},
	}
	for _, r := range rules {
		if r.rule.Max <= 0 || r.rule.Window <= 0 {
			errs = append(errs, fmt.Errorf("ratelimit.%s requires positive max and window", r.name))
		}
		if r.rule.BurstMax != 0 && r.rule.BurstMax < r.rule.Max {
			errs = append(errs, fmt.Errorf("ratelimit.%s.burst_max must be >= max", r.name))
		}
	}
	return errors.Join(errs...)
}

// ensureSecrets generates a JWT key on first boot if none is set. Tokens
// signed with a generated key do not survive a restart.
func (c *Config) ensureSecrets() error {
	if c.Security.JWTSigningKey == "" {
		key, err := generateSecureRandomHex(32)
		if err != nil {
			return fmt.Errorf("auto-generate jwt signing key: %w", err)
		}
		c.Security.JWTSigningKey = key
		logBootstrapWarn(
			"auto-generated jwt_signing_key; set SECURITY_JWT_SIGNING_KEY for persistence",
			zap.Int("length", len(key)),
		)
	}
	return nil
}

func logBootstrapWarn(msg string, fields ...zap.Field) {
	bootstrapLoggerOnce.Do(func() {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)

		l, err := cfg.Build()
		if err != nil {
			bootstrapLogger = zap.NewNop()
			return
		}
		bootstrapLogger = l
	})

	bootstrapLogger.Warn(msg, fields...)
}

// generateSecureRandomHex produces a hex-encoded string of n random bytes.
func generateSecureRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("crypto/rand: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000", "http://127.0.0.1:3000"})
	v.SetDefault("server.allow_credentials", true)
	v.SetDefault("server.unsafe_allow_all_origins", false)
	v.SetDefault("server.validate_requests", true)
	v.SetDefault("server.trusted_proxies", []string{})

	// Database. Every key needs a default: AutomaticEnv only overrides
	// keys viper already knows.
	v.SetDefault("database.url", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "ledgerwatch")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "ledgerwatch")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 30)
	v.SetDefault("database.min_conns", 4)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "10m")
	v.SetDefault("database.auto_migrate", false)
	v.SetDefault("database.in_memory", false)

	// Redis (optional)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// River
	v.SetDefault("river.max_workers", 10)
	v.SetDefault("river.reconciliation_workers", 2)
	v.SetDefault("river.completed_job_retention_period", "24h")

	// Security
	v.SetDefault("security.jwt_signing_key", "")
	v.SetDefault("security.jwt_issuer", "ledgerwatch")
	v.SetDefault("security.resolver_roles", []string{})

	// Worker pools
	v.SetDefault("worker.general_pool_size", 64)

	// Queue processor
	v.SetDefault("processor.workers", 8)
	v.SetDefault("processor.poll_interval", "500ms")
	v.SetDefault("processor.handler_timeout", "30s")
	v.SetDefault("processor.max_attempts", 5)
	v.SetDefault("processor.backoff_base", "2s")
	v.SetDefault("processor.backoff_max", "5m")
	v.SetDefault("processor.backoff_multiplier", 2.0)
	v.SetDefault("processor.backoff_jitter", 0.1)
	v.SetDefault("processor.processing_timeout", "5m")
	v.SetDefault("processor.reaper_interval", "1m")

	// Webhook
	v.SetDefault("webhook.signing_secret", "")
	v.SetDefault("webhook.timestamp_skew", "5m")
	v.SetDefault("webhook.max_payload_bytes", 1<<20)

	// Rate limits
	v.SetDefault("ratelimit.webhook.window", "1m")
	v.SetDefault("ratelimit.webhook.max", 600)
	v.SetDefault("ratelimit.webhook.burst_max", 900)
	v.SetDefault("ratelimit.reconciliation.window", "1m")
	v.SetDefault("ratelimit.reconciliation.max", 5)
	v.SetDefault("ratelimit.reconciliation.burst_max", 0)
	v.SetDefault("ratelimit.premium.window", "15m")
	v.SetDefault("ratelimit.premium.max", 2)
	v.SetDefault("ratelimit.premium.burst_max", 0)
	v.SetDefault("ratelimit.analytics.window", "1m")
	v.SetDefault("ratelimit.analytics.max", 120)
	v.SetDefault("ratelimit.analytics.burst_max", 0)
	v.SetDefault("ratelimit.abuse.window", "5m")
	v.SetDefault("ratelimit.abuse.min_endpoints", 3)
	v.SetDefault("ratelimit.abuse.min_violations", 5)
	v.SetDefault("ratelimit.abuse.lockout", "1h")

	// Analytics
	v.SetDefault("analytics.metrics_file", "")
	v.SetDefault("analytics.rules_file", "")
	v.SetDefault("analytics.watch_files", true)
	v.SetDefault("analytics.rollup_interval", "1m")
	v.SetDefault("analytics.anomaly_interval", "1m")
	v.SetDefault("analytics.evidence_limit", 10)
	v.SetDefault("analytics.resolve_after_cycles", 3)
	v.SetDefault("analytics.summary_window_minutes", 60)

	// Reconciliation
	v.SetDefault("reconciliation.tolerance", "0.01")
	v.SetDefault("reconciliation.fetch_timeout", "2m")
	v.SetDefault("reconciliation.stale_after", "30m")
	v.SetDefault("reconciliation.sweep_interval", "5m")

	// Collaborators
	for _, c := range []string{"payments", "billing"} {
		v.SetDefault("collaborators."+c+".base_url", "")
		v.SetDefault("collaborators."+c+".token", "")
		v.SetDefault("collaborators."+c+".timeout", "20s")
	}
}
