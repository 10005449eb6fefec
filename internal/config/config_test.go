package config

import (
	"reflect"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("SERVER_PORT", "")
	t.Setenv("DATABASE_URL", "")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	require.True(t, cfg.Server.AllowCredentials)
	require.False(t, cfg.Server.UnsafeAllowAllOrigins)

	require.Equal(t, "localhost", cfg.Database.Host)
	require.False(t, cfg.Database.InMemory)
	require.Equal(t, "info", cfg.Log.Level)
	require.Equal(t, "json", cfg.Log.Format)
	require.Equal(t, 2, cfg.River.ReconciliationWorkers)

	require.Equal(t, 5, cfg.Processor.MaxAttempts)
	require.Equal(t, 2*time.Second, cfg.Processor.BackoffBase)
	require.Equal(t, 5*time.Minute, cfg.Processor.ProcessingTimeout)

	require.Equal(t, RateLimitRule{Window: time.Minute, Max: 5}, cfg.RateLimit.Reconciliation)
	require.Equal(t, RateLimitRule{Window: 15 * time.Minute, Max: 2}, cfg.RateLimit.Premium)
	require.Equal(t, 900, cfg.RateLimit.Webhook.BurstMax)
	require.Equal(t, time.Hour, cfg.RateLimit.Abuse.Lockout)

	require.Equal(t, "0.01", cfg.Reconciliation.Tolerance)
	require.False(t, cfg.Redis.Enabled())
	require.Len(t, cfg.Security.JWTSigningKey, 64)
}

func TestLoad_EnvOverrides(t *testing.T) {
	tests := []struct {
		name  string
		env   map[string]string
		check func(t *testing.T, cfg *Config)
	}{
		{
			name: "database url",
			env:  map[string]string{"DATABASE_URL": "postgres://lw:pw@db:5432/ledgerwatch?sslmode=disable"},
			check: func(t *testing.T, cfg *Config) {
				require.Equal(t, "postgres://lw:pw@db:5432/ledgerwatch?sslmode=disable", cfg.Database.DSN())
			},
		},
		{
			name: "processor retry budget",
			env:  map[string]string{"PROCESSOR_MAX_ATTEMPTS": "3", "PROCESSOR_BACKOFF_BASE": "250ms"},
			check: func(t *testing.T, cfg *Config) {
				require.Equal(t, 3, cfg.Processor.MaxAttempts)
				require.Equal(t, 250*time.Millisecond, cfg.Processor.BackoffBase)
			},
		},
		{
			name: "premium limit",
			env:  map[string]string{"RATELIMIT_PREMIUM_MAX": "4", "RATELIMIT_PREMIUM_WINDOW": "1h"},
			check: func(t *testing.T, cfg *Config) {
				require.Equal(t, RateLimitRule{Window: time.Hour, Max: 4}, cfg.RateLimit.Premium)
			},
		},
		{
			name: "cors",
			env: map[string]string{
				"SERVER_ALLOWED_ORIGINS":          "https://ops.example.com",
				"SERVER_ALLOW_CREDENTIALS":        "false",
				"SERVER_UNSAFE_ALLOW_ALL_ORIGINS": "true",
			},
			check: func(t *testing.T, cfg *Config) {
				require.Equal(t, []string{"https://ops.example.com"}, cfg.Server.AllowedOrigins)
				require.False(t, cfg.Server.AllowCredentials)
				require.True(t, cfg.Server.UnsafeAllowAllOrigins)
			},
		},
		{
			name: "secrets",
			env: map[string]string{
				"WEBHOOK_SIGNING_SECRET":   "whsec_live",
				"SECURITY_JWT_SIGNING_KEY": testSigningKey,
				"REDIS_PASSWORD":           "redis-pw",
			},
			check: func(t *testing.T, cfg *Config) {
				require.Equal(t, "whsec_live", cfg.Webhook.SigningSecret)
				require.Equal(t, testSigningKey, cfg.Security.JWTSigningKey)
				require.Equal(t, "redis-pw", cfg.Redis.Password)
			},
		},
		{
			name: "collaborators",
			env: map[string]string{
				"COLLABORATORS_PAYMENTS_BASE_URL": "https://payments.internal",
				"COLLABORATORS_PAYMENTS_TOKEN":    "pay-token",
				"COLLABORATORS_BILLING_BASE_URL":  "https://billing.internal",
			},
			check: func(t *testing.T, cfg *Config) {
				require.Equal(t, "https://payments.internal", cfg.Collaborators.Payments.BaseURL)
				require.Equal(t, "pay-token", cfg.Collaborators.Payments.Token)
				require.Equal(t, "https://billing.internal", cfg.Collaborators.Billing.BaseURL)
				require.Equal(t, 20*time.Second, cfg.Collaborators.Billing.Timeout)
			},
		},
		{
			name: "lists and files",
			env: map[string]string{
				"SECURITY_RESOLVER_ROLES":     "finance,ops",
				"SERVER_TRUSTED_PROXIES":      "10.0.0.1",
				"ANALYTICS_METRICS_FILE":      "/etc/ledgerwatch/metrics.yaml",
				"ANALYTICS_RULES_FILE":        "/etc/ledgerwatch/rules.yaml",
				"RATELIMIT_PREMIUM_BURST_MAX": "3",
			},
			check: func(t *testing.T, cfg *Config) {
				require.Equal(t, []string{"finance", "ops"}, cfg.Security.ResolverRoles)
				require.Equal(t, []string{"10.0.0.1"}, cfg.Server.TrustedProxies)
				require.Equal(t, "/etc/ledgerwatch/metrics.yaml", cfg.Analytics.MetricsFile)
				require.Equal(t, "/etc/ledgerwatch/rules.yaml", cfg.Analytics.RulesFile)
				require.Equal(t, 3, cfg.RateLimit.Premium.BurstMax)
			},
		},
		{
			name:  "redis",
			env:   map[string]string{"REDIS_ADDR": "redis:6379"},
			check: func(t *testing.T, cfg *Config) { require.True(t, cfg.Redis.Enabled()) },
		},
		{
			name:  "in-memory mode",
			env:   map[string]string{"DATABASE_IN_MEMORY": "true"},
			check: func(t *testing.T, cfg *Config) { require.True(t, cfg.Database.InMemory) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg, err := Load()
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestLoad_RejectsInvalidSettings(t *testing.T) {
	t.Setenv("PROCESSOR_WORKERS", "0")
	t.Setenv("RATELIMIT_WEBHOOK_BURST_MAX", "10")

	_, err := Load()
	require.ErrorContains(t, err, "processor.workers must be positive")
	require.ErrorContains(t, err, "ratelimit.webhook.burst_max must be >= max")
}

func TestDatabaseConfig_DSN(t *testing.T) {
	base := DatabaseConfig{Host: "db", Port: 5432, User: "lw", Password: "secret", Database: "ledgerwatch"}

	withURL := base
	withURL.URL = "postgres://u:p@h:1/d"
	require.Equal(t, "postgres://u:p@h:1/d", withURL.DSN())

	require.Equal(t, "postgres://lw:secret@db:5432/ledgerwatch?sslmode=disable", base.DSN())

	tls := base
	tls.SSLMode = "require"
	require.Equal(t, "postgres://lw:secret@db:5432/ledgerwatch?sslmode=require", tls.DSN())
}

// Env overrides only reach keys viper knows, so every field needs a default.
func TestSetDefaults_CoversEveryKey(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	keys := configKeys(reflect.TypeOf(Config{}), "")
	require.NotEmpty(t, keys)
	for _, key := range keys {
		require.True(t, v.IsSet(key), "no default for %s", key)
	}
}

func configKeys(typ reflect.Type, prefix string) []string {
	var keys []string
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		if f.Type.Kind() == reflect.Struct {
			keys = append(keys, configKeys(f.Type, key)...)
			continue
		}
		keys = append(keys, key)
	}
	return keys
}
