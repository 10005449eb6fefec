// Package testutil holds helpers shared by package tests.
package testutil

import (
	"context"
	"os"
	"regexp"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"ledgerwatch.io/ledgerwatch/internal/infrastructure"
)

const maxIdentLen = 63

var unsafeIdent = regexp.MustCompile(`[^a-z0-9_]+`)

// OpenPGXPool returns a pool pinned to a fresh schema holding the ledgerwatch
// tables. The schema is dropped when the test ends. Without TEST_DATABASE_URL
// the test is skipped.
func OpenPGXPool(t *testing.T, name string) *pgxpool.Pool {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	admin, err := pgx.Connect(ctx, dsn)
	require.NoError(t, err, "connect admin")
	t.Cleanup(func() { _ = admin.Close(context.Background()) })

	schema := schemaName(name)
	ident := pgx.Identifier{schema}.Sanitize()
	_, err = admin.Exec(ctx, "CREATE SCHEMA "+ident)
	require.NoError(t, err, "create schema %s", schema)
	t.Cleanup(func() {
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA IF EXISTS "+ident+" CASCADE")
	})

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig(t, dsn, schema))
	require.NoError(t, err, "open pool")
	t.Cleanup(pool.Close)

	require.NoError(t, infrastructure.ApplySchema(ctx, pool), "apply schema")
	return pool
}

// RedisAddr returns TEST_REDIS_ADDR or skips the test.
func RedisAddr(t *testing.T) string {
	t.Helper()
	addr := strings.TrimSpace(os.Getenv("TEST_REDIS_ADDR"))
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	return addr
}

func poolConfig(t *testing.T, dsn, schema string) *pgxpool.Config {
	t.Helper()
	cfg, err := pgxpool.ParseConfig(dsn)
	require.NoError(t, err, "parse TEST_DATABASE_URL")
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	cfg.MaxConns = 4
	return cfg
}

// schemaName derives a unique lowercase identifier from name that fits the
// PostgreSQL identifier limit.
func schemaName(name string) string {
	base := strings.Trim(unsafeIdent.ReplaceAllString(strings.ToLower(name), "_"), "_")
	if base == "" {
		base = "test"
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")
	if room := maxIdentLen - len("lw__") - len(suffix); len(base) > room {
		base = base[:room]
	}
	return "lw_" + base + "_" + suffix
}
