package modules

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"

	"ledgerwatch.io/ledgerwatch/internal/api/handlers"
	"ledgerwatch.io/ledgerwatch/internal/config"
	"ledgerwatch.io/ledgerwatch/internal/governance/audit"
	"ledgerwatch.io/ledgerwatch/internal/infrastructure"
	"ledgerwatch.io/ledgerwatch/internal/pkg/logger"
	"ledgerwatch.io/ledgerwatch/internal/pkg/worker"
)

// Infrastructure holds shared cross-cutting dependencies for all modules.
// It is a provider, not a Module.
type Infrastructure struct {
	Config *config.Config
	// DB is nil when the service runs in memory.
	DB    *infrastructure.DatabaseClients
	Pool  *pgxpool.Pool
	Redis *redis.Client
	Pools *worker.Pools
	Audit audit.Recorder
}

// NewInfrastructure initializes DB/pools and shared services.
func NewInfrastructure(ctx context.Context, cfg *config.Config) (*Infrastructure, error) {
	infra := &Infrastructure{Config: cfg}

	if cfg.Database.InMemory {
		logger.Warn("Running with in-memory stores; state is lost on restart")
		infra.Audit = audit.NewMemoryRecorder()
	} else {
		db, err := infrastructure.NewDatabaseClients(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("init database: %w", err)
		}
		// Dev-mode: create application tables + River queue tables.
		if cfg.Database.AutoMigrate {
			if err := db.AutoMigrate(ctx); err != nil {
				db.Close()
				return nil, fmt.Errorf("auto-migrate: %w", err)
			}
		}
		infra.DB = db
		infra.Pool = db.Pool
		infra.Audit = audit.NewLogger(db.Pool)
	}

	pools, err := worker.NewPools(ctx, worker.PoolConfig{
		GeneralPoolSize: cfg.Worker.GeneralPoolSize,
		EventPoolSize:   cfg.Processor.Workers,
	})
	if err != nil {
		infra.Close()
		return nil, fmt.Errorf("init worker pools: %w", err)
	}
	infra.Pools = pools

	if cfg.Redis.Enabled() {
		client, err := infrastructure.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			infra.Close()
			return nil, fmt.Errorf("init redis: %w", err)
		}
		infra.Redis = client
	}

	return infra, nil
}

// InMemory reports whether the stores live in process memory.
func (i *Infrastructure) InMemory() bool {
	return i.DB == nil
}

// RiverClient returns the River client, nil before InitRiver or in memory.
func (i *Infrastructure) RiverClient() *river.Client[pgx.Tx] {
	if i == nil || i.DB == nil {
		return nil
	}
	return i.DB.RiverClient
}

// InitRiver initializes River client on top of a prepared worker registry.
// It is a no-op in memory.
func (i *Infrastructure) InitRiver(workers *river.Workers, periodic []*river.PeriodicJob) error {
	if i == nil || i.Config == nil {
		return fmt.Errorf("infrastructure is not initialized")
	}
	if i.DB == nil {
		return nil
	}
	if err := i.DB.InitRiverClient(workers, periodic, i.Config.River); err != nil {
		return fmt.Errorf("init river: %w", err)
	}
	return nil
}

// HealthChecks returns the readiness probes of the shared dependencies.
func (i *Infrastructure) HealthChecks() map[string]handlers.HealthCheck {
	checks := make(map[string]handlers.HealthCheck)
	if i.Pool != nil {
		checks["database"] = i.Pool.Ping
	}
	if i.Redis != nil {
		client := i.Redis
		checks["redis"] = func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}
	}
	return checks
}

// Close releases infra resources in reverse dependency order.
func (i *Infrastructure) Close() {
	if i == nil {
		return
	}
	if i.Redis != nil {
		_ = i.Redis.Close()
	}
	if i.Pools != nil {
		i.Pools.Shutdown()
	}
	if i.DB != nil {
		i.DB.Close()
	}
}
