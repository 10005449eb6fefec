// Package app is the composition root. Bootstrap stays orchestration-only;
// each module owns the wiring of its area.
package app

import (
	"context"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/gin-gonic/gin"
	"github.com/riverqueue/river"

	"ledgerwatch.io/ledgerwatch/internal/api/handlers"
	"ledgerwatch.io/ledgerwatch/internal/api/openapi"
	"ledgerwatch.io/ledgerwatch/internal/app/modules"
	"ledgerwatch.io/ledgerwatch/internal/config"
	"ledgerwatch.io/ledgerwatch/internal/jobs"
)

// Application holds composed application dependencies.
type Application struct {
	Config  *config.Config
	Router  *gin.Engine
	Infra   *modules.Infrastructure
	Modules []modules.Module

	// tasks run on local tickers when River is unavailable.
	tasks  []jobs.Periodic
	cancel context.CancelFunc
}

// Bootstrap initializes all dependencies using module-oriented manual DI.
func Bootstrap(ctx context.Context, cfg *config.Config) (*Application, error) {
	infra, err := modules.NewInfrastructure(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init infrastructure: %w", err)
	}

	ingest := modules.NewIngestModule(infra)
	analytics, err := modules.NewAnalyticsModule(infra, ingest)
	if err != nil {
		infra.Close()
		return nil, fmt.Errorf("init analytics module: %w", err)
	}
	recon, err := modules.NewReconciliationModule(infra)
	if err != nil {
		infra.Close()
		return nil, fmt.Errorf("init reconciliation module: %w", err)
	}
	security := modules.NewSecurityModule(infra)

	allModules := []modules.Module{ingest, analytics, recon, security}

	workers := river.NewWorkers()
	var tasks []jobs.Periodic
	for _, mod := range allModules {
		mod.RegisterWorkers(workers)
		tasks = append(tasks, mod.PeriodicTasks()...)
	}
	if err := infra.InitRiver(workers, jobs.PeriodicJobs(tasks)); err != nil {
		infra.Close()
		return nil, fmt.Errorf("init river workers: %w", err)
	}
	recon.AttachRiver(infra.RiverClient())

	var contract *openapi3.T
	if cfg.Server.ValidateRequests {
		if contract, err = openapi.Load(); err != nil {
			infra.Close()
			return nil, fmt.Errorf("load api contract: %w", err)
		}
	}

	serverDeps, err := modules.NewServerDeps(cfg, infra, allModules)
	if err != nil {
		infra.Close()
		return nil, fmt.Errorf("wire server deps: %w", err)
	}
	server := handlers.NewServer(serverDeps)

	return &Application{
		Config: cfg,
		Router: newRouter(cfg, server, routerDeps{
			JWT:      security.JWT(),
			Limiter:  security.Limiter(),
			Contract: contract,
		}),
		Infra:   infra,
		Modules: allModules,
		tasks:   tasks,
	}, nil
}
