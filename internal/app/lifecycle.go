package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"ledgerwatch.io/ledgerwatch/internal/jobs"
	"ledgerwatch.io/ledgerwatch/internal/pkg/logger"
)

// Start brings up the job runner, River when a database is configured and
// local tickers otherwise, then each module's loops.
func (a *Application) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if client := a.Infra.RiverClient(); client != nil {
		if err := client.Start(runCtx); err != nil {
			cancel()
			return fmt.Errorf("start river client: %w", err)
		}
		logger.Info("River client started, jobs will now be consumed")
	} else {
		jobs.RunLocal(runCtx, a.tasks)
		logger.Info("Periodic tasks running on local tickers", zap.Int("tasks", len(a.tasks)))
	}

	for _, mod := range a.Modules {
		if err := mod.Start(runCtx); err != nil {
			cancel()
			return fmt.Errorf("start module %s: %w", mod.Name(), err)
		}
	}
	return nil
}

// Shutdown stops the job runner and modules, then releases infrastructure.
// It is safe on a partially built Application.
func (a *Application) Shutdown() {
	shutdownCtx := context.Background()

	if a.cancel != nil {
		a.cancel()
	}

	if client := a.Infra.RiverClient(); client != nil {
		if err := client.Stop(shutdownCtx); err != nil {
			logger.Error("failed to stop river client", zap.Error(err))
		}
		logger.Info("River client stopped")
	}

	// Declaration order: ingest stops feeding observations before analytics flushes.
	for _, mod := range a.Modules {
		if mod == nil {
			continue
		}
		if err := mod.Shutdown(shutdownCtx); err != nil {
			logger.Warn("module shutdown returned error",
				zap.String("module", mod.Name()),
				zap.Error(err),
			)
		}
	}

	a.Infra.Close()
}
