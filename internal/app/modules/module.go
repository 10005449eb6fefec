// Package modules holds the composition-root modules. A module owns the
// stores, engines and workers of one area (ingest, analytics,
// reconciliation, security) and hands them to the HTTP server and the job
// runner through the Module hooks.
package modules

import (
	"context"

	"github.com/riverqueue/river"

	"ledgerwatch.io/ledgerwatch/internal/api/handlers"
	"ledgerwatch.io/ledgerwatch/internal/jobs"
)

// Module is one area of the application. Bootstrap calls every hook in
// module declaration order: deps, workers and periodic tasks while wiring,
// Start once the job runner is up, Shutdown on exit.
type Module interface {
	Name() string

	// ContributeServerDeps sets the handler deps this module owns.
	ContributeServerDeps(*handlers.ServerDeps)

	// RegisterWorkers adds River workers. Called in both runtime modes so
	// the registry is complete even when River is not started.
	RegisterWorkers(*river.Workers)

	PeriodicTasks() []jobs.Periodic

	// Start launches background loops that stop when ctx is done.
	Start(context.Context) error

	Shutdown(context.Context) error
}
