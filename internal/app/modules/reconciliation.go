package modules

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"

	"ledgerwatch.io/ledgerwatch/internal/api/handlers"
	"ledgerwatch.io/ledgerwatch/internal/collaborator"
	"ledgerwatch.io/ledgerwatch/internal/config"
	"ledgerwatch.io/ledgerwatch/internal/jobs"
	"ledgerwatch.io/ledgerwatch/internal/pkg/logger"
	"ledgerwatch.io/ledgerwatch/internal/pkg/worker"
	"ledgerwatch.io/ledgerwatch/internal/reconciliation"
)

// ReconciliationModule wires the reconciliation engine, its collaborators
// and its River workers.
type ReconciliationModule struct {
	infra    *Infrastructure
	engine   *reconciliation.Engine
	launcher *jobs.RiverLauncher
}

// NewReconciliationModule creates the reconciliation module. With
// PostgreSQL, jobs are enqueued to River in the creating transaction;
// in memory they run on the general worker pool.
func NewReconciliationModule(infra *Infrastructure) (*ReconciliationModule, error) {
	cfg := infra.Config

	rcfg, err := reconciliation.ConfigFrom(cfg.Reconciliation)
	if err != nil {
		return nil, err
	}
	transfers, billing, err := newCollaborators(cfg.Collaborators)
	if err != nil {
		return nil, err
	}

	m := &ReconciliationModule{infra: infra}
	opts := []reconciliation.Option{reconciliation.WithAudit(infra.Audit)}

	var store reconciliation.Store
	if infra.InMemory() {
		store = reconciliation.NewMemoryStore()
		pools := infra.Pools
		opts = append(opts, reconciliation.WithDetached(func(task func(ctx context.Context)) error {
			return pools.SubmitDetached(worker.PoolGeneral, task)
		}))
	} else {
		store = reconciliation.NewPostgresStore(infra.Pool)
		m.launcher = &jobs.RiverLauncher{}
		opts = append(opts, reconciliation.WithLauncher(m.launcher))
	}

	m.engine = reconciliation.NewEngine(store, transfers, billing, rcfg, opts...)
	return m, nil
}

func newCollaborators(cfg config.CollaboratorsConfig) (collaborator.TransferSource, collaborator.BillingSource, error) {
	var (
		transfers collaborator.TransferSource
		billing   collaborator.BillingSource
	)
	if cfg.Payments.BaseURL != "" {
		src, err := collaborator.NewHTTPTransferSource(cfg.Payments, &http.Client{Timeout: cfg.Payments.Timeout})
		if err != nil {
			return nil, nil, fmt.Errorf("init payments collaborator: %w", err)
		}
		transfers = src
	} else {
		logger.Warn("collaborators.payments.base_url is empty; reconciling against an empty transfer list")
		transfers = collaborator.NewStaticTransfers()
	}
	if cfg.Billing.BaseURL != "" {
		src, err := collaborator.NewHTTPBillingSource(cfg.Billing, &http.Client{Timeout: cfg.Billing.Timeout})
		if err != nil {
			return nil, nil, fmt.Errorf("init billing collaborator: %w", err)
		}
		billing = src
	} else {
		logger.Warn("collaborators.billing.base_url is empty; reconciling against an empty billing list")
		billing = collaborator.NewStaticBilling()
	}
	return transfers, billing, nil
}

func (m *ReconciliationModule) Name() string { return "reconciliation" }

// AttachRiver hands the initialized River client to the launcher.
func (m *ReconciliationModule) AttachRiver(client *river.Client[pgx.Tx]) {
	if m.launcher == nil || client == nil {
		return
	}
	m.launcher.SetClient(client)
}

func (m *ReconciliationModule) ContributeServerDeps(deps *handlers.ServerDeps) {
	if deps == nil {
		return
	}
	deps.Reconciler = m.engine
}

func (m *ReconciliationModule) RegisterWorkers(workers *river.Workers) {
	if workers == nil {
		return
	}
	river.AddWorker(workers, jobs.NewReconciliationExecuteWorker(m.engine, m.infra.Config.Reconciliation.StaleAfter))
	river.AddWorker(workers, jobs.NewReconciliationSweepWorker(m.engine))
}

func (m *ReconciliationModule) PeriodicTasks() []jobs.Periodic {
	return []jobs.Periodic{
		jobs.ReconciliationSweepTask(m.engine, m.infra.Config.Reconciliation.SweepInterval),
	}
}

func (m *ReconciliationModule) Start(context.Context) error { return nil }

func (m *ReconciliationModule) Shutdown(context.Context) error { return nil }
