// Package reconciliation matches payment-processor transfers against
// billing records and persists the discrepancies it finds.
//
// At most one pending or running job exists per scope. A job is created
// and scheduled atomically, executed once, and finishes completed with all
// of its discrepancies or failed with none.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ledgerwatch.io/ledgerwatch/internal/collaborator"
	"ledgerwatch.io/ledgerwatch/internal/config"
	"ledgerwatch.io/ledgerwatch/internal/domain"
	"ledgerwatch.io/ledgerwatch/internal/governance/audit"
	"ledgerwatch.io/ledgerwatch/internal/pkg/logger"
	"ledgerwatch.io/ledgerwatch/internal/pkg/telemetry"
)

// StaleMessage is stored on jobs failed by the stale sweep.
const StaleMessage = "stale job swept"

const premiumScopePrefix = "premium:"

// ErrInvalidRequest wraps run request validation failures.
var ErrInvalidRequest = errors.New("invalid reconciliation request")

// Launcher schedules a created job for execution inside the creating
// transaction.
type Launcher interface {
	Launch(ctx context.Context, tx pgx.Tx, job *domain.ReconciliationJob) error
}

// Config controls the engine.
type Config struct {
	Tolerance    decimal.Decimal
	FetchTimeout time.Duration
	StaleAfter   time.Duration
}

// ConfigFrom converts the loaded reconciliation settings.
func ConfigFrom(c config.ReconciliationConfig) (Config, error) {
	cfg := Config{FetchTimeout: c.FetchTimeout, StaleAfter: c.StaleAfter}
	if c.Tolerance != "" {
		tol, err := decimal.NewFromString(c.Tolerance)
		if err != nil {
			return Config{}, fmt.Errorf("reconciliation tolerance %q: %w", c.Tolerance, err)
		}
		if tol.IsNegative() {
			return Config{}, fmt.Errorf("reconciliation tolerance must not be negative")
		}
		cfg.Tolerance = tol
	}
	return cfg, nil
}

// RunRequest asks for a reconciliation run.
type RunRequest struct {
	// Scope is the configuration name of a standard run. Premium runs
	// derive their scope from Period.
	Scope string
	// Period is the billing period (YYYY-MM). Standard runs default to the
	// current period.
	Period      string
	Variant     domain.Variant
	TriggeredBy string
}

// Engine creates and executes reconciliation jobs.
type Engine struct {
	store     Store
	transfers collaborator.TransferSource
	billing   collaborator.BillingSource
	cfg       Config
	launcher  Launcher
	submit    func(task func(ctx context.Context)) error
	audit     audit.Recorder
	now       func() time.Time
	log       *zap.Logger
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithAudit records triggers, outcomes and resolutions.
func WithAudit(r audit.Recorder) Option {
	return func(e *Engine) { e.audit = r }
}

// WithLauncher schedules created jobs through l in the creating
// transaction. Without a launcher jobs run right after creation.
func WithLauncher(l Launcher) Option {
	return func(e *Engine) { e.launcher = l }
}

// WithDetached runs launcher-less jobs through submit instead of on the
// caller's goroutine.
func WithDetached(submit func(task func(ctx context.Context)) error) Option {
	return func(e *Engine) { e.submit = submit }
}

// NewEngine creates an Engine.
func NewEngine(store Store, transfers collaborator.TransferSource, billing collaborator.BillingSource, cfg Config, opts ...Option) *Engine {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Minute
	}
	e := &Engine{
		store:     store,
		transfers: transfers,
		billing:   billing,
		cfg:       cfg,
		now:       time.Now,
		log:       logger.Named("reconciliation"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) newJob(req RunRequest) (*domain.ReconciliationJob, error) {
	variant := req.Variant
	if variant == "" {
		variant = domain.VariantStandard
	}
	period := strings.TrimSpace(req.Period)
	scope := strings.TrimSpace(req.Scope)

	switch variant {
	case domain.VariantPremium:
		if period == "" {
			return nil, fmt.Errorf("%w: billingPeriod is required", ErrInvalidRequest)
		}
		scope = premiumScopePrefix + period
	case domain.VariantStandard:
		if scope == "" {
			return nil, fmt.Errorf("%w: configName is required", ErrInvalidRequest)
		}
		if period == "" {
			period = PeriodOf(e.now())
		}
	default:
		return nil, fmt.Errorf("%w: unknown variant %q", ErrInvalidRequest, variant)
	}
	if !ValidPeriod(period) {
		return nil, fmt.Errorf("%w: billing period %q is not YYYY-MM", ErrInvalidRequest, period)
	}

	return &domain.ReconciliationJob{
		ID:          uuid.Must(uuid.NewV7()).String(),
		Scope:       scope,
		Period:      period,
		Variant:     variant,
		Status:      domain.JobPending,
		CreatedAt:   e.now().UTC(),
		TriggeredBy: req.TriggeredBy,
	}, nil
}

// Run returns the open job of the request's scope, creating and scheduling
// one when none is pending or running. created reports which happened.
func (e *Engine) Run(ctx context.Context, req RunRequest) (*domain.ReconciliationJob, bool, error) {
	job, err := e.newJob(req)
	if err != nil {
		return nil, false, err
	}

	var launch LaunchFunc
	if e.launcher != nil {
		launch = e.launcher.Launch
	}
	got, created, err := e.store.CreateOrGet(ctx, job, launch)
	if err != nil {
		return nil, false, fmt.Errorf("create reconciliation job: %w", err)
	}
	if !created {
		e.log.Info("Reconciliation already in flight",
			zap.String("job_id", got.ID), zap.String("scope", got.Scope), zap.String("status", string(got.Status)))
		return got, false, nil
	}

	audit.Safe(ctx, e.audit, audit.ActionReconciliationTrigger, "reconciliation_job", got.ID, got.TriggeredBy, map[string]interface{}{
		"scope":   got.Scope,
		"period":  got.Period,
		"variant": string(got.Variant),
	})
	e.log.Info("Reconciliation job created",
		zap.String("job_id", got.ID), zap.String("scope", got.Scope), zap.String("variant", string(got.Variant)))

	if e.launcher != nil {
		return got, true, nil
	}
	if e.submit != nil {
		id := got.ID
		err := e.submit(func(ctx context.Context) {
			if err := e.Execute(ctx, id); err != nil {
				e.log.Error("Detached reconciliation failed", zap.String("job_id", id), zap.Error(err))
			}
		})
		if err == nil {
			return got, true, nil
		}
		e.log.Warn("Detached submit refused, running inline", zap.String("job_id", id), zap.Error(err))
	}
	if err := e.Execute(ctx, got.ID); err != nil {
		return nil, true, err
	}
	final, err := e.store.GetJob(ctx, got.ID)
	if err != nil {
		return nil, true, err
	}
	return final, true, nil
}

type fetched struct {
	transfers []domain.Transfer
	records   []domain.BillingRecord
	previous  []domain.Transfer
	prevKey   string
}

func (e *Engine) fetch(ctx context.Context, job *domain.ReconciliationJob) (fetched, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()

	var f fetched
	billingScope := job.Scope
	if job.Variant == domain.VariantPremium {
		billingScope = job.Period
		prev, err := PreviousPeriod(job.Period)
		if err != nil {
			return fetched{}, err
		}
		f.prevKey = prev
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if f.transfers, err = e.transfers.ListTransfers(gctx, job.Period); err != nil {
			return fmt.Errorf("list transfers: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if f.records, err = e.billing.ListBillingRecords(gctx, billingScope); err != nil {
			return fmt.Errorf("list billing records: %w", err)
		}
		return nil
	})
	if f.prevKey != "" {
		prev := f.prevKey
		g.Go(func() error {
			var err error
			if f.previous, err = e.transfers.ListTransfers(gctx, prev); err != nil {
				return fmt.Errorf("list transfers of %s: %w", prev, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fetched{}, err
	}
	return f, nil
}

// Execute runs a pending job to completion. A job that is no longer
// pending is left alone. Collaborator errors fail the job and are not
// returned; only storage errors are.
func (e *Engine) Execute(ctx context.Context, id string) error {
	job, err := e.store.Start(ctx, id, e.now().UTC())
	if errors.Is(err, ErrJobNotRunnable) {
		e.log.Debug("Reconciliation job not pending, skipping", zap.String("job_id", id))
		return nil
	}
	if err != nil {
		return fmt.Errorf("start reconciliation job: %w", err)
	}
	log := e.log.With(zap.String("job_id", job.ID), zap.String("scope", job.Scope))

	f, err := e.fetch(ctx, job)
	if err != nil {
		return e.fail(ctx, job, err.Error())
	}

	matcher := Matcher{Tolerance: e.cfg.Tolerance, FlagCurrency: job.Variant == domain.VariantPremium}
	out := matcher.Match(job.Period, f.transfers, f.records)
	if job.Variant == domain.VariantPremium {
		annotateAdjacent(&out, f.records, f.previous, f.prevKey)
	}

	if err := e.store.Complete(ctx, job.ID, e.now().UTC(), out.Summary, out.Discrepancies); err != nil {
		if errors.Is(err, ErrJobNotRunnable) {
			log.Warn("Reconciliation job finished elsewhere, results dropped")
			return nil
		}
		log.Error("Persisting reconciliation results failed", zap.Error(err))
		if ferr := e.fail(ctx, job, "persist results: "+err.Error()); ferr != nil {
			return errors.Join(err, ferr)
		}
		return nil
	}

	telemetry.ReconciliationRuns.WithLabelValues(string(job.Variant), string(domain.JobCompleted)).Inc()
	for _, d := range out.Discrepancies {
		telemetry.DiscrepanciesFound.WithLabelValues(string(d.Kind)).Inc()
	}
	audit.Safe(ctx, e.audit, audit.ActionReconciliationDone, "reconciliation_job", job.ID, job.TriggeredBy, map[string]interface{}{
		"scope":         job.Scope,
		"matched":       out.Summary.Matched,
		"discrepancies": len(out.Discrepancies),
	})
	log.Info("Reconciliation completed",
		zap.Int("matched", out.Summary.Matched),
		zap.Int("discrepancies", len(out.Discrepancies)))
	return nil
}

func (e *Engine) fail(ctx context.Context, job *domain.ReconciliationJob, msg string) error {
	// The run may have been cancelled; the failure must still be recorded.
	ctx = context.WithoutCancel(ctx)
	if err := e.store.Fail(ctx, job.ID, e.now().UTC(), msg); err != nil {
		if errors.Is(err, ErrJobNotRunnable) {
			return nil
		}
		return fmt.Errorf("fail reconciliation job: %w", err)
	}
	telemetry.ReconciliationRuns.WithLabelValues(string(job.Variant), string(domain.JobFailed)).Inc()
	audit.Safe(ctx, e.audit, audit.ActionReconciliationFailed, "reconciliation_job", job.ID, job.TriggeredBy, map[string]interface{}{
		"scope": job.Scope,
		"error": msg,
	})
	e.log.Warn("Reconciliation failed", zap.String("job_id", job.ID), zap.String("scope", job.Scope), zap.String("error", msg))
	return nil
}

// SweepStale fails non-terminal jobs that have not finished within
// StaleAfter, releasing their scopes.
func (e *Engine) SweepStale(ctx context.Context) ([]string, error) {
	now := e.now().UTC()
	ids, err := e.store.FailStale(ctx, now.Add(-e.cfg.StaleAfter), now, StaleMessage)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		telemetry.ReconciliationRuns.WithLabelValues("unknown", "stale").Inc()
		audit.Safe(ctx, e.audit, audit.ActionReconciliationFailed, "reconciliation_job", id, "system", map[string]interface{}{
			"error": StaleMessage,
		})
	}
	if len(ids) > 0 {
		e.log.Warn("Stale reconciliation jobs swept", zap.Strings("job_ids", ids))
	}
	return ids, nil
}

// Job returns a job by id.
func (e *Engine) Job(ctx context.Context, id string) (*domain.ReconciliationJob, error) {
	return e.store.GetJob(ctx, id)
}

// Discrepancies lists the findings of a job.
func (e *Engine) Discrepancies(ctx context.Context, jobID string) ([]*domain.Discrepancy, error) {
	return e.store.Discrepancies(ctx, jobID)
}

// ResolveDiscrepancy marks a discrepancy resolved by actor.
func (e *Engine) ResolveDiscrepancy(ctx context.Context, id, actor string) (*domain.Discrepancy, error) {
	d, err := e.store.ResolveDiscrepancy(ctx, id, actor, e.now().UTC())
	if err != nil {
		return nil, err
	}
	audit.Safe(ctx, e.audit, audit.ActionDiscrepancyResolved, "discrepancy", d.ID, actor, map[string]interface{}{
		"jobId": d.JobID,
		"kind":  string(d.Kind),
	})
	e.log.Info("Discrepancy resolved", zap.String("discrepancy_id", d.ID), zap.String("actor", actor))
	return d, nil
}
