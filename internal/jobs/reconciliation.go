package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"go.uber.org/zap"

	"ledgerwatch.io/ledgerwatch/internal/domain"
	"ledgerwatch.io/ledgerwatch/internal/infrastructure"
	"ledgerwatch.io/ledgerwatch/internal/pkg/logger"
	"ledgerwatch.io/ledgerwatch/internal/reconciliation"
)

// QueueReconciliation keeps runs off the default queue.
const QueueReconciliation = infrastructure.QueueReconciliation

// Reconciler executes and sweeps reconciliation jobs.
type Reconciler interface {
	Execute(ctx context.Context, id string) error
	SweepStale(ctx context.Context) ([]string, error)
}

// ReconciliationExecuteArgs runs one reconciliation job. The job row is the
// claim check; the args carry only its id.
type ReconciliationExecuteArgs struct {
	JobID string `json:"job_id"`
}

// Kind returns the job kind identifier.
func (ReconciliationExecuteArgs) Kind() string { return "reconciliation_execute" }

// InsertOpts retries storage failures a few times. Collaborator failures
// are recorded on the job and never reach River.
func (ReconciliationExecuteArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       QueueReconciliation,
		MaxAttempts: 3,
		UniqueOpts:  river.UniqueOpts{ByArgs: true},
	}
}

// ReconciliationExecuteWorker runs ReconciliationExecuteArgs.
type ReconciliationExecuteWorker struct {
	river.WorkerDefaults[ReconciliationExecuteArgs]
	reconciler Reconciler
	timeout    time.Duration
}

// NewReconciliationExecuteWorker creates an execution worker. timeout
// bounds a single run; zero keeps River's default.
func NewReconciliationExecuteWorker(r Reconciler, timeout time.Duration) *ReconciliationExecuteWorker {
	return &ReconciliationExecuteWorker{reconciler: r, timeout: timeout}
}

// Timeout bounds one execution.
func (w *ReconciliationExecuteWorker) Timeout(*river.Job[ReconciliationExecuteArgs]) time.Duration {
	return w.timeout
}

// Work executes the job. A job that no longer exists is cancelled.
func (w *ReconciliationExecuteWorker) Work(ctx context.Context, job *river.Job[ReconciliationExecuteArgs]) error {
	if w.reconciler == nil {
		return fmt.Errorf("reconciliation worker is not initialized")
	}
	err := w.reconciler.Execute(ctx, job.Args.JobID)
	if errors.Is(err, reconciliation.ErrJobNotFound) {
		logger.Warn("reconciliation job vanished, cancelling",
			zap.String("job_id", job.Args.JobID),
		)
		return river.JobCancel(err)
	}
	return err
}

// ReconciliationSweepArgs fails reconciliation jobs stuck in a non-terminal
// state.
type ReconciliationSweepArgs struct{}

// Kind returns the job kind identifier.
func (ReconciliationSweepArgs) Kind() string { return "reconciliation_sweep" }

// ReconciliationSweepWorker runs ReconciliationSweepArgs.
type ReconciliationSweepWorker struct {
	river.WorkerDefaults[ReconciliationSweepArgs]
	reconciler Reconciler
}

// NewReconciliationSweepWorker creates a sweep worker.
func NewReconciliationSweepWorker(r Reconciler) *ReconciliationSweepWorker {
	return &ReconciliationSweepWorker{reconciler: r}
}

// Work sweeps stale jobs.
func (w *ReconciliationSweepWorker) Work(ctx context.Context, _ *river.Job[ReconciliationSweepArgs]) error {
	return sweepReconciliation(ctx, w.reconciler)
}

// ReconciliationSweepTask schedules the stale job sweep.
func ReconciliationSweepTask(r Reconciler, interval time.Duration) Periodic {
	return Periodic{
		Interval: interval,
		Args:     ReconciliationSweepArgs{},
		Run:      func(ctx context.Context) error { return sweepReconciliation(ctx, r) },
	}
}

func sweepReconciliation(ctx context.Context, r Reconciler) error {
	if r == nil {
		return fmt.Errorf("reconciliation sweeper is not initialized")
	}
	if _, err := r.SweepStale(ctx); err != nil {
		return fmt.Errorf("sweep stale reconciliation jobs: %w", err)
	}
	return nil
}

// TxInserter inserts River jobs inside a caller's transaction.
// *river.Client[pgx.Tx] satisfies it.
type TxInserter interface {
	InsertTx(ctx context.Context, tx pgx.Tx, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

// RiverLauncher schedules reconciliation jobs through River in the
// transaction that creates them, so a job row never exists without its
// execution job. The client is attached once River is initialized.
type RiverLauncher struct {
	mu     sync.RWMutex
	client TxInserter
}

// SetClient attaches the River client.
func (l *RiverLauncher) SetClient(c TxInserter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.client = c
}

// Launch inserts the execution job in tx.
func (l *RiverLauncher) Launch(ctx context.Context, tx pgx.Tx, job *domain.ReconciliationJob) error {
	l.mu.RLock()
	client := l.client
	l.mu.RUnlock()
	if client == nil {
		return fmt.Errorf("river client is not initialized")
	}
	if tx == nil {
		return fmt.Errorf("launch reconciliation job %s: transaction required", job.ID)
	}
	if _, err := client.InsertTx(ctx, tx, ReconciliationExecuteArgs{JobID: job.ID}, nil); err != nil {
		return fmt.Errorf("enqueue reconciliation job %s: %w", job.ID, err)
	}
	return nil
}
