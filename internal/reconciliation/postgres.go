package reconciliation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"ledgerwatch.io/ledgerwatch/internal/domain"
	"ledgerwatch.io/ledgerwatch/internal/infrastructure"
)

const jobColumns = `id, scope, period, variant, status, created_at, started_at, completed_at,
	triggered_by, error, summary`

const discrepancyColumns = `id, job_id, transfer_id, billing_record_id, kind,
	expected_amount::text, actual_amount::text, currency, correlation_key, note,
	resolved, resolved_at, resolved_by`

// PostgresStore keeps jobs in reconciliation_jobs and their findings in
// discrepancies. The partial unique index on scope over pending and running
// jobs is the single-flight lock.
type PostgresStore struct {
	db infrastructure.DB
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(db infrastructure.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func scanJob(row pgx.Row) (*domain.ReconciliationJob, error) {
	var (
		j       domain.ReconciliationJob
		variant string
		status  string
		summary []byte
	)
	err := row.Scan(&j.ID, &j.Scope, &j.Period, &variant, &status, &j.CreatedAt, &j.StartedAt,
		&j.CompletedAt, &j.TriggeredBy, &j.Error, &summary)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	j.Variant = domain.Variant(variant)
	j.Status = domain.JobStatus(status)
	if len(summary) > 0 {
		var s domain.JobSummary
		if err := json.Unmarshal(summary, &s); err != nil {
			return nil, fmt.Errorf("decode job summary: %w", err)
		}
		j.Summary = &s
	}
	return &j, nil
}

func parseAmount(raw *string) (*decimal.Decimal, error) {
	if raw == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*raw)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", *raw, err)
	}
	return &d, nil
}

func amountArg(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func scanDiscrepancy(row pgx.Row) (*domain.Discrepancy, error) {
	var (
		d                domain.Discrepancy
		kind             string
		expected, actual *string
	)
	err := row.Scan(&d.ID, &d.JobID, &d.TransferID, &d.BillingRecordID, &kind,
		&expected, &actual, &d.Currency, &d.CorrelationKey, &d.Note,
		&d.Resolved, &d.ResolvedAt, &d.ResolvedBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDiscrepancyNotFound
		}
		return nil, err
	}
	d.Kind = domain.DiscrepancyKind(kind)
	if d.ExpectedAmount, err = parseAmount(expected); err != nil {
		return nil, err
	}
	if d.ActualAmount, err = parseAmount(actual); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *PostgresStore) CreateOrGet(ctx context.Context, job *domain.ReconciliationJob, launch LaunchFunc) (*domain.ReconciliationJob, bool, error) {
	var (
		result  *domain.ReconciliationJob
		created bool
	)
	err := infrastructure.WithTx(ctx, s.db, func(tx pgx.Tx) error {
		var err error
		result, created, err = insertOrLoadOpen(
			func() (*domain.ReconciliationJob, error) {
				return scanJob(tx.QueryRow(ctx, `
					INSERT INTO reconciliation_jobs (id, scope, period, variant, status, created_at, triggered_by)
					VALUES ($1, $2, $3, $4, 'pending', $5, $6)
					ON CONFLICT (scope) WHERE status IN ('pending', 'running') DO NOTHING
					RETURNING `+jobColumns,
					job.ID, job.Scope, job.Period, string(job.Variant), job.CreatedAt.UTC(), job.TriggeredBy,
				))
			},
			func() (*domain.ReconciliationJob, error) {
				return scanJob(tx.QueryRow(ctx, `
					SELECT `+jobColumns+` FROM reconciliation_jobs
					WHERE scope = $1 AND status IN ('pending', 'running')`, job.Scope))
			},
		)
		if err != nil || !created || launch == nil {
			return err
		}
		return launch(ctx, tx, result)
	})
	if err != nil {
		return nil, false, err
	}
	return result, created, nil
}

// openJobAttempts bounds insertOrLoadOpen. Each retry means the open job
// that blocked the insert finished before it could be read back.
const openJobAttempts = 3

// insertOrLoadOpen inserts a job unless its scope already has an open one,
// in which case that job is loaded instead. When the blocking job turns
// terminal between the insert and the load, the insert is tried again.
func insertOrLoadOpen(insert, loadOpen func() (*domain.ReconciliationJob, error)) (*domain.ReconciliationJob, bool, error) {
	for attempt := 0; attempt < openJobAttempts; attempt++ {
		inserted, err := insert()
		if err == nil {
			return inserted, true, nil
		}
		if !errors.Is(err, ErrJobNotFound) {
			return nil, false, fmt.Errorf("insert reconciliation job: %w", err)
		}

		existing, err := loadOpen()
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, ErrJobNotFound) {
			return nil, false, fmt.Errorf("load open job after conflict: %w", err)
		}
	}
	return nil, false, fmt.Errorf("insert reconciliation job: scope stayed contended after %d attempts", openJobAttempts)
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*domain.ReconciliationJob, error) {
	return scanJob(s.db.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM reconciliation_jobs WHERE id = $1`, id))
}

func (s *PostgresStore) Start(ctx context.Context, id string, at time.Time) (*domain.ReconciliationJob, error) {
	j, err := scanJob(s.db.QueryRow(ctx, `
		UPDATE reconciliation_jobs SET status = 'running', started_at = $2
		WHERE id = $1 AND status = 'pending'
		RETURNING `+jobColumns, id, at.UTC()))
	if errors.Is(err, ErrJobNotFound) {
		if _, err := s.GetJob(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrJobNotRunnable
	}
	return j, err
}

func (s *PostgresStore) Complete(ctx context.Context, id string, at time.Time, summary domain.JobSummary, found []*domain.Discrepancy) error {
	raw, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode job summary: %w", err)
	}
	return infrastructure.WithTx(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE reconciliation_jobs SET status = 'completed', completed_at = $2, summary = $3
			WHERE id = $1 AND status = 'running'`, id, at.UTC(), raw)
		if err != nil {
			return fmt.Errorf("complete reconciliation job: %w", err)
		}
		if tag.RowsAffected() == 0 {
			if _, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM reconciliation_jobs WHERE id = $1`, id)); err != nil {
				return err
			}
			return ErrJobNotRunnable
		}
		for _, d := range found {
			_, err := tx.Exec(ctx, `
				INSERT INTO discrepancies (
					id, job_id, transfer_id, billing_record_id, kind,
					expected_amount, actual_amount, currency, correlation_key, note
				) VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8, $9, $10)`,
				d.ID, id, d.TransferID, d.BillingRecordID, string(d.Kind),
				amountArg(d.ExpectedAmount), amountArg(d.ActualAmount), d.Currency, d.CorrelationKey, d.Note,
			)
			if err != nil {
				return fmt.Errorf("insert discrepancy: %w", err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) Fail(ctx context.Context, id string, at time.Time, msg string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE reconciliation_jobs SET status = 'failed', completed_at = $2, error = $3
		WHERE id = $1 AND status IN ('pending', 'running')`, id, at.UTC(), msg)
	if err != nil {
		return fmt.Errorf("fail reconciliation job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
		return ErrJobNotRunnable
	}
	return nil
}

func (s *PostgresStore) FailStale(ctx context.Context, cutoff, at time.Time, msg string) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE reconciliation_jobs SET status = 'failed', completed_at = $2, error = $3
		WHERE status IN ('pending', 'running') AND COALESCE(started_at, created_at) < $1
		RETURNING id::text`, cutoff.UTC(), at.UTC(), msg)
	if err != nil {
		return nil, fmt.Errorf("sweep stale jobs: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("sweep stale jobs: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) Discrepancies(ctx context.Context, jobID string) ([]*domain.Discrepancy, error) {
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+discrepancyColumns+` FROM discrepancies
		WHERE job_id = $1 ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list discrepancies: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.Discrepancy, 0)
	for rows.Next() {
		d, err := scanDiscrepancy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetDiscrepancy(ctx context.Context, id string) (*domain.Discrepancy, error) {
	return scanDiscrepancy(s.db.QueryRow(ctx,
		`SELECT `+discrepancyColumns+` FROM discrepancies WHERE id = $1`, id))
}

func (s *PostgresStore) ResolveDiscrepancy(ctx context.Context, id, by string, at time.Time) (*domain.Discrepancy, error) {
	d, err := scanDiscrepancy(s.db.QueryRow(ctx, `
		UPDATE discrepancies SET resolved = TRUE, resolved_at = $2, resolved_by = $3
		WHERE id = $1 AND NOT resolved
		RETURNING `+discrepancyColumns, id, at.UTC(), by))
	if errors.Is(err, ErrDiscrepancyNotFound) {
		if _, err := s.GetDiscrepancy(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrAlreadyResolved
	}
	return d, err
}
