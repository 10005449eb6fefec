package anomaly

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"ledgerwatch.io/ledgerwatch/internal/domain"
	"ledgerwatch.io/ledgerwatch/internal/infrastructure"
)

const anomalyColumns = `id, type, severity, status, description, detected_at, updated_at,
	resolved_at, resolved_by, confidence, affected_event_ids, metadata, clear_cycles`

// PostgresStore keeps anomalies in the anomalies table. The partial unique
// index on type where status is active backs the one-active invariant.
type PostgresStore struct {
	db infrastructure.DBTX
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(db infrastructure.DBTX) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func scanAnomaly(row pgx.Row) (*domain.Anomaly, error) {
	var (
		a        domain.Anomaly
		severity string
		status   string
		metadata []byte
	)
	err := row.Scan(&a.ID, &a.Type, &severity, &status, &a.Description, &a.DetectedAt, &a.UpdatedAt,
		&a.ResolvedAt, &a.ResolvedBy, &a.Confidence, &a.AffectedEventIDs, &metadata, &a.ClearCycles)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	a.Severity = domain.Severity(severity)
	a.Status = domain.AnomalyStatus(status)
	if len(metadata) > 0 {
		a.Metadata = metadata
	}
	if a.AffectedEventIDs == nil {
		a.AffectedEventIDs = []string{}
	}
	return &a, nil
}

func metadataArg(a *domain.Anomaly) any {
	if len(a.Metadata) == 0 {
		return nil
	}
	return []byte(a.Metadata)
}

func evidenceArg(a *domain.Anomaly) []string {
	if a.AffectedEventIDs == nil {
		return []string{}
	}
	return a.AffectedEventIDs
}

func (s *PostgresStore) Create(ctx context.Context, a *domain.Anomaly) (*domain.Anomaly, bool, error) {
	created, err := scanAnomaly(s.db.QueryRow(ctx, `
		INSERT INTO anomalies (
			id, type, severity, status, description, detected_at, updated_at,
			resolved_by, confidence, affected_event_ids, metadata, clear_cycles
		) VALUES ($1, $2, $3, 'active', $4, $5, $6, '', $7, $8, $9, $10)
		ON CONFLICT (type) WHERE status = 'active' DO NOTHING
		RETURNING `+anomalyColumns,
		a.ID, a.Type, string(a.Severity), a.Description, a.DetectedAt.UTC(), a.UpdatedAt.UTC(),
		a.Confidence, evidenceArg(a), metadataArg(a), a.ClearCycles,
	))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, fmt.Errorf("insert anomaly: %w", err)
	}
	existing, err := s.Active(ctx, a.Type)
	if err != nil {
		return nil, false, fmt.Errorf("load active anomaly after conflict: %w", err)
	}
	return existing, false, nil
}

func (s *PostgresStore) Active(ctx context.Context, typ string) (*domain.Anomaly, error) {
	return scanAnomaly(s.db.QueryRow(ctx,
		`SELECT `+anomalyColumns+` FROM anomalies WHERE type = $1 AND status = 'active'`, typ))
}

func (s *PostgresStore) Update(ctx context.Context, a *domain.Anomaly) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE anomalies
		SET severity = $2, description = $3, confidence = $4, affected_event_ids = $5,
		    metadata = $6, clear_cycles = $7, updated_at = $8
		WHERE id = $1 AND status = 'active'`,
		a.ID, string(a.Severity), a.Description, a.Confidence, evidenceArg(a),
		metadataArg(a), a.ClearCycles, a.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("update anomaly: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, a.ID); err != nil {
			return err
		}
		return ErrNotActive
	}
	return nil
}

func (s *PostgresStore) Resolve(ctx context.Context, id, by string, at time.Time) (*domain.Anomaly, error) {
	a, err := scanAnomaly(s.db.QueryRow(ctx, `
		UPDATE anomalies
		SET status = 'resolved', resolved_at = $2, resolved_by = $3, updated_at = $2
		WHERE id = $1 AND status = 'active'
		RETURNING `+anomalyColumns,
		id, at.UTC(), by,
	))
	if errors.Is(err, ErrNotFound) {
		if _, gerr := s.Get(ctx, id); gerr != nil {
			return nil, gerr
		}
		return nil, ErrNotActive
	}
	if err != nil {
		return nil, fmt.Errorf("resolve anomaly: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*domain.Anomaly, error) {
	return scanAnomaly(s.db.QueryRow(ctx, `SELECT `+anomalyColumns+` FROM anomalies WHERE id = $1`, id))
}

func (s *PostgresStore) List(ctx context.Context, f domain.AnomalyFilter) ([]*domain.Anomaly, error) {
	q := `SELECT ` + anomalyColumns + ` FROM anomalies WHERE true`
	args := []any{}
	if f.Status != "" {
		args = append(args, string(f.Status))
		q += ` AND status = $` + strconv.Itoa(len(args))
	}
	if f.Severity != "" {
		args = append(args, string(f.Severity))
		q += ` AND severity = $` + strconv.Itoa(len(args))
	}
	q += ` ORDER BY detected_at DESC, id DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += ` LIMIT $` + strconv.Itoa(len(args))
	}

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list anomalies: %w", err)
	}
	defer rows.Close()
	out := make([]*domain.Anomaly, 0)
	for rows.Next() {
		a, err := scanAnomaly(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Counts(ctx context.Context) (domain.AnomalyCounts, error) {
	c := domain.AnomalyCounts{BySeverity: map[domain.Severity]int64{}}
	rows, err := s.db.Query(ctx, `SELECT status, severity, count(*) FROM anomalies GROUP BY status, severity`)
	if err != nil {
		return c, fmt.Errorf("count anomalies: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status, severity string
			n                int64
		)
		if err := rows.Scan(&status, &severity, &n); err != nil {
			return c, err
		}
		if domain.AnomalyStatus(status) == domain.AnomalyActive {
			c.Active += n
			c.BySeverity[domain.Severity(severity)] += n
		} else {
			c.Resolved += n
		}
	}
	return c, rows.Err()
}
