package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"ledgerwatch.io/ledgerwatch/internal/domain"
	"ledgerwatch.io/ledgerwatch/internal/infrastructure"
)

// PostgresStore keeps metric rows in event_metrics.
type PostgresStore struct {
	db infrastructure.DB
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(db infrastructure.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) ReplaceBucket(ctx context.Context, name string, bucket time.Time, rows []domain.EventMetric) (int, error) {
	bucket = bucket.UTC().Truncate(time.Microsecond)
	keys := make([]string, 0, len(rows))
	for _, r := range rows {
		keys = append(keys, r.Dimensions.Key())
	}

	changed := 0
	err := infrastructure.WithTx(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			DELETE FROM event_metrics
			WHERE name = $1 AND bucket_start = $2 AND NOT (dimensions_key = ANY($3))`,
			name, bucket, keys,
		)
		if err != nil {
			return fmt.Errorf("delete stale metric rows: %w", err)
		}
		changed += int(tag.RowsAffected())

		for _, r := range rows {
			dims, err := json.Marshal(r.Dimensions)
			if err != nil {
				return fmt.Errorf("encode dimensions: %w", err)
			}
			tag, err := tx.Exec(ctx, `
				INSERT INTO event_metrics (
					name, dimensions_key, bucket_start, aggregation_type, dimensions,
					window_minutes, value, sample_count, updated_at
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
				ON CONFLICT (name, dimensions_key, bucket_start) DO UPDATE SET
					aggregation_type = EXCLUDED.aggregation_type,
					window_minutes   = EXCLUDED.window_minutes,
					value            = EXCLUDED.value,
					sample_count     = EXCLUDED.sample_count,
					updated_at       = EXCLUDED.updated_at
				WHERE event_metrics.value IS DISTINCT FROM EXCLUDED.value
				   OR event_metrics.sample_count IS DISTINCT FROM EXCLUDED.sample_count`,
				name, r.Dimensions.Key(), bucket, string(r.AggregationType), dims,
				r.WindowSizeMinutes, r.Value, r.SampleCount, r.UpdatedAt.UTC(),
			)
			if err != nil {
				return fmt.Errorf("upsert metric row: %w", err)
			}
			changed += int(tag.RowsAffected())
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return changed, nil
}

func (s *PostgresStore) Series(ctx context.Context, name string, start, end time.Time) ([]domain.EventMetric, error) {
	rows, err := s.db.Query(ctx, `
		SELECT name, aggregation_type, dimensions, window_minutes, bucket_start,
		       value, sample_count, updated_at
		FROM event_metrics
		WHERE name = $1 AND bucket_start >= $2 AND bucket_start < $3
		ORDER BY bucket_start, dimensions_key`,
		name, start.UTC(), end.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("query metric series: %w", err)
	}
	defer rows.Close()

	out := make([]domain.EventMetric, 0)
	for rows.Next() {
		var (
			m    domain.EventMetric
			agg  string
			dims []byte
		)
		if err := rows.Scan(&m.Name, &agg, &dims, &m.WindowSizeMinutes, &m.Timestamp,
			&m.Value, &m.SampleCount, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan metric row: %w", err)
		}
		m.AggregationType = domain.AggregationType(agg)
		m.Dimensions = domain.Dimensions{}
		if len(dims) > 0 {
			if err := json.Unmarshal(dims, &m.Dimensions); err != nil {
				return nil, fmt.Errorf("decode dimensions: %w", err)
			}
		}
		m.Timestamp = m.Timestamp.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}
