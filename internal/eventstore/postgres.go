package eventstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"ledgerwatch.io/ledgerwatch/internal/domain"
	"ledgerwatch.io/ledgerwatch/internal/infrastructure"
)

const eventColumns = `id, external_event_id, event_type, resource_type, resource_id, payload,
	received_at, processing_state, attempt_count, last_error, available_at,
	claimed_at, processed_at, duration_ms`

// PostgresStore is the pgx-backed Store.
type PostgresStore struct {
	db infrastructure.DBTX
}

// NewPostgresStore creates a PostgresStore over a pool or transaction.
func NewPostgresStore(db infrastructure.DBTX) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// Postgres keeps microseconds; claim tokens must round-trip exactly.
func pgTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func scanEvent(row pgx.Row) (*domain.WebhookEvent, error) {
	var (
		e       domain.WebhookEvent
		evType  string
		state   string
		payload []byte
	)
	err := row.Scan(
		&e.ID, &e.ExternalEventID, &evType, &e.ResourceType, &e.ResourceID, &payload,
		&e.ReceivedAt, &state, &e.AttemptCount, &e.LastError, &e.AvailableAt,
		&e.ClaimedAt, &e.ProcessedAt, &e.DurationMs,
	)
	if err != nil {
		return nil, err
	}
	e.EventType = domain.EventType(evType)
	e.State = domain.EventState(state)
	e.Payload = payload
	return &e, nil
}

func collectEvents(rows pgx.Rows) ([]*domain.WebhookEvent, error) {
	defer rows.Close()
	out := make([]*domain.WebhookEvent, 0)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Insert(ctx context.Context, e *domain.WebhookEvent) (*domain.WebhookEvent, bool, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO webhook_events (
			id, external_event_id, event_type, resource_type, resource_id, payload,
			received_at, processing_state, attempt_count, last_error, available_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, 'queued', 0, '', $8)
		ON CONFLICT (external_event_id) DO NOTHING
		RETURNING `+eventColumns,
		e.ID, e.ExternalEventID, string(e.EventType), e.ResourceType, e.ResourceID, []byte(e.Payload),
		pgTime(e.ReceivedAt), pgTime(e.AvailableAt),
	)
	created, err := scanEvent(row)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("insert webhook event: %w", err)
	}

	existing, err := scanEvent(s.db.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM webhook_events WHERE external_event_id = $1`, e.ExternalEventID))
	if err != nil {
		return nil, false, fmt.Errorf("load duplicate webhook event: %w", err)
	}
	return existing, false, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*domain.WebhookEvent, error) {
	e, err := scanEvent(s.db.QueryRow(ctx, `SELECT `+eventColumns+` FROM webhook_events WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook event: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) ClaimNext(ctx context.Context, now time.Time) (*domain.WebhookEvent, error) {
	e, err := scanEvent(s.db.QueryRow(ctx, `
		UPDATE webhook_events
		SET processing_state = 'processing', claimed_at = $1
		WHERE id = (
			SELECT id FROM webhook_events
			WHERE processing_state = 'queued' AND available_at <= $1
			ORDER BY available_at, received_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+eventColumns, pgTime(now)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrQueueEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("claim next webhook event: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) Claim(ctx context.Context, id string, now time.Time) (*domain.WebhookEvent, error) {
	e, err := scanEvent(s.db.QueryRow(ctx, `
		UPDATE webhook_events
		SET processing_state = 'processing', claimed_at = $2
		WHERE id = $1 AND processing_state = 'queued'
		RETURNING `+eventColumns, id, pgTime(now)))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrStateConflict
	}
	if err != nil {
		return nil, fmt.Errorf("claim webhook event: %w", err)
	}
	return e, nil
}

// transition applies an update guarded by the caller's claim.
func (s *PostgresStore) transition(ctx context.Context, e *domain.WebhookEvent, set string, args ...any) error {
	if e.ClaimedAt == nil {
		return ErrStateConflict
	}
	base := []any{e.ID, pgTime(*e.ClaimedAt)}
	tag, err := s.db.Exec(ctx, `
		UPDATE webhook_events SET `+set+`
		WHERE id = $1 AND processing_state = 'processing' AND claimed_at = $2`,
		append(base, args...)...)
	if err != nil {
		return fmt.Errorf("update webhook event %s: %w", e.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStateConflict
	}
	return nil
}

func (s *PostgresStore) Complete(ctx context.Context, e *domain.WebhookEvent, processedAt time.Time, durationMs int64) error {
	return s.transition(ctx, e,
		`processing_state = 'completed', processed_at = $3, duration_ms = $4, last_error = ''`,
		pgTime(processedAt), durationMs)
}

func (s *PostgresStore) Requeue(ctx context.Context, e *domain.WebhookEvent, attempts int, availableAt time.Time, lastError string) error {
	return s.transition(ctx, e,
		`processing_state = 'queued', attempt_count = $3, available_at = $4, last_error = $5, claimed_at = NULL`,
		attempts, pgTime(availableAt), lastError)
}

func (s *PostgresStore) Kill(ctx context.Context, e *domain.WebhookEvent, attempts int, at time.Time, lastError string) error {
	return s.transition(ctx, e,
		`processing_state = 'dead', attempt_count = $3, processed_at = $4, last_error = $5`,
		attempts, pgTime(at), lastError)
}

func (s *PostgresStore) ReapStuck(ctx context.Context, claimedBefore, now time.Time) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE webhook_events
		SET processing_state = 'queued', claimed_at = NULL, available_at = $2
		WHERE processing_state = 'processing' AND claimed_at < $1
		RETURNING id`, pgTime(claimedBefore), pgTime(now))
	if err != nil {
		return nil, fmt.Errorf("reap stuck webhook events: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("reap stuck webhook events: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) List(ctx context.Context, f ListFilter) ([]*domain.WebhookEvent, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if len(f.States) > 0 {
		states := make([]string, len(f.States))
		for i, st := range f.States {
			states[i] = string(st)
		}
		where = append(where, "processing_state = ANY("+arg(states)+")")
	}
	if len(f.EventTypes) > 0 {
		types := make([]string, len(f.EventTypes))
		for i, t := range f.EventTypes {
			types[i] = string(t)
		}
		where = append(where, "event_type = ANY("+arg(types)+")")
	}
	if !f.ReceivedFrom.IsZero() {
		where = append(where, "received_at >= "+arg(pgTime(f.ReceivedFrom)))
	}
	if !f.ReceivedTo.IsZero() {
		where = append(where, "received_at < "+arg(pgTime(f.ReceivedTo)))
	}

	q := `SELECT ` + eventColumns + ` FROM webhook_events`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	if f.NewestFirst {
		q += " ORDER BY received_at DESC, id"
	} else {
		q += " ORDER BY received_at, id"
	}
	if f.Limit > 0 {
		q += " LIMIT " + arg(f.Limit)
	}

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list webhook events: %w", err)
	}
	events, err := collectEvents(rows)
	if err != nil {
		return nil, fmt.Errorf("list webhook events: %w", err)
	}
	return events, nil
}

func (s *PostgresStore) CountByState(ctx context.Context) (map[domain.EventState]int64, error) {
	rows, err := s.db.Query(ctx, `SELECT processing_state, count(*) FROM webhook_events GROUP BY processing_state`)
	if err != nil {
		return nil, fmt.Errorf("count webhook events: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.EventState]int64)
	for rows.Next() {
		var (
			state string
			n     int64
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("count webhook events: %w", err)
		}
		counts[domain.EventState(state)] = n
	}
	return counts, rows.Err()
}

func (s *PostgresStore) Health(ctx context.Context, now time.Time) (domain.QueueHealth, error) {
	counts, err := s.CountByState(ctx)
	if err != nil {
		return domain.QueueHealth{}, err
	}

	var (
		avg    *float64
		oldest *time.Time
	)
	err = s.db.QueryRow(ctx, `
		SELECT
			(SELECT avg(duration_ms)::float8 FROM webhook_events WHERE processing_state = 'completed'),
			(SELECT min(received_at) FROM webhook_events WHERE processing_state = 'queued')`,
	).Scan(&avg, &oldest)
	if err != nil {
		return domain.QueueHealth{}, fmt.Errorf("queue health: %w", err)
	}

	h := domain.QueueHealth{Counts: counts}
	if avg != nil {
		h.AvgDurationMs = *avg
	}
	if oldest != nil {
		h.OldestQueuedAge = now.Sub(*oldest).Seconds()
	}
	return h, nil
}
