package reconciliation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"

	"ledgerwatch.io/ledgerwatch/internal/domain"
	"ledgerwatch.io/ledgerwatch/internal/testutil"
)

func newJob(scope string, at time.Time) *domain.ReconciliationJob {
	return &domain.ReconciliationJob{
		ID:          uuid.Must(uuid.NewV7()).String(),
		Scope:       scope,
		Period:      "2026-02",
		Variant:     domain.VariantStandard,
		Status:      domain.JobPending,
		CreatedAt:   at,
		TriggeredBy: "ip:10.0.0.1",
	}
}

func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateOrGetIsAtomicPerScope", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			created  int
			launched int
			ids      = map[string]bool{}
			errs     []error
		)
		launch := func(context.Context, pgx.Tx, *domain.ReconciliationJob) error {
			mu.Lock()
			launched++
			mu.Unlock()
			return nil
		}
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				got, isNew, err := s.CreateOrGet(ctx, newJob("acme", now), launch)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = append(errs, err)
					return
				}
				ids[got.ID] = true
				if isNew {
					created++
				}
			}()
		}
		wg.Wait()
		require.Empty(t, errs)
		require.Equal(t, 1, created)
		require.Equal(t, 1, launched)
		require.Len(t, ids, 1)
	})

	t.Run("LaunchFailureRollsBack", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		job := newJob("acme", now)
		_, _, err := s.CreateOrGet(ctx, job, func(context.Context, pgx.Tx, *domain.ReconciliationJob) error {
			return errors.New("enqueue failed")
		})
		require.ErrorContains(t, err, "enqueue failed")
		_, err = s.GetJob(ctx, job.ID)
		require.ErrorIs(t, err, ErrJobNotFound)

		_, created, err := s.CreateOrGet(ctx, newJob("acme", now), nil)
		require.NoError(t, err)
		require.True(t, created)
	})

	t.Run("CompleteWritesDiscrepancies", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		job, _, err := s.CreateOrGet(ctx, newJob("acme", now), nil)
		require.NoError(t, err)

		started, err := s.Start(ctx, job.ID, now.Add(time.Second))
		require.NoError(t, err)
		require.Equal(t, domain.JobRunning, started.Status)
		_, err = s.Start(ctx, job.ID, now)
		require.ErrorIs(t, err, ErrJobNotRunnable)

		expected, actual := amount("100.5"), amount("99.25")
		found := []*domain.Discrepancy{
			{
				ID:              uuid.Must(uuid.NewV7()).String(),
				BillingRecordID: "b1",
				TransferID:      "tr_1",
				Kind:            domain.DiscrepancyAmountMismatch,
				ExpectedAmount:  &expected,
				ActualAmount:    &actual,
				Currency:        "USD",
				CorrelationKey:  "INV-1",
			},
			{
				ID:             uuid.Must(uuid.NewV7()).String(),
				TransferID:     "tr_2",
				Kind:           domain.DiscrepancyMissingInternal,
				ActualAmount:   &actual,
				Currency:       "USD",
				CorrelationKey: "INV-2",
				Note:           "n",
			},
		}
		summary := domain.JobSummary{AmountMismatch: 1, MissingInternal: 1, TransfersSeen: 2, RecordsSeen: 1}
		require.NoError(t, s.Complete(ctx, job.ID, now.Add(2*time.Second), summary, found))
		require.ErrorIs(t, s.Complete(ctx, job.ID, now, summary, nil), ErrJobNotRunnable)

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, domain.JobCompleted, got.Status)
		require.Equal(t, summary, *got.Summary)
		require.Equal(t, "2026-02", got.Period)

		rows, err := s.Discrepancies(ctx, job.ID)
		require.NoError(t, err)
		require.Len(t, rows, 2)
		require.Equal(t, found[0].ID, rows[0].ID)
		require.True(t, rows[0].ExpectedAmount.Equal(expected))
		require.True(t, rows[0].ActualAmount.Equal(actual))
		require.Nil(t, rows[1].ExpectedAmount)
		require.Equal(t, "n", rows[1].Note)
		require.Equal(t, job.ID, rows[1].JobID)

		resolved, err := s.ResolveDiscrepancy(ctx, rows[1].ID, "user:ops", now.Add(time.Minute))
		require.NoError(t, err)
		require.True(t, resolved.Resolved)
		_, err = s.ResolveDiscrepancy(ctx, rows[1].ID, "user:ops", now)
		require.ErrorIs(t, err, ErrAlreadyResolved)
		_, err = s.GetDiscrepancy(ctx, uuid.NewString())
		require.ErrorIs(t, err, ErrDiscrepancyNotFound)

		// A completed job releases its scope.
		_, created, err := s.CreateOrGet(ctx, newJob("acme", now), nil)
		require.NoError(t, err)
		require.True(t, created)
	})

	t.Run("FailAndSweep", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		old, _, err := s.CreateOrGet(ctx, newJob("old", now), nil)
		require.NoError(t, err)
		fresh, _, err := s.CreateOrGet(ctx, newJob("fresh", now.Add(time.Hour)), nil)
		require.NoError(t, err)
		failed, _, err := s.CreateOrGet(ctx, newJob("failed", now), nil)
		require.NoError(t, err)

		require.NoError(t, s.Fail(ctx, failed.ID, now, "boom"))
		require.ErrorIs(t, s.Fail(ctx, failed.ID, now, "boom"), ErrJobNotRunnable)

		ids, err := s.FailStale(ctx, now.Add(30*time.Minute), now.Add(time.Hour), StaleMessage)
		require.NoError(t, err)
		require.Equal(t, []string{old.ID}, ids)

		got, err := s.GetJob(ctx, old.ID)
		require.NoError(t, err)
		require.Equal(t, domain.JobFailed, got.Status)
		require.Equal(t, StaleMessage, got.Error)

		got, err = s.GetJob(ctx, fresh.ID)
		require.NoError(t, err)
		require.Equal(t, domain.JobPending, got.Status)

		_, err = s.Discrepancies(ctx, uuid.NewString())
		require.ErrorIs(t, err, ErrJobNotFound)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(*testing.T) Store { return NewMemoryStore() })
}

func TestPostgresStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		return NewPostgresStore(testutil.OpenPGXPool(t, "reconciliation"))
	})
}

func TestInsertOrLoadOpen(t *testing.T) {
	at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	fresh := newJob("nightly", at)
	open := newJob("nightly", at)
	boom := errors.New("connection reset")

	tests := []struct {
		name        string
		inserts     []error
		loads       []error
		wantJob     *domain.ReconciliationJob
		wantCreated bool
		wantErr     error
	}{
		{name: "inserted", inserts: []error{nil}, wantJob: fresh, wantCreated: true},
		{name: "open job reused", inserts: []error{ErrJobNotFound}, loads: []error{nil}, wantJob: open},
		{
			name:        "open job finished before it was read",
			inserts:     []error{ErrJobNotFound, nil},
			loads:       []error{ErrJobNotFound},
			wantJob:     fresh,
			wantCreated: true,
		},
		{name: "insert error", inserts: []error{boom}, wantErr: boom},
		{name: "load error", inserts: []error{ErrJobNotFound}, loads: []error{boom}, wantErr: boom},
		{
			name:    "gives up",
			inserts: []error{ErrJobNotFound, ErrJobNotFound, ErrJobNotFound},
			loads:   []error{ErrJobNotFound, ErrJobNotFound, ErrJobNotFound},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var inserts, loads int
			got, created, err := insertOrLoadOpen(
				func() (*domain.ReconciliationJob, error) {
					err := tt.inserts[inserts]
					inserts++
					if err != nil {
						return nil, err
					}
					return fresh, nil
				},
				func() (*domain.ReconciliationJob, error) {
					err := tt.loads[loads]
					loads++
					if err != nil {
						return nil, err
					}
					return open, nil
				},
			)
			require.Equal(t, len(tt.inserts), inserts)
			require.Equal(t, len(tt.loads), loads)

			if tt.wantJob == nil {
				require.Error(t, err)
				if tt.wantErr != nil {
					require.ErrorIs(t, err, tt.wantErr)
				}
				return
			}
			require.NoError(t, err)
			require.Same(t, tt.wantJob, got)
			require.Equal(t, tt.wantCreated, created)
		})
	}
}
