package reconciliation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"

	"ledgerwatch.io/ledgerwatch/internal/collaborator"
	"ledgerwatch.io/ledgerwatch/internal/config"
	"ledgerwatch.io/ledgerwatch/internal/domain"
	"ledgerwatch.io/ledgerwatch/internal/governance/audit"
)

var now = time.Date(2026, 2, 20, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// recordingLauncher schedules nothing and remembers what it was asked.
type recordingLauncher struct {
	mu   sync.Mutex
	jobs []string
	err  error
}

func (l *recordingLauncher) Launch(_ context.Context, _ pgx.Tx, job *domain.ReconciliationJob) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.jobs = append(l.jobs, job.ID)
	return nil
}

func (l *recordingLauncher) launched() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.jobs...)
}

type fixture struct {
	store     *MemoryStore
	transfers *collaborator.StaticTransfers
	billing   *collaborator.StaticBilling
	audit     *audit.MemoryRecorder
	clock     *clock
}

func newFixture() *fixture {
	return &fixture{
		store:     NewMemoryStore(),
		transfers: collaborator.NewStaticTransfers(),
		billing:   collaborator.NewStaticBilling(),
		audit:     audit.NewMemoryRecorder(),
		clock:     &clock{t: now},
	}
}

func (f *fixture) engine(opts ...Option) *Engine {
	base := []Option{WithClock(f.clock.Now), WithAudit(f.audit)}
	return NewEngine(f.store, f.transfers, f.billing,
		Config{Tolerance: amount("0.01"), StaleAfter: 10 * time.Minute}, append(base, opts...)...)
}

func TestRun_SingleFlightPerScope(t *testing.T) {
	f := newFixture()
	launcher := &recordingLauncher{}
	e := f.engine(WithLauncher(launcher))
	ctx := context.Background()

	first, created, err := e.Run(ctx, RunRequest{Scope: "acme", TriggeredBy: "ip:10.0.0.1"})
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, domain.JobPending, first.Status)
	require.Equal(t, "2026-02", first.Period)

	second, created, err := e.Run(ctx, RunRequest{Scope: "acme"})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, []string{first.ID}, launcher.launched())
	require.Len(t, f.audit.ByAction(audit.ActionReconciliationTrigger), 1)

	other, created, err := e.Run(ctx, RunRequest{Scope: "globex"})
	require.NoError(t, err)
	require.True(t, created)
	require.NotEqual(t, first.ID, other.ID)
}

func TestRun_ConcurrentCallersShareOneJob(t *testing.T) {
	f := newFixture()
	launcher := &recordingLauncher{}
	e := f.engine(WithLauncher(launcher))

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[string]bool{}
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, _, err := e.Run(context.Background(), RunRequest{Scope: "acme"})
			if err != nil {
				t.Errorf("run: %v", err)
				return
			}
			mu.Lock()
			ids[job.ID] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Len(t, ids, 1)
	require.Len(t, launcher.launched(), 1)
}

func TestRun_LaunchFailureReleasesScope(t *testing.T) {
	f := newFixture()
	launcher := &recordingLauncher{err: errors.New("queue down")}
	e := f.engine(WithLauncher(launcher))

	_, _, err := e.Run(context.Background(), RunRequest{Scope: "acme"})
	require.ErrorContains(t, err, "queue down")

	launcher.err = nil
	_, created, err := e.Run(context.Background(), RunRequest{Scope: "acme"})
	require.NoError(t, err)
	require.True(t, created)
}

func TestRun_InvalidRequests(t *testing.T) {
	e := newFixture().engine()
	cases := []RunRequest{
		{},
		{Variant: domain.VariantPremium},
		{Variant: domain.VariantPremium, Period: "Feb 2026"},
		{Scope: "acme", Period: "2026-2"},
		{Scope: "acme", Variant: "gold"},
	}
	for _, req := range cases {
		_, _, err := e.Run(context.Background(), req)
		require.ErrorIs(t, err, ErrInvalidRequest, "%+v", req)
	}
}

func TestExecute_UnbilledTransferProducesMissingInternal(t *testing.T) {
	f := newFixture()
	f.transfers.Set("2026-02", transfer("tr_1", "INV-1", "", "100"))
	e := f.engine()

	job, created, err := e.Run(context.Background(), RunRequest{Scope: "acme"})
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, domain.JobCompleted, job.Status)
	require.NotNil(t, job.Summary)
	require.Equal(t, 1, job.Summary.MissingInternal)

	found, err := e.Discrepancies(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, domain.DiscrepancyMissingInternal, found[0].Kind)
	require.Equal(t, job.ID, found[0].JobID)
	require.True(t, found[0].ActualAmount.Equal(amount("100")))
	require.Len(t, f.audit.ByAction(audit.ActionReconciliationDone), 1)
}

func TestExecute_CollaboratorFailureCommitsNothing(t *testing.T) {
	f := newFixture()
	f.transfers.Set("2026-02", transfer("tr_1", "INV-1", "", "100"))
	f.billing.Fail(errors.New("billing provider returned 503"))
	e := f.engine()

	job, _, err := e.Run(context.Background(), RunRequest{Scope: "acme"})
	require.NoError(t, err)
	require.Equal(t, domain.JobFailed, job.Status)
	require.Contains(t, job.Error, "billing provider returned 503")
	require.NotNil(t, job.CompletedAt)

	found, err := e.Discrepancies(context.Background(), job.ID)
	require.NoError(t, err)
	require.Empty(t, found)
	require.Len(t, f.audit.ByAction(audit.ActionReconciliationFailed), 1)

	// The failed job no longer holds the scope.
	f.billing.Fail(nil)
	retry, created, err := e.Run(context.Background(), RunRequest{Scope: "acme"})
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, domain.JobCompleted, retry.Status)
}

func TestExecute_SkipsJobsThatAreNotPending(t *testing.T) {
	f := newFixture()
	e := f.engine(WithLauncher(&recordingLauncher{}))
	job, _, err := e.Run(context.Background(), RunRequest{Scope: "acme"})
	require.NoError(t, err)

	require.NoError(t, e.Execute(context.Background(), job.ID))
	require.NoError(t, e.Execute(context.Background(), job.ID))

	got, err := e.Job(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobCompleted, got.Status)
	require.ErrorIs(t, e.Execute(context.Background(), "missing"), ErrJobNotFound)
}

func TestExecute_PremiumCrossReferencesAdjacentPeriod(t *testing.T) {
	f := newFixture()
	late := transfer("tr_0", "INV-0", "cus_1", "10")
	late.Period = "2026-01"
	f.transfers.Set("2026-01", late)
	eur := transfer("tr_2", "INV-2", "cus_2", "20")
	eur.Currency = "EUR"
	f.transfers.Set("2026-02", eur)
	f.billing.Set("2026-02",
		record("b1", "INV-1", "cus_1", "10"),
		record("b2", "INV-2", "cus_2", "20"),
	)
	e := f.engine()

	job, created, err := e.Run(context.Background(), RunRequest{Variant: domain.VariantPremium, Period: "2026-02", TriggeredBy: "user:u1"})
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, "premium:2026-02", job.Scope)
	require.Equal(t, domain.JobCompleted, job.Status)

	found, err := e.Discrepancies(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, found, 2)
	require.Equal(t, domain.DiscrepancyMissingExternal, found[0].Kind)
	require.Equal(t, "paid in adjacent period 2026-01", found[0].Note)
	require.Equal(t, domain.DiscrepancyAmountMismatch, found[1].Kind)
	require.Equal(t, "currency mismatch: expected USD, got EUR", found[1].Note)
}

func TestExecute_PremiumFailsWhenAdjacentFetchFails(t *testing.T) {
	f := newFixture()
	f.transfers.Fail(errors.New("processor timeout"))
	e := f.engine()

	job, _, err := e.Run(context.Background(), RunRequest{Variant: domain.VariantPremium, Period: "2026-02"})
	require.NoError(t, err)
	require.Equal(t, domain.JobFailed, job.Status)
	require.Contains(t, job.Error, "processor timeout")
}

func TestRun_DetachedExecution(t *testing.T) {
	f := newFixture()
	f.transfers.Set("2026-02", transfer("tr_1", "INV-1", "", "100"))
	done := make(chan struct{})
	e := f.engine(WithDetached(func(task func(ctx context.Context)) error {
		go func() {
			defer close(done)
			task(context.Background())
		}()
		return nil
	}))

	job, created, err := e.Run(context.Background(), RunRequest{Scope: "acme"})
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, domain.JobPending, job.Status)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("detached run did not finish")
	}
	got, err := e.Job(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobCompleted, got.Status)
}

func TestSweepStale_ReleasesScope(t *testing.T) {
	f := newFixture()
	e := f.engine(WithLauncher(&recordingLauncher{}))
	ctx := context.Background()

	stuck, _, err := e.Run(ctx, RunRequest{Scope: "acme"})
	require.NoError(t, err)
	_, err = f.store.Start(ctx, stuck.ID, f.clock.Now())
	require.NoError(t, err)

	f.clock.Advance(5 * time.Minute)
	ids, err := e.SweepStale(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)

	f.clock.Advance(6 * time.Minute)
	ids, err = e.SweepStale(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{stuck.ID}, ids)

	got, err := e.Job(ctx, stuck.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobFailed, got.Status)
	require.Equal(t, StaleMessage, got.Error)

	next, created, err := e.Run(ctx, RunRequest{Scope: "acme"})
	require.NoError(t, err)
	require.True(t, created)
	require.NotEqual(t, stuck.ID, next.ID)
}

func TestResolveDiscrepancy(t *testing.T) {
	f := newFixture()
	f.billing.Set("acme", record("b1", "INV-1", "cus_1", "10"))
	e := f.engine()
	ctx := context.Background()

	job, _, err := e.Run(ctx, RunRequest{Scope: "acme"})
	require.NoError(t, err)
	found, err := e.Discrepancies(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, found, 1)

	resolved, err := e.ResolveDiscrepancy(ctx, found[0].ID, "user:ops")
	require.NoError(t, err)
	require.True(t, resolved.Resolved)
	require.Equal(t, "user:ops", resolved.ResolvedBy)
	require.Equal(t, now, *resolved.ResolvedAt)
	require.Len(t, f.audit.ByAction(audit.ActionDiscrepancyResolved), 1)

	_, err = e.ResolveDiscrepancy(ctx, found[0].ID, "user:ops")
	require.ErrorIs(t, err, ErrAlreadyResolved)
	_, err = e.ResolveDiscrepancy(ctx, "missing", "user:ops")
	require.ErrorIs(t, err, ErrDiscrepancyNotFound)
}

func TestConfigFrom(t *testing.T) {
	cfg, err := ConfigFrom(config.ReconciliationConfig{Tolerance: "0.05", FetchTimeout: time.Second})
	require.NoError(t, err)
	require.True(t, cfg.Tolerance.Equal(amount("0.05")))
	require.Equal(t, time.Second, cfg.FetchTimeout)

	_, err = ConfigFrom(config.ReconciliationConfig{Tolerance: "-1"})
	require.Error(t, err)
	_, err = ConfigFrom(config.ReconciliationConfig{Tolerance: "five cents"})
	require.Error(t, err)
}
