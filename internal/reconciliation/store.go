package reconciliation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"ledgerwatch.io/ledgerwatch/internal/domain"
)

var (
	// ErrJobNotFound is returned when no job matches.
	ErrJobNotFound = errors.New("reconciliation job not found")
	// ErrJobNotRunnable is returned when a job is not in the state a
	// transition expects.
	ErrJobNotRunnable = errors.New("reconciliation job is not in the expected state")
	// ErrDiscrepancyNotFound is returned when no discrepancy matches.
	ErrDiscrepancyNotFound = errors.New("discrepancy not found")
	// ErrAlreadyResolved is returned when resolving a resolved discrepancy.
	ErrAlreadyResolved = errors.New("discrepancy already resolved")
)

// LaunchFunc schedules execution of a freshly created job. tx is the
// creating transaction, or nil for stores without one.
type LaunchFunc func(ctx context.Context, tx pgx.Tx, job *domain.ReconciliationJob) error

// Store persists jobs and their discrepancies.
type Store interface {
	// CreateOrGet inserts job unless a pending or running job already
	// holds its scope, in which case that job is returned with
	// created=false. launch, when not nil, runs only for a created job and
	// its failure undoes the insert.
	CreateOrGet(ctx context.Context, job *domain.ReconciliationJob, launch LaunchFunc) (*domain.ReconciliationJob, bool, error)
	GetJob(ctx context.Context, id string) (*domain.ReconciliationJob, error)
	// Start moves a pending job to running. ErrJobNotRunnable otherwise.
	Start(ctx context.Context, id string, at time.Time) (*domain.ReconciliationJob, error)
	// Complete writes discrepancies and marks a running job completed in
	// one step.
	Complete(ctx context.Context, id string, at time.Time, summary domain.JobSummary, found []*domain.Discrepancy) error
	// Fail marks a non-terminal job failed with msg.
	Fail(ctx context.Context, id string, at time.Time, msg string) error
	// FailStale fails every non-terminal job that started (or was created,
	// if never started) before cutoff and returns their ids.
	FailStale(ctx context.Context, cutoff, at time.Time, msg string) ([]string, error)
	// Discrepancies lists the discrepancies of a job in insertion order.
	Discrepancies(ctx context.Context, jobID string) ([]*domain.Discrepancy, error)
	GetDiscrepancy(ctx context.Context, id string) (*domain.Discrepancy, error)
	ResolveDiscrepancy(ctx context.Context, id, by string, at time.Time) (*domain.Discrepancy, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	jobs    map[string]*domain.ReconciliationJob
	open    map[string]string
	found   map[string][]*domain.Discrepancy
	byDiscr map[string]*domain.Discrepancy
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:    make(map[string]*domain.ReconciliationJob),
		open:    make(map[string]string),
		found:   make(map[string][]*domain.Discrepancy),
		byDiscr: make(map[string]*domain.Discrepancy),
	}
}

var _ Store = (*MemoryStore)(nil)

func cloneJob(j *domain.ReconciliationJob) *domain.ReconciliationJob {
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.Summary != nil {
		s := *j.Summary
		c.Summary = &s
	}
	return &c
}

func cloneDiscrepancy(d *domain.Discrepancy) *domain.Discrepancy {
	c := *d
	if d.ResolvedAt != nil {
		t := *d.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

func (m *MemoryStore) CreateOrGet(ctx context.Context, job *domain.ReconciliationJob, launch LaunchFunc) (*domain.ReconciliationJob, bool, error) {
	m.mu.Lock()
	if id, ok := m.open[job.Scope]; ok {
		existing := cloneJob(m.jobs[id])
		m.mu.Unlock()
		return existing, false, nil
	}
	stored := cloneJob(job)
	stored.Status = domain.JobPending
	m.jobs[stored.ID] = stored
	m.open[stored.Scope] = stored.ID
	created := cloneJob(stored)
	m.mu.Unlock()

	if launch == nil {
		return created, true, nil
	}
	if err := launch(ctx, nil, created); err != nil {
		m.mu.Lock()
		delete(m.jobs, stored.ID)
		if m.open[stored.Scope] == stored.ID {
			delete(m.open, stored.Scope)
		}
		m.mu.Unlock()
		return nil, false, err
	}
	return created, true, nil
}

func (m *MemoryStore) GetJob(_ context.Context, id string) (*domain.ReconciliationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return cloneJob(j), nil
}

func (m *MemoryStore) Start(_ context.Context, id string, at time.Time) (*domain.ReconciliationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if j.Status != domain.JobPending {
		return nil, ErrJobNotRunnable
	}
	j.Status = domain.JobRunning
	j.StartedAt = &at
	return cloneJob(j), nil
}

func (m *MemoryStore) Complete(_ context.Context, id string, at time.Time, summary domain.JobSummary, found []*domain.Discrepancy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if j.Status != domain.JobRunning {
		return ErrJobNotRunnable
	}
	rows := make([]*domain.Discrepancy, 0, len(found))
	for _, d := range found {
		c := cloneDiscrepancy(d)
		c.JobID = id
		rows = append(rows, c)
		m.byDiscr[c.ID] = c
	}
	m.found[id] = rows
	j.Status = domain.JobCompleted
	j.CompletedAt = &at
	j.Summary = &summary
	m.release(j)
	return nil
}

func (m *MemoryStore) Fail(_ context.Context, id string, at time.Time, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if j.Status.IsTerminal() {
		return ErrJobNotRunnable
	}
	m.fail(j, at, msg)
	return nil
}

func (m *MemoryStore) fail(j *domain.ReconciliationJob, at time.Time, msg string) {
	j.Status = domain.JobFailed
	j.CompletedAt = &at
	j.Error = msg
	m.release(j)
}

func (m *MemoryStore) release(j *domain.ReconciliationJob) {
	if m.open[j.Scope] == j.ID {
		delete(m.open, j.Scope)
	}
}

func (m *MemoryStore) FailStale(_ context.Context, cutoff, at time.Time, msg string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, id := range m.open {
		j := m.jobs[id]
		since := j.CreatedAt
		if j.StartedAt != nil {
			since = *j.StartedAt
		}
		if since.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		m.fail(m.jobs[id], at, msg)
	}
	return ids, nil
}

func (m *MemoryStore) Discrepancies(_ context.Context, jobID string) ([]*domain.Discrepancy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[jobID]; !ok {
		return nil, ErrJobNotFound
	}
	out := make([]*domain.Discrepancy, 0, len(m.found[jobID]))
	for _, d := range m.found[jobID] {
		out = append(out, cloneDiscrepancy(d))
	}
	return out, nil
}

func (m *MemoryStore) GetDiscrepancy(_ context.Context, id string) (*domain.Discrepancy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.byDiscr[id]
	if !ok {
		return nil, ErrDiscrepancyNotFound
	}
	return cloneDiscrepancy(d), nil
}

func (m *MemoryStore) ResolveDiscrepancy(_ context.Context, id, by string, at time.Time) (*domain.Discrepancy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.byDiscr[id]
	if !ok {
		return nil, ErrDiscrepancyNotFound
	}
	if d.Resolved {
		return nil, ErrAlreadyResolved
	}
	d.Resolved = true
	d.ResolvedAt = &at
	d.ResolvedBy = by
	return cloneDiscrepancy(d), nil
}
