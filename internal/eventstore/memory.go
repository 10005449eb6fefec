package eventstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"ledgerwatch.io/ledgerwatch/internal/domain"
)

// MemoryStore is an in-process Store for tests and single-node dev runs.
type MemoryStore struct {
	mu         sync.Mutex
	byID       map[string]*domain.WebhookEvent
	byExternal map[string]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:       make(map[string]*domain.WebhookEvent),
		byExternal: make(map[string]string),
	}
}

var _ Store = (*MemoryStore)(nil)

func clone(e *domain.WebhookEvent) *domain.WebhookEvent {
	c := *e
	if e.Payload != nil {
		c.Payload = append([]byte(nil), e.Payload...)
	}
	if e.ClaimedAt != nil {
		t := *e.ClaimedAt
		c.ClaimedAt = &t
	}
	if e.ProcessedAt != nil {
		t := *e.ProcessedAt
		c.ProcessedAt = &t
	}
	if e.DurationMs != nil {
		d := *e.DurationMs
		c.DurationMs = &d
	}
	return &c
}

func (m *MemoryStore) Insert(_ context.Context, e *domain.WebhookEvent) (*domain.WebhookEvent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byExternal[e.ExternalEventID]; ok {
		return clone(m.byID[id]), false, nil
	}
	stored := clone(e)
	stored.State = domain.EventStateQueued
	m.byID[stored.ID] = stored
	m.byExternal[stored.ExternalEventID] = stored.ID
	return clone(stored), true, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*domain.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(e), nil
}

func (m *MemoryStore) ClaimNext(_ context.Context, now time.Time) (*domain.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var next *domain.WebhookEvent
	for _, e := range m.byID {
		if e.State != domain.EventStateQueued || e.AvailableAt.After(now) {
			continue
		}
		if next == nil || e.AvailableAt.Before(next.AvailableAt) ||
			(e.AvailableAt.Equal(next.AvailableAt) && e.ReceivedAt.Before(next.ReceivedAt)) {
			next = e
		}
	}
	if next == nil {
		return nil, ErrQueueEmpty
	}
	m.claimLocked(next, now)
	return clone(next), nil
}

func (m *MemoryStore) Claim(_ context.Context, id string, now time.Time) (*domain.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if e.State != domain.EventStateQueued {
		return nil, ErrStateConflict
	}
	m.claimLocked(e, now)
	return clone(e), nil
}

func (m *MemoryStore) claimLocked(e *domain.WebhookEvent, now time.Time) {
	claimed := now
	e.State = domain.EventStateProcessing
	e.ClaimedAt = &claimed
}

// heldLocked returns the stored event if the caller still holds its claim.
func (m *MemoryStore) heldLocked(e *domain.WebhookEvent) (*domain.WebhookEvent, error) {
	stored, ok := m.byID[e.ID]
	if !ok {
		return nil, ErrNotFound
	}
	if stored.State != domain.EventStateProcessing || !sameClaim(stored.ClaimedAt, e.ClaimedAt) {
		return nil, ErrStateConflict
	}
	return stored, nil
}

func (m *MemoryStore) Complete(_ context.Context, e *domain.WebhookEvent, processedAt time.Time, durationMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, err := m.heldLocked(e)
	if err != nil {
		return err
	}
	stored.State = domain.EventStateCompleted
	stored.ProcessedAt = &processedAt
	stored.DurationMs = &durationMs
	stored.LastError = ""
	return nil
}

func (m *MemoryStore) Requeue(_ context.Context, e *domain.WebhookEvent, attempts int, availableAt time.Time, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, err := m.heldLocked(e)
	if err != nil {
		return err
	}
	stored.State = domain.EventStateQueued
	stored.AttemptCount = attempts
	stored.AvailableAt = availableAt
	stored.LastError = lastError
	stored.ClaimedAt = nil
	return nil
}

func (m *MemoryStore) Kill(_ context.Context, e *domain.WebhookEvent, attempts int, at time.Time, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, err := m.heldLocked(e)
	if err != nil {
		return err
	}
	stored.State = domain.EventStateDead
	stored.AttemptCount = attempts
	stored.LastError = lastError
	stored.ProcessedAt = &at
	return nil
}

func (m *MemoryStore) ReapStuck(_ context.Context, claimedBefore, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for _, e := range m.byID {
		if e.State != domain.EventStateProcessing || e.ClaimedAt == nil || !e.ClaimedAt.Before(claimedBefore) {
			continue
		}
		e.State = domain.EventStateQueued
		e.ClaimedAt = nil
		e.AvailableAt = now
		ids = append(ids, e.ID)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) List(_ context.Context, f ListFilter) ([]*domain.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	states := make(map[domain.EventState]bool, len(f.States))
	for _, s := range f.States {
		states[s] = true
	}
	types := make(map[domain.EventType]bool, len(f.EventTypes))
	for _, t := range f.EventTypes {
		types[t] = true
	}

	out := make([]*domain.WebhookEvent, 0)
	for _, e := range m.byID {
		if len(states) > 0 && !states[e.State] {
			continue
		}
		if len(types) > 0 && !types[e.EventType] {
			continue
		}
		if !f.ReceivedFrom.IsZero() && e.ReceivedAt.Before(f.ReceivedFrom) {
			continue
		}
		if !f.ReceivedTo.IsZero() && !e.ReceivedAt.Before(f.ReceivedTo) {
			continue
		}
		out = append(out, clone(e))
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ID < out[j].ID
		}
		if f.NewestFirst {
			return out[i].ReceivedAt.After(out[j].ReceivedAt)
		}
		return out[i].ReceivedAt.Before(out[j].ReceivedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) CountByState(_ context.Context) (map[domain.EventState]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[domain.EventState]int64, len(domain.AllEventStates))
	for _, e := range m.byID {
		counts[e.State]++
	}
	return counts, nil
}

func (m *MemoryStore) Health(ctx context.Context, now time.Time) (domain.QueueHealth, error) {
	counts, err := m.CountByState(ctx)
	if err != nil {
		return domain.QueueHealth{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	h := domain.QueueHealth{Counts: counts}
	var total, n int64
	var oldest time.Time
	for _, e := range m.byID {
		if e.State == domain.EventStateCompleted && e.DurationMs != nil {
			total += *e.DurationMs
			n++
		}
		if e.State == domain.EventStateQueued && (oldest.IsZero() || e.ReceivedAt.Before(oldest)) {
			oldest = e.ReceivedAt
		}
	}
	if n > 0 {
		h.AvgDurationMs = float64(total) / float64(n)
	}
	if !oldest.IsZero() {
		h.OldestQueuedAge = now.Sub(oldest).Seconds()
	}
	return h, nil
}
