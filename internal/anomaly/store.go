package anomaly

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"ledgerwatch.io/ledgerwatch/internal/domain"
)

var (
	// ErrNotFound is returned when no anomaly matches.
	ErrNotFound = errors.New("anomaly not found")
	// ErrNotActive is returned when resolving an anomaly that is already resolved.
	ErrNotActive = errors.New("anomaly is not active")
)

// Store persists anomalies. At most one anomaly per type is active.
type Store interface {
	// Create inserts a as the active anomaly of its type. When one is
	// already active it is returned instead with created=false.
	Create(ctx context.Context, a *domain.Anomaly) (*domain.Anomaly, bool, error)
	// Active returns the active anomaly of a type, or ErrNotFound.
	Active(ctx context.Context, typ string) (*domain.Anomaly, error)
	// Update rewrites the mutable fields of an active anomaly.
	Update(ctx context.Context, a *domain.Anomaly) error
	// Resolve marks an active anomaly resolved.
	Resolve(ctx context.Context, id, by string, at time.Time) (*domain.Anomaly, error)
	Get(ctx context.Context, id string) (*domain.Anomaly, error)
	// List returns anomalies newest first.
	List(ctx context.Context, f domain.AnomalyFilter) ([]*domain.Anomaly, error)
	Counts(ctx context.Context) (domain.AnomalyCounts, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.Mutex
	byID   map[string]*domain.Anomaly
	active map[string]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*domain.Anomaly),
		active: make(map[string]string),
	}
}

var _ Store = (*MemoryStore)(nil)

func clone(a *domain.Anomaly) *domain.Anomaly {
	c := *a
	c.AffectedEventIDs = append([]string(nil), a.AffectedEventIDs...)
	if a.Metadata != nil {
		c.Metadata = append([]byte(nil), a.Metadata...)
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

func (m *MemoryStore) Create(_ context.Context, a *domain.Anomaly) (*domain.Anomaly, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.active[a.Type]; ok {
		return clone(m.byID[id]), false, nil
	}
	stored := clone(a)
	stored.Status = domain.AnomalyActive
	m.byID[stored.ID] = stored
	m.active[stored.Type] = stored.ID
	return clone(stored), true, nil
}

func (m *MemoryStore) Active(_ context.Context, typ string) (*domain.Anomaly, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.active[typ]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(m.byID[id]), nil
}

func (m *MemoryStore) Update(_ context.Context, a *domain.Anomaly) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.byID[a.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Status != domain.AnomalyActive {
		return ErrNotActive
	}
	stored.Severity = a.Severity
	stored.Description = a.Description
	stored.Confidence = a.Confidence
	stored.AffectedEventIDs = append([]string(nil), a.AffectedEventIDs...)
	stored.Metadata = append([]byte(nil), a.Metadata...)
	stored.ClearCycles = a.ClearCycles
	stored.UpdatedAt = a.UpdatedAt
	return nil
}

func (m *MemoryStore) Resolve(_ context.Context, id, by string, at time.Time) (*domain.Anomaly, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if stored.Status != domain.AnomalyActive {
		return nil, ErrNotActive
	}
	stored.Status = domain.AnomalyResolved
	stored.ResolvedAt = &at
	stored.ResolvedBy = by
	stored.UpdatedAt = at
	delete(m.active, stored.Type)
	return clone(stored), nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*domain.Anomaly, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(a), nil
}

func (m *MemoryStore) List(_ context.Context, f domain.AnomalyFilter) ([]*domain.Anomaly, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Anomaly, 0)
	for _, a := range m.byID {
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.Severity != "" && a.Severity != f.Severity {
			continue
		}
		out = append(out, clone(a))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].DetectedAt.After(out[j].DetectedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Counts(_ context.Context) (domain.AnomalyCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := domain.AnomalyCounts{BySeverity: map[domain.Severity]int64{}}
	for _, a := range m.byID {
		if a.Status == domain.AnomalyActive {
			c.Active++
			c.BySeverity[a.Severity]++
		} else {
			c.Resolved++
		}
	}
	return c, nil
}
