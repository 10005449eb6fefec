package metrics

import (
	"context"
	"sort"
	"sync"
	"time"

	"ledgerwatch.io/ledgerwatch/internal/domain"
)

// Store persists metric bucket rows keyed by (name, dimensions, bucket).
type Store interface {
	// ReplaceBucket makes rows the complete content of one bucket of a
	// metric. Rows whose value and sample count are unchanged are left
	// alone; rows for dimension sets no longer present are deleted. It
	// returns how many rows were inserted, updated or deleted.
	ReplaceBucket(ctx context.Context, name string, bucket time.Time, rows []domain.EventMetric) (int, error)
	// Series returns rows of a metric with bucket start in [start, end),
	// oldest first.
	Series(ctx context.Context, name string, start, end time.Time) ([]domain.EventMetric, error)
}

type memKey struct {
	name   string
	dims   string
	bucket int64
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[memKey]domain.EventMetric
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[memKey]domain.EventMetric)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) ReplaceBucket(_ context.Context, name string, bucket time.Time, rows []domain.EventMetric) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := bucket.UTC().Unix()
	keep := make(map[string]bool, len(rows))
	changed := 0
	for _, r := range rows {
		k := memKey{name: name, dims: r.Dimensions.Key(), bucket: b}
		keep[k.dims] = true
		if old, ok := m.rows[k]; ok && old.Value == r.Value && old.SampleCount == r.SampleCount {
			continue
		}
		r.Dimensions = copyDims(r.Dimensions)
		m.rows[k] = r
		changed++
	}
	for k := range m.rows {
		if k.name == name && k.bucket == b && !keep[k.dims] {
			delete(m.rows, k)
			changed++
		}
	}
	return changed, nil
}

func (m *MemoryStore) Series(_ context.Context, name string, start, end time.Time) ([]domain.EventMetric, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.EventMetric, 0)
	for k, r := range m.rows {
		if k.name != name || r.Timestamp.Before(start) || !r.Timestamp.Before(end) {
			continue
		}
		r.Dimensions = copyDims(r.Dimensions)
		out = append(out, r)
	}
	sortSeries(out)
	return out, nil
}

func sortSeries(rows []domain.EventMetric) {
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].Timestamp.Equal(rows[j].Timestamp) {
			return rows[i].Timestamp.Before(rows[j].Timestamp)
		}
		return rows[i].Dimensions.Key() < rows[j].Dimensions.Key()
	})
}

func copyDims(d domain.Dimensions) domain.Dimensions {
	out := make(domain.Dimensions, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}
