package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Store holds limiter state. Every operation is atomic per key and every
// key expires.
type Store interface {
	// Incr adds one to key, starting its ttl when the key is created, and
	// returns the new count.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Claim stores value under key for ttl unless the key exists, and
	// returns the value held afterwards.
	Claim(ctx context.Context, key, value string, ttl time.Duration) (string, error)
	// TTL returns the remaining lifetime of key, or zero when absent.
	TTL(ctx context.Context, key string) (time.Duration, error)
	// AddMember adds member to the set at key, extends the set's ttl and
	// returns its size.
	AddMember(ctx context.Context, key, member string, ttl time.Duration) (int64, error)
}

type memEntry struct {
	count   int64
	value   string
	members map[string]struct{}
	expires time.Time
}

// MemoryStore is an in-process Store. Expired keys are dropped lazily and
// by Sweep.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	now     func() time.Time
}

// MemoryOption customizes a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryClock overrides time.Now.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) { m.now = now }
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{entries: make(map[string]*memEntry), now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var _ Store = (*MemoryStore)(nil)

// live returns the unexpired entry at key. Callers hold mu.
func (m *MemoryStore) live(key string, now time.Time) *memEntry {
	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	if !now.Before(e.expires) {
		delete(m.entries, key)
		return nil
	}
	return e
}

func (m *MemoryStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	e := m.live(key, now)
	if e == nil {
		e = &memEntry{expires: now.Add(ttl)}
		m.entries[key] = e
	}
	e.count++
	return e.count, nil
}

func (m *MemoryStore) Claim(_ context.Context, key, value string, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if e := m.live(key, now); e != nil {
		return e.value, nil
	}
	m.entries[key] = &memEntry{value: value, expires: now.Add(ttl)}
	return value, nil
}

func (m *MemoryStore) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	e := m.live(key, now)
	if e == nil {
		return 0, nil
	}
	return e.expires.Sub(now), nil
}

func (m *MemoryStore) AddMember(_ context.Context, key, member string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	e := m.live(key, now)
	if e == nil {
		e = &memEntry{}
		m.entries[key] = e
	}
	if e.members == nil {
		e.members = make(map[string]struct{})
	}
	e.members[member] = struct{}{}
	e.expires = now.Add(ttl)
	return int64(len(e.members)), nil
}

// Sweep drops expired keys and returns how many were removed.
func (m *MemoryStore) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	removed := 0
	for k, e := range m.entries {
		if !now.Before(e.expires) {
			delete(m.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored keys, expired ones included.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// RunSweeper calls Sweep every interval until ctx is done.
func (m *MemoryStore) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}
