package idempotency

import (
	"context"
	"sync"
	"time"
)

// Record is a stored response for one scope key. Records are immutable
// while live.
type Record struct {
	ScopeKey    string
	Status      int
	Body        []byte
	Header      map[string]string
	Fingerprint string
	StoredAt    time.Time
}

// Store persists records.
type Store interface {
	// Get returns the record for scopeKey, or nil if there is none. Expired
	// records may be returned; callers check StoredAt.
	Get(ctx context.Context, scopeKey string) (*Record, error)
	// PutIfAbsent stores rec unless a record stored at or after liveSince
	// already exists for its scope key. The first live writer wins.
	PutIfAbsent(ctx context.Context, rec Record, liveSince time.Time) (bool, error)
	// Sweep deletes records stored before olderThan.
	Sweep(ctx context.Context, olderThan time.Time) (int, error)
}

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Get returns a copy of the record at scopeKey.
func (m *MemoryStore) Get(_ context.Context, scopeKey string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[scopeKey]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// PutIfAbsent stores rec unless a live record exists.
func (m *MemoryStore) PutIfAbsent(_ context.Context, rec Record, liveSince time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.records[rec.ScopeKey]; ok && !cur.StoredAt.Before(liveSince) {
		return false, nil
	}
	m.records[rec.ScopeKey] = rec
	return true, nil
}

// Sweep deletes records stored before olderThan.
func (m *MemoryStore) Sweep(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, rec := range m.records {
		if rec.StoredAt.Before(olderThan) {
			delete(m.records, k)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored records.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
