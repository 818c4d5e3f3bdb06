package quota

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps buckets in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]Bucket
	now     func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]Bucket), now: time.Now}
}

// Get returns the bucket at key.
func (m *MemoryStore) Get(_ context.Context, key string) (Bucket, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[key]
	return b, ok, nil
}

// CompareAndSwap stores next if key still holds old.
func (m *MemoryStore) CompareAndSwap(_ context.Context, key string, old Bucket, found bool, next Bucket) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.buckets[key]
	if ok != found {
		return false, nil
	}
	if ok && (cur.Tokens != old.Tokens || !cur.LastRefill.Equal(old.LastRefill)) {
		return false, nil
	}
	m.buckets[key] = next
	return true, nil
}

// Prune drops buckets untouched for longer than idle and returns how many
// were removed. A dropped bucket is recreated full on next use.
func (m *MemoryStore) Prune(idle time.Duration) int {
	cutoff := m.now().Add(-idle)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, b := range m.buckets {
		if b.LastRefill.Before(cutoff) {
			delete(m.buckets, k)
			n++
		}
	}
	return n
}

// Len returns the number of tracked buckets.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}
