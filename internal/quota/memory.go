package quota

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	count     int64
	fields    map[string]int64
	expiresAt time.Time
}

// MemoryBackend is an in-process Backend for tests and single-instance
// development. Expired entries are dropped lazily on access.
type MemoryBackend struct {
	mu   sync.Mutex
	data map[string]*memoryEntry
	now  func() time.Time
}

// NewMemoryBackend creates an empty backend using the wall clock.
func NewMemoryBackend() *MemoryBackend {
	return NewMemoryBackendWithClock(time.Now)
}

// NewMemoryBackendWithClock lets tests drive window expiry.
func NewMemoryBackendWithClock(now func() time.Time) *MemoryBackend {
	return &MemoryBackend{
		data: make(map[string]*memoryEntry),
		now:  now,
	}
}

// live returns the unexpired entry for key, creating one when absent.
// Caller holds mu.
func (b *MemoryBackend) live(key string, ttl time.Duration) *memoryEntry {
	now := b.now()
	e, ok := b.data[key]
	if !ok || !now.Before(e.expiresAt) {
		e = &memoryEntry{expiresAt: now.Add(ttl)}
		b.data[key] = e
	}
	return e
}

func (b *MemoryBackend) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.live(key, ttl)
	e.count++
	return e.count, nil
}

func (b *MemoryBackend) HIncrBy(ctx context.Context, key string, deltas map[string]int64, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.live(key, ttl)
	if e.fields == nil {
		e.fields = make(map[string]int64, len(deltas))
	}
	for field, d := range deltas {
		e.fields[field] += d
	}
	e.expiresAt = b.now().Add(ttl)
	return nil
}

func (b *MemoryBackend) HGetAll(ctx context.Context, key string) (map[string]int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]int64)
	e, ok := b.data[key]
	if !ok || !b.now().Before(e.expiresAt) {
		return out, nil
	}
	for k, v := range e.fields {
		out[k] = v
	}
	return out, nil
}

// Size returns the number of live keys (for testing).
func (b *MemoryBackend) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	n := 0
	for _, e := range b.data {
		if now.Before(e.expiresAt) {
			n++
		}
	}
	return n
}
