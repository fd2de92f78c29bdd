package cache

import (
	"context"
	"sync"
	"time"
)

// Store is a byte-oriented TTL cache shared by the auth and budget layers.
// The memory backend serves single-replica deployments; the redis backend
// lets multiple gateway replicas share one view of key and budget snapshots.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte)
	Delete(ctx context.Context, key string)
	Clear(ctx context.Context)
}

// MemoryStore is the in-process Store backend.
type MemoryStore struct {
	mu    sync.RWMutex
	ttl   time.Duration
	items map[string]ttlEntry[[]byte]
}

// NewMemoryStore creates an in-process store with the given TTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:   ttl,
		items: make(map[string]ttlEntry[[]byte]),
	}
}

// Get returns the cached value for key if present and unexpired.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool) {
	s.mu.RLock()
	entry, ok := s.items[key]
	s.mu.RUnlock()

	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.value, true
}

// Set stores value under key.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = ttlEntry[[]byte]{value: value, expiresAt: time.Now().Add(s.ttl)}
}

// Delete removes key.
func (s *MemoryStore) Delete(_ context.Context, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
}

// Clear removes every entry.
func (s *MemoryStore) Clear(_ context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]ttlEntry[[]byte])
}
