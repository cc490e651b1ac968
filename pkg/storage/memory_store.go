package storage

import (
	"context"
	"sync"
	"time"
)

// MemoryResponseStore is a bounded in-memory implementation of ResponseStore.
// When full, the oldest entry is evicted.
type MemoryResponseStore struct {
	mu      sync.RWMutex
	maxSize int
	entries map[string]CachedResponse
}

// NewMemoryResponseStore creates a store bounded to maxSize entries.
func NewMemoryResponseStore(maxSize int) *MemoryResponseStore {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &MemoryResponseStore{
		maxSize: maxSize,
		entries: make(map[string]CachedResponse),
	}
}

// Get retrieves a cached response by signature.
func (s *MemoryResponseStore) Get(_ context.Context, signature string) (CachedResponse, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resp, ok := s.entries[signature]
	return resp, ok
}

// Put stores a response, evicting the oldest entry when the bound is hit.
func (s *MemoryResponseStore) Put(_ context.Context, signature string, resp CachedResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[signature]; !exists && len(s.entries) >= s.maxSize {
		var oldestKey string
		var oldest time.Time
		for key, entry := range s.entries {
			if oldestKey == "" || entry.StoredAt.Before(oldest) {
				oldestKey = key
				oldest = entry.StoredAt
			}
		}
		delete(s.entries, oldestKey)
	}

	s.entries[signature] = resp
	return nil
}

// Prune drops entries stored before the cutoff.
func (s *MemoryResponseStore) Prune(_ context.Context, cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, entry := range s.entries {
		if entry.StoredAt.Before(cutoff) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of cached responses.
func (s *MemoryResponseStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Close is a no-op for the memory store.
func (s *MemoryResponseStore) Close() error {
	return nil
}
