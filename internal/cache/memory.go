package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps entries in process.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) Read(_ context.Context, key string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	return e, ok, nil
}

func (s *MemoryStore) Write(_ context.Context, e Entry) error {
	s.mu.Lock()
	s.entries[e.Key] = e
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Touch(_ context.Context, key string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		e.AccessCount++
		e.LastAccess = at
		s.entries[key] = e
	}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, keys ...string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, k := range keys {
		if _, ok := s.entries[k]; ok {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ScanExpired(_ context.Context, createdBefore time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for k, e := range s.entries {
		if e.CreatedAt.Before(createdBefore) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *MemoryStore) List(_ context.Context) ([]Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Meta, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Meta)
	}
	return out, nil
}

func (s *MemoryStore) Len(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}

func (s *MemoryStore) Close() error { return nil }
