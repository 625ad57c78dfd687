package store

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	token     string
	expiresAt time.Time // zero means no expiry
}

// MemoryStore is a process-local TokenStore. Expired entries are dropped lazily.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Get returns the token for sessionID, dropping the entry if it has expired.
func (s *MemoryStore) Get(_ context.Context, sessionID string) (string, error) {
	s.mu.RLock()
	e, ok := s.entries[sessionID]
	s.mu.RUnlock()

	if !ok {
		return "", ErrNotFound
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		s.mu.Lock()
		// Re-check: a concurrent Put may have refreshed the entry.
		if cur, ok := s.entries[sessionID]; ok && cur == e {
			delete(s.entries, sessionID)
		}
		s.mu.Unlock()
		return "", ErrNotFound
	}
	return e.token, nil
}

// Put stores token for sessionID. A zero ttl never expires.
func (s *MemoryStore) Put(_ context.Context, sessionID, token string, ttl time.Duration) error {
	if err := validSession(sessionID); err != nil {
		return err
	}
	e := memoryEntry{token: token}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}

	s.mu.Lock()
	s.entries[sessionID] = e
	s.mu.Unlock()
	return nil
}

// Delete removes sessionID if present.
func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.entries, sessionID)
	s.mu.Unlock()
	return nil
}

// Close is a no-op; the map is released with the store.
func (s *MemoryStore) Close() error { return nil }
