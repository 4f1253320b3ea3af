package session

import (
	"context"
	"sync"
	"time"

	"github.com/mohammad-safakhou/aide/internal/backend"
)

type memoryEntry struct {
	history   []backend.Turn
	expiresAt time.Time
}

// MemoryStore keeps histories in process memory. Expired sessions are
// dropped lazily on access.
type MemoryStore struct {
	mu       sync.RWMutex
	ttl      time.Duration
	sessions map[string]memoryEntry

	// Overridable for tests.
	now func() time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:      effectiveTTL(ttl),
		sessions: make(map[string]memoryEntry),
		now:      time.Now,
	}
}

func (s *MemoryStore) Load(_ context.Context, sessionID string) ([]backend.Turn, error) {
	s.mu.RLock()
	entry, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if s.now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.sessions, sessionID)
		s.mu.Unlock()
		return nil, nil
	}
	out := make([]backend.Turn, len(entry.history))
	copy(out, entry.history)
	return out, nil
}

func (s *MemoryStore) Save(_ context.Context, sessionID string, history []backend.Turn) error {
	stored := make([]backend.Turn, len(history))
	copy(stored, history)
	s.mu.Lock()
	s.sessions[sessionID] = memoryEntry{history: stored, expiresAt: s.now().Add(s.ttl)}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close() error { return nil }
