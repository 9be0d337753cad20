package store

import (
	"context"
	"sync"
	"time"

	"github.com/layer-3/rewardgate/core"
	"github.com/layer-3/rewardgate/ports"
)

type activeSession struct {
	id        string
	expiresAt time.Time
}

// MemorySessionStore is an in-memory implementation of the SessionStore interface
type MemorySessionStore struct {
	active map[string]activeSession
	now    func() time.Time
	mu     sync.RWMutex
}

// NewMemorySessionStore creates a new in-memory session store
func NewMemorySessionStore(now func() time.Time) *MemorySessionStore {
	if now == nil {
		now = time.Now
	}
	return &MemorySessionStore{
		active: make(map[string]activeSession),
		now:    now,
	}
}

var _ ports.SessionStore = (*MemorySessionStore)(nil)

// SetActive replaces the active session of address
func (s *MemorySessionStore) SetActive(ctx context.Context, address, sessionID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.active[address] = activeSession{id: sessionID, expiresAt: now.Add(ttl)}

	for addr, entry := range s.active {
		if now.After(entry.expiresAt) {
			delete(s.active, addr)
		}
	}
	return nil
}

// Active returns the active session id of address
func (s *MemorySessionStore) Active(ctx context.Context, address string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.active[address]
	if !ok || !s.now().Before(entry.expiresAt) {
		return "", core.ErrSessionInvalid
	}
	return entry.id, nil
}

// Revoke removes the active entry if it still points at sessionID
func (s *MemorySessionStore) Revoke(ctx context.Context, address, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.active[address]; ok && entry.id == sessionID {
		delete(s.active, address)
	}
	return nil
}
