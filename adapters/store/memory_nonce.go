package store

import (
	"context"
	"sync"
	"time"

	"github.com/layer-3/rewardgate/core"
	"github.com/layer-3/rewardgate/ports"
)

// MemoryNonceStore is an in-memory implementation of the NonceStore interface
type MemoryNonceStore struct {
	nonces map[string]core.Nonce
	ttl    time.Duration
	now    func() time.Time
	mu     sync.Mutex
}

// NewMemoryNonceStore creates a new in-memory nonce store
func NewMemoryNonceStore(ttl time.Duration, now func() time.Time) *MemoryNonceStore {
	if ttl <= 0 {
		ttl = DefaultNonceTTL
	}
	if now == nil {
		now = time.Now
	}
	return &MemoryNonceStore{
		nonces: make(map[string]core.Nonce),
		ttl:    ttl,
		now:    now,
	}
}

var _ ports.NonceStore = (*MemoryNonceStore)(nil)

// Issue stores a fresh nonce for address, overwriting any previous one
func (s *MemoryNonceStore) Issue(ctx context.Context, address string) (core.Nonce, error) {
	value, err := generateNonce()
	if err != nil {
		return core.Nonce{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	nonce := core.Nonce{
		Address:   address,
		Value:     value,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.ttl),
	}
	s.nonces[address] = nonce
	s.sweepLocked(now)

	return nonce, nil
}

// Current returns the nonce on file for address
func (s *MemoryNonceStore) Current(ctx context.Context, address string) (core.Nonce, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nonce, ok := s.nonces[address]
	if !ok {
		return core.Nonce{}, core.ErrNonceNotFound
	}
	return nonce, nil
}

// Consume marks the nonce consumed when it exists, is live, unconsumed and matches value
func (s *MemoryNonceStore) Consume(ctx context.Context, address, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	nonce, ok := s.nonces[address]
	switch {
	case !ok:
		return core.ErrNonceNotFound
	case nonce.Consumed:
		return core.ErrNonceConsumed
	case nonce.Expired(s.now()):
		return core.ErrNonceExpired
	case nonce.Value != value:
		return core.ErrNonceMismatch
	}

	nonce.Consumed = true
	s.nonces[address] = nonce
	return nil
}

// Sweep removes nonces that expired more than one TTL ago
func (s *MemoryNonceStore) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(s.now())
}

// sweepLocked keeps recently expired nonces so callers still see ErrNonceExpired. Must be called with lock held.
func (s *MemoryNonceStore) sweepLocked(now time.Time) {
	for address, nonce := range s.nonces {
		if now.After(nonce.ExpiresAt.Add(s.ttl)) {
			delete(s.nonces, address)
		}
	}
}
