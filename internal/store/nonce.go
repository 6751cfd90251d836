package store

import (
	"sync"
	"time"
)

// NonceTTL is the lifetime of a payment challenge.
const NonceTTL = 120 * time.Second

// Challenge is one outstanding 402 payment challenge. Nonces live only
// in memory; loss on restart just forces the client to re-challenge.
type Challenge struct {
	Nonce           string
	MerchantAddress string
	AmountSats      Sats
	APIPath         string
	ExpiresAt       time.Time
	Consumed        bool
}

// NonceStore tracks challenges with single-use consumption. Expired
// entries are swept lazily on access and by the periodic Sweep.
type NonceStore struct {
	mu     sync.Mutex
	nonces map[string]*Challenge
	now    func() time.Time
}

// NewNonceStore creates an empty store.
func NewNonceStore() *NonceStore {
	return &NonceStore{
		nonces: make(map[string]*Challenge),
		now:    time.Now,
	}
}

// Store registers a challenge under its nonce.
func (s *NonceStore) Store(c *Challenge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	cp := *c
	s.nonces[cp.Nonce] = &cp
}

// Get returns a copy of a live, unconsumed challenge, or nil.
func (s *NonceStore) Get(nonce string) *Challenge {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	c, ok := s.nonces[nonce]
	if !ok || c.Consumed {
		return nil
	}
	cp := *c
	return &cp
}

// Consume atomically returns and marks a challenge. A second call for
// the same nonce returns nil.
func (s *NonceStore) Consume(nonce string) *Challenge {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	c, ok := s.nonces[nonce]
	if !ok || c.Consumed {
		return nil
	}
	c.Consumed = true
	cp := *c
	return &cp
}

// Sweep drops expired entries. Wired to a periodic job so abandoned
// challenges do not linger for the full map lifetime.
func (s *NonceStore) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
}

// Len reports live entries, for diagnostics.
func (s *NonceStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	return len(s.nonces)
}

func (s *NonceStore) sweepLocked() {
	now := s.now()
	for nonce, c := range s.nonces {
		if now.After(c.ExpiresAt) {
			delete(s.nonces, nonce)
		}
	}
}
