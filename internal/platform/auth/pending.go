package auth

import (
	"sync"
	"time"
)

// PendingAuthorizationMaxAge is how long an issued authorize request may be
// redeemed.
const PendingAuthorizationMaxAge = 10 * time.Minute

// PendingAuthorization is an authorize request awaiting its callback.
type PendingAuthorization struct {
	State         string
	CodeVerifier  string
	EHRSystem     string
	RedirectURI   string
	FHIRBaseURL   string
	LaunchContext string
	CreatedAt     time.Time
}

type pendingStore struct {
	mu    sync.Mutex
	items map[string]*PendingAuthorization
}

func newPendingStore() *pendingStore {
	return &pendingStore{items: make(map[string]*PendingAuthorization)}
}

func (s *pendingStore) put(p *PendingAuthorization) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[p.State] = p
}

// take removes and returns the entry for state.
func (s *pendingStore) take(state string) (*PendingAuthorization, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.items[state]
	if ok {
		delete(s.items, state)
	}
	return p, ok
}

// sweep drops entries older than PendingAuthorizationMaxAge.
func (s *pendingStore) sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for state, p := range s.items {
		if now.Sub(p.CreatedAt) > PendingAuthorizationMaxAge {
			delete(s.items, state)
			removed++
		}
	}
	return removed
}

func (s *pendingStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}
