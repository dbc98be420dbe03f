package auth

import (
	"context"
	"sync"
)

// TokenStore persists tokens keyed by connection id.
type TokenStore interface {
	Put(ctx context.Context, key string, tok *TokenInfo) error
	// Get returns ErrTokenNotFound when key is absent.
	Get(ctx context.Context, key string) (*TokenInfo, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) (map[string]*TokenInfo, error)
}

// MemoryTokenStore is a thread-safe in-memory TokenStore.
type MemoryTokenStore struct {
	mu     sync.RWMutex
	tokens map[string]*TokenInfo
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]*TokenInfo)}
}

func (s *MemoryTokenStore) Put(_ context.Context, key string, tok *TokenInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[key] = tok
	return nil
}

func (s *MemoryTokenStore) Get(_ context.Context, key string) (*TokenInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.tokens[key]
	if !ok {
		return nil, ErrTokenNotFound
	}
	return tok, nil
}

func (s *MemoryTokenStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, key)
	return nil
}

func (s *MemoryTokenStore) List(_ context.Context) (map[string]*TokenInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*TokenInfo, len(s.tokens))
	for k, v := range s.tokens {
		out[k] = v
	}
	return out, nil
}
