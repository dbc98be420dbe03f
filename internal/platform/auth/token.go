package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/ehrsync/internal/platform/cache"
)

const (
	// DefaultRefreshBuffer is how long before expiry a token is considered
	// due for refresh.
	DefaultRefreshBuffer = 5 * time.Minute

	defaultTokenType   = "Bearer"
	defaultTokenExpiry = time.Hour
)

// TokenInfo is a granted access credential for one external EHR. Values are
// never mutated after creation; a refresh produces a new TokenInfo.
type TokenInfo struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scope        []string  `json:"scope,omitempty"`
	PatientID    string    `json:"patient,omitempty"`
	EHRSystem    string    `json:"ehr_system"`
	IDToken      string    `json:"id_token,omitempty"`
}

// Expiry implements cache.Expiring.
func (t *TokenInfo) Expiry() time.Time { return t.ExpiresAt }

// AuthorizationHeader returns the value for the Authorization request header.
func (t *TokenInfo) AuthorizationHeader() string {
	tt := t.TokenType
	if tt == "" {
		tt = defaultTokenType
	}
	return tt + " " + t.AccessToken
}

// Grant is a raw token endpoint response.
type Grant struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
	Patient      string `json:"patient"`
	IDToken      string `json:"id_token"`
}

// ---------------------------------------------------------------------------
// TokenManager
// ---------------------------------------------------------------------------

// TokenManager is the authority on credential freshness. Tokens are kept in
// a TokenStore keyed by connection id, optionally fronted by a TokenCache.
type TokenManager struct {
	store  TokenStore
	cache  *cache.TokenCache[*TokenInfo]
	buffer time.Duration
	now    func() time.Time
	logger zerolog.Logger
}

// TokenManagerOption configures a TokenManager.
type TokenManagerOption func(*TokenManager)

// WithTokenStore sets the backing store. The default is an in-memory store.
func WithTokenStore(s TokenStore) TokenManagerOption {
	return func(m *TokenManager) { m.store = s }
}

// WithTokenCache enables a fast-path cache in front of the store.
func WithTokenCache(c *cache.TokenCache[*TokenInfo]) TokenManagerOption {
	return func(m *TokenManager) { m.cache = c }
}

// WithRefreshBuffer overrides DefaultRefreshBuffer.
func WithRefreshBuffer(d time.Duration) TokenManagerOption {
	return func(m *TokenManager) {
		if d > 0 {
			m.buffer = d
		}
	}
}

// WithManagerClock overrides the time source.
func WithManagerClock(now func() time.Time) TokenManagerOption {
	return func(m *TokenManager) { m.now = now }
}

// WithManagerLogger sets the logger.
func WithManagerLogger(l zerolog.Logger) TokenManagerOption {
	return func(m *TokenManager) { m.logger = l }
}

// NewTokenManager creates a TokenManager.
func NewTokenManager(opts ...TokenManagerOption) *TokenManager {
	m := &TokenManager{
		buffer: DefaultRefreshBuffer,
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, o := range opts {
		o(m)
	}
	if m.store == nil {
		m.store = NewMemoryTokenStore()
	}
	return m
}

// RefreshBuffer returns the configured buffer.
func (m *TokenManager) RefreshBuffer() time.Duration { return m.buffer }

// StoreToken saves tok under key, replacing any previous token.
func (m *TokenManager) StoreToken(ctx context.Context, key string, tok *TokenInfo) error {
	if tok == nil {
		return fmt.Errorf("store token %s: nil token", key)
	}
	if err := m.store.Put(ctx, key, tok); err != nil {
		return fmt.Errorf("store token %s: %w", key, err)
	}
	if m.cache != nil {
		m.cache.Set(key, tok)
	}
	m.logger.Debug().Str("connection_id", key).Str("ehr_system", tok.EHRSystem).
		Time("expires_at", tok.ExpiresAt).Msg("token stored")
	return nil
}

// GetToken returns the token for key. A missing or expired token yields
// ErrTokenNotFound; an expired one is removed as a side effect.
func (m *TokenManager) GetToken(ctx context.Context, key string) (*TokenInfo, error) {
	if m.cache != nil {
		if tok, ok := m.cache.Get(key); ok {
			return tok, nil
		}
	}
	tok, err := m.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if m.IsExpired(tok) {
		if err := m.RemoveToken(ctx, key); err != nil {
			m.logger.Warn().Err(err).Str("connection_id", key).Msg("failed to evict expired token")
		}
		return nil, ErrTokenNotFound
	}
	return tok, nil
}

// IsExpired reports whether now is at or after the token's expiry.
func (m *TokenManager) IsExpired(tok *TokenInfo) bool {
	return !m.now().Before(tok.ExpiresAt)
}

// NeedsRefresh reports whether less than the refresh buffer remains.
func (m *TokenManager) NeedsRefresh(tok *TokenInfo) bool {
	return tok.ExpiresAt.Sub(m.now()) < m.buffer
}

// RemoveToken deletes the token stored under key.
func (m *TokenManager) RemoveToken(ctx context.Context, key string) error {
	if m.cache != nil {
		m.cache.Delete(key)
	}
	if err := m.store.Delete(ctx, key); err != nil && !errors.Is(err, ErrTokenNotFound) {
		return fmt.Errorf("remove token %s: %w", key, err)
	}
	return nil
}

// ClearTokensForSystem removes every token issued by system and returns how
// many were removed.
func (m *TokenManager) ClearTokensForSystem(ctx context.Context, system string) (int, error) {
	return m.removeWhere(ctx, func(t *TokenInfo) bool { return t.EHRSystem == system })
}

// ClearExpiredTokens removes every expired token and returns how many were
// removed.
func (m *TokenManager) ClearExpiredTokens(ctx context.Context) (int, error) {
	return m.removeWhere(ctx, m.IsExpired)
}

func (m *TokenManager) removeWhere(ctx context.Context, match func(*TokenInfo) bool) (int, error) {
	all, err := m.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tokens: %w", err)
	}
	removed := 0
	for key, tok := range all {
		if !match(tok) {
			continue
		}
		if err := m.RemoveToken(ctx, key); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// HasScope reports whether scope was granted, by exact string match.
func (m *TokenManager) HasScope(tok *TokenInfo, scope string) bool {
	for _, s := range tok.Scope {
		if s == scope {
			return true
		}
	}
	return false
}

// HasAllScopes reports whether every scope was granted.
func (m *TokenManager) HasAllScopes(tok *TokenInfo, scopes ...string) bool {
	for _, s := range scopes {
		if !m.HasScope(tok, s) {
			return false
		}
	}
	return true
}

// CreateTokenInfo normalizes a raw grant. The token type defaults to Bearer
// and the lifetime to one hour when the response leaves them out.
func (m *TokenManager) CreateTokenInfo(g Grant, system string) *TokenInfo {
	tokenType := g.TokenType
	if tokenType == "" {
		tokenType = defaultTokenType
	}
	lifetime := defaultTokenExpiry
	if g.ExpiresIn > 0 {
		lifetime = time.Duration(g.ExpiresIn) * time.Second
	}
	return &TokenInfo{
		AccessToken:  g.AccessToken,
		RefreshToken: g.RefreshToken,
		TokenType:    tokenType,
		ExpiresAt:    m.now().Add(lifetime),
		Scope:        strings.Fields(g.Scope),
		PatientID:    g.Patient,
		EHRSystem:    system,
		IDToken:      g.IDToken,
	}
}
