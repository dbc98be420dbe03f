package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ehr/ehrsync/internal/platform/cache"
)

func newTestManager(clock *testClock, opts ...TokenManagerOption) *TokenManager {
	return NewTokenManager(append([]TokenManagerOption{WithManagerClock(clock.Now)}, opts...)...)
}

func TestTokenManager_IsExpired(t *testing.T) {
	clock := newTestClock()
	m := newTestManager(clock)
	now := clock.Now()

	tests := []struct {
		name      string
		expiresAt time.Time
		want      bool
	}{
		{"in the future", now.Add(time.Nanosecond), false},
		{"exactly now", now, true},
		{"in the past", now.Add(-time.Second), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.IsExpired(&TokenInfo{ExpiresAt: tt.expiresAt}); got != tt.want {
				t.Errorf("IsExpired = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTokenManager_NeedsRefresh(t *testing.T) {
	clock := newTestClock()
	m := newTestManager(clock)
	now := clock.Now()

	tests := []struct {
		name      string
		remaining time.Duration
		want      bool
	}{
		{"well outside buffer", time.Hour, false},
		{"exactly at buffer", DefaultRefreshBuffer, false},
		{"just inside buffer", DefaultRefreshBuffer - time.Second, true},
		{"expired", -time.Minute, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.NeedsRefresh(&TokenInfo{ExpiresAt: now.Add(tt.remaining)}); got != tt.want {
				t.Errorf("NeedsRefresh = %v, want %v", got, tt.want)
			}
		})
	}

	custom := newTestManager(clock, WithRefreshBuffer(time.Minute))
	if custom.NeedsRefresh(&TokenInfo{ExpiresAt: now.Add(2 * time.Minute)}) {
		t.Error("expected custom buffer to apply")
	}
}

func TestTokenManager_GetTokenEvictsExpired(t *testing.T) {
	clock := newTestClock()
	store := NewMemoryTokenStore()
	m := newTestManager(clock, WithTokenStore(store))
	ctx := context.Background()

	if _, err := m.GetToken(ctx, "missing"); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound, got %v", err)
	}

	if err := m.StoreToken(ctx, "conn-1", &TokenInfo{AccessToken: "a", ExpiresAt: clock.Now().Add(time.Minute)}); err != nil {
		t.Fatalf("StoreToken: %v", err)
	}
	if _, err := m.GetToken(ctx, "conn-1"); err != nil {
		t.Fatalf("GetToken: %v", err)
	}

	clock.Advance(time.Minute)
	if _, err := m.GetToken(ctx, "conn-1"); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected expired token to be reported missing, got %v", err)
	}
	all, _ := store.List(ctx)
	if len(all) != 0 {
		t.Errorf("expected expired token to be evicted, %d remain", len(all))
	}
}

func TestTokenManager_CacheFastPath(t *testing.T) {
	clock := newTestClock()
	tc := cache.NewTokenCache[*TokenInfo](DefaultRefreshBuffer, cache.WithClock(clock.Now))
	m := newTestManager(clock, WithTokenCache(tc))
	ctx := context.Background()

	tok := &TokenInfo{AccessToken: "a", ExpiresAt: clock.Now().Add(time.Hour)}
	if err := m.StoreToken(ctx, "conn-1", tok); err != nil {
		t.Fatalf("StoreToken: %v", err)
	}
	if _, err := m.GetToken(ctx, "conn-1"); err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if tc.Stats().Hits != 1 {
		t.Errorf("expected a cache hit, got %+v", tc.Stats())
	}

	// inside the buffer the cache misses but the store still answers
	clock.Advance(58 * time.Minute)
	got, err := m.GetToken(ctx, "conn-1")
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if !m.NeedsRefresh(got) {
		t.Error("expected token to need refresh")
	}

	if err := m.RemoveToken(ctx, "conn-1"); err != nil {
		t.Fatalf("RemoveToken: %v", err)
	}
	if _, err := m.GetToken(ctx, "conn-1"); !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("expected removed token to be gone, got %v", err)
	}
}

func TestTokenManager_BulkRemoval(t *testing.T) {
	clock := newTestClock()
	m := newTestManager(clock)
	ctx := context.Background()
	live := clock.Now().Add(time.Hour)
	dead := clock.Now().Add(-time.Minute)

	for key, tok := range map[string]*TokenInfo{
		"a": {EHRSystem: "epic", ExpiresAt: live},
		"b": {EHRSystem: "epic", ExpiresAt: dead},
		"c": {EHRSystem: "cerner", ExpiresAt: live},
		"d": {EHRSystem: "cerner", ExpiresAt: dead},
	} {
		if err := m.StoreToken(ctx, key, tok); err != nil {
			t.Fatalf("StoreToken: %v", err)
		}
	}

	n, err := m.ClearExpiredTokens(ctx)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 expired tokens cleared, got %d (%v)", n, err)
	}
	n, err = m.ClearTokensForSystem(ctx, "epic")
	if err != nil || n != 1 {
		t.Fatalf("expected 1 epic token cleared, got %d (%v)", n, err)
	}
	if _, err := m.GetToken(ctx, "c"); err != nil {
		t.Errorf("expected cerner token to survive, got %v", err)
	}
}

func TestTokenManager_Scopes(t *testing.T) {
	m := NewTokenManager()
	tok := &TokenInfo{Scope: []string{"patient/*.read", "openid"}}

	if !m.HasScope(tok, "openid") {
		t.Error("expected openid")
	}
	if m.HasScope(tok, "patient/*.write") {
		t.Error("did not expect write scope")
	}
	if m.HasScope(tok, "patient/Patient.read") {
		t.Error("scope matching must be exact, not wildcard")
	}
	if !m.HasAllScopes(tok, "openid", "patient/*.read") {
		t.Error("expected all scopes")
	}
	if m.HasAllScopes(tok, "openid", "fhirUser") {
		t.Error("did not expect fhirUser")
	}
	if !m.HasAllScopes(tok) {
		t.Error("empty scope list is trivially satisfied")
	}
}

func TestTokenManager_CreateTokenInfo(t *testing.T) {
	clock := newTestClock()
	m := newTestManager(clock)

	info := m.CreateTokenInfo(Grant{AccessToken: "a"}, "epic")
	if info.TokenType != "Bearer" {
		t.Errorf("expected default Bearer, got %q", info.TokenType)
	}
	if !info.ExpiresAt.Equal(clock.Now().Add(time.Hour)) {
		t.Errorf("expected default one hour expiry, got %v", info.ExpiresAt.Sub(clock.Now()))
	}
	if info.EHRSystem != "epic" {
		t.Errorf("expected system epic, got %q", info.EHRSystem)
	}
	if info.Scope != nil {
		t.Errorf("expected no scope, got %v", info.Scope)
	}

	info = m.CreateTokenInfo(Grant{AccessToken: "a", TokenType: "MAC", ExpiresIn: 120, Scope: "a  b", Patient: "p"}, "cerner")
	if info.TokenType != "MAC" || !info.ExpiresAt.Equal(clock.Now().Add(2*time.Minute)) {
		t.Errorf("unexpected token %+v", info)
	}
	if len(info.Scope) != 2 || info.PatientID != "p" {
		t.Errorf("unexpected scope/patient %v %q", info.Scope, info.PatientID)
	}
	if info.AuthorizationHeader() != "MAC a" {
		t.Errorf("unexpected header %q", info.AuthorizationHeader())
	}
}
