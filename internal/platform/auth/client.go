package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/ehr/ehrsync/internal/platform/cache"
)

// ClientConfig describes how this engine is registered with one EHR
// authorization server. A confidential client sets exactly one of
// ClientSecret (Basic authentication) or PrivateKey (signed assertion); a
// public client sets neither and must use PKCE.
type ClientConfig struct {
	ClientID     string
	ClientSecret string
	PrivateKey   *rsa.PrivateKey
	KeyID        string
	RedirectURI  string
	Scopes       []string
	UsePKCE      bool

	// ConnectionID is the key under which issued tokens are stored.
	ConnectionID string
}

func (c ClientConfig) validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("%w: client id is required", ErrConfiguration)
	}
	if c.RedirectURI == "" {
		return fmt.Errorf("%w: redirect uri is required", ErrConfiguration)
	}
	if c.ConnectionID == "" {
		return fmt.Errorf("%w: connection id is required", ErrConfiguration)
	}
	hasSecret := c.ClientSecret != ""
	hasKey := c.PrivateKey != nil
	switch {
	case hasSecret && hasKey:
		return fmt.Errorf("%w: configure either a client secret or a private key, not both", ErrConfiguration)
	case !hasSecret && !hasKey && !c.UsePKCE:
		return fmt.Errorf("%w: public clients must use PKCE", ErrConfiguration)
	}
	return nil
}

// AuthorizationClient drives the SMART on FHIR authorization code flow
// against one EHR: discovery, authorize URL construction, code exchange,
// refresh and revocation.
type AuthorizationClient struct {
	cfg          ClientConfig
	tokens       *TokenManager
	httpClient   *http.Client
	discovery    *cache.TTLCache[string, *SMARTConfiguration]
	discoveryTTL time.Duration
	pending      *pendingStore
	now          func() time.Time
	logger       zerolog.Logger
}

// ClientOption configures an AuthorizationClient.
type ClientOption func(*AuthorizationClient)

// WithHTTPClient sets the HTTP client used for all OAuth requests.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(a *AuthorizationClient) { a.httpClient = c }
}

// WithDiscoveryTTL bounds how long discovered endpoints are reused. Zero
// keeps them until InvalidateMetadata is called.
func WithDiscoveryTTL(d time.Duration) ClientOption {
	return func(a *AuthorizationClient) { a.discoveryTTL = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ClientOption {
	return func(a *AuthorizationClient) { a.now = now }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) ClientOption {
	return func(a *AuthorizationClient) { a.logger = l }
}

// NewAuthorizationClient validates cfg and creates a client that stores
// issued tokens in tokens.
func NewAuthorizationClient(cfg ClientConfig, tokens *TokenManager, opts ...ClientOption) (*AuthorizationClient, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if tokens == nil {
		return nil, fmt.Errorf("%w: token manager is required", ErrConfiguration)
	}
	a := &AuthorizationClient{
		cfg:        cfg,
		tokens:     tokens,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		pending:    newPendingStore(),
		now:        time.Now,
		logger:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(a)
	}
	a.discovery = cache.NewTTLCache[string, *SMARTConfiguration](
		cache.WithDefaultTTL(a.discoveryTTL),
		cache.WithClock(a.now),
	)
	return a, nil
}

// Tokens returns the token manager issued tokens are stored in.
func (a *AuthorizationClient) Tokens() *TokenManager { return a.tokens }

// ConnectionID returns the key issued tokens are stored under.
func (a *AuthorizationClient) ConnectionID() string { return a.cfg.ConnectionID }

// PendingCount returns the number of authorize requests awaiting a callback.
func (a *AuthorizationClient) PendingCount() int { return a.pending.count() }

// SweepPending drops authorize requests older than
// PendingAuthorizationMaxAge and returns how many were dropped.
func (a *AuthorizationClient) SweepPending() int { return a.sweepPending() }

func (a *AuthorizationClient) sweepPending() int {
	n := a.pending.sweep(a.now())
	if n > 0 {
		a.logger.Debug().Int("count", n).Msg("pruned stale pending authorizations")
	}
	return n
}

func (a *AuthorizationClient) oauthConfig(meta *SMARTConfiguration, redirectURI string) *oauth2.Config {
	style := oauth2.AuthStyleInParams
	secret := ""
	if a.cfg.ClientSecret != "" {
		style = oauth2.AuthStyleInHeader
		secret = a.cfg.ClientSecret
	}
	return &oauth2.Config{
		ClientID:     a.cfg.ClientID,
		ClientSecret: secret,
		RedirectURL:  redirectURI,
		Scopes:       a.cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   meta.AuthorizationEndpoint,
			TokenURL:  meta.TokenEndpoint,
			AuthStyle: style,
		},
	}
}

// ---------------------------------------------------------------------------
// Authorize
// ---------------------------------------------------------------------------

// BuildAuthorizationURL registers a pending authorization and returns the
// URL to redirect the user to. launch is the optional EHR launch context.
// Discovery may hit the network the first time a base URL is seen; building
// the URL itself does not.
func (a *AuthorizationClient) BuildAuthorizationURL(ctx context.Context, baseURL, system, launch string) (string, error) {
	a.sweepPending()

	meta, err := a.DiscoverMetadata(ctx, baseURL)
	if err != nil {
		return "", err
	}

	state, err := generateRandomHex(32)
	if err != nil {
		return "", fmt.Errorf("generating state: %w", err)
	}

	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("aud", strings.TrimRight(baseURL, "/")),
	}
	if launch != "" {
		opts = append(opts, oauth2.SetAuthURLParam("launch", launch))
	}

	p := &PendingAuthorization{
		State:         state,
		EHRSystem:     system,
		RedirectURI:   a.cfg.RedirectURI,
		FHIRBaseURL:   strings.TrimRight(baseURL, "/"),
		LaunchContext: launch,
		CreatedAt:     a.now(),
	}
	if a.cfg.UsePKCE {
		p.CodeVerifier = oauth2.GenerateVerifier()
		opts = append(opts, oauth2.S256ChallengeOption(p.CodeVerifier))
	}
	a.pending.put(p)

	return a.oauthConfig(meta, p.RedirectURI).AuthCodeURL(state, opts...), nil
}

// ---------------------------------------------------------------------------
// Token endpoint
// ---------------------------------------------------------------------------

// ExchangeCode redeems an authorization code. The pending authorization for
// state is consumed before the token request is sent, so a state can be
// redeemed at most once whatever the outcome.
func (a *AuthorizationClient) ExchangeCode(ctx context.Context, baseURL, code, state string) (*TokenInfo, error) {
	a.sweepPending()

	p, ok := a.pending.take(state)
	if !ok {
		return nil, ErrInvalidState
	}

	meta, err := a.DiscoverMetadata(ctx, baseURL)
	if err != nil {
		return nil, err
	}

	var opts []oauth2.AuthCodeOption
	if p.CodeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(p.CodeVerifier))
	}
	if a.cfg.PrivateKey != nil {
		assertion, err := signClientAssertion(a.cfg.PrivateKey, a.cfg.KeyID, a.cfg.ClientID, meta.TokenEndpoint, a.now())
		if err != nil {
			return nil, err
		}
		opts = append(opts,
			oauth2.SetAuthURLParam("client_assertion_type", ClientAssertionType),
			oauth2.SetAuthURLParam("client_assertion", assertion),
		)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
	tok, err := a.oauthConfig(meta, p.RedirectURI).Exchange(ctx, code, opts...)
	if err != nil {
		return nil, fmt.Errorf("exchanging authorization code: %w", translateOAuth2Error(err))
	}

	info := a.tokens.CreateTokenInfo(grantFromOAuth2(tok), p.EHRSystem)
	if err := a.tokens.StoreToken(ctx, a.cfg.ConnectionID, info); err != nil {
		return nil, err
	}
	a.logger.Info().Str("connection_id", a.cfg.ConnectionID).Str("ehr_system", p.EHRSystem).
		Strs("scope", info.Scope).Msg("authorization code exchanged")
	return info, nil
}

// RefreshToken performs a refresh_token grant. When the server does not
// rotate the refresh token the previous one is carried over.
func (a *AuthorizationClient) RefreshToken(ctx context.Context, baseURL string, tok *TokenInfo) (*TokenInfo, error) {
	if tok == nil || tok.RefreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	meta, err := a.DiscoverMetadata(ctx, baseURL)
	if err != nil {
		return nil, err
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {tok.RefreshToken},
	}
	body, err := a.postForm(ctx, meta, meta.TokenEndpoint, form)
	if err != nil {
		return nil, fmt.Errorf("refreshing token: %w", err)
	}

	var g Grant
	if err := json.Unmarshal(body, &g); err != nil {
		return nil, fmt.Errorf("decoding refresh response: %w", err)
	}
	if g.AccessToken == "" {
		return nil, fmt.Errorf("refreshing token: response has no access_token")
	}
	if g.RefreshToken == "" {
		g.RefreshToken = tok.RefreshToken
	}

	info := a.tokens.CreateTokenInfo(g, tok.EHRSystem)
	if info.PatientID == "" {
		info.PatientID = tok.PatientID
	}
	if len(info.Scope) == 0 {
		info.Scope = tok.Scope
	}
	if err := a.tokens.StoreToken(ctx, a.cfg.ConnectionID, info); err != nil {
		return nil, err
	}
	a.logger.Info().Str("connection_id", a.cfg.ConnectionID).Msg("token refreshed")
	return info, nil
}

// RevokeToken asks the server to invalidate token.
func (a *AuthorizationClient) RevokeToken(ctx context.Context, baseURL, token string) error {
	meta, err := a.DiscoverMetadata(ctx, baseURL)
	if err != nil {
		return err
	}
	if meta.RevocationEndpoint == "" {
		return ErrRevocationUnsupported
	}
	if _, err := a.postForm(ctx, meta, meta.RevocationEndpoint, url.Values{"token": {token}}); err != nil {
		return fmt.Errorf("revoking token: %w", err)
	}
	return nil
}

// postForm sends an authenticated form POST and returns the body of a 2xx
// response.
func (a *AuthorizationClient) postForm(ctx context.Context, meta *SMARTConfiguration, endpoint string, form url.Values) ([]byte, error) {
	switch {
	case a.cfg.PrivateKey != nil:
		assertion, err := signClientAssertion(a.cfg.PrivateKey, a.cfg.KeyID, a.cfg.ClientID, meta.TokenEndpoint, a.now())
		if err != nil {
			return nil, err
		}
		form.Set("client_assertion_type", ClientAssertionType)
		form.Set("client_assertion", assertion)
		form.Set("client_id", a.cfg.ClientID)
	case a.cfg.ClientSecret == "":
		form.Set("client_id", a.cfg.ClientID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if a.cfg.ClientSecret != "" {
		req.SetBasicAuth(url.QueryEscape(a.cfg.ClientID), url.QueryEscape(a.cfg.ClientSecret))
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		oe := &OAuthError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		_ = json.Unmarshal(body, oe)
		return nil, oe
	}
	return body, nil
}

func translateOAuth2Error(err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return err
	}
	oe := &OAuthError{
		Code:        re.ErrorCode,
		Description: re.ErrorDescription,
		Body:        strings.TrimSpace(string(re.Body)),
	}
	if re.Response != nil {
		oe.StatusCode = re.Response.StatusCode
	}
	return oe
}

func grantFromOAuth2(tok *oauth2.Token) Grant {
	g := Grant{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
		ExpiresIn:    tok.ExpiresIn,
	}
	if s, ok := tok.Extra("scope").(string); ok {
		g.Scope = s
	}
	if s, ok := tok.Extra("patient").(string); ok {
		g.Patient = s
	}
	if s, ok := tok.Extra("id_token").(string); ok {
		g.IDToken = s
	}
	return g
}

// generateRandomHex generates a cryptographically random hex string of n bytes.
func generateRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
