package ehrsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/ehrsync/internal/domain/conflict"
	"github.com/ehr/ehrsync/internal/platform/adapter"
	"github.com/ehr/ehrsync/internal/platform/auth"
	"github.com/ehr/ehrsync/internal/platform/cache"
	"github.com/ehr/ehrsync/internal/platform/recordstore"
)

// Settings are the per-connection defaults applied by Connect.
type Settings struct {
	MaxAttempts     int
	RetryDelay      time.Duration
	Timeout         time.Duration
	MaxPages        int
	DiscoveryTTL    time.Duration
	SyncConcurrency int
}

// Gateway owns the active connections and routes pull, push, sync and
// conflict operations to them.
type Gateway struct {
	mu    sync.RWMutex
	conns map[string]*ActiveConnection

	store      recordstore.Store
	tokens     *auth.TokenManager
	resolver   *conflict.Resolver
	resources  *cache.ResourceCache
	metadata   *cache.MetadataCache
	httpClient *http.Client
	settings   Settings
	locks      *keyedMutex
	now        func() time.Time
	logger     zerolog.Logger
}

type GatewayOption func(*Gateway)

func WithRecordStore(s recordstore.Store) GatewayOption {
	return func(g *Gateway) { g.store = s }
}

func WithTokenManager(m *auth.TokenManager) GatewayOption {
	return func(g *Gateway) { g.tokens = m }
}

func WithResolver(r *conflict.Resolver) GatewayOption {
	return func(g *Gateway) { g.resolver = r }
}

// WithCaches shares resource and capability caches across connections.
// Either may be nil.
func WithCaches(resources *cache.ResourceCache, metadata *cache.MetadataCache) GatewayOption {
	return func(g *Gateway) {
		g.resources = resources
		g.metadata = metadata
	}
}

func WithHTTPClient(c *http.Client) GatewayOption {
	return func(g *Gateway) { g.httpClient = c }
}

func WithSettings(s Settings) GatewayOption {
	return func(g *Gateway) { g.settings = s }
}

func WithClock(now func() time.Time) GatewayOption {
	return func(g *Gateway) { g.now = now }
}

func WithLogger(l zerolog.Logger) GatewayOption {
	return func(g *Gateway) { g.logger = l }
}

func NewGateway(opts ...GatewayOption) *Gateway {
	g := &Gateway{
		conns:  make(map[string]*ActiveConnection),
		locks:  newKeyedMutex(),
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, o := range opts {
		o(g)
	}
	if g.store == nil {
		g.store = recordstore.NewMemoryStore()
	}
	if g.tokens == nil {
		g.tokens = auth.NewTokenManager()
	}
	if g.resolver == nil {
		g.resolver = conflict.NewResolver(conflict.WithLogger(g.logger))
	}
	if g.httpClient == nil {
		g.httpClient = &http.Client{}
	}
	return g
}

// Resolver returns the conflict resolver shared by every connection.
func (g *Gateway) Resolver() *conflict.Resolver { return g.resolver }

// -- Connections --

// Connect builds the adapter, authorization client and services for cfg.
func (g *Gateway) Connect(cfg ConnectionConfig) (*ActiveConnection, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("%w: connection id is required", auth.ErrConfiguration)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.conns[cfg.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrConnectionExists, cfg.ID)
	}

	system := strings.ToLower(cfg.System)
	if system == "" {
		system = adapter.SystemGeneric
	}
	logger := g.logger.With().Str("connection_id", cfg.ID).Str("ehr_system", system).Logger()

	adapterOpts := []adapter.Option{
		adapter.WithHTTPClient(g.httpClient),
		adapter.WithLogger(logger),
	}
	if g.resources != nil {
		adapterOpts = append(adapterOpts, adapter.WithResourceCache(g.resources))
	}
	if g.metadata != nil {
		adapterOpts = append(adapterOpts, adapter.WithMetadataCache(g.metadata))
	}
	ad, err := adapter.New(adapter.Config{
		System:           system,
		BaseURL:          cfg.BaseURL,
		MaxAttempts:      g.settings.MaxAttempts,
		RetryDelay:       g.settings.RetryDelay,
		Timeout:          g.settings.Timeout,
		MaxPages:         g.settings.MaxPages,
		ClientID:         cfg.ClientID,
		IdentifierSystem: cfg.IdentifierSystem,
	}, adapterOpts...)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.ID, err)
	}

	clientCfg := auth.ClientConfig{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		KeyID:        cfg.KeyID,
		RedirectURI:  cfg.RedirectURI,
		Scopes:       cfg.Scopes,
		UsePKCE:      cfg.UsePKCE,
		ConnectionID: cfg.ID,
	}
	if cfg.PrivateKeyPEM != "" {
		key, err := auth.ParsePrivateKeyPEM([]byte(cfg.PrivateKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("connect %s: %w", cfg.ID, err)
		}
		clientCfg.PrivateKey = key
	}
	ac, err := auth.NewAuthorizationClient(clientCfg, g.tokens,
		auth.WithHTTPClient(g.httpClient),
		auth.WithDiscoveryTTL(g.settings.DiscoveryTTL),
		auth.WithClock(g.now),
		auth.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.ID, err)
	}

	// Records, mappings and conflicts are namespaced by connection so two
	// connections to the same vendor stay apart.
	svcOpts := []ServiceOption{
		WithSource(cfg.ID),
		WithConcurrency(g.settings.SyncConcurrency),
		WithServiceClock(g.now),
		WithServiceLogger(logger),
	}
	pull := NewPullService(ad, g.store, svcOpts...)
	push := NewPushService(ad, g.store, svcOpts...)
	conn := &ActiveConnection{
		ID:           cfg.ID,
		System:       system,
		Endpoint:     ad.BaseURL(),
		Adapter:      ad,
		AuthClient:   ac,
		TokenManager: g.tokens,
		Pull:         pull,
		Push:         push,
		Sync:         NewSyncService(pull, push, g.resolver, svcOpts...),
		CreatedAt:    g.now(),
	}
	g.conns[cfg.ID] = conn
	logger.Info().Str("endpoint", conn.Endpoint).Msg("connection registered")
	return conn, nil
}

// Disconnect drops the connection and its stored token.
func (g *Gateway) Disconnect(ctx context.Context, id string) error {
	g.mu.Lock()
	conn, ok := g.conns[id]
	if ok {
		delete(g.conns, id)
	}
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	if err := conn.TokenManager.RemoveToken(ctx, id); err != nil {
		return err
	}
	g.logger.Info().Str("connection_id", id).Msg("connection removed")
	return nil
}

func (g *Gateway) Connection(id string) (*ActiveConnection, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	conn, ok := g.conns[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	return conn, nil
}

// Connections returns every active connection ordered by id.
func (g *Gateway) Connections() []*ActiveConnection {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedConnections(g.conns)
}

// Describe reports a connection's authorization state.
func (g *Gateway) Describe(ctx context.Context, conn *ActiveConnection) ConnectionView {
	v := ConnectionView{
		ID:                    conn.ID,
		System:                conn.System,
		Endpoint:              conn.Endpoint,
		CreatedAt:             conn.CreatedAt,
		PendingAuthorizations: conn.AuthClient.PendingCount(),
	}
	if tok, err := conn.TokenManager.GetToken(ctx, conn.ID); err == nil {
		v.Authorized = true
		v.TokenExpiresAt = tok.ExpiresAt
	}
	return v
}

// -- Authorization --

// GetAuthorizationURL starts an authorization code flow for the connection.
func (g *Gateway) GetAuthorizationURL(ctx context.Context, id, launch string) (string, error) {
	conn, err := g.Connection(id)
	if err != nil {
		return "", err
	}
	return conn.AuthClient.BuildAuthorizationURL(ctx, conn.Endpoint, conn.System, launch)
}

// CompleteAuthorization redeems the callback code and stores the token.
func (g *Gateway) CompleteAuthorization(ctx context.Context, id, code, state string) (*auth.TokenInfo, error) {
	conn, err := g.Connection(id)
	if err != nil {
		return nil, err
	}
	unlock := g.locks.Lock("token:" + id)
	defer unlock()
	return conn.AuthClient.ExchangeCode(ctx, conn.Endpoint, code, state)
}

// ensureToken returns a usable token for conn, refreshing it first when it
// is inside the refresh window and a refresh token is available. A failed
// refresh falls back to the current token while it is still valid.
func (g *Gateway) ensureToken(ctx context.Context, conn *ActiveConnection) (*auth.TokenInfo, error) {
	unlock := g.locks.Lock("token:" + conn.ID)
	defer unlock()

	tok, err := conn.TokenManager.GetToken(ctx, conn.ID)
	if errors.Is(err, auth.ErrTokenNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoValidToken, conn.ID)
	}
	if err != nil {
		return nil, err
	}
	if !conn.TokenManager.NeedsRefresh(tok) || tok.RefreshToken == "" {
		return tok, nil
	}

	fresh, err := conn.AuthClient.RefreshToken(ctx, conn.Endpoint, tok)
	if err != nil {
		if conn.TokenManager.IsExpired(tok) {
			return nil, fmt.Errorf("%w: refresh failed: %v", ErrNoValidToken, err)
		}
		g.logger.Warn().Err(err).Str("connection_id", conn.ID).Msg("token refresh failed, using current token")
		return tok, nil
	}
	return fresh, nil
}

// -- Data operations --

func (g *Gateway) PullPatient(ctx context.Context, id, patientID string, opts PullOptions) (*PullResult, error) {
	conn, tok, unlock, err := g.begin(ctx, id, remotePatientKey(id, patientID))
	if err != nil {
		return nil, err
	}
	defer unlock()
	return conn.Pull.PullPatientData(ctx, patientID, tok, opts)
}

func (g *Gateway) PushPatient(ctx context.Context, id, patientHash string, opts PushOptions) (*PushResult, error) {
	conn, tok, unlock, err := g.begin(ctx, id, localPatientKey(id, patientHash))
	if err != nil {
		return nil, err
	}
	defer unlock()
	return conn.Push.PushPatientData(ctx, patientHash, tok, opts)
}

func (g *Gateway) SyncPatient(ctx context.Context, id, patientID, patientHash string, opts SyncOptions) (*SyncReport, error) {
	conn, tok, unlock, err := g.begin(ctx, id, remotePatientKey(id, patientID), localPatientKey(id, patientHash))
	if err != nil {
		return nil, err
	}
	defer unlock()
	return conn.Sync.SyncPatient(ctx, patientID, patientHash, tok, opts)
}

// PatientSummary fetches a chart overview from connections whose adapter
// supports it.
func (g *Gateway) PatientSummary(ctx context.Context, id, patientID string) (*adapter.PatientSummary, error) {
	conn, err := g.Connection(id)
	if err != nil {
		return nil, err
	}
	sum, ok := conn.Adapter.(adapter.Summarizer)
	if !ok {
		return nil, fmt.Errorf("%w: patient summary on %s", ErrUnsupported, conn.System)
	}
	tok, err := g.ensureToken(ctx, conn)
	if err != nil {
		return nil, err
	}
	return sum.GetPatientSummary(ctx, tok, patientID)
}

// begin resolves the connection and token and takes the per-patient locks.
// A push holds the local key, a pull the remote key and a sync both, so a
// sync never writes alongside a push of the same local records.
func (g *Gateway) begin(ctx context.Context, id string, keys ...string) (*ActiveConnection, *auth.TokenInfo, func(), error) {
	conn, err := g.Connection(id)
	if err != nil {
		return nil, nil, nil, err
	}
	tok, err := g.ensureToken(ctx, conn)
	if err != nil {
		return nil, nil, nil, err
	}
	unlock := g.locks.LockAll(keys...)
	return conn, tok, unlock, nil
}

func remotePatientKey(conn, patientID string) string {
	return "patient:" + conn + ":remote:" + patientID
}

func localPatientKey(conn, patientHash string) string {
	return "patient:" + conn + ":local:" + patientHash
}

// -- Conflicts --

func (g *Gateway) PendingConflicts(ctx context.Context) ([]*conflict.Record, error) {
	return g.resolver.List(ctx, conflict.StatusPending)
}

// Conflicts lists records by status; empty status lists all.
func (g *Gateway) Conflicts(ctx context.Context, status conflict.Status) ([]*conflict.Record, error) {
	return g.resolver.List(ctx, status)
}

func (g *Gateway) ResolveConflict(ctx context.Context, conflictID string, strategy conflict.Strategy, manual json.RawMessage) (*conflict.Record, error) {
	return g.resolver.Resolve(ctx, conflictID, strategy, manual)
}

func (g *Gateway) DeferConflict(ctx context.Context, conflictID string) (*conflict.Record, error) {
	return g.resolver.Defer(ctx, conflictID)
}

// -- Stats and maintenance --

func (g *Gateway) Stats(ctx context.Context) (Stats, error) {
	cs, err := g.resolver.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Conflicts: cs}
	for _, c := range g.Connections() {
		st.Connections++
		st.PendingAuthorizations += c.AuthClient.PendingCount()
	}
	if g.resources != nil {
		st.ResourceCache = g.resources.Stats()
	}
	if g.metadata != nil {
		st.MetadataCache = g.metadata.Stats()
	}
	return st, nil
}

// SweepPendingAuthorizations drops stale pending authorizations on every
// connection.
func (g *Gateway) SweepPendingAuthorizations() int {
	n := 0
	for _, c := range g.Connections() {
		n += c.AuthClient.SweepPending()
	}
	return n
}

func (g *Gateway) ClearExpiredTokens(ctx context.Context) (int, error) {
	return g.tokens.ClearExpiredTokens(ctx)
}

// SweepCaches removes expired cache entries.
func (g *Gateway) SweepCaches() int {
	n := 0
	if g.resources != nil {
		n += g.resources.DeleteExpired()
	}
	if g.metadata != nil {
		n += g.metadata.DeleteExpired()
	}
	return n
}

func (g *Gateway) AutoResolveConflicts(ctx context.Context) (int, error) {
	return g.resolver.AutoResolvePending(ctx)
}

func (g *Gateway) PurgeResolvedConflicts(ctx context.Context, olderThan time.Duration) (int, error) {
	return g.resolver.PurgeResolved(ctx, olderThan)
}
