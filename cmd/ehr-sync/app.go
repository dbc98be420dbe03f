package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/ehrsync/internal/config"
	"github.com/ehr/ehrsync/internal/domain/conflict"
	"github.com/ehr/ehrsync/internal/domain/ehrsync"
	"github.com/ehr/ehrsync/internal/platform/auth"
	"github.com/ehr/ehrsync/internal/platform/cache"
	"github.com/ehr/ehrsync/internal/platform/db"
	"github.com/ehr/ehrsync/internal/platform/middleware"
	"github.com/ehr/ehrsync/internal/platform/recordstore"
	"github.com/ehr/ehrsync/internal/platform/scheduling"
)

const (
	maxBodySize    = "4M"
	requestTimeout = 5 * time.Minute
)

// app is the wired server: gateway, HTTP surface and scheduler.
type app struct {
	gateway     *ehrsync.Gateway
	echo        *echo.Echo
	maintenance *scheduling.Maintenance

	pool  *pgxpool.Pool
	redis *redis.Client
}

func (a *app) close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	// Token persistence
	var tokenStore auth.TokenStore = auth.NewMemoryTokenStore()
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		a.redis = redis.NewClient(opts)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		tokenStore = auth.NewRedisTokenStore(a.redis, cfg.RedisKeyPrefix)
		logger.Info().Msg("token store: redis")
	}

	tokens := auth.NewTokenManager(
		auth.WithTokenStore(tokenStore),
		auth.WithTokenCache(cache.NewTokenCache[*auth.TokenInfo](cfg.TokenRefreshBuffer, cache.WithMaxEntries(cfg.CacheMaxEntries))),
		auth.WithRefreshBuffer(cfg.TokenRefreshBuffer),
		auth.WithManagerLogger(logger),
	)

	// Record store
	var store recordstore.Store = recordstore.NewMemoryStore()
	var pinger db.Pinger
	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.pool = pool
		pinger = pool
		store = recordstore.NewPostgresStore(pool)
		logger.Info().Msg("record store: postgres")
	} else {
		logger.Warn().Msg("DATABASE_URL not set, using the in-memory record store")
	}

	resolver := conflict.NewResolver(
		conflict.WithThreshold(cfg.ConflictThreshold),
		conflict.WithDefaultStrategy(cfg.Strategy()),
		conflict.WithLogger(logger),
	)

	a.gateway = ehrsync.NewGateway(
		ehrsync.WithRecordStore(store),
		ehrsync.WithTokenManager(tokens),
		ehrsync.WithResolver(resolver),
		ehrsync.WithCaches(
			cache.NewResourceCache(cfg.ResourceCacheTTL, cache.WithMaxEntries(cfg.CacheMaxEntries)),
			cache.NewMetadataCache(cfg.MetadataCacheTTL, cache.WithMaxEntries(cfg.CacheMaxEntries)),
		),
		ehrsync.WithSettings(ehrsync.Settings{
			MaxAttempts:     cfg.AdapterMaxAttempts,
			RetryDelay:      cfg.AdapterRetryDelay,
			Timeout:         cfg.AdapterTimeout,
			DiscoveryTTL:    cfg.DiscoveryCacheTTL,
			SyncConcurrency: cfg.SyncConcurrency,
		}),
		ehrsync.WithLogger(logger),
	)

	if cfg.ConnectionsFile != "" {
		conns, err := config.LoadConnections(cfg.ConnectionsFile)
		if err != nil {
			return nil, err
		}
		for _, cc := range conns {
			if _, err := a.gateway.Connect(cc); err != nil {
				return nil, fmt.Errorf("connect %q: %w", cc.ID, err)
			}
		}
		logger.Info().Int("count", len(conns)).Str("file", cfg.ConnectionsFile).Msg("connections registered")
	}

	// HTTP surface
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.BodyLimit(maxBodySize))
	e.Use(middleware.RequestTimeout(requestTimeout))

	e.GET("/health", db.HealthHandler(pinger))
	ehrsync.NewHandler(a.gateway).RegisterRoutes(e.Group("/api/v1"))
	a.echo = e

	m, err := scheduling.New(a.gateway, cfg.MaintenanceSchedule,
		scheduling.WithRetention(cfg.ConflictRetention),
		scheduling.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	a.maintenance = m

	ok = true
	return a, nil
}
