// Package server is the public entry point for assembling the Lore
// server: storage, auth, rate limiting, metrics, and the HTTP router,
// ready to hand to http.Server.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8765", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorehq/lore-server/internal/api"
	"github.com/lorehq/lore-server/internal/api/handlers"
	"github.com/lorehq/lore-server/internal/api/middleware"
	"github.com/lorehq/lore-server/internal/auth"
	"github.com/lorehq/lore-server/internal/config"
	"github.com/lorehq/lore-server/internal/metrics"
	"github.com/lorehq/lore-server/internal/oidc"
	"github.com/lorehq/lore-server/internal/ratelimit"
	"github.com/lorehq/lore-server/internal/store"
	"github.com/lorehq/lore-server/internal/telemetry"
)

// Server holds the initialized Lore server.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the backing data store (PostgreSQL or in-memory).
	Store store.Store

	// Config is the loaded configuration.
	Config *config.Config

	// ShutdownFunc releases the store and flushes telemetry. Call it
	// after the HTTP server has drained.
	ShutdownFunc func(context.Context) error
}

// New loads configuration from the environment and assembles the server.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig assembles the server from an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	telemetryShutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := newStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	m.RegisterPoolGauges(dataStore.PoolStats)

	// A nil interface value must stay nil: assigning a typed nil
	// *oidc.Validator would make the resolver think OIDC is configured.
	var validator auth.TokenValidator
	if cfg.Auth.OIDCIssuer != "" {
		validator = oidc.New(oidc.Config{
			Issuer:    cfg.Auth.OIDCIssuer,
			Audience:  cfg.Auth.OIDCAudience,
			RoleClaim: cfg.Auth.RoleClaim,
			OrgClaim:  cfg.Auth.OrgClaim,
		})
		log.Info().Str("issuer", cfg.Auth.OIDCIssuer).Msg("✅ OIDC validator initialized")
	}
	resolver := auth.NewResolver(dataStore, validator, cfg.Auth.Mode)

	limiter, err := newLimiter(ctx, cfg.RateLimit)
	if err != nil {
		dataStore.Close()
		return nil, err
	}

	h := handlers.New(dataStore, resolver, m)
	authn := &middleware.Authenticator{Resolver: resolver}
	router := api.NewRouter(cfg, h, authn, limiter, m)

	return &Server{
		Handler: router,
		Store:   dataStore,
		Config:  cfg,
		ShutdownFunc: func(ctx context.Context) error {
			dataStore.Close()
			return telemetryShutdown(ctx)
		},
	}, nil
}

func newStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Database.URL == "" {
		log.Warn().Msg("DATABASE_URL not set, using in-memory store — data is lost on restart unless LORE_DATA_DIR is set")
		return store.NewMemoryStore(), nil
	}

	pg, err := store.NewPostgresStore(ctx, cfg.Database.URL, store.PostgresOptions{
		MinConnections: cfg.Database.MinConnections,
		MaxConnections: cfg.Database.MaxConnections,
	})
	if err != nil {
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	if err := pg.Migrate(ctx, cfg.Database.MigrationsDir); err != nil {
		pg.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Msg("✅ PostgreSQL store initialized")
	return pg, nil
}

func newLimiter(ctx context.Context, cfg config.RateLimitConfig) (ratelimit.Limiter, error) {
	window := time.Duration(cfg.WindowSeconds) * time.Second
	if cfg.Backend == "redis" && cfg.RedisURL != "" {
		limiter, err := ratelimit.NewRedisFromURL(ctx, cfg.RedisURL, cfg.MaxRequests, window)
		if err != nil {
			return nil, fmt.Errorf("init redis rate limiter: %w", err)
		}
		log.Info().Msg("✅ Redis rate limiter initialized")
		return limiter, nil
	}
	return ratelimit.NewMemory(cfg.MaxRequests, window), nil
}
