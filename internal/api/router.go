// Package api assembles the HTTP surface: the middleware pipeline and
// every route, with role gates applied per endpoint.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/lorehq/lore-server/internal/api/handlers"
	"github.com/lorehq/lore-server/internal/api/middleware"
	"github.com/lorehq/lore-server/internal/config"
	"github.com/lorehq/lore-server/internal/metrics"
	"github.com/lorehq/lore-server/internal/ratelimit"
	"github.com/lorehq/lore-server/pkg/models"
)

// NewRouter wires the full middleware pipeline and route tree.
func NewRouter(cfg *config.Config, h *handlers.Handlers, authn *middleware.Authenticator, limiter ratelimit.Limiter, m *metrics.Metrics) http.Handler {
	r := chi.NewRouter()
	r.NotFound(h.NotFound)
	r.MethodNotAllowed(h.MethodNotAllowed)

	// Order matters: recovery outside everything that can panic, rate
	// limiting before any body is read, access log outside auth so it
	// sees the final status and (via the holder) the principal.
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.BodyLimit)
	r.Use(middleware.RateLimit(limiter))
	r.Use(middleware.AccessLog(m))
	if cfg.Telemetry.Enabled {
		r.Use(middleware.Telemetry)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(chimw.Compress(5))

	// Probes and bootstrap are reachable without credentials.
	r.Get("/health", h.Health)
	r.Get("/ready", h.Ready)
	if cfg.Metrics.Enabled {
		r.Method("GET", "/metrics", m.Handler())
	}
	r.Post("/v1/org/init", h.OrgInit)

	r.Group(func(r chi.Router) {
		r.Use(authn.Middleware)

		r.Route("/v1/lessons", func(r chi.Router) {
			r.With(middleware.RequireRole(models.RoleReader)).Get("/", h.ListLessons)
			r.With(middleware.RequireRole(models.RoleWriter)).Post("/", h.CreateLesson)
			r.With(middleware.RequireRole(models.RoleReader)).Post("/search", h.SearchLessons)
			r.With(middleware.RequireRole(models.RoleReader)).Post("/export", h.ExportLessons)
			r.With(middleware.RequireRole(models.RoleWriter)).Post("/import", h.ImportLessons)

			r.Route("/{lessonID}", func(r chi.Router) {
				r.With(middleware.RequireRole(models.RoleReader)).Get("/", h.GetLesson)
				r.With(middleware.RequireRole(models.RoleWriter)).Patch("/", h.UpdateLesson)
				r.With(middleware.RequireRole(models.RoleWriter)).Delete("/", h.DeleteLesson)
				r.With(middleware.RequireRole(models.RoleReader)).Post("/rate", h.RateLesson)
			})
		})

		r.Route("/v1/keys", func(r chi.Router) {
			r.Use(middleware.RequireRole(models.RoleAdmin))
			r.Get("/", h.ListKeys)
			r.Post("/", h.CreateKey)
			r.Delete("/{keyID}", h.RevokeKey)
		})

		r.Route("/v1/sharing", func(r chi.Router) {
			r.With(middleware.RequireRole(models.RoleReader)).Get("/config", h.GetSharingConfig)
			r.With(middleware.RequireRole(models.RoleWriter)).Put("/config", h.UpdateSharingConfig)

			r.With(middleware.RequireRole(models.RoleReader)).Get("/agents", h.ListAgentConfigs)
			r.With(middleware.RequireRole(models.RoleWriter)).Put("/agents/{agentID}", h.UpsertAgentConfig)

			r.With(middleware.RequireRole(models.RoleReader)).Get("/deny-list", h.ListDenyRules)
			r.With(middleware.RequireRole(models.RoleWriter)).Post("/deny-list", h.CreateDenyRule)
			r.With(middleware.RequireRole(models.RoleWriter)).Delete("/deny-list/{ruleID}", h.DeleteDenyRule)

			r.With(middleware.RequireRole(models.RoleReader)).Get("/audit", h.ListAuditEvents)
			r.With(middleware.RequireRole(models.RoleReader)).Get("/stats", h.SharingStats)
			r.With(middleware.RequireRole(models.RoleWriter)).Post("/purge", h.PurgeSharing)
		})
	})

	return r
}
