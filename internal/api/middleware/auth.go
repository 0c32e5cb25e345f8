package middleware

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/lorehq/lore-server/internal/auth"
	"github.com/lorehq/lore-server/pkg/contracts"
	"github.com/lorehq/lore-server/pkg/models"
)

// Authenticator turns bearer tokens into principals for the protected
// route group.
type Authenticator struct {
	Resolver contracts.CredentialResolver
}

// Middleware resolves the Authorization header and stores the
// principal in the request context. Failures respond with the
// resolver's stable code; anything that is not an auth.Error is a
// server fault, not the caller's.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := a.Resolver.Resolve(r.Context(), BearerToken(r))
		if err != nil {
			var authErr *auth.Error
			if errors.As(err, &authErr) {
				writeError(w, authErr.Status, authErr.Code, authErr.Message)
				return
			}
			log.Error().Err(err).
				Str("request_id", RequestIDFrom(r.Context())).
				Msg("credential resolution failed")
			writeError(w, http.StatusInternalServerError, "internal_error",
				"An internal server error occurred.")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

// RequireRole gates a route on the role hierarchy: an admin passes a
// writer check, a writer passes a reader check, never the other way.
func RequireRole(required models.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := PrincipalFrom(r.Context())
			if p == nil || !p.Role.Allows(required) {
				e := auth.ErrInsufficientRole
				writeError(w, e.Status, e.Code, e.Message)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
