// Package middleware provides the HTTP middleware pipeline for the
// Lore server: request identity, body limits, rate limiting, auth,
// access logging, and panic recovery.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/lorehq/lore-server/pkg/contracts"
)

type contextKey string

const (
	requestIDKey       contextKey = "request_id"
	principalKey       contextKey = "principal"
	principalHolderKey contextKey = "principal_holder"
)

// principalHolder lets the access-log middleware (outside auth) see the
// principal the auth middleware (inside) resolved. Context values only
// flow inward, so the outer layer plants a mutable slot.
type principalHolder struct {
	p *contracts.Principal
}

func withHolder(ctx context.Context, h *principalHolder) context.Context {
	return context.WithValue(ctx, principalHolderKey, h)
}

// RequestIDFrom returns the request's correlation id, or "".
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// PrincipalFrom returns the authenticated principal, or nil on
// unauthenticated routes.
func PrincipalFrom(ctx context.Context) *contracts.Principal {
	p, _ := ctx.Value(principalKey).(*contracts.Principal)
	return p
}

// WithPrincipal stores the principal for handlers downstream. Exposed
// for handler tests that bypass the auth middleware.
func WithPrincipal(ctx context.Context, p *contracts.Principal) context.Context {
	if holder, ok := ctx.Value(principalHolderKey).(*principalHolder); ok {
		holder.p = p
	}
	return context.WithValue(ctx, principalKey, p)
}

// writeError emits the error envelope every failure in the pipeline
// shares: {"error": code, "message": text}.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": code, "message": message})
}
