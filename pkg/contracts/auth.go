// Package contracts — the authentication boundary of the Lore server.
//
// The resolver implementation lives in internal/auth; handlers and
// middleware depend only on these types, so the API-key path and the
// OIDC path are interchangeable behind one contract.
package contracts

import (
	"context"

	"github.com/lorehq/lore-server/pkg/models"
)

// ── Principal ───────────────────────────────────────────────

// Principal is the authenticated identity derived from a bearer token
// for the duration of one request. It is never persisted; the resolver
// reconstructs it on every call.
//
// No handler ever knows whether the caller presented an API key or a
// JWT — authorization is decided from Role alone.
type Principal struct {
	// KeyID identifies the credential: the api_keys row ID, or
	// "oidc:"+subject for JWT principals.
	KeyID string `json:"key_id"`

	// OrgID is the tenant every query must be scoped to.
	OrgID string `json:"org_id"`

	// Project restricts the principal to a single project scope.
	// Nil means org-wide. Always nil for JWT principals.
	Project *string `json:"project,omitempty"`

	// Role is the permission level (reader, writer, admin).
	Role models.Role `json:"role"`

	// IsRoot marks the org's root credentials. Root keys resolve to
	// admin when no explicit role is stored.
	IsRoot bool `json:"is_root"`

	// Method records how the principal authenticated: "api_key" or "oidc".
	Method string `json:"method"`
}

// ── CredentialResolver ──────────────────────────────────────

// CredentialResolver validates a bearer token and returns a Principal.
//
// The contract:
//   - (*Principal, nil) → authenticated
//   - (nil, error)      → rejected; the error carries the stable code
//     and HTTP status for the envelope
//
// The resolver never panics across this boundary.
type CredentialResolver interface {
	Resolve(ctx context.Context, bearer string) (*Principal, error)

	// Invalidate synchronously removes a cached credential by its
	// SHA-256 hash. Revocation calls this so a revoked key cannot
	// ride the cache TTL.
	Invalidate(hash string)
}
