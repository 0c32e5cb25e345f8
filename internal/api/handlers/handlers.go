// Package handlers implements the HTTP handlers for the Lore server's
// API surface: lessons, keys, sharing, bootstrap, and probes.
package handlers

import (
	"net/http"

	"github.com/oklog/ulid/v2"

	"github.com/lorehq/lore-server/internal/api/middleware"
	"github.com/lorehq/lore-server/internal/metrics"
	"github.com/lorehq/lore-server/internal/store"
	"github.com/lorehq/lore-server/pkg/contracts"
)

// Handlers carries the dependencies every endpoint shares.
type Handlers struct {
	Store    store.Store
	Resolver contracts.CredentialResolver
	Metrics  *metrics.Metrics
}

func New(s store.Store, resolver contracts.CredentialResolver, m *metrics.Metrics) *Handlers {
	return &Handlers{Store: s, Resolver: resolver, Metrics: m}
}

// newID mints a ULID: sortable by creation time, safe in URLs.
func newID() string {
	return ulid.Make().String()
}

func principal(r *http.Request) *contracts.Principal {
	return middleware.PrincipalFrom(r.Context())
}

// scopeOf narrows storage access to the principal's tenant and, for
// project keys, project.
func scopeOf(p *contracts.Principal) store.Scope {
	return store.Scope{OrgID: p.OrgID, Project: p.Project}
}
