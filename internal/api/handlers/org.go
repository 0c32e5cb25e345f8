package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorehq/lore-server/internal/auth"
	"github.com/lorehq/lore-server/internal/store"
	"github.com/lorehq/lore-server/pkg/models"
)

// OrgInit handles POST /v1/org/init — the only unauthenticated write.
// It succeeds exactly once per deployment: the first caller names the
// org and receives the root key; everyone after gets a 409.
func (h *Handlers) OrgInit(w http.ResponseWriter, r *http.Request) {
	var req models.OrgInitRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	now := time.Now().UTC()
	org := &models.Org{
		ID:        newID(),
		Name:      req.Name,
		CreatedAt: now,
	}
	raw := auth.NewSecret(16)
	rootKey := &models.APIKey{
		ID:        newID(),
		OrgID:     org.ID,
		Name:      "root",
		Hash:      auth.HashSecret(raw),
		Prefix:    auth.DisplayPrefix(raw),
		IsRoot:    true,
		CreatedAt: now,
	}

	if err := h.Store.BootstrapOrg(r.Context(), org, rootKey); err != nil {
		if errors.Is(err, store.ErrOrgExists) {
			respondError(w, http.StatusConflict, "conflict", "Org already exists.")
			return
		}
		respondStoreError(w, r, err)
		return
	}

	log.Info().Str("org_id", org.ID).Str("org_name", org.Name).Msg("org bootstrapped")
	respondJSON(w, http.StatusCreated, models.OrgInitResponse{
		OrgID:     org.ID,
		APIKey:    raw,
		KeyPrefix: rootKey.Prefix,
	})
}
