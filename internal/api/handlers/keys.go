package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lorehq/lore-server/internal/auth"
	"github.com/lorehq/lore-server/internal/store"
	"github.com/lorehq/lore-server/pkg/models"
)

// CreateKey handles POST /v1/keys. Admin only. The raw secret appears
// in this response and nowhere else.
func (h *Handlers) CreateKey(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	var req models.KeyCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	raw := auth.NewSecret(32)
	key := &models.APIKey{
		ID:        newID(),
		OrgID:     p.OrgID,
		Name:      req.Name,
		Hash:      auth.HashSecret(raw),
		Prefix:    auth.DisplayPrefix(raw),
		Project:   req.Project,
		Role:      req.Role,
		IsRoot:    req.IsRoot,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.Store.CreateKey(r.Context(), key); err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, models.KeyCreateResponse{
		ID:      key.ID,
		Key:     raw,
		Name:    key.Name,
		Project: key.Project,
	})
}

// ListKeys handles GET /v1/keys. Admin only. Secrets and hashes never
// appear; only the display prefix does.
func (h *Handlers) ListKeys(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	keys, err := h.Store.ListKeys(r.Context(), p.OrgID)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	infos := make([]models.KeyInfo, 0, len(keys))
	for i := range keys {
		k := &keys[i]
		infos = append(infos, models.KeyInfo{
			ID:         k.ID,
			Name:       k.Name,
			KeyPrefix:  k.Prefix,
			Project:    k.Project,
			Role:       k.Role,
			IsRoot:     k.IsRoot,
			CreatedAt:  k.CreatedAt,
			LastUsedAt: k.LastUsedAt,
			Revoked:    k.Revoked(),
		})
	}
	respondJSON(w, http.StatusOK, models.KeyListResponse{Keys: infos})
}

// RevokeKey handles DELETE /v1/keys/{keyID}. Admin only. The resolver
// cache entry for the key is dropped so revocation takes effect
// immediately, not at cache expiry.
func (h *Handlers) RevokeKey(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	key, err := h.Store.RevokeKey(r.Context(), p.OrgID, chi.URLParam(r, "keyID"))
	if err != nil {
		switch {
		case errors.Is(err, store.ErrKeyAlreadyRevoked):
			respondError(w, http.StatusBadRequest, "bad_request", "Key already revoked.")
		case errors.Is(err, store.ErrLastRootKey):
			respondError(w, http.StatusBadRequest, "bad_request",
				"Cannot revoke the last active root key.")
		default:
			respondStoreError(w, r, err)
		}
		return
	}
	if h.Resolver != nil {
		h.Resolver.Invalidate(key.Hash)
	}
	w.WriteHeader(http.StatusNoContent)
}
