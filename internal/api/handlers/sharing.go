package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/lorehq/lore-server/internal/store"
	"github.com/lorehq/lore-server/pkg/models"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

// GetSharingConfig handles GET /v1/sharing/config. The first read
// creates the row with sharing disabled.
func (h *Handlers) GetSharingConfig(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	cfg, err := h.Store.GetSharingConfig(r.Context(), p.OrgID)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

// UpdateSharingConfig handles PUT /v1/sharing/config.
func (h *Handlers) UpdateSharingConfig(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	var req models.SharingConfigUpdate
	if !decodeJSON(w, r, &req) {
		return
	}
	cfg, err := h.Store.UpdateSharingConfig(r.Context(), p.OrgID, req)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

// ListAgentConfigs handles GET /v1/sharing/agents.
func (h *Handlers) ListAgentConfigs(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	configs, err := h.Store.ListAgentConfigs(r.Context(), p.OrgID)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string][]models.AgentSharingConfig{"agents": configs})
}

// UpsertAgentConfig handles PUT /v1/sharing/agents/{agentID}.
func (h *Handlers) UpsertAgentConfig(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	var req models.AgentSharingConfigUpdate
	if !decodeJSON(w, r, &req) {
		return
	}
	cfg, err := h.Store.UpsertAgentConfig(r.Context(), p.OrgID, chi.URLParam(r, "agentID"), req)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

// ListDenyRules handles GET /v1/sharing/deny-list.
func (h *Handlers) ListDenyRules(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	rules, err := h.Store.ListDenyRules(r.Context(), p.OrgID)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string][]models.DenyRule{"rules": rules})
}

// CreateDenyRule handles POST /v1/sharing/deny-list.
func (h *Handlers) CreateDenyRule(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	var req models.DenyRuleCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	rule := &models.DenyRule{
		ID:        newID(),
		OrgID:     p.OrgID,
		Pattern:   req.Pattern,
		IsRegex:   req.IsRegex,
		Reason:    req.Reason,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.Store.CreateDenyRule(r.Context(), rule); err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, rule)
}

// DeleteDenyRule handles DELETE /v1/sharing/deny-list/{ruleID}.
func (h *Handlers) DeleteDenyRule(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	if err := h.Store.DeleteDenyRule(r.Context(), p.OrgID, chi.URLParam(r, "ruleID")); err != nil {
		respondStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListAuditEvents handles GET /v1/sharing/audit with optional
// event_type, from, to (RFC 3339), and limit query parameters.
func (h *Handlers) ListAuditEvents(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	q := r.URL.Query()

	filter := store.AuditFilter{
		EventType: q.Get("event_type"),
		Limit:     defaultAuditLimit,
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusUnprocessableEntity, "validation_error",
				"from: must be an RFC 3339 timestamp")
			return
		}
		filter.From = &t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusUnprocessableEntity, "validation_error",
				"to: must be an RFC 3339 timestamp")
			return
		}
		filter.To = &t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxAuditLimit {
			respondError(w, http.StatusUnprocessableEntity, "validation_error",
				"limit: must be an integer between 1 and "+strconv.Itoa(maxAuditLimit))
			return
		}
		filter.Limit = n
	}

	events, err := h.Store.ListAuditEvents(r.Context(), p.OrgID, filter)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string][]models.AuditEvent{"events": events})
}

// SharingStats handles GET /v1/sharing/stats.
func (h *Handlers) SharingStats(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	stats, err := h.Store.SharingStats(r.Context(), p.OrgID)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// PurgeSharing handles POST /v1/sharing/purge. Destroys every lesson
// and all sharing state for the org. The confirmation phrase is the
// only thing standing between a fat-fingered request and data loss.
func (h *Handlers) PurgeSharing(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	var req models.PurgeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Confirmation != "PURGE" {
		respondError(w, http.StatusBadRequest, "bad_request", "Confirmation must be 'PURGE'.")
		return
	}

	deleted, err := h.Store.PurgeOrg(r.Context(), p.OrgID)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}

	// recorded after the purge commits so the event survives it
	audit := &models.AuditEvent{
		ID:          newID(),
		OrgID:       p.OrgID,
		EventType:   "purge",
		InitiatedBy: p.KeyID,
		CreatedAt:   time.Now().UTC(),
	}
	if err := h.Store.RecordAuditEvent(r.Context(), audit); err != nil {
		log.Warn().Err(err).Str("org_id", p.OrgID).Msg("purge audit record failed")
	}

	log.Info().Str("org_id", p.OrgID).Int("deleted_lessons", deleted).Msg("org purged")
	respondJSON(w, http.StatusOK, models.PurgeResponse{
		DeletedLessons: deleted,
		Status:         "purged",
	})
}
