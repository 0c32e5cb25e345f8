package handlers

import "net/http"

// Health handles GET /health — liveness only, no dependency checks.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles GET /ready. 503 until the database answers and the
// vector extension is installed, so orchestrators hold traffic.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	readiness := h.Store.Ready(r.Context())
	body := map[string]interface{}{
		"status": "ready",
		"checks": map[string]bool{
			"db":       readiness.DB,
			"pgvector": readiness.PgVector,
		},
	}
	if !readiness.Ready() {
		body["status"] = "not_ready"
		respondJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	respondJSON(w, http.StatusOK, body)
}
