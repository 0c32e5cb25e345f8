package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lorehq/lore-server/internal/store"
	"github.com/lorehq/lore-server/pkg/models"
)

const (
	defaultListLimit   = 50
	maxListLimit       = 200
	defaultSearchLimit = 5
)

// CreateLesson handles POST /v1/lessons.
func (h *Handlers) CreateLesson(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	var req models.LessonCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	confidence := 0.5
	if req.Confidence != nil {
		confidence = *req.Confidence
	}
	// a project-scoped key pins the lesson to its project no matter
	// what the body says
	project := req.Project
	if p.Project != nil {
		project = p.Project
	}
	tags := req.Tags
	if tags == nil {
		tags = []string{}
	}
	meta := req.Meta
	if meta == nil {
		meta = map[string]interface{}{}
	}

	now := time.Now().UTC()
	lesson := &models.Lesson{
		ID:         newID(),
		OrgID:      p.OrgID,
		Problem:    req.Problem,
		Resolution: req.Resolution,
		Context:    req.Context,
		Tags:       tags,
		Confidence: confidence,
		Source:     req.Source,
		Project:    project,
		Embedding:  req.Embedding,
		CreatedAt:  now,
		UpdatedAt:  now,
		ExpiresAt:  req.ExpiresAt,
		Meta:       meta,
	}
	if err := h.Store.CreateLesson(r.Context(), lesson); err != nil {
		respondStoreError(w, r, err)
		return
	}
	if h.Metrics != nil {
		h.Metrics.LessonsSaved.Inc()
	}
	respondJSON(w, http.StatusCreated, models.LessonCreateResponse{ID: lesson.ID})
}

// GetLesson handles GET /v1/lessons/{lessonID}.
func (h *Handlers) GetLesson(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	lesson, err := h.Store.GetLesson(r.Context(), scopeOf(p), chi.URLParam(r, "lessonID"))
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, lesson)
}

// ListLessons handles GET /v1/lessons.
func (h *Handlers) ListLessons(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	q := r.URL.Query()

	filter := store.LessonFilter{
		Query:    q.Get("query"),
		Category: q.Get("category"),
		Limit:    defaultListLimit,
	}
	if v := q.Get("project"); v != "" {
		filter.Project = &v
	}
	if v := q.Get("minReputation"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, http.StatusUnprocessableEntity, "validation_error",
				"minReputation: must be an integer")
			return
		}
		filter.MinReputation = &n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxListLimit {
			respondError(w, http.StatusUnprocessableEntity, "validation_error",
				"limit: must be an integer between 1 and "+strconv.Itoa(maxListLimit))
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusUnprocessableEntity, "validation_error",
				"offset: must be a non-negative integer")
			return
		}
		filter.Offset = n
	}

	lessons, total, err := h.Store.ListLessons(r.Context(), scopeOf(p), filter)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, models.LessonListResponse{
		Lessons: lessons,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	})
}

// UpdateLesson handles PATCH /v1/lessons/{lessonID}.
func (h *Handlers) UpdateLesson(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	var req models.LessonUpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Empty() {
		respondError(w, http.StatusUnprocessableEntity, "validation_error",
			"No fields to update.")
		return
	}

	lesson, err := h.Store.UpdateLesson(r.Context(), scopeOf(p), chi.URLParam(r, "lessonID"), store.LessonPatch{
		Confidence: req.Confidence,
		Tags:       req.Tags,
		Meta:       req.Meta,
		Upvotes:    req.Upvotes,
		Downvotes:  req.Downvotes,
	})
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, lesson)
}

// DeleteLesson handles DELETE /v1/lessons/{lessonID}.
func (h *Handlers) DeleteLesson(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	if err := h.Store.DeleteLesson(r.Context(), scopeOf(p), chi.URLParam(r, "lessonID")); err != nil {
		respondStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RateLesson handles POST /v1/lessons/{lessonID}/rate.
func (h *Handlers) RateLesson(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	var req models.RateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	score, err := h.Store.RateLesson(r.Context(), p.OrgID, chi.URLParam(r, "lessonID"), req.Delta, p.KeyID)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, models.RateResponse{ReputationScore: score})
}

// SearchLessons handles POST /v1/lessons/search — ranked recall.
func (h *Handlers) SearchLessons(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	var req models.LessonSearchRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	limit := req.Limit
	if limit == 0 {
		limit = defaultSearchLimit
	}

	start := time.Now()
	hits, err := h.Store.SearchLessons(r.Context(), scopeOf(p), store.SearchQuery{
		Embedding:     req.Embedding,
		Tags:          req.Tags,
		Project:       req.Project,
		Limit:         limit,
		MinConfidence: req.MinConfidence,
	})
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	if h.Metrics != nil {
		h.Metrics.RecallQueries.Inc()
		h.Metrics.VectorSearchLatency.Observe(time.Since(start).Seconds())
	}
	respondJSON(w, http.StatusOK, models.LessonSearchResponse{Lessons: hits})
}

// ExportLessons handles POST /v1/lessons/export. The only read path
// that returns embeddings.
func (h *Handlers) ExportLessons(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	lessons, err := h.Store.ExportLessons(r.Context(), scopeOf(p))
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, models.LessonExportResponse{Lessons: lessons})
}

// ImportLessons handles POST /v1/lessons/import — the restore path for
// exports. Rows upsert by id; timestamps carried in the payload are
// preserved so a round trip is lossless.
func (h *Handlers) ImportLessons(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	var req models.LessonImportRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	now := time.Now().UTC()
	rows := make([]models.Lesson, 0, len(req.Lessons))
	for _, item := range req.Lessons {
		id := item.ID
		if id == "" {
			id = newID()
		}
		project := item.Project
		if p.Project != nil {
			project = p.Project
		}
		createdAt := now
		if item.CreatedAt != nil {
			createdAt = *item.CreatedAt
		}
		updatedAt := now
		if item.UpdatedAt != nil {
			updatedAt = *item.UpdatedAt
		}
		tags := item.Tags
		if tags == nil {
			tags = []string{}
		}
		meta := item.Meta
		if meta == nil {
			meta = map[string]interface{}{}
		}
		rows = append(rows, models.Lesson{
			ID:         id,
			OrgID:      p.OrgID,
			Problem:    item.Problem,
			Resolution: item.Resolution,
			Context:    item.Context,
			Tags:       tags,
			Confidence: item.Confidence,
			Source:     item.Source,
			Project:    project,
			Embedding:  item.Embedding,
			CreatedAt:  createdAt,
			UpdatedAt:  updatedAt,
			ExpiresAt:  item.ExpiresAt,
			Upvotes:    item.Upvotes,
			Downvotes:  item.Downvotes,
			Meta:       meta,
		})
	}

	imported, err := h.Store.ImportLessons(r.Context(), rows)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, models.LessonImportResponse{Imported: imported})
}
