// Package models defines the domain and wire types shared by the Lore
// server's handlers, stores, and clients. Request types carry their
// validation constraints as struct tags; responses marshal exactly the
// shapes the HTTP surface documents.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EmbeddingDims is the only accepted embedding vector length.
const EmbeddingDims = 384

// ── Roles ────────────────────────────────────────────────────

// Role is the permission level attached to a principal.
// reader ⊂ writer ⊂ admin: each level includes everything below it.
type Role string

const (
	RoleReader Role = "reader"
	RoleWriter Role = "writer"
	RoleAdmin  Role = "admin"
)

var roleRank = map[Role]int{
	RoleReader: 0,
	RoleWriter: 1,
	RoleAdmin:  2,
}

// Known reports whether r is one of the three defined roles.
func (r Role) Known() bool {
	_, ok := roleRank[r]
	return ok
}

// Allows reports whether a principal holding r may act as required.
func (r Role) Allows(required Role) bool {
	return roleRank[r] >= roleRank[required]
}

// ── Org ──────────────────────────────────────────────────────

// Org is the tenant. Created once via bootstrap, never deleted.
type Org struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type OrgInitRequest struct {
	Name string `json:"name" validate:"required,min=1,max=200"`
}

// OrgInitResponse carries the raw root secret. It is returned exactly once;
// only the hash is persisted.
type OrgInitResponse struct {
	OrgID     string `json:"org_id"`
	APIKey    string `json:"api_key"`
	KeyPrefix string `json:"key_prefix"`
}

// ── API Keys ─────────────────────────────────────────────────

// APIKey is a stored credential. Hash is the SHA-256 hex of the raw
// secret; the secret itself is never persisted. Prefix is the 12-char
// display fragment (safe to log). Role may be empty for keys minted
// before explicit roles existed — resolution falls back to IsRoot.
type APIKey struct {
	ID         string     `json:"id"`
	OrgID      string     `json:"-"`
	Name       string     `json:"name"`
	Hash       string     `json:"-"`
	Prefix     string     `json:"key_prefix"`
	Project    *string    `json:"project"`
	Role       Role       `json:"role,omitempty"`
	IsRoot     bool       `json:"is_root"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at"`
	RevokedAt  *time.Time `json:"-"`
}

// Revoked reports whether the key has been soft-deleted.
func (k *APIKey) Revoked() bool { return k.RevokedAt != nil }

type KeyCreateRequest struct {
	Name    string  `json:"name" validate:"required,min=1,max=200"`
	Project *string `json:"project" validate:"omitempty,min=1,max=200"`
	IsRoot  bool    `json:"is_root"`
	Role    Role    `json:"role" validate:"omitempty,oneof=reader writer admin"`
}

// KeyCreateResponse is the only message that ever carries the raw secret.
type KeyCreateResponse struct {
	ID      string  `json:"id"`
	Key     string  `json:"key"`
	Name    string  `json:"name"`
	Project *string `json:"project"`
}

// KeyInfo is the non-secret listing view of an APIKey.
type KeyInfo struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	KeyPrefix  string     `json:"key_prefix"`
	Project    *string    `json:"project"`
	Role       Role       `json:"role,omitempty"`
	IsRoot     bool       `json:"is_root"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at"`
	Revoked    bool       `json:"revoked"`
}

type KeyListResponse struct {
	Keys []KeyInfo `json:"keys"`
}

// ── Lessons ──────────────────────────────────────────────────

// Lesson is a problem/resolution memory with an optional 384-dim
// embedding. Embedding is omitted from CRUD responses and populated
// only on export.
type Lesson struct {
	ID         string                 `json:"id"`
	OrgID      string                 `json:"-"`
	Problem    string                 `json:"problem"`
	Resolution string                 `json:"resolution"`
	Context    *string                `json:"context"`
	Tags       []string               `json:"tags"`
	Confidence float64                `json:"confidence"`
	Source     *string                `json:"source"`
	Project    *string                `json:"project"`
	Embedding  []float32              `json:"embedding,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
	ExpiresAt  *time.Time             `json:"expires_at"`
	Upvotes    int                    `json:"upvotes"`
	Downvotes  int                    `json:"downvotes"`
	Reputation int                    `json:"-"`
	Meta       map[string]interface{} `json:"meta"`
}

// ScoredLesson is a search hit: the lesson plus its composite score,
// rounded to six decimals and clamped to ≥ 0.
type ScoredLesson struct {
	Lesson
	Score float64 `json:"score"`
}

// LessonCreateRequest creates one lesson. Confidence defaults to 0.5
// when omitted, hence the pointer.
type LessonCreateRequest struct {
	Problem    string                 `json:"problem" validate:"required,min=1"`
	Resolution string                 `json:"resolution" validate:"required,min=1"`
	Context    *string                `json:"context"`
	Tags       []string               `json:"tags"`
	Confidence *float64               `json:"confidence" validate:"omitempty,gte=0,lte=1"`
	Source     *string                `json:"source"`
	Project    *string                `json:"project"`
	Embedding  []float32              `json:"embedding" validate:"omitempty,len=384"`
	ExpiresAt  *time.Time             `json:"expires_at"`
	Meta       map[string]interface{} `json:"meta"`
}

type LessonCreateResponse struct {
	ID string `json:"id"`
}

// VotePatch is a PATCH value for upvotes/downvotes. It accepts either an
// absolute non-negative integer or the strings "+1"/"-1", which request
// an atomic server-side increment.
type VotePatch struct {
	Delta int  // ±1 when a relative string was supplied
	Abs   *int // non-nil when an absolute value was supplied
}

func (v *VotePatch) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		switch s {
		case "+1":
			v.Delta = 1
		case "-1":
			v.Delta = -1
		default:
			return fmt.Errorf("vote delta must be \"+1\" or \"-1\", got %q", s)
		}
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("vote value must be an integer or \"+1\"/\"-1\"")
	}
	if n < 0 {
		return fmt.Errorf("absolute vote count must be >= 0")
	}
	v.Abs = &n
	return nil
}

func (v VotePatch) MarshalJSON() ([]byte, error) {
	if v.Abs != nil {
		return json.Marshal(*v.Abs)
	}
	if v.Delta > 0 {
		return json.Marshal("+1")
	}
	return json.Marshal("-1")
}

// LessonUpdateRequest is a partial update. A request with no fields set
// is rejected.
type LessonUpdateRequest struct {
	Confidence *float64               `json:"confidence" validate:"omitempty,gte=0,lte=1"`
	Tags       []string               `json:"tags"`
	Meta       map[string]interface{} `json:"meta"`
	Upvotes    *VotePatch             `json:"upvotes"`
	Downvotes  *VotePatch             `json:"downvotes"`
}

// Empty reports whether the patch would change nothing.
func (r *LessonUpdateRequest) Empty() bool {
	return r.Confidence == nil && r.Tags == nil && r.Meta == nil &&
		r.Upvotes == nil && r.Downvotes == nil
}

type LessonListResponse struct {
	Lessons []Lesson `json:"lessons"`
	Total   int      `json:"total"`
	Limit   int      `json:"limit"`
	Offset  int      `json:"offset"`
}

type LessonSearchRequest struct {
	Embedding     []float32 `json:"embedding" validate:"required,len=384"`
	Tags          []string  `json:"tags"`
	Project       *string   `json:"project"`
	Limit         int       `json:"limit" validate:"omitempty,min=1,max=50"`
	MinConfidence float64   `json:"min_confidence" validate:"gte=0,lte=1"`
}

type LessonSearchResponse struct {
	Lessons []ScoredLesson `json:"lessons"`
}

// LessonImportItem is one row of a bulk import. Embedding is required:
// imports are the restore path for exports, which always carry vectors.
// Timestamps are preserved when present so export→import round-trips.
type LessonImportItem struct {
	ID         string                 `json:"id"`
	Problem    string                 `json:"problem" validate:"required,min=1"`
	Resolution string                 `json:"resolution" validate:"required,min=1"`
	Context    *string                `json:"context"`
	Tags       []string               `json:"tags"`
	Confidence float64                `json:"confidence" validate:"gte=0,lte=1"`
	Source     *string                `json:"source"`
	Project    *string                `json:"project"`
	Embedding  []float32              `json:"embedding" validate:"required,len=384"`
	CreatedAt  *time.Time             `json:"created_at"`
	UpdatedAt  *time.Time             `json:"updated_at"`
	ExpiresAt  *time.Time             `json:"expires_at"`
	Upvotes    int                    `json:"upvotes" validate:"gte=0"`
	Downvotes  int                    `json:"downvotes" validate:"gte=0"`
	Meta       map[string]interface{} `json:"meta"`
}

type LessonImportRequest struct {
	Lessons []LessonImportItem `json:"lessons" validate:"required,min=1,dive"`
}

type LessonImportResponse struct {
	Imported int `json:"imported"`
}

type LessonExportResponse struct {
	Lessons []Lesson `json:"lessons"`
}

type RateRequest struct {
	Delta int `json:"delta" validate:"required,oneof=1 -1"`
}

type RateResponse struct {
	ReputationScore int `json:"reputation_score"`
}

// ── Sharing ──────────────────────────────────────────────────

// SharingConfig is the per-org sharing switchboard. A row is created
// with these defaults the first time the org touches the config.
type SharingConfig struct {
	Enabled              bool       `json:"enabled"`
	HumanReviewEnabled   bool       `json:"human_review_enabled"`
	RateLimitPerHour     int        `json:"rate_limit_per_hour"`
	VolumeAlertThreshold int        `json:"volume_alert_threshold"`
	UpdatedAt            *time.Time `json:"updated_at"`
}

// DefaultSharingConfig returns the safe defaults: sharing off.
func DefaultSharingConfig() SharingConfig {
	return SharingConfig{
		Enabled:              false,
		HumanReviewEnabled:   false,
		RateLimitPerHour:     100,
		VolumeAlertThreshold: 1000,
	}
}

type SharingConfigUpdate struct {
	Enabled              *bool `json:"enabled"`
	HumanReviewEnabled   *bool `json:"human_review_enabled"`
	RateLimitPerHour     *int  `json:"rate_limit_per_hour" validate:"omitempty,gte=0"`
	VolumeAlertThreshold *int  `json:"volume_alert_threshold" validate:"omitempty,gte=0"`
}

type AgentSharingConfig struct {
	AgentID    string     `json:"agent_id"`
	Enabled    bool       `json:"enabled"`
	Categories []string   `json:"categories"`
	UpdatedAt  *time.Time `json:"updated_at"`
}

type AgentSharingConfigUpdate struct {
	Enabled    *bool    `json:"enabled"`
	Categories []string `json:"categories"`
}

type DenyRule struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"-"`
	Pattern   string    `json:"pattern"`
	IsRegex   bool      `json:"is_regex"`
	Reason    *string   `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

type DenyRuleCreateRequest struct {
	Pattern string  `json:"pattern" validate:"required,min=1"`
	IsRegex bool    `json:"is_regex"`
	Reason  *string `json:"reason"`
}

// AuditEvent is an append-only record of a sharing-relevant action.
type AuditEvent struct {
	ID          string    `json:"id"`
	OrgID       string    `json:"-"`
	EventType   string    `json:"event_type"`
	LessonID    *string   `json:"lesson_id"`
	QueryText   *string   `json:"query_text"`
	InitiatedBy string    `json:"initiated_by"`
	CreatedAt   time.Time `json:"created_at"`
}

// SharingStats aggregates an org's sharing activity. Field names follow
// the dashboard contract, hence the camelCase.
type SharingStats struct {
	CountShared  int            `json:"countShared"`
	LastShared   *time.Time     `json:"lastShared"`
	AuditSummary map[string]int `json:"auditSummary"`
}

type PurgeRequest struct {
	Confirmation string `json:"confirmation" validate:"required"`
}

type PurgeResponse struct {
	DeletedLessons int    `json:"deleted_lessons"`
	Status         string `json:"status"`
}
