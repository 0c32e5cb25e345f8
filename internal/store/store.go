// Package store provides the storage interface and implementations for
// the Lore server. Production runs on PostgreSQL with the pgvector
// extension; an in-memory implementation backs local development and
// tests.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/lorehq/lore-server/pkg/models"
)

// Store is the primary storage interface. All handler code depends on
// this interface, making it easy to swap between in-memory (tests) and
// PostgreSQL (production) implementations.
type Store interface {
	OrgStore
	KeyStore
	LessonStore
	SharingStore

	// Ping checks if the backing database is reachable.
	Ping(ctx context.Context) error

	// Ready reports the readiness-probe checks.
	Ready(ctx context.Context) Readiness

	// PoolStats returns (total, idle) connection counts for the
	// pool gauges. The in-memory store reports zeros.
	PoolStats() (size, available int)

	// Close releases all resources held by the store.
	Close()
}

// Readiness is the /ready probe payload per check.
type Readiness struct {
	DB       bool
	PgVector bool
}

// Ready reports whether every check passed.
func (r Readiness) Ready() bool { return r.DB && r.PgVector }

// ── Scope ───────────────────────────────────────────────────

// Scope narrows queries to a tenant and, for project-scoped
// credentials, to one project. A scoped read that misses returns
// ErrNotFound — never a hint that the row exists elsewhere.
type Scope struct {
	OrgID   string
	Project *string
}

// ── Org Store ───────────────────────────────────────────────

type OrgStore interface {
	// BootstrapOrg creates the tenant and its seed root key in one
	// transaction. Fails with ErrOrgExists if any tenant row exists.
	BootstrapOrg(ctx context.Context, org *models.Org, rootKey *models.APIKey) error

	GetOrg(ctx context.Context, id string) (*models.Org, error)
}

// ── Key Store ───────────────────────────────────────────────

type KeyStore interface {
	CreateKey(ctx context.Context, key *models.APIKey) error

	// GetKeyByHash looks a credential up by its SHA-256 hex digest.
	GetKeyByHash(ctx context.Context, hash string) (*models.APIKey, error)

	ListKeys(ctx context.Context, orgID string) ([]models.APIKey, error)

	// RevokeKey soft-deletes a key inside a transaction that locks the
	// target row. Returns the revoked key (the caller needs its hash
	// for cache invalidation). Fails with ErrKeyAlreadyRevoked or
	// ErrLastRootKey as appropriate.
	RevokeKey(ctx context.Context, orgID, keyID string) (*models.APIKey, error)

	// TouchKeyLastUsed records key usage. Callers debounce; the store
	// just writes.
	TouchKeyLastUsed(ctx context.Context, keyID string, at time.Time) error
}

// ── Lesson Store ────────────────────────────────────────────

// LessonFilter narrows and pages a lesson listing.
type LessonFilter struct {
	Project       *string // ignored when the scope already has one
	Query         string  // substring match on problem/resolution
	Category      string  // tag containment
	MinReputation *int
	Limit         int
	Offset        int
}

// SearchQuery is a ranked recall request.
type SearchQuery struct {
	Embedding     []float32
	Tags          []string
	Project       *string // ignored when the scope already has one
	Limit         int
	MinConfidence float64
}

// LessonPatch is a partial lesson update. Vote fields apply atomic
// column deltas when Delta is set; read-modify-write is never used.
type LessonPatch struct {
	Confidence *float64
	Tags       []string
	Meta       map[string]interface{}
	Upvotes    *models.VotePatch
	Downvotes  *models.VotePatch
}

// Empty reports whether the patch would change nothing.
func (p LessonPatch) Empty() bool {
	return p.Confidence == nil && p.Tags == nil && p.Meta == nil &&
		p.Upvotes == nil && p.Downvotes == nil
}

type LessonStore interface {
	CreateLesson(ctx context.Context, lesson *models.Lesson) error

	GetLesson(ctx context.Context, scope Scope, id string) (*models.Lesson, error)

	// ListLessons returns one page plus the total count for the filter.
	ListLessons(ctx context.Context, scope Scope, filter LessonFilter) ([]models.Lesson, int, error)

	UpdateLesson(ctx context.Context, scope Scope, id string, patch LessonPatch) (*models.Lesson, error)

	DeleteLesson(ctx context.Context, scope Scope, id string) error

	// SearchLessons runs the ranked recall query. Rows come back
	// ordered by score DESC (ties: updated_at DESC, id ASC), already
	// post-filtered by MinConfidence and truncated to Limit.
	SearchLessons(ctx context.Context, scope Scope, query SearchQuery) ([]models.ScoredLesson, error)

	// ExportLessons returns every in-scope lesson with its embedding,
	// ordered by created_at.
	ExportLessons(ctx context.Context, scope Scope) ([]models.Lesson, error)

	// ImportLessons upserts by id inside one transaction. The upsert
	// refuses to cross tenants: a conflicting id owned by another org
	// is left untouched. Returns the number of rows processed.
	ImportLessons(ctx context.Context, lessons []models.Lesson) (int, error)

	// RateLesson applies reputation_score += delta and writes the
	// audit row in the same transaction. Returns the new score.
	RateLesson(ctx context.Context, orgID, lessonID string, delta int, initiatedBy string) (int, error)
}

// ── Sharing Store ───────────────────────────────────────────

// AuditFilter narrows an audit listing.
type AuditFilter struct {
	EventType string
	From      *time.Time
	To        *time.Time
	Limit     int
}

type SharingStore interface {
	// GetSharingConfig auto-creates the row with defaults on first read.
	GetSharingConfig(ctx context.Context, orgID string) (*models.SharingConfig, error)

	UpdateSharingConfig(ctx context.Context, orgID string, update models.SharingConfigUpdate) (*models.SharingConfig, error)

	ListAgentConfigs(ctx context.Context, orgID string) ([]models.AgentSharingConfig, error)

	// UpsertAgentConfig inserts or updates by (org, agent).
	UpsertAgentConfig(ctx context.Context, orgID, agentID string, update models.AgentSharingConfigUpdate) (*models.AgentSharingConfig, error)

	ListDenyRules(ctx context.Context, orgID string) ([]models.DenyRule, error)

	CreateDenyRule(ctx context.Context, rule *models.DenyRule) error

	DeleteDenyRule(ctx context.Context, orgID, ruleID string) error

	ListAuditEvents(ctx context.Context, orgID string, filter AuditFilter) ([]models.AuditEvent, error)

	// RecordAuditEvent appends one audit row outside any caller
	// transaction (it acquires its own connection).
	RecordAuditEvent(ctx context.Context, event *models.AuditEvent) error

	SharingStats(ctx context.Context, orgID string) (*models.SharingStats, error)

	// PurgeOrg deletes, in order, lessons, audit, deny rules, agent
	// configs, and the sharing config for the org — one transaction.
	// Returns the number of lessons deleted. The terminal audit row is
	// the caller's job (RecordAuditEvent after commit).
	PurgeOrg(ctx context.Context, orgID string) (int, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist
// within the caller's scope.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// IsNotFound reports whether err is an ErrNotFound.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}

var (
	// ErrOrgExists rejects bootstrap when a tenant already exists.
	ErrOrgExists = errors.New("org already exists")

	// ErrKeyAlreadyRevoked rejects double revocation.
	ErrKeyAlreadyRevoked = errors.New("key already revoked")

	// ErrLastRootKey protects the final active root credential; an org
	// must never be locked out of key management.
	ErrLastRootKey = errors.New("cannot revoke the last root key")
)
