// Package store — in-memory Store implementation.
// Used as a fallback when PostgreSQL is not available (local dev,
// tests). Supports file-based snapshot persistence so data survives
// restarts when LORE_DATA_DIR is set.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorehq/lore-server/pkg/models"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Orgs           map[string]*models.Org                `json:"orgs"`
	Keys           map[string]*models.APIKey             `json:"keys"`
	Lessons        map[string]*models.Lesson             `json:"lessons"`
	SharingConfigs map[string]*models.SharingConfig      `json:"sharing_configs"`
	AgentConfigs   map[string]*models.AgentSharingConfig `json:"agent_configs"`
	DenyRules      map[string]*models.DenyRule           `json:"deny_rules"`
	AuditEvents    []*models.AuditEvent                  `json:"audit_events"`
}

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu             sync.RWMutex
	orgs           map[string]*models.Org                // key: id
	keys           map[string]*models.APIKey             // key: id
	keysByHash     map[string]string                     // key: sha256 hex → key id
	lessons        map[string]*models.Lesson             // key: id
	sharingConfigs map[string]*models.SharingConfig      // key: org_id
	agentConfigs   map[string]*models.AgentSharingConfig // key: org_id:agent_id
	denyRules      map[string]*models.DenyRule           // key: id
	auditEvents    []*models.AuditEvent                  // append-only log

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals the background goroutine to stop
}

// NewMemoryStore creates a new in-memory store. If LORE_DATA_DIR is
// set, data is persisted to a JSON file in that directory; otherwise
// everything is volatile (the mode tests run in).
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		orgs:           make(map[string]*models.Org),
		keys:           make(map[string]*models.APIKey),
		keysByHash:     make(map[string]string),
		lessons:        make(map[string]*models.Lesson),
		sharingConfigs: make(map[string]*models.SharingConfig),
		agentConfigs:   make(map[string]*models.AgentSharingConfig),
		denyRules:      make(map[string]*models.DenyRule),
		auditEvents:    make([]*models.AuditEvent, 0),
		saveCh:         make(chan struct{}, 1),
		doneCh:         make(chan struct{}),
	}

	if dataDir := os.Getenv("LORE_DATA_DIR"); dataDir != "" {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
		} else {
			m.snapshotPath = filepath.Join(dataDir, "lore.json")
			m.loadSnapshot()
			go m.saveLoop()
		}
	}
	return m
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

// Ready always passes: there is no database to lose.
func (m *MemoryStore) Ready(context.Context) Readiness {
	return Readiness{DB: true, PgVector: true}
}

func (m *MemoryStore) PoolStats() (size, available int) { return 0, 0 }

func (m *MemoryStore) Close() {
	if m.snapshotPath != "" {
		close(m.doneCh)
		m.writeSnapshot()
	}
}

// ── Persistence ─────────────────────────────────────────────

func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		return
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Cannot parse snapshot, starting empty")
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.Orgs != nil {
		m.orgs = snap.Orgs
	}
	if snap.Keys != nil {
		m.keys = snap.Keys
		for id, k := range snap.Keys {
			m.keysByHash[k.Hash] = id
		}
	}
	if snap.Lessons != nil {
		m.lessons = snap.Lessons
	}
	if snap.SharingConfigs != nil {
		m.sharingConfigs = snap.SharingConfigs
	}
	if snap.AgentConfigs != nil {
		m.agentConfigs = snap.AgentConfigs
	}
	if snap.DenyRules != nil {
		m.denyRules = snap.DenyRules
	}
	if snap.AuditEvents != nil {
		m.auditEvents = snap.AuditEvents
	}
	log.Info().Str("path", m.snapshotPath).Msg("Loaded store snapshot")
}

// requestSave schedules a debounced snapshot write.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
	}
}

func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			// Debounce bursts of writes into one snapshot.
			time.Sleep(500 * time.Millisecond)
			m.writeSnapshot()
		}
	}
}

func (m *MemoryStore) writeSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		Orgs:           m.orgs,
		Keys:           m.keys,
		Lessons:        m.lessons,
		SharingConfigs: m.sharingConfigs,
		AgentConfigs:   m.agentConfigs,
		DenyRules:      m.denyRules,
		AuditEvents:    m.auditEvents,
	}
	data, err := json.Marshal(snap)
	m.mu.RUnlock()
	if err != nil {
		log.Warn().Err(err).Msg("Cannot marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		log.Warn().Err(err).Msg("Cannot write snapshot")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Warn().Err(err).Msg("Cannot replace snapshot")
	}
}

// ── Orgs & keys ─────────────────────────────────────────────

func (m *MemoryStore) BootstrapOrg(_ context.Context, org *models.Org, rootKey *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.orgs) > 0 {
		return ErrOrgExists
	}
	o := *org
	k := *rootKey
	m.orgs[o.ID] = &o
	m.keys[k.ID] = &k
	m.keysByHash[k.Hash] = k.ID
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetOrg(_ context.Context, id string) (*models.Org, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	org, ok := m.orgs[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "org", Key: id}
	}
	o := *org
	return &o, nil
}

func (m *MemoryStore) CreateKey(_ context.Context, key *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := *key
	m.keys[k.ID] = &k
	m.keysByHash[k.Hash] = k.ID
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetKeyByHash(_ context.Context, hash string) (*models.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.keysByHash[hash]
	if !ok {
		return nil, &ErrNotFound{Entity: "api key", Key: "by-hash"}
	}
	k := *m.keys[id]
	return &k, nil
}

func (m *MemoryStore) ListKeys(_ context.Context, orgID string) ([]models.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]models.APIKey, 0)
	for _, k := range m.keys {
		if k.OrgID == orgID {
			keys = append(keys, *k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.Before(keys[j].CreatedAt) })
	return keys, nil
}

func (m *MemoryStore) RevokeKey(_ context.Context, orgID, keyID string) (*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[keyID]
	if !ok || key.OrgID != orgID {
		return nil, &ErrNotFound{Entity: "api key", Key: keyID}
	}
	if key.Revoked() {
		return nil, ErrKeyAlreadyRevoked
	}
	if key.IsRoot {
		activeRoots := 0
		for _, k := range m.keys {
			if k.OrgID == orgID && k.IsRoot && !k.Revoked() {
				activeRoots++
			}
		}
		if activeRoots <= 1 {
			return nil, ErrLastRootKey
		}
	}
	now := time.Now().UTC()
	key.RevokedAt = &now
	k := *key
	m.requestSave()
	return &k, nil
}

func (m *MemoryStore) TouchKeyLastUsed(_ context.Context, keyID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key, ok := m.keys[keyID]; ok {
		key.LastUsedAt = &at
	}
	return nil
}

// ── Lessons ─────────────────────────────────────────────────

func inScope(l *models.Lesson, scope Scope) bool {
	if l.OrgID != scope.OrgID {
		return false
	}
	if scope.Project != nil {
		return l.Project != nil && *l.Project == *scope.Project
	}
	return true
}

// lessonView strips the embedding; CRUD responses never carry vectors.
func lessonView(l *models.Lesson) models.Lesson {
	v := *l
	v.Embedding = nil
	return v
}

func (m *MemoryStore) CreateLesson(_ context.Context, lesson *models.Lesson) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := *lesson
	m.lessons[l.ID] = &l
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetLesson(_ context.Context, scope Scope, id string) (*models.Lesson, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.lessons[id]
	if !ok || !inScope(l, scope) {
		return nil, &ErrNotFound{Entity: "lesson", Key: id}
	}
	v := lessonView(l)
	return &v, nil
}

func matchesFilter(l *models.Lesson, scope Scope, filter LessonFilter) bool {
	if !inScope(l, scope) {
		return false
	}
	if scope.Project == nil && filter.Project != nil {
		if l.Project == nil || *l.Project != *filter.Project {
			return false
		}
	}
	if filter.Query != "" {
		q := strings.ToLower(filter.Query)
		if !strings.Contains(strings.ToLower(l.Problem), q) &&
			!strings.Contains(strings.ToLower(l.Resolution), q) {
			return false
		}
	}
	if filter.Category != "" && !containsTag(l.Tags, filter.Category) {
		return false
	}
	if filter.MinReputation != nil && l.Reputation < *filter.MinReputation {
		return false
	}
	return true
}

func containsTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

func (m *MemoryStore) ListLessons(_ context.Context, scope Scope, filter LessonFilter) ([]models.Lesson, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]*models.Lesson, 0)
	for _, l := range m.lessons {
		if matchesFilter(l, scope, filter) {
			matched = append(matched, l)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	start := filter.Offset
	if start > total {
		start = total
	}
	end := start + filter.Limit
	if end > total {
		end = total
	}

	page := make([]models.Lesson, 0, end-start)
	for _, l := range matched[start:end] {
		page = append(page, lessonView(l))
	}
	return page, total, nil
}

func (m *MemoryStore) UpdateLesson(_ context.Context, scope Scope, id string, patch LessonPatch) (*models.Lesson, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lessons[id]
	if !ok || !inScope(l, scope) {
		return nil, &ErrNotFound{Entity: "lesson", Key: id}
	}

	if patch.Confidence != nil {
		l.Confidence = *patch.Confidence
	}
	if patch.Tags != nil {
		l.Tags = patch.Tags
	}
	if patch.Meta != nil {
		l.Meta = patch.Meta
	}
	l.Upvotes = applyVote(l.Upvotes, patch.Upvotes)
	l.Downvotes = applyVote(l.Downvotes, patch.Downvotes)
	l.UpdatedAt = time.Now().UTC()

	v := lessonView(l)
	m.requestSave()
	return &v, nil
}

func applyVote(current int, patch *models.VotePatch) int {
	if patch == nil {
		return current
	}
	if patch.Abs != nil {
		return *patch.Abs
	}
	next := current + patch.Delta
	if next < 0 {
		next = 0
	}
	return next
}

func (m *MemoryStore) DeleteLesson(_ context.Context, scope Scope, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lessons[id]
	if !ok || !inScope(l, scope) {
		return &ErrNotFound{Entity: "lesson", Key: id}
	}
	delete(m.lessons, id)
	m.requestSave()
	return nil
}

func (m *MemoryStore) SearchLessons(_ context.Context, scope Scope, query SearchQuery) ([]models.ScoredLesson, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	hits := make([]models.ScoredLesson, 0)
	for _, l := range m.lessons {
		if l.Embedding == nil || !inScope(l, scope) {
			continue
		}
		if l.ExpiresAt != nil && !l.ExpiresAt.After(now) {
			continue
		}
		if scope.Project == nil && query.Project != nil {
			if l.Project == nil || *l.Project != *query.Project {
				continue
			}
		}
		if !containsAllTags(l.Tags, query.Tags) {
			continue
		}
		sim := cosineSimilarity(query.Embedding, l.Embedding)
		score := compositeScore(sim, l.Confidence, l.UpdatedAt, l.Upvotes, l.Downvotes, now)
		if score < query.MinConfidence {
			continue
		}
		hits = append(hits, models.ScoredLesson{Lesson: lessonView(l), Score: score})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if !hits[i].UpdatedAt.Equal(hits[j].UpdatedAt) {
			return hits[i].UpdatedAt.After(hits[j].UpdatedAt)
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > query.Limit {
		hits = hits[:query.Limit]
	}
	for i := range hits {
		hits[i].Score = roundScore(hits[i].Score)
	}
	return hits, nil
}

func containsAllTags(tags, wanted []string) bool {
	for _, w := range wanted {
		if !containsTag(tags, w) {
			return false
		}
	}
	return true
}

func (m *MemoryStore) ExportLessons(_ context.Context, scope Scope) ([]models.Lesson, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lessons := make([]models.Lesson, 0)
	for _, l := range m.lessons {
		if inScope(l, scope) {
			lessons = append(lessons, *l)
		}
	}
	sort.Slice(lessons, func(i, j int) bool {
		return lessons[i].CreatedAt.Before(lessons[j].CreatedAt)
	})
	return lessons, nil
}

func (m *MemoryStore) ImportLessons(_ context.Context, lessons []models.Lesson) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	processed := 0
	for _, l := range lessons {
		if existing, ok := m.lessons[l.ID]; ok {
			if existing.OrgID != l.OrgID {
				// id collision across tenants: leave the owner's row alone
				processed++
				continue
			}
			// the upsert never rewrites creation time or reputation
			l.CreatedAt = existing.CreatedAt
			l.Reputation = existing.Reputation
		}
		row := l
		m.lessons[l.ID] = &row
		processed++
	}
	m.requestSave()
	return processed, nil
}

func (m *MemoryStore) RateLesson(_ context.Context, orgID, lessonID string, delta int, initiatedBy string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lessons[lessonID]
	if !ok || l.OrgID != orgID {
		return 0, &ErrNotFound{Entity: "lesson", Key: lessonID}
	}
	l.Reputation += delta
	l.UpdatedAt = time.Now().UTC()
	m.auditEvents = append(m.auditEvents, &models.AuditEvent{
		ID:          newAuditID(),
		OrgID:       orgID,
		EventType:   "rate",
		LessonID:    &lessonID,
		InitiatedBy: initiatedBy,
		CreatedAt:   time.Now().UTC(),
	})
	m.requestSave()
	return l.Reputation, nil
}

// ── Sharing ─────────────────────────────────────────────────

func (m *MemoryStore) GetSharingConfig(_ context.Context, orgID string) (*models.SharingConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sharingConfigLocked(orgID), nil
}

// sharingConfigLocked returns a copy of the org's config, creating the
// default row on first touch. Callers hold the write lock.
func (m *MemoryStore) sharingConfigLocked(orgID string) *models.SharingConfig {
	if cfg, ok := m.sharingConfigs[orgID]; ok {
		c := *cfg
		return &c
	}
	cfg := models.DefaultSharingConfig()
	now := time.Now().UTC()
	cfg.UpdatedAt = &now
	m.sharingConfigs[orgID] = &cfg
	c := cfg
	return &c
}

func (m *MemoryStore) UpdateSharingConfig(_ context.Context, orgID string, update models.SharingConfigUpdate) (*models.SharingConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sharingConfigLocked(orgID)
	cfg := m.sharingConfigs[orgID]
	if update.Enabled != nil {
		cfg.Enabled = *update.Enabled
	}
	if update.HumanReviewEnabled != nil {
		cfg.HumanReviewEnabled = *update.HumanReviewEnabled
	}
	if update.RateLimitPerHour != nil {
		cfg.RateLimitPerHour = *update.RateLimitPerHour
	}
	if update.VolumeAlertThreshold != nil {
		cfg.VolumeAlertThreshold = *update.VolumeAlertThreshold
	}
	now := time.Now().UTC()
	cfg.UpdatedAt = &now
	c := *cfg
	m.requestSave()
	return &c, nil
}

func (m *MemoryStore) ListAgentConfigs(_ context.Context, orgID string) ([]models.AgentSharingConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	configs := make([]models.AgentSharingConfig, 0)
	for key, c := range m.agentConfigs {
		if strings.HasPrefix(key, orgID+":") {
			configs = append(configs, *c)
		}
	}
	sort.Slice(configs, func(i, j int) bool { return configs[i].AgentID < configs[j].AgentID })
	return configs, nil
}

func (m *MemoryStore) UpsertAgentConfig(_ context.Context, orgID, agentID string, update models.AgentSharingConfigUpdate) (*models.AgentSharingConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	cfg := &models.AgentSharingConfig{
		AgentID:    agentID,
		Categories: []string{},
		UpdatedAt:  &now,
	}
	if update.Enabled != nil {
		cfg.Enabled = *update.Enabled
	}
	if update.Categories != nil {
		cfg.Categories = update.Categories
	}
	m.agentConfigs[orgID+":"+agentID] = cfg
	c := *cfg
	m.requestSave()
	return &c, nil
}

func (m *MemoryStore) ListDenyRules(_ context.Context, orgID string) ([]models.DenyRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rules := make([]models.DenyRule, 0)
	for _, r := range m.denyRules {
		if r.OrgID == orgID {
			rules = append(rules, *r)
		}
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].CreatedAt.Before(rules[j].CreatedAt) })
	return rules, nil
}

func (m *MemoryStore) CreateDenyRule(_ context.Context, rule *models.DenyRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := *rule
	m.denyRules[r.ID] = &r
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteDenyRule(_ context.Context, orgID, ruleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.denyRules[ruleID]
	if !ok || r.OrgID != orgID {
		return &ErrNotFound{Entity: "deny rule", Key: ruleID}
	}
	delete(m.denyRules, ruleID)
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListAuditEvents(_ context.Context, orgID string, filter AuditFilter) ([]models.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := make([]models.AuditEvent, 0)
	for _, e := range m.auditEvents {
		if e.OrgID != orgID {
			continue
		}
		if filter.EventType != "" && e.EventType != filter.EventType {
			continue
		}
		if filter.From != nil && e.CreatedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && e.CreatedAt.After(*filter.To) {
			continue
		}
		events = append(events, *e)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].CreatedAt.After(events[j].CreatedAt) })
	if filter.Limit > 0 && len(events) > filter.Limit {
		events = events[:filter.Limit]
	}
	return events, nil
}

func (m *MemoryStore) RecordAuditEvent(_ context.Context, event *models.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := *event
	m.auditEvents = append(m.auditEvents, &e)
	m.requestSave()
	return nil
}

func (m *MemoryStore) SharingStats(_ context.Context, orgID string) (*models.SharingStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := &models.SharingStats{AuditSummary: make(map[string]int)}
	for _, l := range m.lessons {
		if l.OrgID != orgID {
			continue
		}
		stats.CountShared++
		if stats.LastShared == nil || l.CreatedAt.After(*stats.LastShared) {
			t := l.CreatedAt
			stats.LastShared = &t
		}
	}
	for _, e := range m.auditEvents {
		if e.OrgID == orgID {
			stats.AuditSummary[e.EventType]++
		}
	}
	return stats, nil
}

func (m *MemoryStore) PurgeOrg(_ context.Context, orgID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deleted := 0
	for id, l := range m.lessons {
		if l.OrgID == orgID {
			delete(m.lessons, id)
			deleted++
		}
	}
	kept := m.auditEvents[:0]
	for _, e := range m.auditEvents {
		if e.OrgID != orgID {
			kept = append(kept, e)
		}
	}
	m.auditEvents = kept
	for id, r := range m.denyRules {
		if r.OrgID == orgID {
			delete(m.denyRules, id)
		}
	}
	for key := range m.agentConfigs {
		if strings.HasPrefix(key, orgID+":") {
			delete(m.agentConfigs, key)
		}
	}
	delete(m.sharingConfigs, orgID)
	m.requestSave()
	return deleted, nil
}
