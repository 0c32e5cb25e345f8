package store

import (
	"context"
	"testing"
	"time"

	"github.com/lorehq/lore-server/pkg/models"
)

func strPtr(s string) *string { return &s }
func intPtr(n int) *int       { return &n }

func testOrg(t *testing.T, m *MemoryStore) string {
	t.Helper()
	org := &models.Org{ID: "org-1", Name: "acme", CreatedAt: time.Now().UTC()}
	key := &models.APIKey{ID: "key-root", OrgID: org.ID, Name: "root", Hash: "hash-root", IsRoot: true, CreatedAt: time.Now().UTC()}
	if err := m.BootstrapOrg(context.Background(), org, key); err != nil {
		t.Fatalf("BootstrapOrg: %v", err)
	}
	return org.ID
}

func testEmbedding(seed float32) []float32 {
	v := make([]float32, models.EmbeddingDims)
	v[0] = 1
	v[1] = seed
	return v
}

func TestBootstrapOrgOnce(t *testing.T) {
	m := NewMemoryStore()
	testOrg(t, m)

	err := m.BootstrapOrg(context.Background(),
		&models.Org{ID: "org-2", Name: "other"},
		&models.APIKey{ID: "key-2", OrgID: "org-2", Hash: "hash-2"})
	if err != ErrOrgExists {
		t.Errorf("second bootstrap: err = %v, want ErrOrgExists", err)
	}
}

func TestKeyLifecycle(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	orgID := testOrg(t, m)

	key := &models.APIKey{ID: "key-2", OrgID: orgID, Name: "ci", Hash: "hash-2", Role: models.RoleWriter, CreatedAt: time.Now().UTC()}
	if err := m.CreateKey(ctx, key); err != nil {
		t.Fatalf("CreateKey: %v", err)
	}

	got, err := m.GetKeyByHash(ctx, "hash-2")
	if err != nil {
		t.Fatalf("GetKeyByHash: %v", err)
	}
	if got.Name != "ci" || got.Role != models.RoleWriter {
		t.Errorf("GetKeyByHash = %+v, want name=ci role=writer", got)
	}

	keys, err := m.ListKeys(ctx, orgID)
	if err != nil {
		t.Fatalf("ListKeys: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("ListKeys: len = %d, want 2", len(keys))
	}

	revoked, err := m.RevokeKey(ctx, orgID, "key-2")
	if err != nil {
		t.Fatalf("RevokeKey: %v", err)
	}
	if !revoked.Revoked() {
		t.Error("revoked key should report Revoked()")
	}
	if revoked.Hash != "hash-2" {
		t.Errorf("revoked key hash = %q, want hash-2", revoked.Hash)
	}

	if _, err := m.RevokeKey(ctx, orgID, "key-2"); err != ErrKeyAlreadyRevoked {
		t.Errorf("double revoke: err = %v, want ErrKeyAlreadyRevoked", err)
	}
	if _, err := m.RevokeKey(ctx, orgID, "missing"); !IsNotFound(err) {
		t.Errorf("revoke missing key: err = %v, want not found", err)
	}
}

func TestRevokeLastRootKey(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	orgID := testOrg(t, m)

	if _, err := m.RevokeKey(ctx, orgID, "key-root"); err != ErrLastRootKey {
		t.Fatalf("revoking only root: err = %v, want ErrLastRootKey", err)
	}

	// With a second active root, the first becomes revocable.
	second := &models.APIKey{ID: "key-root2", OrgID: orgID, Name: "root2", Hash: "hash-root2", IsRoot: true, CreatedAt: time.Now().UTC()}
	if err := m.CreateKey(ctx, second); err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	if _, err := m.RevokeKey(ctx, orgID, "key-root"); err != nil {
		t.Errorf("revoke with spare root: err = %v, want nil", err)
	}
	if _, err := m.RevokeKey(ctx, orgID, "key-root2"); err != ErrLastRootKey {
		t.Errorf("revoking final remaining root: err = %v, want ErrLastRootKey", err)
	}
}

func TestLessonScoping(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	orgID := testOrg(t, m)

	lesson := &models.Lesson{
		ID: "l-1", OrgID: orgID, Problem: "p", Resolution: "r",
		Project: strPtr("alpha"), Tags: []string{}, Confidence: 0.5,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	if err := m.CreateLesson(ctx, lesson); err != nil {
		t.Fatalf("CreateLesson: %v", err)
	}

	if _, err := m.GetLesson(ctx, Scope{OrgID: orgID}, "l-1"); err != nil {
		t.Errorf("org-wide get: err = %v, want nil", err)
	}
	if _, err := m.GetLesson(ctx, Scope{OrgID: orgID, Project: strPtr("alpha")}, "l-1"); err != nil {
		t.Errorf("matching project get: err = %v, want nil", err)
	}
	// A wrong-project credential must see a 404, not a hint.
	if _, err := m.GetLesson(ctx, Scope{OrgID: orgID, Project: strPtr("beta")}, "l-1"); !IsNotFound(err) {
		t.Errorf("cross-project get: err = %v, want not found", err)
	}
	if _, err := m.GetLesson(ctx, Scope{OrgID: "other-org"}, "l-1"); !IsNotFound(err) {
		t.Errorf("cross-org get: err = %v, want not found", err)
	}
}

func TestListLessonsFilters(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	orgID := testOrg(t, m)

	base := time.Now().UTC()
	seed := []*models.Lesson{
		{ID: "l-1", OrgID: orgID, Problem: "timeout connecting to redis", Resolution: "raise pool size", Tags: []string{"infra"}, CreatedAt: base.Add(-2 * time.Hour), UpdatedAt: base},
		{ID: "l-2", OrgID: orgID, Problem: "flaky test", Resolution: "pin the clock", Tags: []string{"testing"}, Reputation: 5, CreatedAt: base.Add(-1 * time.Hour), UpdatedAt: base},
		{ID: "l-3", OrgID: orgID, Problem: "slow query", Resolution: "add index", Tags: []string{"infra", "db"}, Project: strPtr("alpha"), CreatedAt: base, UpdatedAt: base},
	}
	for _, l := range seed {
		if err := m.CreateLesson(ctx, l); err != nil {
			t.Fatalf("CreateLesson: %v", err)
		}
	}
	scope := Scope{OrgID: orgID}

	lessons, total, err := m.ListLessons(ctx, scope, LessonFilter{Limit: 10})
	if err != nil || total != 3 {
		t.Fatalf("ListLessons: total = %d, err = %v, want 3, nil", total, err)
	}
	if lessons[0].ID != "l-3" {
		t.Errorf("newest-first ordering: first = %s, want l-3", lessons[0].ID)
	}

	_, total, _ = m.ListLessons(ctx, scope, LessonFilter{Query: "REDIS", Limit: 10})
	if total != 1 {
		t.Errorf("query filter: total = %d, want 1", total)
	}
	_, total, _ = m.ListLessons(ctx, scope, LessonFilter{Category: "infra", Limit: 10})
	if total != 2 {
		t.Errorf("category filter: total = %d, want 2", total)
	}
	_, total, _ = m.ListLessons(ctx, scope, LessonFilter{MinReputation: intPtr(1), Limit: 10})
	if total != 1 {
		t.Errorf("reputation filter: total = %d, want 1", total)
	}
	_, total, _ = m.ListLessons(ctx, scope, LessonFilter{Project: strPtr("alpha"), Limit: 10})
	if total != 1 {
		t.Errorf("project filter: total = %d, want 1", total)
	}

	page, total, _ := m.ListLessons(ctx, scope, LessonFilter{Limit: 2, Offset: 2})
	if total != 3 || len(page) != 1 {
		t.Errorf("pagination: total = %d len = %d, want 3, 1", total, len(page))
	}
}

func TestUpdateLessonVotes(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	orgID := testOrg(t, m)
	scope := Scope{OrgID: orgID}

	lesson := &models.Lesson{ID: "l-1", OrgID: orgID, Problem: "p", Resolution: "r", Upvotes: 2, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()}
	if err := m.CreateLesson(ctx, lesson); err != nil {
		t.Fatalf("CreateLesson: %v", err)
	}

	got, err := m.UpdateLesson(ctx, scope, "l-1", LessonPatch{Upvotes: &models.VotePatch{Delta: 1}})
	if err != nil {
		t.Fatalf("UpdateLesson delta: %v", err)
	}
	if got.Upvotes != 3 {
		t.Errorf("upvotes after +1 = %d, want 3", got.Upvotes)
	}

	got, _ = m.UpdateLesson(ctx, scope, "l-1", LessonPatch{Upvotes: &models.VotePatch{Abs: intPtr(10)}})
	if got.Upvotes != 10 {
		t.Errorf("upvotes after abs set = %d, want 10", got.Upvotes)
	}

	// decrements never push a counter below zero
	got, _ = m.UpdateLesson(ctx, scope, "l-1", LessonPatch{Downvotes: &models.VotePatch{Delta: -1}})
	if got.Downvotes != 0 {
		t.Errorf("downvotes after -1 from 0 = %d, want 0", got.Downvotes)
	}

	if _, err := m.UpdateLesson(ctx, scope, "missing", LessonPatch{Tags: []string{"x"}}); !IsNotFound(err) {
		t.Errorf("update missing lesson: err = %v, want not found", err)
	}
}

func TestSearchRanking(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	orgID := testOrg(t, m)
	scope := Scope{OrgID: orgID}

	now := time.Now().UTC()
	// Same similarity and confidence; the 60-day-old lesson's upvotes
	// cannot make up for two months of decay.
	stale := &models.Lesson{ID: "l-stale", OrgID: orgID, Problem: "p", Resolution: "r",
		Confidence: 0.8, Upvotes: 5, Embedding: testEmbedding(0),
		CreatedAt: now.Add(-60 * 24 * time.Hour), UpdatedAt: now.Add(-60 * 24 * time.Hour)}
	fresh := &models.Lesson{ID: "l-fresh", OrgID: orgID, Problem: "p", Resolution: "r",
		Confidence: 0.8, Embedding: testEmbedding(0),
		CreatedAt: now.Add(-24 * time.Hour), UpdatedAt: now.Add(-24 * time.Hour)}
	tagged := &models.Lesson{ID: "l-tagged", OrgID: orgID, Problem: "p", Resolution: "r",
		Confidence: 0.9, Tags: []string{"db"}, Embedding: testEmbedding(0),
		CreatedAt: now, UpdatedAt: now}
	for _, l := range []*models.Lesson{stale, fresh, tagged} {
		if err := m.CreateLesson(ctx, l); err != nil {
			t.Fatalf("CreateLesson: %v", err)
		}
	}

	hits, err := m.SearchLessons(ctx, scope, SearchQuery{Embedding: testEmbedding(0), Limit: 10})
	if err != nil {
		t.Fatalf("SearchLessons: %v", err)
	}
	if len(hits) != 3 {
		t.Fatalf("hits = %d, want 3", len(hits))
	}
	if hits[len(hits)-1].ID != "l-stale" {
		t.Errorf("stale lesson should rank last, got order %s, %s, %s", hits[0].ID, hits[1].ID, hits[2].ID)
	}
	for _, h := range hits {
		if h.Embedding != nil {
			t.Errorf("search hit %s leaked its embedding", h.ID)
		}
	}

	hits, _ = m.SearchLessons(ctx, scope, SearchQuery{Embedding: testEmbedding(0), Tags: []string{"db"}, Limit: 10})
	if len(hits) != 1 || hits[0].ID != "l-tagged" {
		t.Errorf("tag filter: got %d hits, want only l-tagged", len(hits))
	}

	hits, _ = m.SearchLessons(ctx, scope, SearchQuery{Embedding: testEmbedding(0), Limit: 10, MinConfidence: 0.99})
	if len(hits) != 0 {
		t.Errorf("min confidence cut: got %d hits, want 0", len(hits))
	}

	hits, _ = m.SearchLessons(ctx, scope, SearchQuery{Embedding: testEmbedding(0), Limit: 1})
	if len(hits) != 1 {
		t.Errorf("limit: got %d hits, want 1", len(hits))
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	orgID := testOrg(t, m)
	scope := Scope{OrgID: orgID}

	created := time.Now().UTC().Add(-48 * time.Hour).Truncate(time.Second)
	lesson := &models.Lesson{
		ID: "l-1", OrgID: orgID, Problem: "p", Resolution: "r",
		Confidence: 0.7, Upvotes: 3, Embedding: testEmbedding(0.5),
		CreatedAt: created, UpdatedAt: created,
	}
	if err := m.CreateLesson(ctx, lesson); err != nil {
		t.Fatalf("CreateLesson: %v", err)
	}

	exported, err := m.ExportLessons(ctx, scope)
	if err != nil {
		t.Fatalf("ExportLessons: %v", err)
	}
	if len(exported) != 1 || exported[0].Embedding == nil {
		t.Fatalf("export must carry embeddings, got %+v", exported)
	}

	if err := m.DeleteLesson(ctx, scope, "l-1"); err != nil {
		t.Fatalf("DeleteLesson: %v", err)
	}
	n, err := m.ImportLessons(ctx, exported)
	if err != nil || n != 1 {
		t.Fatalf("ImportLessons: n = %d, err = %v, want 1, nil", n, err)
	}

	got, err := m.GetLesson(ctx, scope, "l-1")
	if err != nil {
		t.Fatalf("GetLesson after import: %v", err)
	}
	if !got.CreatedAt.Equal(created) || got.Upvotes != 3 {
		t.Errorf("round trip lost data: created_at = %v upvotes = %d", got.CreatedAt, got.Upvotes)
	}
}

func TestRateLessonWritesAudit(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	orgID := testOrg(t, m)

	lesson := &models.Lesson{ID: "l-1", OrgID: orgID, Problem: "p", Resolution: "r", CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()}
	if err := m.CreateLesson(ctx, lesson); err != nil {
		t.Fatalf("CreateLesson: %v", err)
	}

	score, err := m.RateLesson(ctx, orgID, "l-1", 1, "key-root")
	if err != nil || score != 1 {
		t.Fatalf("RateLesson: score = %d, err = %v, want 1, nil", score, err)
	}
	score, _ = m.RateLesson(ctx, orgID, "l-1", -1, "key-root")
	if score != 0 {
		t.Errorf("score after -1 = %d, want 0", score)
	}

	events, err := m.ListAuditEvents(ctx, orgID, AuditFilter{EventType: "rate", Limit: 50})
	if err != nil {
		t.Fatalf("ListAuditEvents: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("rate audit events = %d, want 2", len(events))
	}

	if _, err := m.RateLesson(ctx, "other-org", "l-1", 1, "k"); !IsNotFound(err) {
		t.Errorf("cross-org rate: err = %v, want not found", err)
	}
}

func TestPurgeOrg(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	orgID := testOrg(t, m)

	for _, id := range []string{"l-1", "l-2"} {
		if err := m.CreateLesson(ctx, &models.Lesson{ID: id, OrgID: orgID, Problem: "p", Resolution: "r", CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()}); err != nil {
			t.Fatalf("CreateLesson: %v", err)
		}
	}
	if err := m.CreateDenyRule(ctx, &models.DenyRule{ID: "d-1", OrgID: orgID, Pattern: "secret", CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("CreateDenyRule: %v", err)
	}
	if _, err := m.UpsertAgentConfig(ctx, orgID, "agent-1", models.AgentSharingConfigUpdate{}); err != nil {
		t.Fatalf("UpsertAgentConfig: %v", err)
	}

	deleted, err := m.PurgeOrg(ctx, orgID)
	if err != nil || deleted != 2 {
		t.Fatalf("PurgeOrg: deleted = %d, err = %v, want 2, nil", deleted, err)
	}

	_, total, _ := m.ListLessons(ctx, Scope{OrgID: orgID}, LessonFilter{Limit: 10})
	if total != 0 {
		t.Errorf("lessons after purge = %d, want 0", total)
	}
	rules, _ := m.ListDenyRules(ctx, orgID)
	if len(rules) != 0 {
		t.Errorf("deny rules after purge = %d, want 0", len(rules))
	}
	agents, _ := m.ListAgentConfigs(ctx, orgID)
	if len(agents) != 0 {
		t.Errorf("agent configs after purge = %d, want 0", len(agents))
	}

	// The sharing config regenerates with defaults on next read.
	cfg, err := m.GetSharingConfig(ctx, orgID)
	if err != nil || cfg.Enabled {
		t.Errorf("config after purge = %+v, err = %v, want defaults", cfg, err)
	}
}
