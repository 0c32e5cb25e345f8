package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"

	"github.com/lorehq/lore-server/pkg/models"
)

// newAuditID mints IDs for audit rows the store writes itself (rate,
// purge happen inside store transactions).
func newAuditID() string {
	return ulid.Make().String()
}

// GetSharingConfig reads the per-org config, creating the row with safe
// defaults (sharing off) on first touch.
func (s *PostgresStore) GetSharingConfig(ctx context.Context, orgID string) (*models.SharingConfig, error) {
	var cfg models.SharingConfig
	err := s.pool.QueryRow(ctx, `
		SELECT enabled, human_review_enabled, rate_limit_per_hour, volume_alert_threshold, updated_at
		FROM sharing_config WHERE org_id = $1`, orgID).
		Scan(&cfg.Enabled, &cfg.HumanReviewEnabled, &cfg.RateLimitPerHour,
			&cfg.VolumeAlertThreshold, &cfg.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.createDefaultSharingConfig(ctx, orgID)
	}
	if err != nil {
		return nil, fmt.Errorf("get sharing config: %w", err)
	}
	return &cfg, nil
}

func (s *PostgresStore) createDefaultSharingConfig(ctx context.Context, orgID string) (*models.SharingConfig, error) {
	cfg := models.DefaultSharingConfig()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sharing_config (org_id, enabled, human_review_enabled, rate_limit_per_hour, volume_alert_threshold, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (org_id) DO NOTHING`,
		orgID, cfg.Enabled, cfg.HumanReviewEnabled, cfg.RateLimitPerHour,
		cfg.VolumeAlertThreshold, now)
	if err != nil {
		return nil, fmt.Errorf("create default sharing config: %w", err)
	}
	cfg.UpdatedAt = &now
	return &cfg, nil
}

func (s *PostgresStore) UpdateSharingConfig(ctx context.Context, orgID string, update models.SharingConfigUpdate) (*models.SharingConfig, error) {
	// Ensure the row exists so a PUT before any GET still works.
	if _, err := s.GetSharingConfig(ctx, orgID); err != nil {
		return nil, err
	}

	sets := []string{"updated_at = now()"}
	args := []any{}
	if update.Enabled != nil {
		args = append(args, *update.Enabled)
		sets = append(sets, fmt.Sprintf("enabled = $%d", len(args)))
	}
	if update.HumanReviewEnabled != nil {
		args = append(args, *update.HumanReviewEnabled)
		sets = append(sets, fmt.Sprintf("human_review_enabled = $%d", len(args)))
	}
	if update.RateLimitPerHour != nil {
		args = append(args, *update.RateLimitPerHour)
		sets = append(sets, fmt.Sprintf("rate_limit_per_hour = $%d", len(args)))
	}
	if update.VolumeAlertThreshold != nil {
		args = append(args, *update.VolumeAlertThreshold)
		sets = append(sets, fmt.Sprintf("volume_alert_threshold = $%d", len(args)))
	}

	args = append(args, orgID)
	var cfg models.SharingConfig
	err := s.pool.QueryRow(ctx,
		`UPDATE sharing_config SET `+strings.Join(sets, ", ")+
			` WHERE org_id = $`+strconv.Itoa(len(args))+
			` RETURNING enabled, human_review_enabled, rate_limit_per_hour, volume_alert_threshold, updated_at`,
		args...).
		Scan(&cfg.Enabled, &cfg.HumanReviewEnabled, &cfg.RateLimitPerHour,
			&cfg.VolumeAlertThreshold, &cfg.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("update sharing config: %w", err)
	}
	return &cfg, nil
}

func (s *PostgresStore) ListAgentConfigs(ctx context.Context, orgID string) ([]models.AgentSharingConfig, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT agent_id, enabled, categories, updated_at
		FROM agent_sharing_config WHERE org_id = $1 ORDER BY agent_id`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list agent configs: %w", err)
	}
	defer rows.Close()

	configs := make([]models.AgentSharingConfig, 0)
	for rows.Next() {
		var c models.AgentSharingConfig
		if err := rows.Scan(&c.AgentID, &c.Enabled, &c.Categories, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan agent config: %w", err)
		}
		configs = append(configs, c)
	}
	return configs, rows.Err()
}

func (s *PostgresStore) UpsertAgentConfig(ctx context.Context, orgID, agentID string, update models.AgentSharingConfigUpdate) (*models.AgentSharingConfig, error) {
	enabled := false
	if update.Enabled != nil {
		enabled = *update.Enabled
	}
	categories := update.Categories
	if categories == nil {
		categories = []string{}
	}

	var c models.AgentSharingConfig
	err := s.pool.QueryRow(ctx, `
		INSERT INTO agent_sharing_config (org_id, agent_id, enabled, categories, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (org_id, agent_id) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			categories = EXCLUDED.categories,
			updated_at = EXCLUDED.updated_at
		RETURNING agent_id, enabled, categories, updated_at`,
		orgID, agentID, enabled, categories).
		Scan(&c.AgentID, &c.Enabled, &c.Categories, &c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert agent config: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) ListDenyRules(ctx context.Context, orgID string) ([]models.DenyRule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, org_id, pattern, is_regex, reason, created_at
		FROM deny_list_rules WHERE org_id = $1 ORDER BY created_at`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list deny rules: %w", err)
	}
	defer rows.Close()

	rules := make([]models.DenyRule, 0)
	for rows.Next() {
		var r models.DenyRule
		if err := rows.Scan(&r.ID, &r.OrgID, &r.Pattern, &r.IsRegex, &r.Reason, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan deny rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (s *PostgresStore) CreateDenyRule(ctx context.Context, rule *models.DenyRule) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO deny_list_rules (id, org_id, pattern, is_regex, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rule.ID, rule.OrgID, rule.Pattern, rule.IsRegex, rule.Reason, rule.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert deny rule: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteDenyRule(ctx context.Context, orgID, ruleID string) error {
	ct, err := s.pool.Exec(ctx,
		`DELETE FROM deny_list_rules WHERE id = $1 AND org_id = $2`, ruleID, orgID)
	if err != nil {
		return fmt.Errorf("delete deny rule: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "deny rule", Key: ruleID}
	}
	return nil
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, orgID string, filter AuditFilter) ([]models.AuditEvent, error) {
	args := []any{orgID}
	conds := []string{"org_id = $1"}
	if filter.EventType != "" {
		args = append(args, filter.EventType)
		conds = append(conds, fmt.Sprintf("event_type = $%d", len(args)))
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		conds = append(conds, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		conds = append(conds, fmt.Sprintf("created_at <= $%d", len(args)))
	}
	args = append(args, filter.Limit)

	rows, err := s.pool.Query(ctx, `
		SELECT id, org_id, event_type, lesson_id, query_text, initiated_by, created_at
		FROM sharing_audit WHERE `+strings.Join(conds, " AND ")+`
		ORDER BY created_at DESC LIMIT $`+strconv.Itoa(len(args)),
		args...)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	events := make([]models.AuditEvent, 0)
	for rows.Next() {
		var e models.AuditEvent
		if err := rows.Scan(&e.ID, &e.OrgID, &e.EventType, &e.LessonID, &e.QueryText,
			&e.InitiatedBy, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *PostgresStore) RecordAuditEvent(ctx context.Context, event *models.AuditEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sharing_audit (id, org_id, event_type, lesson_id, query_text, initiated_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID, event.OrgID, event.EventType, event.LessonID, event.QueryText,
		event.InitiatedBy, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("record audit event: %w", err)
	}
	return nil
}

func (s *PostgresStore) SharingStats(ctx context.Context, orgID string) (*models.SharingStats, error) {
	stats := &models.SharingStats{AuditSummary: make(map[string]int)}

	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), MAX(created_at) FROM lessons WHERE org_id = $1`, orgID).
		Scan(&stats.CountShared, &stats.LastShared)
	if err != nil {
		return nil, fmt.Errorf("sharing stats counts: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT event_type, COUNT(*) FROM sharing_audit
		WHERE org_id = $1 GROUP BY event_type`, orgID)
	if err != nil {
		return nil, fmt.Errorf("sharing stats audit summary: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var eventType string
		var count int
		if err := rows.Scan(&eventType, &count); err != nil {
			return nil, fmt.Errorf("scan audit summary: %w", err)
		}
		stats.AuditSummary[eventType] = count
	}
	return stats, rows.Err()
}

// PurgeOrg wipes the org's lesson data and sharing state in one
// transaction. Dependents go first so the deletes never trip over each
// other. The caller records the terminal "purge" audit row after
// commit — a row deleted by its own transaction would be useless.
func (s *PostgresStore) PurgeOrg(ctx context.Context, orgID string) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin purge: %w", err)
	}
	defer tx.Rollback(ctx)

	ct, err := tx.Exec(ctx, `DELETE FROM lessons WHERE org_id = $1`, orgID)
	if err != nil {
		return 0, fmt.Errorf("purge lessons: %w", err)
	}
	deleted := int(ct.RowsAffected())

	for _, table := range []string{"sharing_audit", "deny_list_rules", "agent_sharing_config", "sharing_config"} {
		if _, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE org_id = $1`, orgID); err != nil {
			return 0, fmt.Errorf("purge %s: %w", table, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit purge: %w", err)
	}
	return deleted, nil
}
