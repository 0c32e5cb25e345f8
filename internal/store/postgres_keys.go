package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/lorehq/lore-server/pkg/models"
)

// pgExecer is satisfied by both *pgxpool.Pool and pgx.Tx, so key
// inserts can run standalone or inside the bootstrap transaction.
type pgExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertKey(ctx context.Context, q pgExecer, key *models.APIKey) error {
	_, err := q.Exec(ctx, `
		INSERT INTO api_keys (id, org_id, name, key_hash, key_prefix, project, is_root, role, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		key.ID, key.OrgID, key.Name, key.Hash, key.Prefix, key.Project,
		key.IsRoot, nullRole(key.Role), key.CreatedAt)
	return err
}

// nullRole maps the zero Role to SQL NULL: keys minted before explicit
// roles existed have no role column value, and resolution falls back to
// is_root.
func nullRole(r models.Role) *string {
	if r == "" {
		return nil
	}
	s := string(r)
	return &s
}

func (s *PostgresStore) CreateKey(ctx context.Context, key *models.APIKey) error {
	if err := insertKey(ctx, s.pool, key); err != nil {
		return fmt.Errorf("insert key: %w", err)
	}
	return nil
}

const keyColumns = `id, org_id, name, key_hash, key_prefix, project, is_root, role, created_at, last_used_at, revoked_at`

func scanKey(row pgx.Row) (*models.APIKey, error) {
	var k models.APIKey
	var role *string
	err := row.Scan(&k.ID, &k.OrgID, &k.Name, &k.Hash, &k.Prefix, &k.Project,
		&k.IsRoot, &role, &k.CreatedAt, &k.LastUsedAt, &k.RevokedAt)
	if err != nil {
		return nil, err
	}
	if role != nil {
		k.Role = models.Role(*role)
	}
	return &k, nil
}

func (s *PostgresStore) GetKeyByHash(ctx context.Context, hash string) (*models.APIKey, error) {
	key, err := scanKey(s.pool.QueryRow(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE key_hash = $1`, hash))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "api key", Key: "by-hash"}
	}
	if err != nil {
		return nil, fmt.Errorf("get key by hash: %w", err)
	}
	return key, nil
}

func (s *PostgresStore) ListKeys(ctx context.Context, orgID string) ([]models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE org_id = $1 ORDER BY created_at`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	keys := make([]models.APIKey, 0)
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, *k)
	}
	return keys, rows.Err()
}

// RevokeKey soft-deletes a key. The target row is locked for the
// duration so two concurrent revocations of the final root keys cannot
// both pass the last-root check.
func (s *PostgresStore) RevokeKey(ctx context.Context, orgID, keyID string) (*models.APIKey, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin revoke: %w", err)
	}
	defer tx.Rollback(ctx)

	key, err := scanKey(tx.QueryRow(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE id = $1 AND org_id = $2 FOR UPDATE`,
		keyID, orgID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "api key", Key: keyID}
	}
	if err != nil {
		return nil, fmt.Errorf("lock key: %w", err)
	}
	if key.Revoked() {
		return nil, ErrKeyAlreadyRevoked
	}

	if key.IsRoot {
		var activeRoots int
		err = tx.QueryRow(ctx, `
			SELECT COUNT(*) FROM api_keys
			WHERE org_id = $1 AND is_root AND revoked_at IS NULL`, orgID).
			Scan(&activeRoots)
		if err != nil {
			return nil, fmt.Errorf("count root keys: %w", err)
		}
		if activeRoots <= 1 {
			return nil, ErrLastRootKey
		}
	}

	now := time.Now().UTC()
	_, err = tx.Exec(ctx,
		`UPDATE api_keys SET revoked_at = $1 WHERE id = $2`, now, keyID)
	if err != nil {
		return nil, fmt.Errorf("revoke key: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit revoke: %w", err)
	}

	key.RevokedAt = &now
	return key, nil
}

func (s *PostgresStore) TouchKeyLastUsed(ctx context.Context, keyID string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = $1 WHERE id = $2`, at, keyID)
	return err
}
