package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/lorehq/lore-server/pkg/models"
)

// BootstrapOrg creates the tenant and its root key atomically. The
// server is single-tenant-per-deployment at bootstrap time: if any org
// row already exists the whole operation is refused.
func (s *PostgresStore) BootstrapOrg(ctx context.Context, org *models.Org, rootKey *models.APIKey) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin bootstrap: %w", err)
	}
	defer tx.Rollback(ctx)

	var existing string
	err = tx.QueryRow(ctx, "SELECT id FROM orgs LIMIT 1").Scan(&existing)
	if err == nil {
		return ErrOrgExists
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("check existing orgs: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO orgs (id, name, created_at) VALUES ($1, $2, $3)`,
		org.ID, org.Name, org.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert org: %w", err)
	}

	if err := insertKey(ctx, tx, rootKey); err != nil {
		return fmt.Errorf("insert root key: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetOrg(ctx context.Context, id string) (*models.Org, error) {
	var org models.Org
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, created_at FROM orgs WHERE id = $1`, id).
		Scan(&org.ID, &org.Name, &org.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "org", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get org: %w", err)
	}
	return &org, nil
}
