package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"github.com/rs/zerolog/log"
)

// PostgresStore implements Store on PostgreSQL with pgvector.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// PostgresOptions tunes the connection pool.
type PostgresOptions struct {
	MinConnections int
	MaxConnections int
}

// NewPostgresStore connects to PostgreSQL and verifies the connection.
// pgvector types are registered on every new connection so []float32
// embeddings round-trip without manual encoding.
func NewPostgresStore(ctx context.Context, connString string, opts PostgresOptions) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if opts.MinConnections > 0 {
		cfg.MinConns = int32(opts.MinConnections)
	}
	if opts.MaxConnections > 0 {
		cfg.MaxConns = int32(opts.MaxConnections)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Ready probes the two things the service cannot run without: a live
// connection and the vector extension.
func (s *PostgresStore) Ready(ctx context.Context) Readiness {
	var r Readiness
	var one int
	if err := s.pool.QueryRow(ctx, "SELECT 1").Scan(&one); err == nil {
		r.DB = true
	}
	if err := s.pool.QueryRow(ctx,
		"SELECT 1 FROM pg_extension WHERE extname = 'vector'").Scan(&one); err == nil {
		r.PgVector = true
	}
	return r
}

func (s *PostgresStore) PoolStats() (size, available int) {
	st := s.pool.Stat()
	return int(st.TotalConns()), int(st.IdleConns())
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

// ── Migrations ──────────────────────────────────────────────

// Migrate applies every *.sql file under dir in lexicographic order,
// each inside its own transaction. Migrations are additive and
// idempotent (IF NOT EXISTS throughout), so re-running the full set on
// startup is safe.
func (s *PostgresStore) Migrate(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)

	for _, name := range files {
		sql, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		start := time.Now()
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", name, err)
		}
		if _, err := tx.Exec(ctx, string(sql)); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}

		log.Debug().
			Str("migration", name).
			Dur("took", time.Since(start)).
			Msg("migration applied")
	}

	log.Info().Int("count", len(files)).Str("dir", dir).Msg("🗃️  Migrations applied")
	return nil
}
