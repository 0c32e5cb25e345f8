package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/lorehq/lore-server/pkg/models"
)

const lessonColumns = `id, org_id, problem, resolution, context, tags, confidence, source, project,
	created_at, updated_at, expires_at, upvotes, downvotes, reputation_score, meta`

func scanLesson(row pgx.Row) (*models.Lesson, error) {
	var l models.Lesson
	err := row.Scan(&l.ID, &l.OrgID, &l.Problem, &l.Resolution, &l.Context, &l.Tags,
		&l.Confidence, &l.Source, &l.Project, &l.CreatedAt, &l.UpdatedAt, &l.ExpiresAt,
		&l.Upvotes, &l.Downvotes, &l.Reputation, &l.Meta)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// scopeClause appends the tenant (and optional project) predicate to
// args and returns the SQL fragment. Every lesson query goes through
// this — there is no unscoped read path.
func scopeClause(scope Scope, args *[]any) string {
	*args = append(*args, scope.OrgID)
	cond := fmt.Sprintf("org_id = $%d", len(*args))
	if scope.Project != nil {
		*args = append(*args, *scope.Project)
		cond += fmt.Sprintf(" AND project = $%d", len(*args))
	}
	return cond
}

// vectorParam converts an embedding for a pgvector column; nil stays
// SQL NULL.
func vectorParam(v []float32) any {
	if v == nil {
		return nil
	}
	return pgvector.NewVector(v)
}

func jsonParam(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *PostgresStore) CreateLesson(ctx context.Context, lesson *models.Lesson) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO lessons (id, org_id, problem, resolution, context, tags, confidence,
			source, project, embedding, created_at, updated_at, expires_at,
			upvotes, downvotes, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		lesson.ID, lesson.OrgID, lesson.Problem, lesson.Resolution, lesson.Context,
		lesson.Tags, lesson.Confidence, lesson.Source, lesson.Project,
		vectorParam(lesson.Embedding), lesson.CreatedAt, lesson.UpdatedAt,
		lesson.ExpiresAt, lesson.Upvotes, lesson.Downvotes, lesson.Meta)
	if err != nil {
		return fmt.Errorf("insert lesson: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetLesson(ctx context.Context, scope Scope, id string) (*models.Lesson, error) {
	args := []any{id}
	where := scopeClause(scope, &args)
	lesson, err := scanLesson(s.pool.QueryRow(ctx,
		`SELECT `+lessonColumns+` FROM lessons WHERE id = $1 AND `+where, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "lesson", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get lesson: %w", err)
	}
	return lesson, nil
}

func (s *PostgresStore) ListLessons(ctx context.Context, scope Scope, filter LessonFilter) ([]models.Lesson, int, error) {
	args := []any{}
	conds := []string{scopeClause(scope, &args)}

	if scope.Project == nil && filter.Project != nil {
		args = append(args, *filter.Project)
		conds = append(conds, fmt.Sprintf("project = $%d", len(args)))
	}
	if filter.Query != "" {
		args = append(args, "%"+filter.Query+"%")
		conds = append(conds, fmt.Sprintf("(problem ILIKE $%d OR resolution ILIKE $%d)", len(args), len(args)))
	}
	if filter.Category != "" {
		tagJSON, err := jsonParam([]string{filter.Category})
		if err != nil {
			return nil, 0, fmt.Errorf("encode category filter: %w", err)
		}
		args = append(args, tagJSON)
		conds = append(conds, fmt.Sprintf("tags @> $%d::jsonb", len(args)))
	}
	if filter.MinReputation != nil {
		args = append(args, *filter.MinReputation)
		conds = append(conds, fmt.Sprintf("reputation_score >= $%d", len(args)))
	}
	where := strings.Join(conds, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM lessons WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count lessons: %w", err)
	}

	args = append(args, filter.Limit)
	limitN := len(args)
	args = append(args, filter.Offset)
	offsetN := len(args)

	rows, err := s.pool.Query(ctx,
		`SELECT `+lessonColumns+` FROM lessons WHERE `+where+
			` ORDER BY created_at DESC LIMIT $`+strconv.Itoa(limitN)+` OFFSET $`+strconv.Itoa(offsetN),
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list lessons: %w", err)
	}
	defer rows.Close()

	lessons := make([]models.Lesson, 0)
	for rows.Next() {
		l, err := scanLesson(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan lesson: %w", err)
		}
		lessons = append(lessons, *l)
	}
	return lessons, total, rows.Err()
}

// UpdateLesson builds the SET list from the fields actually present in
// the patch. Vote deltas are applied as column arithmetic so concurrent
// votes never lose updates; absolute vote values overwrite.
func (s *PostgresStore) UpdateLesson(ctx context.Context, scope Scope, id string, patch LessonPatch) (*models.Lesson, error) {
	sets := []string{"updated_at = now()"}
	args := []any{}

	if patch.Confidence != nil {
		args = append(args, *patch.Confidence)
		sets = append(sets, fmt.Sprintf("confidence = $%d", len(args)))
	}
	if patch.Tags != nil {
		args = append(args, patch.Tags)
		sets = append(sets, fmt.Sprintf("tags = $%d", len(args)))
	}
	if patch.Meta != nil {
		args = append(args, patch.Meta)
		sets = append(sets, fmt.Sprintf("meta = $%d", len(args)))
	}
	for _, vote := range []struct {
		column string
		patch  *models.VotePatch
	}{
		{"upvotes", patch.Upvotes},
		{"downvotes", patch.Downvotes},
	} {
		if vote.patch == nil {
			continue
		}
		if vote.patch.Abs != nil {
			args = append(args, *vote.patch.Abs)
			sets = append(sets, fmt.Sprintf("%s = $%d", vote.column, len(args)))
		} else {
			args = append(args, vote.patch.Delta)
			sets = append(sets, fmt.Sprintf("%s = GREATEST(%s + $%d, 0)", vote.column, vote.column, len(args)))
		}
	}

	args = append(args, id)
	idN := len(args)
	where := scopeClause(scope, &args)

	lesson, err := scanLesson(s.pool.QueryRow(ctx,
		`UPDATE lessons SET `+strings.Join(sets, ", ")+
			` WHERE id = $`+strconv.Itoa(idN)+` AND `+where+
			` RETURNING `+lessonColumns,
		args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "lesson", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("update lesson: %w", err)
	}
	return lesson, nil
}

func (s *PostgresStore) DeleteLesson(ctx context.Context, scope Scope, id string) error {
	args := []any{id}
	where := scopeClause(scope, &args)
	ct, err := s.pool.Exec(ctx,
		`DELETE FROM lessons WHERE id = $1 AND `+where, args...)
	if err != nil {
		return fmt.Errorf("delete lesson: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "lesson", Key: id}
	}
	return nil
}

// SearchLessons runs the ranked recall query in-database: pgvector
// computes the cosine distance, SQL computes the composite score, and
// the MinConfidence cut is applied before the LIMIT so low scorers
// never crowd out qualifying rows.
func (s *PostgresStore) SearchLessons(ctx context.Context, scope Scope, query SearchQuery) ([]models.ScoredLesson, error) {
	args := []any{vectorParam(query.Embedding)}
	conds := []string{
		"embedding IS NOT NULL",
		"(expires_at IS NULL OR expires_at > now())",
		scopeClause(scope, &args),
	}

	if scope.Project == nil && query.Project != nil {
		args = append(args, *query.Project)
		conds = append(conds, fmt.Sprintf("project = $%d", len(args)))
	}
	if len(query.Tags) > 0 {
		tagJSON, err := jsonParam(query.Tags)
		if err != nil {
			return nil, fmt.Errorf("encode tags filter: %w", err)
		}
		args = append(args, tagJSON)
		conds = append(conds, fmt.Sprintf("tags @> $%d::jsonb", len(args)))
	}

	args = append(args, query.MinConfidence)
	minN := len(args)
	args = append(args, query.Limit)
	limitN := len(args)

	sql := `
		SELECT * FROM (
			SELECT ` + lessonColumns + `,
				(1 - (embedding <=> $1)) * confidence
					* exp(-0.01 * EXTRACT(EPOCH FROM (now() - updated_at)) / 86400.0)
					* GREATEST(1.0 + (upvotes - downvotes) * 0.1, 0.1) AS score
			FROM lessons
			WHERE ` + strings.Join(conds, " AND ") + `
		) ranked
		WHERE score >= $` + strconv.Itoa(minN) + `
		ORDER BY score DESC, updated_at DESC, id ASC
		LIMIT $` + strconv.Itoa(limitN)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("search lessons: %w", err)
	}
	defer rows.Close()

	results := make([]models.ScoredLesson, 0)
	for rows.Next() {
		var sl models.ScoredLesson
		err := rows.Scan(&sl.ID, &sl.OrgID, &sl.Problem, &sl.Resolution, &sl.Context,
			&sl.Tags, &sl.Confidence, &sl.Source, &sl.Project, &sl.CreatedAt,
			&sl.UpdatedAt, &sl.ExpiresAt, &sl.Upvotes, &sl.Downvotes, &sl.Reputation,
			&sl.Meta, &sl.Score)
		if err != nil {
			return nil, fmt.Errorf("scan search hit: %w", err)
		}
		sl.Score = roundScore(sl.Score)
		results = append(results, sl)
	}
	return results, rows.Err()
}

func (s *PostgresStore) ExportLessons(ctx context.Context, scope Scope) ([]models.Lesson, error) {
	args := []any{}
	where := scopeClause(scope, &args)
	rows, err := s.pool.Query(ctx,
		`SELECT `+lessonColumns+`, embedding FROM lessons WHERE `+where+` ORDER BY created_at`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("export lessons: %w", err)
	}
	defer rows.Close()

	lessons := make([]models.Lesson, 0)
	for rows.Next() {
		var l models.Lesson
		var emb *pgvector.Vector
		err := rows.Scan(&l.ID, &l.OrgID, &l.Problem, &l.Resolution, &l.Context, &l.Tags,
			&l.Confidence, &l.Source, &l.Project, &l.CreatedAt, &l.UpdatedAt, &l.ExpiresAt,
			&l.Upvotes, &l.Downvotes, &l.Reputation, &l.Meta, &emb)
		if err != nil {
			return nil, fmt.Errorf("scan export row: %w", err)
		}
		if emb != nil {
			l.Embedding = emb.Slice()
		}
		lessons = append(lessons, l)
	}
	return lessons, rows.Err()
}

// ImportLessons upserts each row by id inside one transaction. The
// conflict branch only fires for rows the importing org already owns;
// an id collision with another tenant's lesson is silently skipped
// rather than hijacked.
func (s *PostgresStore) ImportLessons(ctx context.Context, lessons []models.Lesson) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin import: %w", err)
	}
	defer tx.Rollback(ctx)

	processed := 0
	for _, l := range lessons {
		_, err := tx.Exec(ctx, `
			INSERT INTO lessons (id, org_id, problem, resolution, context, tags, confidence,
				source, project, embedding, created_at, updated_at, expires_at,
				upvotes, downvotes, meta)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
			ON CONFLICT (id) DO UPDATE SET
				problem = EXCLUDED.problem,
				resolution = EXCLUDED.resolution,
				context = EXCLUDED.context,
				tags = EXCLUDED.tags,
				confidence = EXCLUDED.confidence,
				source = EXCLUDED.source,
				project = EXCLUDED.project,
				embedding = EXCLUDED.embedding,
				updated_at = EXCLUDED.updated_at,
				expires_at = EXCLUDED.expires_at,
				upvotes = EXCLUDED.upvotes,
				downvotes = EXCLUDED.downvotes,
				meta = EXCLUDED.meta
			WHERE lessons.org_id = EXCLUDED.org_id`,
			l.ID, l.OrgID, l.Problem, l.Resolution, l.Context, l.Tags, l.Confidence,
			l.Source, l.Project, vectorParam(l.Embedding), l.CreatedAt, l.UpdatedAt,
			l.ExpiresAt, l.Upvotes, l.Downvotes, l.Meta)
		if err != nil {
			return 0, fmt.Errorf("import lesson %s: %w", l.ID, err)
		}
		processed++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit import: %w", err)
	}
	return processed, nil
}

// RateLesson bumps the reputation score and records the audit row in
// the same transaction: a rating either fully happens or leaves no
// trace.
func (s *PostgresStore) RateLesson(ctx context.Context, orgID, lessonID string, delta int, initiatedBy string) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin rate: %w", err)
	}
	defer tx.Rollback(ctx)

	var score int
	err = tx.QueryRow(ctx, `
		UPDATE lessons SET reputation_score = reputation_score + $1, updated_at = now()
		WHERE id = $2 AND org_id = $3
		RETURNING reputation_score`,
		delta, lessonID, orgID).Scan(&score)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, &ErrNotFound{Entity: "lesson", Key: lessonID}
	}
	if err != nil {
		return 0, fmt.Errorf("rate lesson: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO sharing_audit (id, org_id, event_type, lesson_id, initiated_by, created_at)
		VALUES ($1, $2, 'rate', $3, $4, $5)`,
		newAuditID(), orgID, lessonID, initiatedBy, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("record rate audit: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit rate: %w", err)
	}
	return score, nil
}
