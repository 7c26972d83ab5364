package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// PgFTS searches comment text with PostgreSQL full-text search. It is the
// fallback whenever Meilisearch is missing or unhealthy.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// The expression must match idx_comments_fts.
const commentVector = "to_tsvector('simple', c.text)"

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	where := commentVector + " @@ plainto_tsquery('simple', $1)"
	args := []any{q.Text}
	if q.AuthorID > 0 {
		args = append(args, q.AuthorID)
		where += fmt.Sprintf(" AND c.author_id = $%d", len(args))
	}

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM comments c WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT c.id, c.author_id, c.parent_kind, c.parent_id, c.created_at,
			ts_headline('simple', c.text, plainto_tsquery('simple', $1), 'StartSel=<mark>,StopSel=</mark>,MaxFragments=1,MaxWords=30') AS snippet
		FROM comments c
		WHERE %s
		ORDER BY ts_rank(%s, plainto_tsquery('simple', $1)) DESC, c.id DESC
		LIMIT %d OFFSET %d`, where, commentVector, q.limit(), q.offset())

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var (
			r         Result
			createdAt time.Time
		)
		if err := rows.Scan(&r.CommentID, &r.AuthorID, &r.ParentKind, &r.ParentID, &createdAt, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.CreatedAt = createdAt.UTC().Format(time.RFC3339Nano)
		results = append(results, r)
	}
	return results, total, rows.Err()
}
