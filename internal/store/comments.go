package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"remark/api/internal/entity"
)

const commentColumns = `id, created_at, author_id, text, parent_kind, parent_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanComment(row rowScanner) (Comment, error) {
	var (
		c    Comment
		kind string
	)
	if err := row.Scan(&c.ID, &c.CreatedAt, &c.AuthorID, &c.Text, &kind, &c.ParentID); err != nil {
		return Comment{}, err
	}
	c.ParentKind = entity.Kind(kind)
	return c, nil
}

func scanComments(rows *sql.Rows) ([]Comment, error) {
	defer rows.Close()
	comments := make([]Comment, 0)
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		comments = append(comments, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return comments, nil
}

// CreateComment inserts the comment, its closure edges and a CREATED log
// record in one transaction.
func (s *PostgresStore) CreateComment(ctx context.Context, in NewComment, actor *int64) (Comment, error) {
	if _, ok := entity.Lookup(in.Parent.Kind); !ok {
		return Comment{}, fmt.Errorf("%w: %q", ErrUnknownKind, in.Parent.Kind)
	}

	var created Comment
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		var parentAncestors []int64
		if in.Parent.IsComment() {
			// Key-share lock keeps the parent from being deleted under us.
			var id int64
			err := tx.QueryRowContext(ctx, `SELECT id FROM comments WHERE id=$1 FOR KEY SHARE`, in.Parent.ID).Scan(&id)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrParentNotFound
			}
			if err != nil {
				return fmt.Errorf("lock parent comment: %w", err)
			}
			parentAncestors, err = ancestorIDs(ctx, tx, in.Parent.ID)
			if err != nil {
				return err
			}
		} else {
			exists, err := entityExists(ctx, tx, in.Parent)
			if err != nil {
				return err
			}
			if !exists {
				return ErrParentNotFound
			}
		}

		row := tx.QueryRowContext(ctx, `
			INSERT INTO comments (author_id, text, parent_kind, parent_id)
			VALUES ($1, $2, $3, $4)
			RETURNING `+commentColumns,
			in.AuthorID, in.Text, string(in.Parent.Kind), in.Parent.ID)
		c, err := scanComment(row)
		if err != nil {
			return fmt.Errorf("insert comment: %w", err)
		}

		if err := insertClosureEdges(ctx, tx, ClosureEdges(parentAncestors, c.ID)); err != nil {
			return err
		}
		if err := recordLog(ctx, tx, c.ID, LogCreated, actor, Changes{}); err != nil {
			return err
		}
		created = c
		return nil
	})
	if err != nil {
		return Comment{}, err
	}
	return created, nil
}

func (s *PostgresStore) GetComment(ctx context.Context, id int64) (Comment, error) {
	c, err := scanComment(s.db.QueryRowContext(ctx, `SELECT `+commentColumns+` FROM comments WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Comment{}, ErrNotFound
	}
	if err != nil {
		return Comment{}, fmt.Errorf("get comment: %w", err)
	}
	return c, nil
}

// ListChildren returns the direct children of parent, newest first.
func (s *PostgresStore) ListChildren(ctx context.Context, parent entity.Ref) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commentColumns+`
		FROM comments
		WHERE parent_kind = $1 AND parent_id = $2
		ORDER BY created_at DESC, id DESC
	`, string(parent.Kind), parent.ID)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	return scanComments(rows)
}

func (s *PostgresStore) HasChildren(ctx context.Context, commentID int64) (bool, error) {
	return hasChildren(ctx, s.db, commentID)
}

func hasChildren(ctx context.Context, q queryer, commentID int64) (bool, error) {
	var exists bool
	err := q.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM comments WHERE parent_kind = 'comment' AND parent_id = $1)
	`, commentID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check children: %w", err)
	}
	return exists, nil
}

// ListDescendants returns every comment below parent, newest first. The
// parent itself is never included. from is inclusive and to is exclusive.
//
// A descendant is reached through exactly one direct child of parent, so the
// join yields each row once.
func (s *PostgresStore) ListDescendants(ctx context.Context, parent entity.Ref, from, to *time.Time) ([]Comment, error) {
	var sb strings.Builder
	sb.WriteString(`
		SELECT c.id, c.created_at, c.author_id, c.text, c.parent_kind, c.parent_id
		FROM comments a
		JOIN comment_closure cc ON cc.ancestor_id = a.id
		JOIN comments c ON c.id = cc.descendant_id
		WHERE a.parent_kind = $1 AND a.parent_id = $2`)
	args := []any{string(parent.Kind), parent.ID}
	args = appendDateBounds(&sb, args, "c.created_at", from, to)
	sb.WriteString(` ORDER BY c.created_at DESC, c.id DESC`)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list descendants: %w", err)
	}
	return scanComments(rows)
}

// ListCommentsByAuthor returns the author's comments newest first, optionally
// bounded like ListDescendants.
func (s *PostgresStore) ListCommentsByAuthor(ctx context.Context, authorID int64, from, to *time.Time) ([]Comment, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + commentColumns + ` FROM comments WHERE author_id = $1`)
	args := appendDateBounds(&sb, []any{authorID}, "created_at", from, to)
	sb.WriteString(` ORDER BY created_at DESC, id DESC`)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list author comments: %w", err)
	}
	return scanComments(rows)
}

// ListAllComments walks the whole table in id order. Used to rebuild the search index.
func (s *PostgresStore) ListAllComments(ctx context.Context) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+commentColumns+` FROM comments ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	return scanComments(rows)
}

func appendDateBounds(sb *strings.Builder, args []any, column string, from, to *time.Time) []any {
	if from != nil {
		args = append(args, *from)
		fmt.Fprintf(sb, " AND %s >= $%d", column, len(args))
	}
	if to != nil {
		args = append(args, *to)
		fmt.Fprintf(sb, " AND %s < $%d", column, len(args))
	}
	return args
}

// RootComment returns the top-level comment of the thread holding commentID.
// ErrIntegrity is returned when the closure does not yield exactly one.
func (s *PostgresStore) RootComment(ctx context.Context, commentID int64) (Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.created_at, c.author_id, c.text, c.parent_kind, c.parent_id
		FROM comment_closure cc
		JOIN comments c ON c.id = cc.ancestor_id
		WHERE cc.descendant_id = $1 AND c.parent_kind <> 'comment'
	`, commentID)
	if err != nil {
		return Comment{}, fmt.Errorf("resolve root: %w", err)
	}
	roots, err := scanComments(rows)
	if err != nil {
		return Comment{}, err
	}

	switch len(roots) {
	case 1:
		return roots[0], nil
	case 0:
		if _, err := s.GetComment(ctx, commentID); err != nil {
			return Comment{}, err
		}
		return Comment{}, fmt.Errorf("%w: comment %d has no root", ErrIntegrity, commentID)
	default:
		return Comment{}, fmt.Errorf("%w: comment %d has %d roots", ErrIntegrity, commentID, len(roots))
	}
}

// UpdateCommentText rewrites the text and records a CHANGED entry with the diff.
func (s *PostgresStore) UpdateCommentText(ctx context.Context, id int64, text string, actor *int64) (Comment, error) {
	var updated Comment
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		var before string
		err := tx.QueryRowContext(ctx, `SELECT text FROM comments WHERE id=$1 FOR UPDATE`, id).Scan(&before)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock comment: %w", err)
		}

		c, err := scanComment(tx.QueryRowContext(ctx, `
			UPDATE comments SET text=$2 WHERE id=$1
			RETURNING `+commentColumns, id, text))
		if err != nil {
			return fmt.Errorf("update comment: %w", err)
		}
		if err := recordLog(ctx, tx, id, LogChanged, actor, TextChanges(before, text)); err != nil {
			return err
		}
		updated = c
		return nil
	})
	if err != nil {
		return Comment{}, err
	}
	return updated, nil
}

// DeleteGuard decides inside the delete transaction whether the locked
// comment may go. A non-nil error aborts the delete and is returned as is.
type DeleteGuard func(c Comment, hasChildren bool) error

// DeleteComment removes the row and records a DELETED entry. Closure edges go
// with it through ON DELETE CASCADE. The row lock conflicts with the key-share
// lock CreateComment takes on a parent, so guard sees every committed reply.
func (s *PostgresStore) DeleteComment(ctx context.Context, id int64, actor *int64, guard DeleteGuard) (Comment, error) {
	var deleted Comment
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		c, err := scanComment(tx.QueryRowContext(ctx, `SELECT `+commentColumns+` FROM comments WHERE id=$1 FOR UPDATE`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock comment: %w", err)
		}
		if guard != nil {
			children, err := hasChildren(ctx, tx, id)
			if err != nil {
				return err
			}
			if err := guard(c, children); err != nil {
				return err
			}
		}
		if err := recordLog(ctx, tx, id, LogDeleted, actor, Changes{}); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM comments WHERE id=$1`, id); err != nil {
			return fmt.Errorf("delete comment: %w", err)
		}
		deleted = c
		return nil
	})
	if err != nil {
		return Comment{}, err
	}
	return deleted, nil
}
