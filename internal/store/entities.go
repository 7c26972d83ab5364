package store

import (
	"context"
	"fmt"

	"remark/api/internal/entity"
)

// CreateEntity inserts a new row for a non-comment kind.
func (s *PostgresStore) CreateEntity(ctx context.Context, kind entity.Kind) (entity.Ref, error) {
	d, ok := entity.Lookup(kind)
	if !ok || d.Kind == entity.KindComment {
		return entity.Ref{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, `INSERT INTO `+d.Table+` DEFAULT VALUES RETURNING id`).Scan(&id); err != nil {
		return entity.Ref{}, fmt.Errorf("insert %s: %w", kind, err)
	}
	return entity.NewRef(kind, id), nil
}

func (s *PostgresStore) EntityExists(ctx context.Context, ref entity.Ref) (bool, error) {
	return entityExists(ctx, s.db, ref)
}

// entityExists looks the id up in the table registered for the kind. Table
// names only ever come from the registry.
func entityExists(ctx context.Context, q queryer, ref entity.Ref) (bool, error) {
	d, ok := entity.Lookup(ref.Kind)
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownKind, ref.Kind)
	}
	var exists bool
	err := q.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM `+d.Table+` WHERE id=$1)`, ref.ID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check %s: %w", ref.Kind, err)
	}
	return exists, nil
}
