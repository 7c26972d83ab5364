package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"remark/api/internal/entity"
)

const subscriptionColumns = `id, user_id, entity_kind, entity_id, created_at`

func scanSubscription(row rowScanner) (Subscription, error) {
	var (
		sub  Subscription
		kind string
	)
	if err := row.Scan(&sub.ID, &sub.UserID, &kind, &sub.EntityID, &sub.CreatedAt); err != nil {
		return Subscription{}, err
	}
	sub.EntityKind = entity.Kind(kind)
	return sub, nil
}

// CreateSubscription is idempotent per (user, entity). created is false when
// the subscription already existed.
func (s *PostgresStore) CreateSubscription(ctx context.Context, userID int64, target entity.Ref) (Subscription, bool, error) {
	if _, ok := entity.Lookup(target.Kind); !ok {
		return Subscription{}, false, fmt.Errorf("%w: %q", ErrUnknownKind, target.Kind)
	}
	sub, err := scanSubscription(s.db.QueryRowContext(ctx, `
		INSERT INTO subscriptions (user_id, entity_kind, entity_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, entity_kind, entity_id) DO NOTHING
		RETURNING `+subscriptionColumns,
		userID, string(target.Kind), target.ID))
	if err == nil {
		return sub, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Subscription{}, false, fmt.Errorf("insert subscription: %w", err)
	}

	sub, err = scanSubscription(s.db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE user_id=$1 AND entity_kind=$2 AND entity_id=$3
	`, userID, string(target.Kind), target.ID))
	if err != nil {
		return Subscription{}, false, fmt.Errorf("read subscription: %w", err)
	}
	return sub, false, nil
}

func (s *PostgresStore) DeleteSubscription(ctx context.Context, userID int64, target entity.Ref) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM subscriptions WHERE user_id=$1 AND entity_kind=$2 AND entity_id=$3
	`, userID, string(target.Kind), target.ID)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSubscriptionsForEntity returns subscribers in subscription order.
func (s *PostgresStore) ListSubscriptionsForEntity(ctx context.Context, target entity.Ref) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE entity_kind=$1 AND entity_id=$2
		ORDER BY id
	`, string(target.Kind), target.ID)
	if err != nil {
		return nil, fmt.Errorf("list entity subscriptions: %w", err)
	}
	return scanSubscriptions(rows)
}

func (s *PostgresStore) ListSubscriptionsForUser(ctx context.Context, userID int64) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE user_id=$1
		ORDER BY id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list user subscriptions: %w", err)
	}
	return scanSubscriptions(rows)
}

func scanSubscriptions(rows *sql.Rows) ([]Subscription, error) {
	defer rows.Close()
	subs := make([]Subscription, 0)
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}
	return subs, nil
}
