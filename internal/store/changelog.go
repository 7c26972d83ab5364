package store

import (
	"context"
	"encoding/json"
	"fmt"
)

func recordLog(ctx context.Context, q queryer, commentID int64, event LogEvent, actor *int64, changes Changes) error {
	payload, err := json.Marshal(changes)
	if err != nil {
		return fmt.Errorf("marshal log changes: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO comment_logs (comment_id, event, user_id, changes)
		VALUES ($1, $2, $3, $4::jsonb)
	`, commentID, string(event), actor, string(payload))
	if err != nil {
		return fmt.Errorf("insert comment log: %w", err)
	}
	return nil
}

// ListCommentLog returns the audit trail of a comment, newest first. Rows
// survive the deletion of the comment itself.
func (s *PostgresStore) ListCommentLog(ctx context.Context, commentID int64) ([]CommentLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, comment_id, event, user_id, changes
		FROM comment_logs
		WHERE comment_id = $1
		ORDER BY created_at DESC, id DESC
	`, commentID)
	if err != nil {
		return nil, fmt.Errorf("list comment log: %w", err)
	}
	defer rows.Close()

	logs := make([]CommentLog, 0)
	for rows.Next() {
		var (
			entry   CommentLog
			event   string
			userID  *int64
			changes []byte
		)
		if err := rows.Scan(&entry.ID, &entry.CreatedAt, &entry.CommentID, &event, &userID, &changes); err != nil {
			return nil, fmt.Errorf("scan comment log: %w", err)
		}
		entry.Event = LogEvent(event)
		entry.UserID = userID
		if len(changes) > 0 {
			if err := json.Unmarshal(changes, &entry.Changes); err != nil {
				return nil, fmt.Errorf("decode comment log changes: %w", err)
			}
		}
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comment log: %w", err)
	}
	return logs, nil
}
