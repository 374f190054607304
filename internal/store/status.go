// ABOUTME: Per-recipient delivery status rows for messages
// ABOUTME: Transitions are monotonic: sent < delivered < read, lower targets are no-ops

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const statusRankExpr = `CASE status WHEN 'sent' THEN 0 WHEN 'delivered' THEN 1 WHEN 'read' THEN 2 END`

// AdvanceStatus moves each keyed row forward to state in one transaction.
// Rows already at or beyond state, and keys with no row, are left alone.
// It returns how many rows actually changed.
func (s *SQLiteStore) AdvanceStatus(ctx context.Context, state DeliveryState, keys ...StatusKey) (int, error) {
	rank := state.Rank()
	if rank < 0 {
		return 0, fmt.Errorf("unknown delivery state %q", state)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	changed := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			UPDATE message_status SET status = ?, updated_at = ?
			WHERE message_id = ? AND user_id = ? AND `+statusRankExpr+` < ?
		`)
		if err != nil {
			return fmt.Errorf("preparing status update: %w", err)
		}
		defer stmt.Close()

		now := formatTime(time.Now())
		for _, k := range keys {
			res, err := stmt.ExecContext(ctx, state, now, k.MessageID, k.UserID, rank)
			if err != nil {
				return fmt.Errorf("advancing status: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("getting rows affected: %w", err)
			}
			changed += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return changed, nil
}

// GetStatus returns one delivery row. Returns ErrNotFound if missing.
func (s *SQLiteStore) GetStatus(ctx context.Context, messageID int64, userID string) (*DeliveryStatus, error) {
	var st DeliveryStatus
	var updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT message_id, user_id, status, updated_at
		FROM message_status
		WHERE message_id = ? AND user_id = ?
	`, messageID, userID).Scan(&st.MessageID, &st.UserID, &st.State, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying status: %w", err)
	}
	if st.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &st, nil
}

// ListStatuses returns every recipient row for a message ordered by user.
func (s *SQLiteStore) ListStatuses(ctx context.Context, messageID int64) ([]*DeliveryStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, user_id, status, updated_at
		FROM message_status
		WHERE message_id = ?
		ORDER BY user_id
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("querying statuses: %w", err)
	}
	defer rows.Close()

	var out []*DeliveryStatus
	for rows.Next() {
		var st DeliveryStatus
		var updatedAt string
		if err := rows.Scan(&st.MessageID, &st.UserID, &st.State, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning status row: %w", err)
		}
		if st.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		out = append(out, &st)
	}
	return out, rows.Err()
}
