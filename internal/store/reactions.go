// ABOUTME: Reaction toggling and per-message reaction summaries
// ABOUTME: Summaries are ordered by emoji then username so repeated reads are identical

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// ToggleReaction removes the (message, user, emoji) row if present, otherwise
// inserts it. It reports whether the reaction now exists.
func (s *SQLiteStore) ToggleReaction(ctx context.Context, messageID int64, userID, emoji string) (bool, error) {
	added := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM reactions WHERE message_id = ? AND user_id = ? AND emoji = ?
		`, messageID, userID, emoji)
		if err != nil {
			return fmt.Errorf("removing reaction: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("getting rows affected: %w", err)
		}
		if n > 0 {
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO reactions (message_id, user_id, emoji, created_at)
			VALUES (?, ?, ?, ?)
		`, messageID, userID, emoji, formatTime(time.Now()))
		if err != nil {
			if isConstraintViolation(err) {
				return ErrNotFound
			}
			return fmt.Errorf("inserting reaction: %w", err)
		}
		added = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return added, nil
}

// Reactions returns the reaction summary of a single message.
func (s *SQLiteStore) Reactions(ctx context.Context, messageID int64) ([]ReactionSummary, error) {
	all, err := s.ReactionSummaries(ctx, []int64{messageID})
	if err != nil {
		return nil, err
	}
	return all[messageID], nil
}

// ReactionSummaries returns reaction summaries keyed by message ID. Messages
// without reactions are absent from the map.
func (s *SQLiteStore) ReactionSummaries(ctx context.Context, messageIDs []int64) (map[int64][]ReactionSummary, error) {
	out := make(map[int64][]ReactionSummary)
	if len(messageIDs) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(messageIDs)), ",")
	args := make([]any, len(messageIDs))
	for i, id := range messageIDs {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT r.message_id, r.emoji, u.username
		FROM reactions r
		JOIN users u ON u.id = r.user_id
		WHERE r.message_id IN (`+placeholders+`)
		ORDER BY r.message_id, r.emoji, u.username
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying reactions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var emoji, username string
		if err := rows.Scan(&id, &emoji, &username); err != nil {
			return nil, fmt.Errorf("scanning reaction row: %w", err)
		}
		list := out[id]
		if n := len(list); n > 0 && list[n-1].Emoji == emoji {
			list[n-1].Users = append(list[n-1].Users, username)
			list[n-1].Count++
		} else {
			list = append(list, ReactionSummary{Emoji: emoji, Users: []string{username}, Count: 1})
		}
		out[id] = list
	}
	return out, rows.Err()
}
