// ABOUTME: Audit log entity and store methods for tracking message moderation
// ABOUTME: Entries are written inside the same transaction as the change they describe

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents an auditable action.
type AuditAction string

const (
	AuditMessageEdited       AuditAction = "message_edited"
	AuditMessageDeleted      AuditAction = "message_deleted"
	AuditConversationCreated AuditAction = "conversation_created"
	AuditPermissionGranted   AuditAction = "permission_granted"
	AuditPermissionRevoked   AuditAction = "permission_revoked"
)

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	ID         string
	ActorID    string
	Action     AuditAction
	TargetType string // "message", "conversation", "user"
	TargetID   string
	Timestamp  time.Time
	Detail     map[string]any
}

// appendAudit writes an entry using the caller's transaction.
func appendAudit(ctx context.Context, q queryer, e *AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var detailJSON *string
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling audit detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO audit_log (audit_id, actor_id, action, target_type, target_id, ts, detail_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID,
		e.ActorID,
		e.Action,
		e.TargetType,
		e.TargetID,
		formatTime(e.Timestamp),
		detailJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// ListAuditLog returns entries for a target, newest first.
// If limit is 0 or negative, a default limit of 100 is used.
func (s *SQLiteStore) ListAuditLog(ctx context.Context, targetType, targetID string, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT audit_id, actor_id, action, target_type, target_id, ts, detail_json
		FROM audit_log
		WHERE target_type = ? AND target_id = ?
		ORDER BY ts DESC
		LIMIT ?
	`, targetType, targetID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var ts string
		var detail *string
		if err := rows.Scan(&e.ID, &e.ActorID, &e.Action, &e.TargetType, &e.TargetID, &ts, &detail); err != nil {
			return nil, fmt.Errorf("scanning audit row: %w", err)
		}
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("parsing ts: %w", err)
		}
		if detail != nil {
			if err := json.Unmarshal([]byte(*detail), &e.Detail); err != nil {
				return nil, fmt.Errorf("unmarshaling audit detail: %w", err)
			}
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
