// ABOUTME: Conversation entity and membership store methods
// ABOUTME: Enforces private/group membership invariants at creation time

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreateConversation creates a conversation with its initial members in one
// transaction. A private conversation needs exactly two distinct members; a
// group needs at least one, each with a valid role.
func (s *SQLiteStore) CreateConversation(ctx context.Context, c *Conversation, members []ConversationMember) error {
	if err := validateMembership(c.Kind, members); err != nil {
		return err
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO conversations (id, kind, title, created_by, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, c.ID, c.Kind, nullString(c.Title), nullString(c.CreatedBy), formatTime(c.CreatedAt))
		if err != nil {
			if isConstraintViolation(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("inserting conversation: %w", err)
		}

		for _, m := range members {
			role := m.Role
			if role == "" {
				role = RoleMember
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO conversation_members (conversation_id, user_id, role, joined_at)
				VALUES (?, ?, ?, ?)
			`, c.ID, m.UserID, role, formatTime(c.CreatedAt))
			if err != nil {
				if isConstraintViolation(err) {
					return fmt.Errorf("%w: member %s", ErrNotFound, m.UserID)
				}
				return fmt.Errorf("inserting member: %w", err)
			}
		}

		actor := c.CreatedBy
		if actor == "" {
			actor = "system"
		}
		return appendAudit(ctx, tx, &AuditEntry{
			ActorID:    actor,
			Action:     AuditConversationCreated,
			TargetType: "conversation",
			TargetID:   c.ID,
			Detail:     map[string]any{"kind": string(c.Kind), "members": len(members)},
		})
	})
}

func validateMembership(kind ConversationKind, members []ConversationMember) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidConversation, kind)
	}
	seen := make(map[string]bool, len(members))
	for _, m := range members {
		if m.UserID == "" {
			return fmt.Errorf("%w: empty member id", ErrInvalidConversation)
		}
		if seen[m.UserID] {
			return fmt.Errorf("%w: duplicate member %s", ErrInvalidConversation, m.UserID)
		}
		if m.Role != "" && !m.Role.Valid() {
			return fmt.Errorf("%w: unknown role %q", ErrInvalidConversation, m.Role)
		}
		seen[m.UserID] = true
	}
	switch kind {
	case ConversationPrivate:
		if len(members) != 2 {
			return fmt.Errorf("%w: private conversation needs exactly two members", ErrInvalidConversation)
		}
	case ConversationGroup:
		if len(members) == 0 {
			return fmt.Errorf("%w: group conversation needs at least one member", ErrInvalidConversation)
		}
	}
	return nil
}

// GetConversation retrieves a conversation by ID. Returns ErrNotFound if missing.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var c Conversation
	var title, createdBy sql.NullString
	var lastID sql.NullInt64
	var createdAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, kind, title, last_message_id, created_by, created_at
		FROM conversations
		WHERE id = ?
	`, id).Scan(&c.ID, &c.Kind, &title, &lastID, &createdBy, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}

	c.Title = title.String
	c.CreatedBy = createdBy.String
	if lastID.Valid {
		v := lastID.Int64
		c.LastMessageID = &v
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &c, nil
}

// ListConversationsForUser returns the IDs of every conversation a user belongs to.
func (s *SQLiteStore) ListConversationsForUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id FROM conversation_members
		WHERE user_id = ?
		ORDER BY conversation_id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying memberships: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning membership row: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AddMember adds a user to a group conversation.
// Private conversations are fixed at two members and reject additions.
func (s *SQLiteStore) AddMember(ctx context.Context, conversationID, userID string, role MemberRole) error {
	if role == "" {
		role = RoleMember
	}
	if !role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidConversation, role)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var kind ConversationKind
		err := tx.QueryRowContext(ctx, `SELECT kind FROM conversations WHERE id = ?`, conversationID).Scan(&kind)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("querying conversation kind: %w", err)
		}
		if kind != ConversationGroup {
			return fmt.Errorf("%w: members can only be added to group conversations", ErrInvalidConversation)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO conversation_members (conversation_id, user_id, role, joined_at)
			VALUES (?, ?, ?, ?)
		`, conversationID, userID, role, formatTime(time.Now()))
		if err != nil {
			if isConstraintViolation(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("inserting member: %w", err)
		}
		return nil
	})
}

// RemoveMember removes a user from a group conversation.
func (s *SQLiteStore) RemoveMember(ctx context.Context, conversationID, userID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM conversation_members
		WHERE conversation_id = ? AND user_id = ?
		  AND (SELECT kind FROM conversations WHERE id = ?) = 'group'
	`, conversationID, userID, conversationID)
	if err != nil {
		return fmt.Errorf("deleting member: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// IsParticipant reports whether a user is a member of a conversation.
func (s *SQLiteStore) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	var ok int
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM conversation_members WHERE conversation_id = ? AND user_id = ?
		)
	`, conversationID, userID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("checking membership: %w", err)
	}
	return ok == 1, nil
}

// ListParticipants returns every member of a conversation ordered by join time.
func (s *SQLiteStore) ListParticipants(ctx context.Context, conversationID string) ([]*Participant, error) {
	return listParticipants(ctx, s.db, conversationID)
}

func listParticipants(ctx context.Context, q queryer, conversationID string) ([]*Participant, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT u.id, u.username, u.display_name, u.enable_notifications, u.is_superuser, u.created_at,
		       m.role, m.joined_at
		FROM conversation_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.conversation_id = ?
		ORDER BY m.joined_at, u.username
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying participants: %w", err)
	}
	defer rows.Close()

	var out []*Participant
	for rows.Next() {
		var p Participant
		var notify, super int
		var createdAt, joinedAt string
		if err := rows.Scan(
			&p.ID, &p.Username, &p.DisplayName, &notify, &super, &createdAt,
			&p.Role, &joinedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning participant row: %w", err)
		}
		p.EnableNotifications = notify == 1
		p.IsSuperuser = super == 1
		if p.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if p.JoinedAt, err = parseTime(joinedAt); err != nil {
			return nil, fmt.Errorf("parsing joined_at: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
