// ABOUTME: Message persistence: create with delivery rows, edit, soft-delete and replay queries
// ABOUTME: Reply-to linkage is a one-level snapshot captured when the reply is written

package store

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const messageColumns = `
	m.id, m.conversation_id, m.sender_id, u.username, m.kind, m.body,
	m.reply_to_id, m.reply_to_sender, m.reply_to_snippet, COALESCE(p.deleted, 0),
	m.edited, m.edited_at, m.deleted, m.deleted_at, m.created_at,
	a.id, a.file_name, a.mime_type, a.size, a.handle, a.thumbnail_url
`

const messageJoins = `
	FROM messages m
	JOIN users u ON u.id = m.sender_id
	LEFT JOIN messages p ON p.id = m.reply_to_id
	LEFT JOIN attachments a ON a.message_id = m.id
`

// CreateMessage persists a message, its attachment, one sent status row per
// participant other than the sender and the conversation's last-message
// pointer, all in one transaction.
func (s *SQLiteStore) CreateMessage(ctx context.Context, nm *NewMessage) (*Message, error) {
	if nm.Body == "" && nm.Attachment == nil {
		return nil, ErrInvalidMessage
	}
	if utf8.RuneCountInString(nm.Body) > MaxBodyRunes {
		return nil, fmt.Errorf("%w: body exceeds %d characters", ErrInvalidMessage, MaxBodyRunes)
	}
	kind := nm.Kind
	if kind == "" {
		kind = MessageText
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, kind)
	}
	createdAt := nm.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var msg *Message
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var replySender, replySnippet sql.NullString
		var replyID sql.NullInt64
		if nm.ReplyToID != nil {
			ref, err := replySnapshot(ctx, tx, nm.ConversationID, *nm.ReplyToID)
			if err != nil {
				return err
			}
			replyID = sql.NullInt64{Int64: ref.MessageID, Valid: true}
			replySender = sql.NullString{String: ref.Sender, Valid: true}
			replySnippet = sql.NullString{String: ref.Snippet, Valid: true}
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages (conversation_id, sender_id, kind, body, reply_to_id, reply_to_sender, reply_to_snippet, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, nm.ConversationID, nm.SenderID, kind, nm.Body, replyID, replySender, replySnippet, formatTime(createdAt))
		if err != nil {
			if isConstraintViolation(err) {
				return fmt.Errorf("%w: conversation or sender", ErrNotFound)
			}
			return fmt.Errorf("inserting message: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("reading message id: %w", err)
		}
		if replyID.Valid && replyID.Int64 == id {
			return ErrSelfReply
		}

		if a := nm.Attachment; a != nil {
			if a.ID == "" {
				a.ID = uuid.New().String()
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO attachments (id, message_id, file_name, mime_type, size, handle, thumbnail_url)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, a.ID, id, a.FileName, a.MimeType, a.Size, a.Handle, nullString(a.ThumbnailURL))
			if err != nil {
				return fmt.Errorf("inserting attachment: %w", err)
			}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO message_status (message_id, user_id, status, updated_at)
			SELECT ?, user_id, 'sent', ?
			FROM conversation_members
			WHERE conversation_id = ? AND user_id <> ?
		`, id, formatTime(createdAt), nm.ConversationID, nm.SenderID)
		if err != nil {
			return fmt.Errorf("inserting delivery rows: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE conversations SET last_message_id = ? WHERE id = ?`, id, nm.ConversationID)
		if err != nil {
			return fmt.Errorf("updating last message: %w", err)
		}

		msg, err = getMessage(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("created message", "id", msg.ID, "conversation", msg.ConversationID)
	return msg, nil
}

// replySnapshot resolves a reply target once. The target must live in the
// same conversation and must not be deleted.
func replySnapshot(ctx context.Context, q queryer, conversationID string, parentID int64) (*ReplyRef, error) {
	var conv, sender, body string
	var deleted int
	err := q.QueryRowContext(ctx, `
		SELECT m.conversation_id, u.username, m.body, m.deleted
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.id = ?
	`, parentID).Scan(&conv, &sender, &body, &deleted)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: reply target %d", ErrNotFound, parentID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying reply target: %w", err)
	}
	if conv != conversationID || deleted == 1 {
		return nil, fmt.Errorf("%w: reply target %d", ErrNotFound, parentID)
	}
	return &ReplyRef{MessageID: parentID, Sender: sender, Snippet: Snippet(body, MaxSnippetRunes)}, nil
}

// Snippet truncates s to at most n code points, appending "..." when cut.
func Snippet(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}

// GetMessage retrieves a message by ID. Returns ErrNotFound if missing.
func (s *SQLiteStore) GetMessage(ctx context.Context, id int64) (*Message, error) {
	return getMessage(ctx, s.db, id)
}

func getMessage(ctx context.Context, q queryer, id int64) (*Message, error) {
	row := q.QueryRowContext(ctx, `SELECT `+messageColumns+messageJoins+` WHERE m.id = ?`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return m, nil
}

// EditMessage replaces a live message's body and marks it edited. The
// previous body is kept only in the audit log.
func (s *SQLiteStore) EditMessage(ctx context.Context, actorID string, id int64, body string) (*Message, error) {
	if body == "" {
		return nil, ErrInvalidMessage
	}
	if utf8.RuneCountInString(body) > MaxBodyRunes {
		return nil, fmt.Errorf("%w: body exceeds %d characters", ErrInvalidMessage, MaxBodyRunes)
	}

	var msg *Message
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var old string
		var deleted int
		err := tx.QueryRowContext(ctx,
			`SELECT body, deleted FROM messages WHERE id = ?`, id).Scan(&old, &deleted)
		if err == sql.ErrNoRows || deleted == 1 {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("querying message: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE messages SET body = ?, edited = 1, edited_at = ? WHERE id = ?
		`, body, formatTime(time.Now()), id)
		if err != nil {
			return fmt.Errorf("updating message: %w", err)
		}

		if err := appendAudit(ctx, tx, &AuditEntry{
			ActorID:    actorID,
			Action:     AuditMessageEdited,
			TargetType: "message",
			TargetID:   fmt.Sprint(id),
			Detail:     map[string]any{"previous_body": old},
		}); err != nil {
			return err
		}

		msg, err = getMessage(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// SoftDeleteMessage flags a live message deleted. Content stays in storage.
func (s *SQLiteStore) SoftDeleteMessage(ctx context.Context, actorID string, id int64) (*Message, error) {
	var msg *Message
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE messages SET deleted = 1, deleted_at = ? WHERE id = ? AND deleted = 0
		`, formatTime(time.Now()), id)
		if err != nil {
			return fmt.Errorf("deleting message: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("getting rows affected: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}

		if err := appendAudit(ctx, tx, &AuditEntry{
			ActorID:    actorID,
			Action:     AuditMessageDeleted,
			TargetType: "message",
			TargetID:   fmt.Sprint(id),
		}); err != nil {
			return err
		}

		msg, err = getMessage(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// RecentMessages returns up to limit of the newest non-deleted messages in a
// conversation, oldest first.
func (s *SQLiteStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}
	msgs, err := queryMessages(ctx, s.db, `SELECT `+messageColumns+messageJoins+`
		WHERE m.conversation_id = ? AND m.deleted = 0
		ORDER BY m.id DESC
		LIMIT ?
	`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	slices.Reverse(msgs)
	return msgs, nil
}

// PendingMessages returns every message in a conversation for which the user
// still has a sent or delivered status row, oldest first. Deleted messages
// are included so their rows can be advanced; callers must not replay them.
func (s *SQLiteStore) PendingMessages(ctx context.Context, conversationID, userID string) ([]*Message, error) {
	return queryMessages(ctx, s.db, `SELECT `+messageColumns+messageJoins+`
		JOIN message_status s ON s.message_id = m.id AND s.user_id = ?
		WHERE m.conversation_id = ? AND s.status IN ('sent', 'delivered')
		ORDER BY m.id
	`, userID, conversationID)
}

func queryMessages(ctx context.Context, q queryer, query string, args ...any) ([]*Message, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(sc rowScanner) (*Message, error) {
	var m Message
	var replyID sql.NullInt64
	var replySender, replySnippet sql.NullString
	var parentDeleted, edited, deleted int
	var editedAt, deletedAt sql.NullString
	var createdAt string
	var attID, attName, attMime, attHandle, attThumb sql.NullString
	var attSize sql.NullInt64

	err := sc.Scan(
		&m.ID, &m.ConversationID, &m.SenderID, &m.SenderUsername, &m.Kind, &m.Body,
		&replyID, &replySender, &replySnippet, &parentDeleted,
		&edited, &editedAt, &deleted, &deletedAt, &createdAt,
		&attID, &attName, &attMime, &attSize, &attHandle, &attThumb,
	)
	if err != nil {
		return nil, err
	}

	m.Edited = edited == 1
	m.Deleted = deleted == 1
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if m.EditedAt, err = parseNullTime(editedAt); err != nil {
		return nil, fmt.Errorf("parsing edited_at: %w", err)
	}
	if m.DeletedAt, err = parseNullTime(deletedAt); err != nil {
		return nil, fmt.Errorf("parsing deleted_at: %w", err)
	}

	if replyID.Valid {
		m.ReplyTo = &ReplyRef{
			MessageID: replyID.Int64,
			Sender:    replySender.String,
			Snippet:   replySnippet.String,
		}
		// Content of a deleted parent is never re-exposed through a reply.
		if parentDeleted == 1 {
			m.ReplyTo.Snippet = ""
		}
	}

	if attID.Valid {
		m.Attachment = &Attachment{
			ID:           attID.String,
			MessageID:    m.ID,
			FileName:     attName.String,
			MimeType:     attMime.String,
			Size:         attSize.Int64,
			Handle:       attHandle.String,
			ThumbnailURL: attThumb.String,
		}
	}
	return &m, nil
}
