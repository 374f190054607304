// ABOUTME: User entity and permission grants for chat participants
// ABOUTME: Permissions are flat codes per user; superusers hold every code implicitly

package store

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"
)

// CreateUser inserts a new user. Returns ErrDuplicate if the ID or username is taken.
func (s *SQLiteStore) CreateUser(ctx context.Context, u *User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	if u.DisplayName == "" {
		u.DisplayName = u.Username
	}

	query := `
		INSERT INTO users (id, username, display_name, enable_notifications, is_superuser, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		u.ID,
		u.Username,
		u.DisplayName,
		boolToInt(u.EnableNotifications),
		boolToInt(u.IsSuperuser),
		formatTime(u.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting user: %w", err)
	}

	s.logger.Debug("created user", "id", u.ID, "username", u.Username)
	return nil
}

// GetUser retrieves a user by ID. Returns ErrNotFound if missing.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	return s.getUser(ctx, `WHERE id = ?`, id)
}

// GetUserByUsername retrieves a user by username. Returns ErrNotFound if missing.
func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.getUser(ctx, `WHERE username = ?`, username)
}

func (s *SQLiteStore) getUser(ctx context.Context, where string, arg any) (*User, error) {
	query := `
		SELECT id, username, display_name, enable_notifications, is_superuser, created_at
		FROM users ` + where

	var u User
	var notify, super int
	var createdAt string
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&u.ID, &u.Username, &u.DisplayName, &notify, &super, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	u.EnableNotifications = notify == 1
	u.IsSuperuser = super == 1
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &u, nil
}

// ListUsers returns all users ordered by username.
func (s *SQLiteStore) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, display_name, enable_notifications, is_superuser, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		var u User
		var notify, super int
		var createdAt string
		if err := rows.Scan(&u.ID, &u.Username, &u.DisplayName, &notify, &super, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning user row: %w", err)
		}
		u.EnableNotifications = notify == 1
		u.IsSuperuser = super == 1
		if u.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		users = append(users, &u)
	}
	return users, rows.Err()
}

// SetNotifications toggles whether a user receives out-of-room notifications.
func (s *SQLiteStore) SetNotifications(ctx context.Context, userID string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET enable_notifications = ? WHERE id = ?`,
		boolToInt(enabled), userID)
	if err != nil {
		return fmt.Errorf("updating notifications: %w", err)
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

// GrantPermission gives a permission code to a user. Idempotent.
func (s *SQLiteStore) GrantPermission(ctx context.Context, actorID, userID, code string) error {
	if !slices.Contains(ValidPermissions, code) {
		return fmt.Errorf("unknown permission %q", code)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO user_permissions (user_id, code, granted_at)
			VALUES (?, ?, ?)
		`, userID, code, formatTime(time.Now()))
		if err != nil {
			if isConstraintViolation(err) {
				return ErrNotFound
			}
			return fmt.Errorf("granting permission: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		return appendAudit(ctx, tx, &AuditEntry{
			ActorID:    actorID,
			Action:     AuditPermissionGranted,
			TargetType: "user",
			TargetID:   userID,
			Detail:     map[string]any{"code": code},
		})
	})
}

// RevokePermission removes a permission code from a user. Idempotent.
func (s *SQLiteStore) RevokePermission(ctx context.Context, actorID, userID, code string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM user_permissions WHERE user_id = ? AND code = ?`, userID, code)
		if err != nil {
			return fmt.Errorf("revoking permission: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		return appendAudit(ctx, tx, &AuditEntry{
			ActorID:    actorID,
			Action:     AuditPermissionRevoked,
			TargetType: "user",
			TargetID:   userID,
			Detail:     map[string]any{"code": code},
		})
	})
}

// HasPermission reports whether a user holds a permission code, either
// directly or by being a superuser. Unknown users hold nothing.
func (s *SQLiteStore) HasPermission(ctx context.Context, userID, code string) (bool, error) {
	var ok int
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM users WHERE id = ? AND is_superuser = 1
		) OR EXISTS (
			SELECT 1 FROM user_permissions WHERE user_id = ? AND code = ?
		)
	`, userID, userID, code).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("checking permission: %w", err)
	}
	return ok == 1, nil
}

// ListPermissions returns the permission codes granted directly to a user.
func (s *SQLiteStore) ListPermissions(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT code FROM user_permissions WHERE user_id = ? ORDER BY code`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying permissions: %w", err)
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("scanning permission row: %w", err)
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}
