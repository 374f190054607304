// ABOUTME: SQLite implementation of chat persistence using modernc.org/sqlite
// ABOUTME: Opens the database, creates the schema and provides shared scan helpers

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists conversations and messages in SQLite.
// It is safe for concurrent use; every multi-row write runs in one transaction.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed. Use ":memory:" for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	memory := path == ":memory:"
	if !memory {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", buildDSN(path))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// An in-memory database exists per connection, so pin the pool to one.
	if memory {
		db.SetMaxOpenConns(1)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// buildDSN applies per-connection pragmas. Write transactions take the
// write lock up front so concurrent rooms wait on busy_timeout instead of
// failing on lock upgrade.
func buildDSN(path string) string {
	pragmas := []string{
		"_pragma=foreign_keys(1)",
		"_pragma=busy_timeout(5000)",
		"_txlock=immediate",
	}
	if path != ":memory:" {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)")
		return "file:" + path + "?" + strings.Join(pragmas, "&")
	}
	return "file::memory:?" + strings.Join(pragmas, "&")
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id                   TEXT PRIMARY KEY,
			username             TEXT NOT NULL UNIQUE,
			display_name         TEXT NOT NULL,
			enable_notifications INTEGER NOT NULL DEFAULT 1,
			is_superuser         INTEGER NOT NULL DEFAULT 0,
			created_at           TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS user_permissions (
			user_id    TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			code       TEXT NOT NULL,
			granted_at TEXT NOT NULL,

			PRIMARY KEY (user_id, code)
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id              TEXT PRIMARY KEY,
			kind            TEXT NOT NULL,
			title           TEXT,
			last_message_id INTEGER,
			created_by      TEXT,
			created_at      TEXT NOT NULL,

			CHECK (kind IN ('private', 'group'))
		);

		CREATE TABLE IF NOT EXISTS conversation_members (
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			user_id         TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			role            TEXT NOT NULL DEFAULT 'member',
			joined_at       TEXT NOT NULL,

			PRIMARY KEY (conversation_id, user_id),
			CHECK (role IN ('admin', 'moderator', 'member'))
		);

		CREATE INDEX IF NOT EXISTS idx_members_user ON conversation_members(user_id);

		CREATE TABLE IF NOT EXISTS messages (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id  TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			sender_id        TEXT NOT NULL REFERENCES users(id),
			kind             TEXT NOT NULL DEFAULT 'text',
			body             TEXT NOT NULL DEFAULT '',
			reply_to_id      INTEGER REFERENCES messages(id) ON DELETE SET NULL,
			reply_to_sender  TEXT,
			reply_to_snippet TEXT,
			edited           INTEGER NOT NULL DEFAULT 0,
			edited_at        TEXT,
			deleted          INTEGER NOT NULL DEFAULT 0,
			deleted_at       TEXT,
			created_at       TEXT NOT NULL,

			CHECK (kind IN ('text', 'image', 'file', 'system')),
			CHECK (reply_to_id IS NULL OR reply_to_id <> id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id);

		CREATE TABLE IF NOT EXISTS attachments (
			id            TEXT PRIMARY KEY,
			message_id    INTEGER NOT NULL UNIQUE REFERENCES messages(id) ON DELETE CASCADE,
			file_name     TEXT NOT NULL,
			mime_type     TEXT NOT NULL,
			size          INTEGER NOT NULL,
			handle        TEXT NOT NULL DEFAULT '',
			thumbnail_url TEXT
		);

		CREATE TABLE IF NOT EXISTS message_status (
			message_id INTEGER NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			user_id    TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			status     TEXT NOT NULL DEFAULT 'sent',
			updated_at TEXT NOT NULL,

			PRIMARY KEY (message_id, user_id),
			CHECK (status IN ('sent', 'delivered', 'read'))
		);

		CREATE INDEX IF NOT EXISTS idx_status_user ON message_status(user_id, status);

		CREATE TABLE IF NOT EXISTS reactions (
			message_id INTEGER NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			user_id    TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			emoji      TEXT NOT NULL,
			created_at TEXT NOT NULL,

			PRIMARY KEY (message_id, user_id, emoji)
		);

		CREATE TABLE IF NOT EXISTS audit_log (
			audit_id    TEXT PRIMARY KEY,
			actor_id    TEXT NOT NULL,
			action      TEXT NOT NULL,
			target_type TEXT NOT NULL,
			target_id   TEXT NOT NULL,
			ts          TEXT NOT NULL,
			detail_json TEXT,

			CHECK (action IN (
				'message_edited',
				'message_deleted',
				'conversation_created',
				'permission_granted',
				'permission_revoked'
			))
		);

		CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_target ON audit_log(target_type, target_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// withTx runs fn inside a transaction, committing on success and rolling
// back on any error so partial writes are never observable.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}
