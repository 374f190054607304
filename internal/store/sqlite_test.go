// ABOUTME: Tests for SQLite store setup plus shared fixtures for the store tests
// ABOUTME: Covers database creation, pragmas and user/permission behaviour

package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// seedUsers creates one user per username with ID "u-<username>".
func seedUsers(t *testing.T, s *SQLiteStore, usernames ...string) {
	t.Helper()
	for _, name := range usernames {
		require.NoError(t, s.CreateUser(t.Context(), &User{
			ID:                  "u-" + name,
			Username:            name,
			EnableNotifications: true,
		}))
	}
}

// seedGroup creates a group conversation with the given user IDs as members.
func seedGroup(t *testing.T, s *SQLiteStore, id string, userIDs ...string) {
	t.Helper()
	members := make([]ConversationMember, len(userIDs))
	for i, uid := range userIDs {
		members[i] = ConversationMember{UserID: uid, Role: RoleMember}
	}
	require.NoError(t, s.CreateConversation(t.Context(), &Conversation{
		ID:    id,
		Kind:  ConversationGroup,
		Title: id,
	}, members))
}

func TestNewSQLiteStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file should exist")
	assert.NoError(t, s.Ping(t.Context()))
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file should exist in nested directory")
}

func TestNewSQLiteStore_Memory(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	seedUsers(t, s, "alice")
	u, err := s.GetUser(t.Context(), "u-alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)
}

func TestBuildDSN(t *testing.T) {
	assert.Contains(t, buildDSN("/tmp/x.db"), "journal_mode(WAL)")
	assert.Contains(t, buildDSN("/tmp/x.db"), "_txlock=immediate")
	assert.NotContains(t, buildDSN(":memory:"), "WAL")
}

func TestUsers_CreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	u := &User{ID: "u1", Username: "alice"}
	require.NoError(t, s.CreateUser(ctx, u))
	assert.Equal(t, "alice", u.DisplayName, "display name defaults to username")

	got, err := s.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.ID)
	assert.False(t, got.IsSuperuser)

	_, err = s.GetUser(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.CreateUser(ctx, &User{ID: "u2", Username: "alice"})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestUsers_SetNotifications(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	seedUsers(t, s, "alice")

	require.NoError(t, s.SetNotifications(ctx, "u-alice", false))
	u, err := s.GetUser(ctx, "u-alice")
	require.NoError(t, err)
	assert.False(t, u.EnableNotifications)

	assert.ErrorIs(t, s.SetNotifications(ctx, "nobody", true), ErrNotFound)
}

func TestPermissions(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	seedUsers(t, s, "alice")
	require.NoError(t, s.CreateUser(ctx, &User{ID: "root", Username: "root", IsSuperuser: true}))

	ok, err := s.HasPermission(ctx, "u-alice", PermSendMessage)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.GrantPermission(ctx, "root", "u-alice", PermSendMessage))
	require.NoError(t, s.GrantPermission(ctx, "root", "u-alice", PermSendMessage), "grant is idempotent")

	ok, err = s.HasPermission(ctx, "u-alice", PermSendMessage)
	require.NoError(t, err)
	assert.True(t, ok)

	codes, err := s.ListPermissions(ctx, "u-alice")
	require.NoError(t, err)
	assert.Equal(t, []string{PermSendMessage}, codes)

	ok, err = s.HasPermission(ctx, "root", PermDeleteAnyMessage)
	require.NoError(t, err)
	assert.True(t, ok, "superuser holds every code")

	require.NoError(t, s.RevokePermission(ctx, "root", "u-alice", PermSendMessage))
	ok, err = s.HasPermission(ctx, "u-alice", PermSendMessage)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Error(t, s.GrantPermission(ctx, "root", "u-alice", "fly"))

	entries, err := s.ListAuditLog(ctx, "user", "u-alice", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "one grant and one revoke")
}
