// ABOUTME: Tests for the admin CLI commands against a temporary database
// ABOUTME: Covers user, permission, conversation, membership, history and audit commands

package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-rooms/internal/store"
)

func newAdmin(t *testing.T) (*admin, *bytes.Buffer) {
	t.Helper()
	color.NoColor = true

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "admin.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	var out bytes.Buffer
	return &admin{store: s, out: &out, actor: defaultActor}, &out
}

func (a *admin) mustRun(t *testing.T, args ...string) {
	t.Helper()
	require.NoError(t, a.dispatch(t.Context(), args))
}

func TestUsers(t *testing.T) {
	a, out := newAdmin(t)

	a.mustRun(t, "users", "create", "--username", "alice", "--name", "Alice A")
	a.mustRun(t, "users", "create", "-u", "root", "--superuser")
	assert.Error(t, a.dispatch(t.Context(), []string{"users", "create", "--username", "alice"}))
	assert.Error(t, a.dispatch(t.Context(), []string{"users", "create"}))

	out.Reset()
	a.mustRun(t, "users")
	assert.Contains(t, out.String(), "Alice A")
	assert.Contains(t, out.String(), "root")

	a.mustRun(t, "users", "notify", "alice", "off")
	u, err := a.store.GetUserByUsername(t.Context(), "alice")
	require.NoError(t, err)
	assert.False(t, u.EnableNotifications)
	assert.Error(t, a.dispatch(t.Context(), []string{"users", "notify", "alice", "maybe"}))
}

func TestPerms(t *testing.T) {
	a, out := newAdmin(t)
	a.mustRun(t, "users", "create", "--username", "alice")

	out.Reset()
	a.mustRun(t, "perms", "list", "alice")
	assert.Contains(t, out.String(), store.PermSendMessage)
	assert.NotContains(t, out.String(), store.PermDeleteAnyMessage)

	a.mustRun(t, "perms", "grant", "alice", store.PermDeleteAnyMessage)
	a.mustRun(t, "perms", "revoke", "alice", store.PermSendMessage)

	u, err := a.store.GetUserByUsername(t.Context(), "alice")
	require.NoError(t, err)
	codes, err := a.store.ListPermissions(t.Context(), u.ID)
	require.NoError(t, err)
	assert.Contains(t, codes, store.PermDeleteAnyMessage)
	assert.NotContains(t, codes, store.PermSendMessage)

	assert.Error(t, a.dispatch(t.Context(), []string{"perms", "grant", "alice", "fly"}))
	assert.Error(t, a.dispatch(t.Context(), []string{"perms", "list", "ghost"}))

	out.Reset()
	a.mustRun(t, "audit", "user", u.ID)
	assert.Contains(t, out.String(), string(store.AuditPermissionRevoked))
	assert.Contains(t, out.String(), defaultActor)
}

func TestConversationsAndMembers(t *testing.T) {
	a, out := newAdmin(t)
	for _, name := range []string{"alice", "bob", "carol"} {
		a.mustRun(t, "users", "create", "--username", name)
	}

	a.mustRun(t, "conversations", "create", "--id", "team", "--title", "Team", "--members", "alice,bob")
	a.mustRun(t, "conversations", "create", "--id", "dm", "--kind", "private", "--members", "alice,carol")
	assert.Error(t, a.dispatch(t.Context(), []string{"conversations", "create", "--kind", "private", "--members", "alice"}))
	assert.Error(t, a.dispatch(t.Context(), []string{"conversations", "create", "--kind", "channel", "--members", "alice"}))

	a.mustRun(t, "members", "add", "--role", "moderator", "team", "carol")
	assert.Error(t, a.dispatch(t.Context(), []string{"members", "add", "dm", "bob"}), "private membership is fixed")

	out.Reset()
	a.mustRun(t, "conversations", "show", "team")
	assert.Contains(t, out.String(), "Title:   Team")
	assert.Contains(t, out.String(), "moderator")
	assert.Contains(t, out.String(), "admin")

	out.Reset()
	a.mustRun(t, "conversations", "list", "carol")
	assert.Contains(t, out.String(), "team")
	assert.Contains(t, out.String(), "dm")

	a.mustRun(t, "members", "remove", "team", "carol")
	carol, err := a.store.GetUserByUsername(t.Context(), "carol")
	require.NoError(t, err)
	ok, err := a.store.IsParticipant(t.Context(), "team", carol.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHistory(t *testing.T) {
	a, out := newAdmin(t)
	a.mustRun(t, "users", "create", "--username", "alice")
	a.mustRun(t, "conversations", "create", "--id", "team", "--members", "alice")

	alice, err := a.store.GetUserByUsername(t.Context(), "alice")
	require.NoError(t, err)
	first, err := a.store.CreateMessage(t.Context(), &store.NewMessage{ConversationID: "team", SenderID: alice.ID, Body: "hello"})
	require.NoError(t, err)
	_, err = a.store.CreateMessage(t.Context(), &store.NewMessage{ConversationID: "team", SenderID: alice.ID, Body: "again", ReplyToID: &first.ID})
	require.NoError(t, err)
	_, err = a.store.SoftDeleteMessage(t.Context(), alice.ID, first.ID)
	require.NoError(t, err)

	out.Reset()
	a.mustRun(t, "history", "team")
	assert.NotContains(t, out.String(), "hello", "deleted messages are not listed")
	assert.Contains(t, out.String(), "alice: ↪#1 again")

	out.Reset()
	a.mustRun(t, "history", "empty")
	assert.Contains(t, out.String(), "(no messages)")

	assert.Error(t, a.dispatch(t.Context(), []string{"audit", "message", "abc"}))
}

func TestHistory_DeliveryState(t *testing.T) {
	a, out := newAdmin(t)
	for _, name := range []string{"alice", "bob", "carol"} {
		a.mustRun(t, "users", "create", "--username", name)
	}
	a.mustRun(t, "conversations", "create", "--id", "team", "--members", "alice,bob,carol")

	alice, err := a.store.GetUserByUsername(t.Context(), "alice")
	require.NoError(t, err)
	bob, err := a.store.GetUserByUsername(t.Context(), "bob")
	require.NoError(t, err)
	msg, err := a.store.CreateMessage(t.Context(), &store.NewMessage{ConversationID: "team", SenderID: alice.ID, Body: "status check"})
	require.NoError(t, err)
	_, err = a.store.AdvanceStatus(t.Context(), store.StatusRead, store.StatusKey{MessageID: msg.ID, UserID: bob.ID})
	require.NoError(t, err)

	out.Reset()
	a.mustRun(t, "history", "team")
	assert.NotContains(t, out.String(), "bob: ", "delivery state is opt-in")

	out.Reset()
	a.mustRun(t, "history", "--status", "team")
	assert.Contains(t, out.String(), "bob: read")
	assert.Contains(t, out.String(), "carol: sent")
	assert.NotContains(t, out.String(), "alice: sent", "the sender has no delivery row")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "héllo w...", truncate("héllo world", 10))
}
