// ABOUTME: Shared fixtures for room tests: a real SQLite store and fake members
// ABOUTME: Fake members record every event they accept

package room

import (
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/coven-rooms/internal/authz"
	"github.com/2389/coven-rooms/internal/backplane"
	"github.com/2389/coven-rooms/internal/metrics"
	"github.com/2389/coven-rooms/internal/store"
)

type fakeMember struct {
	id       string
	userID   string
	username string
	full     bool // rejects every event, like a stalled writer

	mu     sync.Mutex
	events []Event
	closed bool
}

func newMember(id, username string) *fakeMember {
	return &fakeMember{id: id, userID: "u-" + username, username: username}
}

func (m *fakeMember) ID() string       { return m.id }
func (m *fakeMember) UserID() string   { return m.userID }
func (m *fakeMember) Username() string { return m.username }

func (m *fakeMember) Enqueue(ev Event, _ time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.full {
		return false
	}
	m.events = append(m.events, ev)
	return true
}

func (m *fakeMember) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

func (m *fakeMember) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// received returns the decoded payloads of every event of type typ.
func (m *fakeMember) received(t *testing.T, typ string) []map[string]any {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []map[string]any
	for _, ev := range m.events {
		if ev.Type != typ {
			continue
		}
		var payload map[string]any
		require.NoError(t, json.Unmarshal(ev.Data, &payload))
		require.Equal(t, typ, payload["type"])
		out = append(out, payload)
	}
	return out
}

func (m *fakeMember) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = nil
}

type fixture struct {
	store     *store.SQLiteStore
	registry  *Registry
	backplane *backplane.Local
	metrics   *metrics.Metrics
}

// newFixture creates users alice, bob and carol with default permissions,
// a private conversation "dm" (alice, bob) and a group "team" (all three).
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := t.Context()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "rooms.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	for _, name := range []string{"alice", "bob", "carol"} {
		require.NoError(t, s.CreateUser(ctx, &store.User{
			ID:                  "u-" + name,
			Username:            name,
			DisplayName:         "User " + name,
			EnableNotifications: true,
		}))
		for _, code := range store.DefaultMemberPermissions {
			require.NoError(t, s.GrantPermission(ctx, "system", "u-"+name, code))
		}
	}
	require.NoError(t, s.CreateConversation(ctx, &store.Conversation{ID: "dm", Kind: store.ConversationPrivate},
		[]store.ConversationMember{{UserID: "u-alice"}, {UserID: "u-bob"}}))
	require.NoError(t, s.CreateConversation(ctx, &store.Conversation{ID: "team", Kind: store.ConversationGroup, Title: "Team"},
		[]store.ConversationMember{
			{UserID: "u-alice", Role: store.RoleAdmin},
			{UserID: "u-bob", Role: store.RoleMember},
			{UserID: "u-carol", Role: store.RoleMember},
		}))

	bp := backplane.NewLocal(nil)
	t.Cleanup(func() { bp.Close() })
	m := metrics.New()

	reg := NewRegistry(Config{
		Store:               s,
		Authorizer:          authz.NewStoreOracle(s),
		Backplane:           bp,
		Metrics:             m,
		ReplayWait:          50 * time.Millisecond,
		AttachmentURLPrefix: "/attachments/",
	})
	t.Cleanup(reg.Close)

	return &fixture{store: s, registry: reg, backplane: bp, metrics: m}
}

func (f *fixture) join(t *testing.T, conversationID string, m *fakeMember) *Room {
	t.Helper()
	r, err := f.registry.Join(t.Context(), conversationID, m)
	require.NoError(t, err)
	return r
}

func (f *fixture) post(t *testing.T, r *Room, m *fakeMember, body string) *store.Message {
	t.Helper()
	require.Nil(t, r.Execute(t.Context(), m, &SendMessage{Body: body}))
	msgs, err := f.store.RecentMessages(t.Context(), r.ID(), 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	return msgs[0]
}
