// ABOUTME: Tests for message persistence, replies, edits, soft-deletes and replay queries
// ABOUTME: Also covers delivery status monotonicity and reaction toggling

package store

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newChatStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s := newTestStore(t)
	seedUsers(t, s, "alice", "bob", "carol")
	seedGroup(t, s, "c1", "u-alice", "u-bob", "u-carol")
	seedGroup(t, s, "c2", "u-alice", "u-bob")
	return s
}

func TestCreateMessage_WritesDeliveryRows(t *testing.T) {
	s := newChatStore(t)
	ctx := t.Context()

	m, err := s.CreateMessage(ctx, &NewMessage{ConversationID: "c1", SenderID: "u-alice", Body: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "alice", m.SenderUsername)
	assert.Equal(t, MessageText, m.Kind)

	rows, err := s.ListStatuses(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2, "one row per participant other than the sender")
	for _, r := range rows {
		assert.NotEqual(t, "u-alice", r.UserID)
		assert.Equal(t, StatusSent, r.State)
	}

	c, err := s.GetConversation(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, c.LastMessageID)
	assert.Equal(t, m.ID, *c.LastMessageID)
}

func TestCreateMessage_Validation(t *testing.T) {
	s := newChatStore(t)
	ctx := t.Context()

	_, err := s.CreateMessage(ctx, &NewMessage{ConversationID: "c1", SenderID: "u-alice"})
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = s.CreateMessage(ctx, &NewMessage{
		ConversationID: "c1", SenderID: "u-alice", Body: strings.Repeat("x", MaxBodyRunes+1),
	})
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = s.CreateMessage(ctx, &NewMessage{
		ConversationID: "c1", SenderID: "u-alice", Body: strings.Repeat("é", MaxBodyRunes),
	})
	assert.NoError(t, err, "limit counts code points, not bytes")

	_, err = s.CreateMessage(ctx, &NewMessage{ConversationID: "missing", SenderID: "u-alice", Body: "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateMessage_Attachment(t *testing.T) {
	s := newChatStore(t)
	ctx := t.Context()

	m, err := s.CreateMessage(ctx, &NewMessage{
		ConversationID: "c1",
		SenderID:       "u-alice",
		Kind:           MessageImage,
		Attachment:     &Attachment{FileName: "cat.png", MimeType: "image/png", Size: 2048, Handle: "h/1"},
	})
	require.NoError(t, err)
	require.NotNil(t, m.Attachment)
	assert.Equal(t, MessageImage, m.Kind)
	assert.Equal(t, "cat.png", m.Attachment.FileName)
	assert.Equal(t, int64(2048), m.Attachment.Size)
	assert.NotEmpty(t, m.Attachment.ID)
	assert.Empty(t, m.Body)
}

func TestCreateMessage_ReplySnapshot(t *testing.T) {
	s := newChatStore(t)
	ctx := t.Context()

	parent, err := s.CreateMessage(ctx, &NewMessage{ConversationID: "c1", SenderID: "u-bob", Body: "original"})
	require.NoError(t, err)

	reply, err := s.CreateMessage(ctx, &NewMessage{
		ConversationID: "c1", SenderID: "u-alice", Body: "re", ReplyToID: &parent.ID,
	})
	require.NoError(t, err)
	require.NotNil(t, reply.ReplyTo)
	assert.Equal(t, "bob", reply.ReplyTo.Sender)
	assert.Equal(t, "original", reply.ReplyTo.Snippet)

	_, err = s.EditMessage(ctx, "u-bob", parent.ID, "changed")
	require.NoError(t, err)

	got, err := s.GetMessage(ctx, reply.ID)
	require.NoError(t, err)
	assert.Equal(t, "original", got.ReplyTo.Snippet, "snippet is captured at send time")

	_, err = s.SoftDeleteMessage(ctx, "u-bob", parent.ID)
	require.NoError(t, err)

	got, err = s.GetMessage(ctx, reply.ID)
	require.NoError(t, err)
	assert.Equal(t, "bob", got.ReplyTo.Sender)
	assert.Empty(t, got.ReplyTo.Snippet, "deleted parent content is never re-exposed")
}

func TestCreateMessage_ReplyTargetRules(t *testing.T) {
	s := newChatStore(t)
	ctx := t.Context()

	other, err := s.CreateMessage(ctx, &NewMessage{ConversationID: "c2", SenderID: "u-bob", Body: "elsewhere"})
	require.NoError(t, err)

	_, err = s.CreateMessage(ctx, &NewMessage{
		ConversationID: "c1", SenderID: "u-alice", Body: "re", ReplyToID: &other.ID,
	})
	assert.ErrorIs(t, err, ErrNotFound, "reply target must be in the same conversation")

	missing := other.ID + 100
	_, err = s.CreateMessage(ctx, &NewMessage{
		ConversationID: "c1", SenderID: "u-alice", Body: "re", ReplyToID: &missing,
	})
	assert.ErrorIs(t, err, ErrNotFound)

	long, err := s.CreateMessage(ctx, &NewMessage{
		ConversationID: "c1", SenderID: "u-bob", Body: strings.Repeat("a", 150),
	})
	require.NoError(t, err)
	reply, err := s.CreateMessage(ctx, &NewMessage{
		ConversationID: "c1", SenderID: "u-alice", Body: "re", ReplyToID: &long.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("a", MaxSnippetRunes)+"...", reply.ReplyTo.Snippet)
}

func TestEditAndDelete(t *testing.T) {
	s := newChatStore(t)
	ctx := t.Context()

	m, err := s.CreateMessage(ctx, &NewMessage{ConversationID: "c1", SenderID: "u-alice", Body: "hi"})
	require.NoError(t, err)

	edited, err := s.EditMessage(ctx, "u-alice", m.ID, "bye")
	require.NoError(t, err)
	assert.True(t, edited.Edited)
	assert.NotNil(t, edited.EditedAt)
	assert.Equal(t, "bye", edited.Body)

	_, err = s.EditMessage(ctx, "u-alice", m.ID, "")
	assert.ErrorIs(t, err, ErrInvalidMessage)

	deleted, err := s.SoftDeleteMessage(ctx, "u-alice", m.ID)
	require.NoError(t, err)
	assert.True(t, deleted.Deleted)
	assert.NotNil(t, deleted.DeletedAt)

	_, err = s.SoftDeleteMessage(ctx, "u-alice", m.ID)
	assert.ErrorIs(t, err, ErrNotFound, "second delete finds no live message")
	_, err = s.EditMessage(ctx, "u-alice", m.ID, "again")
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := s.GetMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "bye", got.Body, "soft delete keeps content in storage")
}

func TestRecentMessages(t *testing.T) {
	s := newChatStore(t)
	ctx := t.Context()

	var ids []int64
	for i := 0; i < 5; i++ {
		m, err := s.CreateMessage(ctx, &NewMessage{ConversationID: "c1", SenderID: "u-alice", Body: "m"})
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}
	_, err := s.SoftDeleteMessage(ctx, "u-alice", ids[4])
	require.NoError(t, err)

	msgs, err := s.RecentMessages(ctx, "c1", 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, []int64{ids[1], ids[2], ids[3]}, []int64{msgs[0].ID, msgs[1].ID, msgs[2].ID})
}

func TestPendingMessages(t *testing.T) {
	s := newChatStore(t)
	ctx := t.Context()

	m1, err := s.CreateMessage(ctx, &NewMessage{ConversationID: "c1", SenderID: "u-alice", Body: "one"})
	require.NoError(t, err)
	m2, err := s.CreateMessage(ctx, &NewMessage{ConversationID: "c1", SenderID: "u-alice", Body: "two"})
	require.NoError(t, err)
	m3, err := s.CreateMessage(ctx, &NewMessage{ConversationID: "c1", SenderID: "u-alice", Body: "three"})
	require.NoError(t, err)

	_, err = s.AdvanceStatus(ctx, StatusDelivered, StatusKey{m1.ID, "u-bob"})
	require.NoError(t, err)
	_, err = s.AdvanceStatus(ctx, StatusRead, StatusKey{m2.ID, "u-bob"})
	require.NoError(t, err)

	pending, err := s.PendingMessages(ctx, "c1", "u-bob")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, m1.ID, pending[0].ID)
	assert.Equal(t, m3.ID, pending[1].ID)

	pending, err = s.PendingMessages(ctx, "c1", "u-alice")
	require.NoError(t, err)
	assert.Empty(t, pending, "senders have no rows for their own messages")
}

func TestAdvanceStatus_Monotonic(t *testing.T) {
	s := newChatStore(t)
	ctx := t.Context()

	m, err := s.CreateMessage(ctx, &NewMessage{ConversationID: "c1", SenderID: "u-alice", Body: "hi"})
	require.NoError(t, err)
	key := StatusKey{MessageID: m.ID, UserID: "u-bob"}

	n, err := s.AdvanceStatus(ctx, StatusRead, key)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "read can be set directly from sent")

	n, err = s.AdvanceStatus(ctx, StatusDelivered, key)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "lower target is a no-op")

	n, err = s.AdvanceStatus(ctx, StatusRead, key)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "same target is a no-op")

	st, err := s.GetStatus(ctx, m.ID, "u-bob")
	require.NoError(t, err)
	assert.Equal(t, StatusRead, st.State)

	n, err = s.AdvanceStatus(ctx, StatusRead, StatusKey{MessageID: m.ID, UserID: "u-alice"})
	require.NoError(t, err)
	assert.Equal(t, 0, n, "no row for the sender")

	_, err = s.AdvanceStatus(ctx, "lost", key)
	assert.Error(t, err)
}

func TestAdvanceStatus_Concurrent(t *testing.T) {
	s := newChatStore(t)
	ctx := t.Context()

	m, err := s.CreateMessage(ctx, &NewMessage{ConversationID: "c1", SenderID: "u-alice", Body: "hi"})
	require.NoError(t, err)
	key := StatusKey{MessageID: m.ID, UserID: "u-carol"}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		state := StatusDelivered
		if i%2 == 0 {
			state = StatusRead
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AdvanceStatus(ctx, state, key)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	st, err := s.GetStatus(ctx, m.ID, "u-carol")
	require.NoError(t, err)
	assert.Equal(t, StatusRead, st.State)
}

func TestToggleReaction(t *testing.T) {
	s := newChatStore(t)
	ctx := t.Context()

	m, err := s.CreateMessage(ctx, &NewMessage{ConversationID: "c1", SenderID: "u-alice", Body: "hi"})
	require.NoError(t, err)

	added, err := s.ToggleReaction(ctx, m.ID, "u-carol", "👍")
	require.NoError(t, err)
	assert.True(t, added)
	_, err = s.ToggleReaction(ctx, m.ID, "u-alice", "👍")
	require.NoError(t, err)
	_, err = s.ToggleReaction(ctx, m.ID, "u-bob", "🎉")
	require.NoError(t, err)

	before, err := s.Reactions(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, before, 2)

	thumbs := before[0]
	if thumbs.Emoji != "👍" {
		thumbs = before[1]
	}
	assert.Equal(t, []string{"alice", "carol"}, thumbs.Users, "users ordered by username")
	assert.Equal(t, 2, thumbs.Count)

	added, err = s.ToggleReaction(ctx, m.ID, "u-bob", "👍")
	require.NoError(t, err)
	assert.True(t, added)
	added, err = s.ToggleReaction(ctx, m.ID, "u-bob", "👍")
	require.NoError(t, err)
	assert.False(t, added)

	after, err := s.Reactions(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after, "double toggle restores the exact summary")

	_, err = s.ToggleReaction(ctx, m.ID+99, "u-bob", "👍")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReactionSummaries_Batch(t *testing.T) {
	s := newChatStore(t)
	ctx := t.Context()

	m1, err := s.CreateMessage(ctx, &NewMessage{ConversationID: "c1", SenderID: "u-alice", Body: "a"})
	require.NoError(t, err)
	m2, err := s.CreateMessage(ctx, &NewMessage{ConversationID: "c1", SenderID: "u-alice", Body: "b"})
	require.NoError(t, err)
	_, err = s.ToggleReaction(ctx, m2.ID, "u-bob", "❤️")
	require.NoError(t, err)

	all, err := s.ReactionSummaries(ctx, []int64{m1.ID, m2.ID})
	require.NoError(t, err)
	assert.NotContains(t, all, m1.ID)
	require.Len(t, all[m2.ID], 1)
	assert.Equal(t, []string{"bob"}, all[m2.ID][0].Users)

	empty, err := s.ReactionSummaries(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSnippet(t *testing.T) {
	assert.Equal(t, "abc", Snippet("abc", 3))
	assert.Equal(t, "ab...", Snippet("abc", 2))
	assert.Equal(t, "ñ...", Snippet("ñø", 1))
}
