// ABOUTME: Tests for room operations: posting, editing, reactions, receipts and presence
// ABOUTME: Runs against a real SQLite store with fake members standing in for sessions

package room

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-rooms/internal/backplane"
	"github.com/2389/coven-rooms/internal/store"
)

func TestPostMessage_BroadcastsAndMarksDelivered(t *testing.T) {
	f := newFixture(t)
	alice, bob := newMember("s1", "alice"), newMember("s2", "bob")
	r := f.join(t, "dm", alice)
	f.join(t, "dm", bob)

	msg := f.post(t, r, alice, "  hi  ")

	for _, m := range []*fakeMember{alice, bob} {
		got := m.received(t, EventChatMessage)
		require.Len(t, got, 1, m.username)
		assert.Equal(t, "hi", got[0]["body"])
		assert.Equal(t, "alice", got[0]["user"])
		assert.Equal(t, "u-alice", got[0]["user_id"])
		assert.Equal(t, float64(msg.ID), got[0]["message_id"])
		assert.Equal(t, "text", got[0]["kind"])
		assert.Empty(t, got[0]["reactions"])
	}

	st, err := f.store.GetStatus(t.Context(), msg.ID, "u-bob")
	require.NoError(t, err)
	assert.Equal(t, store.StatusDelivered, st.State)
}

func TestPostMessage_TooLongIsRejected(t *testing.T) {
	f := newFixture(t)
	alice, bob := newMember("s1", "alice"), newMember("s2", "bob")
	r := f.join(t, "dm", alice)
	f.join(t, "dm", bob)
	bob.reset()

	rerr := r.Execute(t.Context(), alice, &SendMessage{Body: strings.Repeat("a", 1001)})
	require.NotNil(t, rerr)
	assert.Equal(t, KindValidation, rerr.Kind)
	assert.Contains(t, rerr.Message, "long")

	msgs, err := f.store.RecentMessages(t.Context(), "dm", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Empty(t, bob.received(t, EventChatMessage))
}

func TestPostMessage_RevokedSendPermission(t *testing.T) {
	f := newFixture(t)
	alice := newMember("s1", "alice")
	r := f.join(t, "dm", alice)

	require.NoError(t, f.store.RevokePermission(t.Context(), "system", "u-alice", store.PermSendMessage))

	rerr := r.Execute(t.Context(), alice, &SendMessage{Body: "hello"})
	require.NotNil(t, rerr)
	assert.Equal(t, KindAuthorization, rerr.Kind)
	assert.Equal(t, MsgCannotSend, rerr.Message)
}

func TestPostMessage_DuplicateClientID(t *testing.T) {
	f := newFixture(t)
	alice := newMember("s1", "alice")
	r := f.join(t, "dm", alice)

	require.Nil(t, r.Execute(t.Context(), alice, &SendMessage{Body: "once", ClientID: "c-1"}))
	rerr := r.Execute(t.Context(), alice, &SendMessage{Body: "once", ClientID: "c-1"})
	require.NotNil(t, rerr)
	assert.Equal(t, MsgDuplicate, rerr.Message)

	msgs, err := f.store.RecentMessages(t.Context(), "dm", 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
	assert.Len(t, alice.received(t, EventChatMessage), 1)
}

func TestPostMessage_FailedPersistReleasesClientID(t *testing.T) {
	f := newFixture(t)
	alice := newMember("s1", "alice")
	r := f.join(t, "dm", alice)

	missing := int64(999)
	rerr := r.Execute(t.Context(), alice, &SendMessage{Body: "re", ReplyTo: &missing, ClientID: "c-2"})
	require.NotNil(t, rerr)
	assert.Equal(t, KindNotFound, rerr.Kind)

	assert.Nil(t, r.Execute(t.Context(), alice, &SendMessage{Body: "re", ClientID: "c-2"}))
}

func TestPostMessage_ReplyAndAttachment(t *testing.T) {
	f := newFixture(t)
	alice, bob := newMember("s1", "alice"), newMember("s2", "bob")
	r := f.join(t, "dm", alice)
	f.join(t, "dm", bob)

	parent := f.post(t, r, alice, "original question")
	bob.reset()

	cmd := &SendMessage{
		ReplyTo:    &parent.ID,
		Attachment: &AttachmentRef{Name: "cat.png", Type: "image/png", Size: 2048, Handle: "abc.png"},
	}
	require.Nil(t, r.Execute(t.Context(), bob, cmd))

	got := bob.received(t, EventChatMessage)
	require.Len(t, got, 1)
	assert.Equal(t, "image", got[0]["kind"])
	assert.Equal(t, float64(parent.ID), got[0]["reply_to"])
	assert.Equal(t, "alice", got[0]["reply_to_sender"])
	assert.Equal(t, "original question", got[0]["reply_to_content"])

	att, ok := got[0]["attachment"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "cat.png", att["name"])
	assert.Equal(t, "/attachments/abc.png", att["url"])
}

func TestPostMessage_ConcurrentSendersSeeSameOrder(t *testing.T) {
	f := newFixture(t)
	members := []*fakeMember{newMember("s1", "alice"), newMember("s2", "bob"), newMember("s3", "carol")}
	var r *Room
	for _, m := range members {
		r = f.join(t, "team", m)
	}

	var wg sync.WaitGroup
	for _, m := range members {
		wg.Add(1)
		go func(m *fakeMember) {
			defer wg.Done()
			for i := range 10 {
				assert.Nil(t, r.Execute(t.Context(), m, &SendMessage{Body: fmt.Sprintf("%s-%d", m.username, i)}))
			}
		}(m)
	}
	wg.Wait()

	order := func(m *fakeMember) []any {
		var ids []any
		for _, ev := range m.received(t, EventChatMessage) {
			ids = append(ids, ev["message_id"])
		}
		return ids
	}
	want := order(members[0])
	require.Len(t, want, 30)
	for _, m := range members[1:] {
		assert.Equal(t, want, order(m), m.username)
	}
}

func TestPostMessage_NotifiesAbsentParticipants(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.SetNotifications(t.Context(), "u-carol", false))

	bobCh, _ := f.backplane.Subscribe(t.Context(), backplane.UserTopic("u-bob"))
	carolCh, _ := f.backplane.Subscribe(t.Context(), backplane.UserTopic("u-carol"))

	alice := newMember("s1", "alice")
	r := f.join(t, "team", alice)
	drain(bobCh)

	f.post(t, r, alice, strings.Repeat("x", 60))

	select {
	case data := <-bobCh:
		env, err := backplane.Decode(data)
		require.NoError(t, err)
		assert.Equal(t, EventNotification, env.Kind)
		assert.Equal(t, "u-bob", env.Recipient)
		assert.Equal(t, "team", env.RoomID)
		assert.Contains(t, string(env.Payload), `"message":"`+strings.Repeat("x", 50)+`..."`)
		assert.Contains(t, string(env.Payload), `"conversation_title":"Team"`)
		assert.Contains(t, string(env.Payload), `"sender":"alice"`)
	case <-time.After(time.Second):
		t.Fatal("bob was not notified")
	}

	for _, data := range drain(carolCh) {
		env, err := backplane.Decode(data)
		require.NoError(t, err)
		assert.NotEqual(t, EventNotification, env.Kind, "carol disabled notifications")
	}
}

func TestPostMessage_NoNotificationForAttached(t *testing.T) {
	f := newFixture(t)
	bobCh, _ := f.backplane.Subscribe(t.Context(), backplane.UserTopic("u-bob"))

	alice, bob := newMember("s1", "alice"), newMember("s2", "bob")
	r := f.join(t, "dm", alice)
	f.join(t, "dm", bob)
	drain(bobCh)

	f.post(t, r, alice, "hi")
	assert.Empty(t, drain(bobCh))
}

func drain(ch <-chan []byte) [][]byte {
	var out [][]byte
	for {
		select {
		case data := <-ch:
			out = append(out, data)
		default:
			return out
		}
	}
}

func TestToggleReaction_TwiceRestoresSummary(t *testing.T) {
	f := newFixture(t)
	alice, bob := newMember("s1", "alice"), newMember("s2", "bob")
	r := f.join(t, "dm", alice)
	f.join(t, "dm", bob)
	msg := f.post(t, r, alice, "react to me")

	require.Nil(t, r.Execute(t.Context(), alice, &ToggleReaction{MessageID: msg.ID, Emoji: "👍"}))
	require.Nil(t, r.Execute(t.Context(), alice, &ToggleReaction{MessageID: msg.ID, Emoji: "👍"}))

	got := bob.received(t, EventReaction)
	require.Len(t, got, 2)

	first := got[0]["reactions"].([]any)
	require.Len(t, first, 1)
	entry := first[0].(map[string]any)
	assert.Equal(t, "👍", entry["emoji"])
	assert.Equal(t, []any{"alice"}, entry["users"])
	assert.Equal(t, float64(1), entry["count"])

	assert.Empty(t, got[1]["reactions"])
}

func TestToggleReaction_Rejections(t *testing.T) {
	f := newFixture(t)
	alice := newMember("s1", "alice")
	r := f.join(t, "dm", alice)
	carol := newMember("s9", "carol")
	other := f.join(t, "team", carol)
	foreign := f.post(t, other, carol, "elsewhere")

	tests := []struct {
		name string
		cmd  *ToggleReaction
		kind Kind
		msg  string
	}{
		{"missing emoji", &ToggleReaction{MessageID: 1}, KindValidation, MsgReactionRequired},
		{"long emoji", &ToggleReaction{MessageID: 1, Emoji: strings.Repeat("x", 11)}, KindValidation, MsgInvalidEmoji},
		{"unknown message", &ToggleReaction{MessageID: 12345, Emoji: "👍"}, KindNotFound, MsgNotFound},
		{"other conversation", &ToggleReaction{MessageID: foreign.ID, Emoji: "👍"}, KindNotFound, MsgNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rerr := r.Execute(t.Context(), alice, tt.cmd)
			require.NotNil(t, rerr)
			assert.Equal(t, tt.kind, rerr.Kind)
			assert.Equal(t, tt.msg, rerr.Message)
		})
	}
}

func TestEditMessage_BroadcastsNewContent(t *testing.T) {
	f := newFixture(t)
	alice, bob := newMember("s1", "alice"), newMember("s2", "bob")
	r := f.join(t, "dm", alice)
	f.join(t, "dm", bob)
	msg := f.post(t, r, alice, "hello")

	require.Nil(t, r.Execute(t.Context(), alice, &EditMessage{MessageID: msg.ID, Content: "bye"}))

	for _, m := range []*fakeMember{alice, bob} {
		got := m.received(t, EventMessageEdited)
		require.Len(t, got, 1)
		assert.Equal(t, float64(msg.ID), got[0]["message_id"])
		assert.Equal(t, "bye", got[0]["content"])
		assert.Equal(t, "alice", got[0]["edited_by"])
	}

	stored, err := f.store.GetMessage(t.Context(), msg.ID)
	require.NoError(t, err)
	assert.True(t, stored.Edited)

	// A fresh session only ever sees the new body.
	late := newMember("s3", "bob")
	f.join(t, "dm", late)
	replayed := late.received(t, EventChatMessage)
	require.Len(t, replayed, 1)
	assert.Equal(t, "bye", replayed[0]["body"])
	assert.Equal(t, true, replayed[0]["edited"])
	for _, ev := range late.events {
		assert.NotContains(t, string(ev.Data), "hello")
	}
}

func TestEditMessage_RequiresPermission(t *testing.T) {
	f := newFixture(t)
	alice, bob := newMember("s1", "alice"), newMember("s2", "bob")
	r := f.join(t, "dm", alice)
	f.join(t, "dm", bob)
	msg := f.post(t, r, alice, "mine")

	rerr := r.Execute(t.Context(), bob, &EditMessage{MessageID: msg.ID, Content: "yours"})
	require.NotNil(t, rerr)
	assert.Equal(t, KindAuthorization, rerr.Kind)
	assert.Equal(t, MsgCannotEdit, rerr.Message)

	require.NoError(t, f.store.GrantPermission(t.Context(), "system", "u-bob", store.PermEditAnyMessage))
	assert.Nil(t, r.Execute(t.Context(), bob, &EditMessage{MessageID: msg.ID, Content: "moderated"}))
}

func TestDeleteMessage(t *testing.T) {
	f := newFixture(t)
	alice, bob := newMember("s1", "alice"), newMember("s2", "bob")
	r := f.join(t, "dm", alice)
	f.join(t, "dm", bob)
	msg := f.post(t, r, alice, "secret")

	rerr := r.Execute(t.Context(), bob, &DeleteMessage{MessageID: msg.ID})
	require.NotNil(t, rerr)
	assert.Equal(t, MsgCannotDelete, rerr.Message)

	require.Nil(t, r.Execute(t.Context(), alice, &DeleteMessage{MessageID: msg.ID}))
	got := bob.received(t, EventMessageDeleted)
	require.Len(t, got, 1)
	assert.Equal(t, float64(msg.ID), got[0]["message_id"])
	assert.Equal(t, "alice", got[0]["deleted_by"])
	assert.NotContains(t, string(bob.events[len(bob.events)-1].Data), "secret")

	rerr = r.Execute(t.Context(), alice, &DeleteMessage{MessageID: msg.ID})
	require.NotNil(t, rerr)
	assert.Equal(t, KindNotFound, rerr.Kind, "already deleted")

	rerr = r.Execute(t.Context(), alice, &EditMessage{MessageID: msg.ID, Content: "revive"})
	require.NotNil(t, rerr)
	assert.Equal(t, KindNotFound, rerr.Kind)
}

func TestMarkRead_BroadcastsOnlyOnChange(t *testing.T) {
	f := newFixture(t)
	alice, bob := newMember("s1", "alice"), newMember("s2", "bob")
	r := f.join(t, "dm", alice)
	f.join(t, "dm", bob)
	msg := f.post(t, r, alice, "read me")

	require.Nil(t, r.Execute(t.Context(), bob, &MarkRead{MessageID: msg.ID}))
	require.Nil(t, r.Execute(t.Context(), bob, &MarkRead{MessageID: msg.ID}))
	require.Nil(t, r.Execute(t.Context(), alice, &MarkRead{MessageID: msg.ID}), "sender has no row")

	got := alice.received(t, EventReadReceipt)
	require.Len(t, got, 1)
	assert.Equal(t, "u-bob", got[0]["user_id"])
	assert.Equal(t, "bob", got[0]["username"])

	st, err := f.store.GetStatus(t.Context(), msg.ID, "u-bob")
	require.NoError(t, err)
	assert.Equal(t, store.StatusRead, st.State)
}

func TestPresence_EdgesOnly(t *testing.T) {
	f := newFixture(t)
	alice := newMember("s1", "alice")
	bob1, bob2 := newMember("s2", "bob"), newMember("s3", "bob")
	r := f.join(t, "dm", alice)
	f.join(t, "dm", bob1)
	f.join(t, "dm", bob2)

	got := alice.received(t, EventUserStatus)
	require.Len(t, got, 1, "second session of bob is not an edge")
	assert.Equal(t, "u-bob", got[0]["user_id"])
	assert.Equal(t, true, got[0]["is_online"])
	assert.Empty(t, bob1.received(t, EventUserStatus), "no self announcement")

	f.registry.Leave(t.Context(), r, bob1)
	assert.Len(t, alice.received(t, EventUserStatus), 1)

	f.registry.Leave(t.Context(), r, bob2)
	got = alice.received(t, EventUserStatus)
	require.Len(t, got, 2)
	assert.Equal(t, false, got[1]["is_online"])
	assert.Equal(t, 1, f.registry.Presence().Online(), "only alice is left")
}

// aliceStatuses returns alice's is_online values from decoded user_status
// payloads, in arrival order.
func aliceStatuses(t *testing.T, payloads []map[string]any) []bool {
	t.Helper()
	var out []bool
	for _, p := range payloads {
		if p["user_id"] == "u-alice" {
			online, ok := p["is_online"].(bool)
			require.True(t, ok)
			out = append(out, online)
		}
	}
	return out
}

func statusPayloads(t *testing.T, frames [][]byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, data := range frames {
		env, err := backplane.Decode(data)
		require.NoError(t, err)
		if env.Kind != EventUserStatus {
			continue
		}
		var payload map[string]any
		require.NoError(t, json.Unmarshal(env.Payload, &payload))
		out = append(out, payload)
	}
	return out
}

func TestPresence_PairedAcrossRooms(t *testing.T) {
	f := newFixture(t)
	bobCh, _ := f.backplane.Subscribe(t.Context(), backplane.UserTopic("u-bob"))
	carolCh, _ := f.backplane.Subscribe(t.Context(), backplane.UserTopic("u-carol"))

	bob := newMember("s1", "bob")
	f.join(t, "dm", bob)

	// alice opens dm, then team, then leaves dm while team is still open.
	aliceDM, aliceTeam := newMember("s2", "alice"), newMember("s3", "alice")
	dm := f.join(t, "dm", aliceDM)
	team := f.join(t, "team", aliceTeam)

	assert.Equal(t, []bool{true}, aliceStatuses(t, bob.received(t, EventUserStatus)))
	f.registry.Leave(t.Context(), dm, aliceDM)
	assert.Equal(t, []bool{true, false}, aliceStatuses(t, bob.received(t, EventUserStatus)),
		"bob's dm session hears alice leave dm even though team is still open")

	f.registry.Leave(t.Context(), team, aliceTeam)

	assert.Equal(t, []bool{true, false}, aliceStatuses(t, statusPayloads(t, drain(bobCh))),
		"team reaches bob, who has no team session, over the backplane")
	assert.Equal(t, []bool{true, false}, aliceStatuses(t, statusPayloads(t, drain(carolCh))))
	assert.Len(t, bob.received(t, EventUserStatus), 2, "nothing from team is delivered to the dm session directly")
	assert.Equal(t, 1, f.registry.Presence().Online(), "only bob is left")
}

func TestPresence_PublishedForAbsentParticipants(t *testing.T) {
	f := newFixture(t)
	carolCh, _ := f.backplane.Subscribe(t.Context(), backplane.UserTopic("u-carol"))

	f.join(t, "team", newMember("s1", "alice"))

	select {
	case data := <-carolCh:
		env, err := backplane.Decode(data)
		require.NoError(t, err)
		assert.Equal(t, EventUserStatus, env.Kind)
		assert.Contains(t, string(env.Payload), `"user_id":"u-alice"`)
	case <-time.After(time.Second):
		t.Fatal("carol did not receive presence")
	}
}

func TestBroadcast_ClosesSlowMember(t *testing.T) {
	f := newFixture(t)
	alice := newMember("s1", "alice")
	bob := newMember("s2", "bob")
	r := f.join(t, "dm", alice)
	f.join(t, "dm", bob)
	bob.full = true

	f.post(t, r, alice, "one")
	assert.True(t, bob.isClosed())

	f.post(t, r, alice, "two")
	assert.Len(t, alice.received(t, EventChatMessage), 2)
	assert.Equal(t, []string{"s1", "s2"}, r.memberIDs(), "closed members stay until their session leaves")

	f.registry.Leave(t.Context(), r, bob)
	assert.Equal(t, []string{"s1"}, r.memberIDs())
}

func TestExecute_ValidatesBeforeRunning(t *testing.T) {
	f := newFixture(t)
	alice := newMember("s1", "alice")
	r := f.join(t, "dm", alice)

	rerr := r.Execute(t.Context(), alice, &MarkRead{MessageID: 0})
	require.NotNil(t, rerr)
	assert.Equal(t, MsgIDRequired, rerr.Message)
}
