// ABOUTME: Tests for conversation creation and membership queries
// ABOUTME: Covers private/group membership rules and participant listing

package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateConversation_MembershipRules(t *testing.T) {
	s := newTestStore(t)
	seedUsers(t, s, "alice", "bob", "carol")

	tests := []struct {
		name    string
		kind    ConversationKind
		members []ConversationMember
		wantErr error
	}{
		{
			name:    "private with two members",
			kind:    ConversationPrivate,
			members: []ConversationMember{{UserID: "u-alice"}, {UserID: "u-bob"}},
		},
		{
			name:    "private with one member",
			kind:    ConversationPrivate,
			members: []ConversationMember{{UserID: "u-alice"}},
			wantErr: ErrInvalidConversation,
		},
		{
			name:    "private with same member twice",
			kind:    ConversationPrivate,
			members: []ConversationMember{{UserID: "u-alice"}, {UserID: "u-alice"}},
			wantErr: ErrInvalidConversation,
		},
		{
			name:    "private with three members",
			kind:    ConversationPrivate,
			members: []ConversationMember{{UserID: "u-alice"}, {UserID: "u-bob"}, {UserID: "u-carol"}},
			wantErr: ErrInvalidConversation,
		},
		{
			name:    "group with one admin",
			kind:    ConversationGroup,
			members: []ConversationMember{{UserID: "u-alice", Role: RoleAdmin}},
		},
		{
			name:    "group without members",
			kind:    ConversationGroup,
			wantErr: ErrInvalidConversation,
		},
		{
			name:    "group with bad role",
			kind:    ConversationGroup,
			members: []ConversationMember{{UserID: "u-alice", Role: "owner"}},
			wantErr: ErrInvalidConversation,
		},
		{
			name:    "unknown kind",
			kind:    "channel",
			members: []ConversationMember{{UserID: "u-alice"}},
			wantErr: ErrInvalidConversation,
		},
		{
			name:    "unknown user",
			kind:    ConversationGroup,
			members: []ConversationMember{{UserID: "ghost"}},
			wantErr: ErrNotFound,
		},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Conversation{ID: "c" + string(rune('a'+i)), Kind: tt.kind}
			err := s.CreateConversation(t.Context(), c, tt.members)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				_, getErr := s.GetConversation(t.Context(), c.ID)
				assert.ErrorIs(t, getErr, ErrNotFound, "failed creation must not leave a row")
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestConversation_Participants(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	seedUsers(t, s, "alice", "bob", "carol")
	seedGroup(t, s, "g1", "u-alice", "u-bob")

	c, err := s.GetConversation(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, ConversationGroup, c.Kind)
	assert.Nil(t, c.LastMessageID)

	ps, err := s.ListParticipants(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, ps, 2)
	assert.Equal(t, RoleMember, ps[0].Role)

	ok, err := s.IsParticipant(ctx, "g1", "u-carol")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.AddMember(ctx, "g1", "u-carol", RoleModerator))
	ok, err = s.IsParticipant(ctx, "g1", "u-carol")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.ErrorIs(t, s.AddMember(ctx, "g1", "u-carol", RoleMember), ErrDuplicate)

	ids, err := s.ListConversationsForUser(ctx, "u-carol")
	require.NoError(t, err)
	assert.Equal(t, []string{"g1"}, ids)

	require.NoError(t, s.RemoveMember(ctx, "g1", "u-carol"))
	assert.ErrorIs(t, s.RemoveMember(ctx, "g1", "u-carol"), ErrNotFound)
}

func TestConversation_PrivateIsFixed(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	seedUsers(t, s, "alice", "bob", "carol")
	require.NoError(t, s.CreateConversation(ctx, &Conversation{ID: "dm", Kind: ConversationPrivate},
		[]ConversationMember{{UserID: "u-alice"}, {UserID: "u-bob"}}))

	assert.ErrorIs(t, s.AddMember(ctx, "dm", "u-carol", RoleMember), ErrInvalidConversation)
	assert.ErrorIs(t, s.RemoveMember(ctx, "dm", "u-bob"), ErrNotFound)
	assert.ErrorIs(t, s.AddMember(ctx, "nope", "u-carol", RoleMember), ErrNotFound)
}
