// ABOUTME: Data types and sentinel errors for coven-rooms persistence
// ABOUTME: Defines users, conversations, messages, attachments, delivery status and reactions

package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a unique constraint would be violated
var ErrDuplicate = errors.New("already exists")

// ErrSelfReply is returned when a message would reference itself as its reply target
var ErrSelfReply = errors.New("message cannot reply to itself")

// ErrInvalidConversation is returned when a conversation violates its kind's membership rules
var ErrInvalidConversation = errors.New("invalid conversation")

// ErrInvalidMessage is returned when a message has neither a body nor an attachment
var ErrInvalidMessage = errors.New("message needs a body or an attachment")

// MaxBodyRunes is the maximum message body length in code points.
const MaxBodyRunes = 1000

// MaxSnippetRunes bounds the reply-to snippet captured on a reply.
const MaxSnippetRunes = 100

// User is a chat participant identity.
type User struct {
	ID                  string
	Username            string
	DisplayName         string
	EnableNotifications bool
	IsSuperuser         bool
	CreatedAt           time.Time
}

// ConversationKind distinguishes private (two party) and group conversations.
type ConversationKind string

const (
	ConversationPrivate ConversationKind = "private"
	ConversationGroup   ConversationKind = "group"
)

// Valid reports whether k is a known conversation kind.
func (k ConversationKind) Valid() bool {
	return k == ConversationPrivate || k == ConversationGroup
}

// MemberRole is a participant's role within a group conversation.
type MemberRole string

const (
	RoleAdmin     MemberRole = "admin"
	RoleModerator MemberRole = "moderator"
	RoleMember    MemberRole = "member"
)

// Valid reports whether r is a known member role.
func (r MemberRole) Valid() bool {
	switch r {
	case RoleAdmin, RoleModerator, RoleMember:
		return true
	}
	return false
}

// Conversation is a room. Kind is fixed at creation.
type Conversation struct {
	ID            string
	Kind          ConversationKind
	Title         string
	LastMessageID *int64
	CreatedBy     string
	CreatedAt     time.Time
}

// ConversationMember assigns a user to a conversation at creation time.
type ConversationMember struct {
	UserID string
	Role   MemberRole
}

// Participant is a user together with their role in one conversation.
type Participant struct {
	User
	Role     MemberRole
	JoinedAt time.Time
}

// MessageKind is the structured type of a message.
type MessageKind string

const (
	MessageText   MessageKind = "text"
	MessageImage  MessageKind = "image"
	MessageFile   MessageKind = "file"
	MessageSystem MessageKind = "system"
)

// Valid reports whether k is a known message kind.
func (k MessageKind) Valid() bool {
	switch k {
	case MessageText, MessageImage, MessageFile, MessageSystem:
		return true
	}
	return false
}

// ReplyRef is a one-level back-reference to an earlier message in the same
// conversation. Sender and Snippet are captured when the reply is created.
type ReplyRef struct {
	MessageID int64
	Sender    string
	Snippet   string
}

// Attachment is file metadata plus the handle returned by attachment storage.
type Attachment struct {
	ID           string
	MessageID    int64
	FileName     string
	MimeType     string
	Size         int64
	Handle       string
	ThumbnailURL string
}

// Message is a single chat message. Deleted messages keep their content in
// storage; callers must not expose Body once Deleted is set.
type Message struct {
	ID             int64
	ConversationID string
	SenderID       string
	SenderUsername string
	Kind           MessageKind
	Body           string
	ReplyTo        *ReplyRef
	Attachment     *Attachment
	Edited         bool
	EditedAt       *time.Time
	Deleted        bool
	DeletedAt      *time.Time
	CreatedAt      time.Time
}

// NewMessage is the input to CreateMessage.
type NewMessage struct {
	ConversationID string
	SenderID       string
	Kind           MessageKind
	Body           string
	ReplyToID      *int64
	Attachment     *Attachment
	CreatedAt      time.Time
}

// DeliveryState is the per-recipient progress of a message.
type DeliveryState string

const (
	StatusSent      DeliveryState = "sent"
	StatusDelivered DeliveryState = "delivered"
	StatusRead      DeliveryState = "read"
)

// Rank orders delivery states; transitions only ever increase it.
func (s DeliveryState) Rank() int {
	switch s {
	case StatusSent:
		return 0
	case StatusDelivered:
		return 1
	case StatusRead:
		return 2
	}
	return -1
}

// DeliveryStatus is one (message, recipient) row.
type DeliveryStatus struct {
	MessageID int64
	UserID    string
	State     DeliveryState
	UpdatedAt time.Time
}

// StatusKey identifies a delivery status row.
type StatusKey struct {
	MessageID int64
	UserID    string
}

// ReactionSummary aggregates one emoji on one message.
type ReactionSummary struct {
	Emoji string
	Users []string
	Count int
}

// Permission codes granted to users. Superusers implicitly hold all of them.
const (
	PermViewChat         = "view_chat"
	PermSendMessage      = "send_message"
	PermEditOwnMessage   = "edit_own_message"
	PermEditAnyMessage   = "edit_any_message"
	PermDeleteOwnMessage = "delete_own_message"
	PermDeleteAnyMessage = "delete_any_message"
)

// ValidPermissions lists all grantable permission codes.
var ValidPermissions = []string{
	PermViewChat,
	PermSendMessage,
	PermEditOwnMessage,
	PermEditAnyMessage,
	PermDeleteOwnMessage,
	PermDeleteAnyMessage,
}

// DefaultMemberPermissions is what a regular chat user gets on creation.
var DefaultMemberPermissions = []string{
	PermViewChat,
	PermSendMessage,
	PermEditOwnMessage,
	PermDeleteOwnMessage,
}
