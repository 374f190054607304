// ABOUTME: Outbound event frames sent from rooms to sessions
// ABOUTME: Each event is marshaled once and shared by every recipient

package room

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/2389/coven-rooms/internal/store"
)

// Outbound event types.
const (
	EventChatMessage    = "chat_message"
	EventReaction       = "reaction"
	EventUserStatus     = "user_status"
	EventNotification   = "notification"
	EventReadReceipt    = "read_receipt"
	EventMessageEdited  = "message_edited"
	EventMessageDeleted = "message_deleted"
	EventError          = "error"
)

// notificationSnippetRunes is how much of a body a notification carries.
const notificationSnippetRunes = 50

// Event is a fully encoded outbound frame. Data is the JSON text written to
// the socket and must not be modified by recipients.
type Event struct {
	Type string
	Data []byte
}

// AttachmentPayload describes an attachment on the wire.
type AttachmentPayload struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Size   int64  `json:"size"`
	Handle string `json:"handle"`
	URL    string `json:"url,omitempty"`
}

// ReactionPayload is one emoji's aggregate on the wire.
type ReactionPayload struct {
	Emoji string   `json:"emoji"`
	Users []string `json:"users"`
	Count int      `json:"count"`
}

// ChatMessagePayload is a posted or replayed message.
type ChatMessagePayload struct {
	Type           string             `json:"type"`
	MessageID      int64              `json:"message_id"`
	Kind           store.MessageKind  `json:"kind"`
	Body           string             `json:"body"`
	User           string             `json:"user"`
	UserID         string             `json:"user_id"`
	Timestamp      string             `json:"timestamp"`
	Attachment     *AttachmentPayload `json:"attachment"`
	ReplyTo        *int64             `json:"reply_to"`
	ReplyToSender  string             `json:"reply_to_sender,omitempty"`
	ReplyToContent string             `json:"reply_to_content,omitempty"`
	Reactions      []ReactionPayload  `json:"reactions"`
	Edited         bool               `json:"edited"`
	Replayed       bool               `json:"replayed,omitempty"`
}

type reactionEvent struct {
	Type      string            `json:"type"`
	MessageID int64             `json:"message_id"`
	Reactions []ReactionPayload `json:"reactions"`
}

type userStatusEvent struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	IsOnline bool   `json:"is_online"`
}

// NotificationPayload is delivered to participants who are not in the room.
type NotificationPayload struct {
	Type              string `json:"type"`
	Sender            string `json:"sender"`
	Message           string `json:"message"`
	ConversationID    string `json:"conversation_id"`
	ConversationTitle string `json:"conversation_title"`
}

type readReceiptEvent struct {
	Type      string `json:"type"`
	MessageID int64  `json:"message_id"`
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
}

type messageEditedEvent struct {
	Type      string `json:"type"`
	MessageID int64  `json:"message_id"`
	Content   string `json:"content"`
	EditedBy  string `json:"edited_by"`
}

type messageDeletedEvent struct {
	Type      string `json:"type"`
	MessageID int64  `json:"message_id"`
	DeletedBy string `json:"deleted_by"`
}

type errorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func encodeEvent(typ string, v any) Event {
	data, err := json.Marshal(v)
	if err != nil {
		// Payloads are plain structs of strings and numbers.
		panic(fmt.Sprintf("room: encoding %s event: %v", typ, err))
	}
	return Event{Type: typ, Data: data}
}

// chatMessageEvent renders a stored message. Deleted messages are never
// rendered, so the body is always safe to expose here.
func chatMessageEvent(m *store.Message, reactions []store.ReactionSummary, urlPrefix string, replayed bool) Event {
	p := ChatMessagePayload{
		Type:      EventChatMessage,
		MessageID: m.ID,
		Kind:      m.Kind,
		Body:      m.Body,
		User:      m.SenderUsername,
		UserID:    m.SenderID,
		Timestamp: m.CreatedAt.UTC().Format(time.RFC3339Nano),
		Reactions: reactionPayloads(reactions),
		Edited:    m.Edited,
		Replayed:  replayed,
	}
	if m.ReplyTo != nil {
		id := m.ReplyTo.MessageID
		p.ReplyTo = &id
		p.ReplyToSender = m.ReplyTo.Sender
		p.ReplyToContent = m.ReplyTo.Snippet
	}
	if a := m.Attachment; a != nil {
		p.Attachment = &AttachmentPayload{
			Name:   a.FileName,
			Type:   a.MimeType,
			Size:   a.Size,
			Handle: a.Handle,
		}
		if urlPrefix != "" && a.Handle != "" {
			p.Attachment.URL = strings.TrimSuffix(urlPrefix, "/") + "/" + a.Handle
		}
	}
	return encodeEvent(EventChatMessage, p)
}

func reactionPayloads(in []store.ReactionSummary) []ReactionPayload {
	out := make([]ReactionPayload, 0, len(in))
	for _, r := range in {
		out = append(out, ReactionPayload{Emoji: r.Emoji, Users: r.Users, Count: r.Count})
	}
	return out
}

func reactionUpdateEvent(messageID int64, reactions []store.ReactionSummary) Event {
	return encodeEvent(EventReaction, reactionEvent{
		Type:      EventReaction,
		MessageID: messageID,
		Reactions: reactionPayloads(reactions),
	})
}

func userStatus(userID, username string, online bool) Event {
	return encodeEvent(EventUserStatus, userStatusEvent{
		Type:     EventUserStatus,
		UserID:   userID,
		Username: username,
		IsOnline: online,
	})
}

func notification(conv *store.Conversation, sender *store.User, body string) Event {
	title := conv.Title
	if title == "" {
		title = "Chat with " + sender.DisplayName
	}
	snippet := body
	if r := []rune(body); len(r) > notificationSnippetRunes {
		snippet = string(r[:notificationSnippetRunes]) + "..."
	}
	return encodeEvent(EventNotification, NotificationPayload{
		Type:              EventNotification,
		Sender:            sender.Username,
		Message:           snippet,
		ConversationID:    conv.ID,
		ConversationTitle: title,
	})
}

func readReceipt(messageID int64, userID, username string) Event {
	return encodeEvent(EventReadReceipt, readReceiptEvent{
		Type:      EventReadReceipt,
		MessageID: messageID,
		UserID:    userID,
		Username:  username,
	})
}

func messageEdited(messageID int64, content, editedBy string) Event {
	return encodeEvent(EventMessageEdited, messageEditedEvent{
		Type:      EventMessageEdited,
		MessageID: messageID,
		Content:   content,
		EditedBy:  editedBy,
	})
}

func messageDeleted(messageID int64, deletedBy string) Event {
	return encodeEvent(EventMessageDeleted, messageDeletedEvent{
		Type:      EventMessageDeleted,
		MessageID: messageID,
		DeletedBy: deletedBy,
	})
}

// ErrorEvent builds the error frame sent to the originating session.
func ErrorEvent(message string) Event {
	return encodeEvent(EventError, errorEvent{Type: EventError, Message: message})
}
