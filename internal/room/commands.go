// ABOUTME: Typed commands a session submits to its room
// ABOUTME: Validate runs before the room sees a command; it never touches storage

package room

import (
	"strings"
	"unicode/utf8"

	"github.com/2389/coven-rooms/internal/store"
)

// maxEmojiRunes bounds a reaction's emoji in code points.
const maxEmojiRunes = 10

// Command is one inbound operation.
type Command interface {
	Validate() error
	// failure is the generic message reported when the command fails for
	// reasons the client cannot fix.
	failure() string
}

// AttachmentRef is attachment metadata supplied with a message. Handle must
// come from an earlier upload.
type AttachmentRef struct {
	Name   string
	Type   string
	Size   int64
	Handle string
}

// SendMessage posts a new message. ClientID, when set, makes retransmits of
// the same frame idempotent.
type SendMessage struct {
	Body       string
	ReplyTo    *int64
	Attachment *AttachmentRef
	ClientID   string
}

func (c *SendMessage) Validate() error {
	c.Body = strings.TrimSpace(c.Body)
	if c.Attachment != nil {
		if c.Attachment.Name == "" || c.Attachment.Handle == "" || c.Attachment.Size < 0 {
			return Validation(MsgInvalidAttachment)
		}
	} else if c.Body == "" {
		return Validation(MsgEmpty)
	}
	if utf8.RuneCountInString(c.Body) > store.MaxBodyRunes {
		return Validation(MsgTooLong)
	}
	if c.ReplyTo != nil && *c.ReplyTo <= 0 {
		return notFound(MsgNotFound)
	}
	return nil
}

func (c *SendMessage) failure() string { return "Failed to send message. Please try again." }

// kind derives the structured message kind from the attachment.
func (c *SendMessage) kind() store.MessageKind {
	switch {
	case c.Attachment == nil:
		return store.MessageText
	case strings.HasPrefix(c.Attachment.Type, "image/"):
		return store.MessageImage
	default:
		return store.MessageFile
	}
}

// ToggleReaction adds or removes the caller's emoji on a message.
type ToggleReaction struct {
	MessageID int64
	Emoji     string
}

func (c *ToggleReaction) Validate() error {
	if c.MessageID <= 0 || c.Emoji == "" {
		return Validation(MsgReactionRequired)
	}
	if utf8.RuneCountInString(c.Emoji) > maxEmojiRunes {
		return Validation(MsgInvalidEmoji)
	}
	return nil
}

func (c *ToggleReaction) failure() string { return "Failed to process reaction. Please try again." }

// MarkRead records that the caller has read a message.
type MarkRead struct {
	MessageID int64
}

func (c *MarkRead) Validate() error {
	if c.MessageID <= 0 {
		return Validation(MsgIDRequired)
	}
	return nil
}

func (c *MarkRead) failure() string { return "Failed to process read receipt. Please try again." }

// EditMessage replaces a message body.
type EditMessage struct {
	MessageID int64
	Content   string
}

func (c *EditMessage) Validate() error {
	c.Content = strings.TrimSpace(c.Content)
	if c.MessageID <= 0 || c.Content == "" {
		return Validation(MsgEditRequired)
	}
	if utf8.RuneCountInString(c.Content) > store.MaxBodyRunes {
		return Validation(MsgTooLong)
	}
	return nil
}

func (c *EditMessage) failure() string { return "Failed to edit message. Please try again." }

// DeleteMessage soft-deletes a message.
type DeleteMessage struct {
	MessageID int64
}

func (c *DeleteMessage) Validate() error {
	if c.MessageID <= 0 {
		return Validation(MsgIDRequired)
	}
	return nil
}

func (c *DeleteMessage) failure() string { return "Failed to delete message. Please try again." }
