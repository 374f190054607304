// ABOUTME: Inbound frame decoding through a dispatch table keyed by the type field
// ABOUTME: Each decoder yields a typed room command; unknown types are treated as messages

package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/2389/coven-rooms/internal/room"
)

// Inbound frame types. The aliases match the command names clients of the
// older protocol used.
const (
	FrameMessage       = "message"
	FrameReaction      = "reaction"
	FrameReadReceipt   = "read_receipt"
	FrameEditMessage   = "edit_message"
	FrameDeleteMessage = "delete_message"
)

type decoder func(data []byte) (room.Command, error)

var decoders = map[string]decoder{
	FrameMessage:       decodeMessage,
	"send_message":     decodeMessage,
	FrameReaction:      decodeReaction,
	"react":            decodeReaction,
	FrameReadReceipt:   decodeReadReceipt,
	"mark_read":        decodeReadReceipt,
	FrameEditMessage:   decodeEdit,
	FrameDeleteMessage: decodeDelete,
}

// decodeFrame parses one inbound frame. Errors are protocol errors; the
// returned command has not been validated.
func decodeFrame(data []byte) (room.Command, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, room.Protocol(err)
	}
	dec, ok := decoders[head.Type]
	if !ok {
		dec = decodeMessage
	}
	cmd, err := dec(data)
	if err != nil {
		return nil, room.Protocol(err)
	}
	return cmd, nil
}

// messageID accepts a message ID sent either as a JSON number or as a
// numeric string.
type messageID int64

func (id *messageID) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("message id %q: %w", s, err)
		}
		*id = messageID(n)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("message id: %w", err)
	}
	*id = messageID(n)
	return nil
}

type attachmentFrame struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Size   int64  `json:"size"`
	Handle string `json:"handle"`
}

type messageFrame struct {
	Message    string           `json:"message"`
	Body       *string          `json:"body"`
	Attachment *attachmentFrame `json:"attachment"`
	ReplyTo    *messageID       `json:"reply_to"`
	ClientID   string           `json:"client_id"`
}

func decodeMessage(data []byte) (room.Command, error) {
	var f messageFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	cmd := &room.SendMessage{Body: f.Message, ClientID: f.ClientID}
	if f.Body != nil {
		cmd.Body = *f.Body
	}
	if f.ReplyTo != nil && *f.ReplyTo != 0 {
		id := int64(*f.ReplyTo)
		cmd.ReplyTo = &id
	}
	if a := f.Attachment; a != nil {
		cmd.Attachment = &room.AttachmentRef{Name: a.Name, Type: a.Type, Size: a.Size, Handle: a.Handle}
	}
	return cmd, nil
}

func decodeReaction(data []byte) (room.Command, error) {
	var f struct {
		MessageID messageID `json:"message_id"`
		Emoji     string    `json:"emoji"`
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &room.ToggleReaction{MessageID: int64(f.MessageID), Emoji: f.Emoji}, nil
}

func decodeReadReceipt(data []byte) (room.Command, error) {
	var f struct {
		MessageID messageID `json:"message_id"`
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &room.MarkRead{MessageID: int64(f.MessageID)}, nil
}

func decodeEdit(data []byte) (room.Command, error) {
	var f struct {
		MessageID messageID `json:"message_id"`
		Content   string    `json:"content"`
		Body      string    `json:"body"`
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	content := f.Content
	if content == "" {
		content = f.Body
	}
	return &room.EditMessage{MessageID: int64(f.MessageID), Content: content}, nil
}

func decodeDelete(data []byte) (room.Command, error) {
	var f struct {
		MessageID messageID `json:"message_id"`
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &room.DeleteMessage{MessageID: int64(f.MessageID)}, nil
}
