// ABOUTME: Error kinds for rejected room operations
// ABOUTME: Every rejection carries the client-facing message sent in the error event

package room

import (
	"errors"
	"fmt"

	"github.com/2389/coven-rooms/internal/store"
)

// Kind classifies a rejected operation.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindNotFound      Kind = "not_found"
	KindPersistence   Kind = "persistence"
	KindProtocol      Kind = "protocol"
)

// Client-facing messages.
const (
	MsgEmpty             = "Message cannot be empty"
	MsgTooLong           = "Message is too long (max 1000 characters)"
	MsgInvalidFormat     = "Invalid message format"
	MsgReactionRequired  = "Message ID and emoji are required"
	MsgInvalidEmoji      = "Invalid emoji"
	MsgIDRequired        = "Message ID is required"
	MsgEditRequired      = "Message ID and content are required"
	MsgNotFound          = "Message not found"
	MsgNoAccess          = "You do not have access to this message"
	MsgCannotSend        = "You do not have permission to send messages in this conversation"
	MsgCannotEdit        = "You do not have permission to edit this message"
	MsgCannotDelete      = "You do not have permission to delete this message"
	MsgDuplicate         = "Message was already sent"
	MsgSelfReply         = "A message cannot reply to itself"
	MsgInvalidAttachment = "Attachment name and handle are required"
	MsgRateLimited       = "You are sending messages too quickly"
)

// Error is a rejected room operation. Message is safe to show to the client;
// Err is the underlying cause and is only logged.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Validation creates a validation error.
func Validation(msg string) *Error { return &Error{Kind: KindValidation, Message: msg} }

// Protocol creates a protocol error wrapping the decode failure.
func Protocol(err error) *Error {
	return &Error{Kind: KindProtocol, Message: MsgInvalidFormat, Err: err}
}

func unauthorized(msg string) *Error { return &Error{Kind: KindAuthorization, Message: msg} }

func notFound(msg string) *Error { return &Error{Kind: KindNotFound, Message: msg} }

// persistence wraps an unexpected failure. failMsg is the generic retry text
// for the operation.
func persistence(failMsg string, err error) *Error {
	return &Error{Kind: KindPersistence, Message: failMsg, Err: err}
}

// AsError converts any error into an *Error, classifying store sentinels.
// failMsg is used for errors that do not map onto a known kind.
func AsError(err error, failMsg string) *Error {
	var re *Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &re):
		return re
	case errors.Is(err, store.ErrNotFound):
		return &Error{Kind: KindNotFound, Message: MsgNotFound, Err: err}
	case errors.Is(err, store.ErrSelfReply):
		return &Error{Kind: KindValidation, Message: MsgSelfReply, Err: err}
	case errors.Is(err, store.ErrInvalidMessage):
		return &Error{Kind: KindValidation, Message: MsgEmpty, Err: err}
	case errors.Is(err, store.ErrDuplicate):
		return &Error{Kind: KindValidation, Message: MsgDuplicate, Err: err}
	case errors.Is(err, store.ErrInvalidConversation):
		return &Error{Kind: KindValidation, Message: failMsg, Err: err}
	}
	return persistence(failMsg, err)
}
