// ABOUTME: Capability checks for viewing, sending, editing and deleting in a conversation
// ABOUTME: StoreOracle derives answers from permission codes and membership rows

package authz

import (
	"context"
	"fmt"

	"github.com/2389/coven-rooms/internal/store"
)

// Authorizer is the capability boundary consumed by rooms and sessions.
// Each check is re-evaluated on every call; grants can change mid-session.
type Authorizer interface {
	CanView(ctx context.Context, userID, conversationID string) (bool, error)
	CanSend(ctx context.Context, userID, conversationID string) (bool, error)
	CanEdit(ctx context.Context, userID string, msg *store.Message) (bool, error)
	CanDelete(ctx context.Context, userID string, msg *store.Message) (bool, error)
}

// PermissionStore is the subset of the store StoreOracle reads.
type PermissionStore interface {
	HasPermission(ctx context.Context, userID, code string) (bool, error)
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
}

// StoreOracle implements Authorizer on top of the store.
type StoreOracle struct {
	store PermissionStore
}

// NewStoreOracle creates an oracle backed by s.
func NewStoreOracle(s PermissionStore) *StoreOracle {
	return &StoreOracle{store: s}
}

func (o *StoreOracle) CanView(ctx context.Context, userID, conversationID string) (bool, error) {
	ok, err := o.store.HasPermission(ctx, userID, store.PermViewChat)
	if err != nil || !ok {
		return false, err
	}
	ok, err = o.store.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return false, fmt.Errorf("checking membership: %w", err)
	}
	return ok, nil
}

func (o *StoreOracle) CanSend(ctx context.Context, userID, conversationID string) (bool, error) {
	ok, err := o.store.HasPermission(ctx, userID, store.PermSendMessage)
	if err != nil || !ok {
		return false, err
	}
	return o.CanView(ctx, userID, conversationID)
}

func (o *StoreOracle) CanEdit(ctx context.Context, userID string, msg *store.Message) (bool, error) {
	return o.canModify(ctx, userID, msg, store.PermEditOwnMessage, store.PermEditAnyMessage)
}

func (o *StoreOracle) CanDelete(ctx context.Context, userID string, msg *store.Message) (bool, error) {
	return o.canModify(ctx, userID, msg, store.PermDeleteOwnMessage, store.PermDeleteAnyMessage)
}

func (o *StoreOracle) canModify(ctx context.Context, userID string, msg *store.Message, ownCode, anyCode string) (bool, error) {
	if msg.SenderID == userID {
		ok, err := o.store.HasPermission(ctx, userID, ownCode)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	ok, err := o.store.HasPermission(ctx, userID, anyCode)
	if err != nil || !ok {
		return false, err
	}
	return o.CanView(ctx, userID, msg.ConversationID)
}

var _ Authorizer = (*StoreOracle)(nil)
