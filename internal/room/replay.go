// ABOUTME: History and backlog replay for a member joining a room
// ABOUTME: Recent history and undelivered messages are merged by ID and sent oldest first

package room

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/2389/coven-rooms/internal/store"
)

// errReplayStalled means the member did not drain its buffer in time.
var errReplayStalled = errors.New("member stalled during replay")

// replayLocked sends m the recent history of the room followed by any
// message still pending for m's identity, then marks the pending rows
// delivered. Deleted messages are never replayed.
func (r *Room) replayLocked(ctx context.Context, m Member) error {
	history, err := r.store.RecentMessages(ctx, r.id, r.opts.HistoryLimit)
	if err != nil {
		return fmt.Errorf("loading history: %w", err)
	}
	pending, err := r.store.PendingMessages(ctx, r.id, m.UserID())
	if err != nil {
		return fmt.Errorf("loading backlog: %w", err)
	}

	msgs := mergeReplay(history, pending)
	ids := make([]int64, len(msgs))
	for i, msg := range msgs {
		ids[i] = msg.ID
	}
	reactions, err := r.store.ReactionSummaries(ctx, ids)
	if err != nil {
		return fmt.Errorf("loading reactions: %w", err)
	}

	for _, msg := range msgs {
		ev := chatMessageEvent(msg, reactions[msg.ID], r.opts.AttachmentURLPrefix, true)
		if !m.Enqueue(ev, r.opts.ReplayWait) {
			r.kicked[m.ID()] = true
			r.metrics.MemberKicked()
			m.Close()
			return errReplayStalled
		}
	}
	r.metrics.Replayed(len(msgs))
	r.metrics.EventSent(EventChatMessage, len(msgs))

	if len(pending) == 0 {
		return nil
	}
	keys := make([]store.StatusKey, len(pending))
	for i, msg := range pending {
		keys[i] = store.StatusKey{MessageID: msg.ID, UserID: m.UserID()}
	}
	if _, err := r.store.AdvanceStatus(ctx, store.StatusDelivered, keys...); err != nil {
		return fmt.Errorf("marking backlog delivered: %w", err)
	}

	r.logger.Debug("replayed",
		"member_id", m.ID(),
		"history", len(history),
		"pending", len(pending),
		"sent", len(msgs))
	return nil
}

// mergeReplay returns history plus the non-deleted pending messages that
// history does not already contain, ordered by ID.
func mergeReplay(history, pending []*store.Message) []*store.Message {
	seen := make(map[int64]bool, len(history))
	out := make([]*store.Message, 0, len(history)+len(pending))
	for _, msg := range history {
		if msg.Deleted || seen[msg.ID] {
			continue
		}
		seen[msg.ID] = true
		out = append(out, msg)
	}
	for _, msg := range pending {
		if msg.Deleted || seen[msg.ID] {
			continue
		}
		seen[msg.ID] = true
		out = append(out, msg)
	}
	slices.SortFunc(out, func(a, b *store.Message) int { return cmp.Compare(a.ID, b.ID) })
	return out
}
