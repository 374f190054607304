// ABOUTME: Room is the serialized per-conversation core: membership, posting and fan-out
// ABOUTME: One mutex orders every mutation and its broadcast so all members see the same sequence

package room

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/coven-rooms/internal/authz"
	"github.com/2389/coven-rooms/internal/backplane"
	"github.com/2389/coven-rooms/internal/dedupe"
	"github.com/2389/coven-rooms/internal/metrics"
	"github.com/2389/coven-rooms/internal/presence"
	"github.com/2389/coven-rooms/internal/store"
)

// Member is an attached session as seen by its room.
type Member interface {
	// ID is unique per connection.
	ID() string
	UserID() string
	Username() string
	// Enqueue hands ev to the member's writer. With wait == 0 it never
	// blocks; otherwise it waits up to wait for buffer space. It reports
	// false if the event was not accepted.
	Enqueue(ev Event, wait time.Duration) bool
	// Close shuts the connection down. It must be safe to call repeatedly
	// and must not call back into the room.
	Close()
}

// Store is what rooms need from persistence.
type Store interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	GetUser(ctx context.Context, id string) (*store.User, error)
	ListParticipants(ctx context.Context, conversationID string) ([]*store.Participant, error)
	CreateMessage(ctx context.Context, nm *store.NewMessage) (*store.Message, error)
	GetMessage(ctx context.Context, id int64) (*store.Message, error)
	EditMessage(ctx context.Context, actorID string, id int64, body string) (*store.Message, error)
	SoftDeleteMessage(ctx context.Context, actorID string, id int64) (*store.Message, error)
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]*store.Message, error)
	PendingMessages(ctx context.Context, conversationID, userID string) ([]*store.Message, error)
	AdvanceStatus(ctx context.Context, state store.DeliveryState, keys ...store.StatusKey) (int, error)
	ToggleReaction(ctx context.Context, messageID int64, userID, emoji string) (bool, error)
	Reactions(ctx context.Context, messageID int64) ([]store.ReactionSummary, error)
	ReactionSummaries(ctx context.Context, messageIDs []int64) (map[int64][]store.ReactionSummary, error)
}

// Options tunes room behaviour.
type Options struct {
	HistoryLimit        int
	ReplayWait          time.Duration
	AttachmentURLPrefix string
}

// deps is shared by every room of a registry.
type deps struct {
	store     Store
	authz     authz.Authorizer
	presence  *presence.Tracker
	backplane backplane.Publisher
	dedupe    *dedupe.Cache[string]
	metrics   *metrics.Metrics
	opts      Options
	logger    *slog.Logger
}

// Room serializes all operations on one conversation.
type Room struct {
	id   string
	conv *store.Conversation
	*deps
	logger *slog.Logger

	mu      sync.Mutex
	members map[string]Member // by connection ID
	kicked  map[string]bool   // closed for a full buffer, awaiting Detach
	refs    int               // guarded by the registry lock
}

func newRoom(conv *store.Conversation, d *deps) *Room {
	return &Room{
		id:      conv.ID,
		conv:    conv,
		deps:    d,
		logger:  d.logger.With("room", conv.ID),
		members: make(map[string]Member),
		kicked:  make(map[string]bool),
	}
}

// ID returns the conversation ID.
func (r *Room) ID() string { return r.id }

// Len returns the number of attached members.
func (r *Room) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Attach registers m, announces presence, then replays history and backlog
// to m. A member that fails the view check is not registered.
func (r *Room) Attach(ctx context.Context, m Member) error {
	ctx = context.WithoutCancel(ctx)

	ok, err := r.authz.CanView(ctx, m.UserID(), r.id)
	if err != nil {
		return persistence("Failed to join conversation. Please try again.", err)
	}
	if !ok {
		return unauthorized("You do not have access to this conversation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.members[m.ID()] = m
	if r.presence.Attach(r.id, m.UserID()) {
		r.announceLocked(ctx, m, true)
	}

	r.logger.Info("member attached",
		"member_id", m.ID(),
		"user_id", m.UserID(),
		"members", len(r.members))

	if err := r.replayLocked(ctx, m); err != nil {
		r.logger.Warn("replay failed", "member_id", m.ID(), "error", err)
	}
	return nil
}

// Detach removes m and announces the identity offline when its last
// session in this room leaves. Detaching an unknown member is a no-op.
func (r *Room) Detach(ctx context.Context, m Member) {
	ctx = context.WithoutCancel(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[m.ID()]; !ok {
		return
	}
	delete(r.members, m.ID())
	delete(r.kicked, m.ID())

	if r.presence.Detach(r.id, m.UserID()) {
		r.announceLocked(ctx, m, false)
	}

	r.logger.Info("member detached",
		"member_id", m.ID(),
		"user_id", m.UserID(),
		"members", len(r.members))
}

// announceLocked sends a user_status event to every member except m and
// publishes it on the backplane for participants with no session here.
func (r *Room) announceLocked(ctx context.Context, m Member, online bool) {
	ev := userStatus(m.UserID(), m.Username(), online)
	r.broadcastLocked(ev, m.ID())

	participants, err := r.store.ListParticipants(ctx, r.id)
	if err != nil {
		r.logger.Error("listing participants for presence failed", "error", err)
		return
	}
	for _, p := range participants {
		if p.ID == m.UserID() || r.attachedLocked(p.ID) {
			continue
		}
		err := r.backplane.Publish(ctx, r.id, backplane.Message{
			Kind:      ev.Type,
			Recipient: p.ID,
			Payload:   ev.Data,
		})
		if err != nil {
			r.logger.Warn("publishing presence failed", "recipient", p.ID, "error", err)
		}
	}
}

// broadcastLocked enqueues ev on every member except exclude without
// blocking. It returns the user IDs of members that accepted the event.
// Members that cannot keep up are closed; their session detaches them.
func (r *Room) broadcastLocked(ev Event, exclude string) map[string]bool {
	delivered := make(map[string]bool, len(r.members))
	sent := 0
	for id, m := range r.members {
		if id == exclude || r.kicked[id] {
			continue
		}
		if m.Enqueue(ev, 0) {
			delivered[m.UserID()] = true
			sent++
			continue
		}
		r.kicked[id] = true
		r.metrics.MemberKicked()
		r.logger.Warn("closing slow member", "member_id", id, "user_id", m.UserID(), "event", ev.Type)
		m.Close()
	}
	r.metrics.EventSent(ev.Type, sent)
	return delivered
}

// attachedLocked reports whether any member belongs to userID.
func (r *Room) attachedLocked(userID string) bool {
	for id, m := range r.members {
		if m.UserID() == userID && !r.kicked[id] {
			return true
		}
	}
	return false
}

// Execute validates cmd and runs it on behalf of m. The returned error, if
// any, is always an *Error and has already been logged.
func (r *Room) Execute(ctx context.Context, m Member, cmd Command) *Error {
	var err error
	if err = cmd.Validate(); err == nil {
		switch c := cmd.(type) {
		case *SendMessage:
			err = r.PostMessage(ctx, m, c)
		case *EditMessage:
			err = r.EditMessage(ctx, m, c)
		case *DeleteMessage:
			err = r.DeleteMessage(ctx, m, c)
		case *ToggleReaction:
			err = r.ToggleReaction(ctx, m, c)
		case *MarkRead:
			err = r.MarkRead(ctx, m, c)
		default:
			err = Protocol(fmt.Errorf("unsupported command %T", cmd))
		}
	}
	if err == nil {
		return nil
	}

	re := AsError(err, cmd.failure())
	r.metrics.ErrorReported(string(re.Kind))
	if re.Kind == KindPersistence {
		r.logger.Error("operation failed", "user_id", m.UserID(), "command", fmt.Sprintf("%T", cmd), "error", re.Err)
	} else {
		r.logger.Debug("operation rejected", "user_id", m.UserID(), "kind", re.Kind, "message", re.Message)
	}
	return re
}

// PostMessage persists and broadcasts a new message from m.
func (r *Room) PostMessage(ctx context.Context, m Member, cmd *SendMessage) error {
	ctx = context.WithoutCancel(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()

	ok, err := r.authz.CanSend(ctx, m.UserID(), r.id)
	if err != nil {
		return persistence(cmd.failure(), err)
	}
	if !ok {
		return unauthorized(MsgCannotSend)
	}

	var dedupeKey string
	if cmd.ClientID != "" {
		dedupeKey = m.UserID() + "\x00" + cmd.ClientID
		if !r.dedupe.Claim(dedupeKey) {
			return Validation(MsgDuplicate)
		}
	}

	nm := &store.NewMessage{
		ConversationID: r.id,
		SenderID:       m.UserID(),
		Kind:           cmd.kind(),
		Body:           cmd.Body,
		ReplyToID:      cmd.ReplyTo,
	}
	if a := cmd.Attachment; a != nil {
		nm.Attachment = &store.Attachment{
			FileName: a.Name,
			MimeType: a.Type,
			Size:     a.Size,
			Handle:   a.Handle,
		}
	}

	msg, err := r.store.CreateMessage(ctx, nm)
	if err != nil {
		if dedupeKey != "" {
			r.dedupe.Forget(dedupeKey)
		}
		return err
	}
	r.metrics.MessagePosted()

	delivered := r.broadcastLocked(chatMessageEvent(msg, nil, r.opts.AttachmentURLPrefix, false), "")
	delete(delivered, m.UserID())

	if len(delivered) > 0 {
		keys := make([]store.StatusKey, 0, len(delivered))
		for uid := range delivered {
			keys = append(keys, store.StatusKey{MessageID: msg.ID, UserID: uid})
		}
		if _, err := r.store.AdvanceStatus(ctx, store.StatusDelivered, keys...); err != nil {
			r.logger.Error("marking delivered failed", "message_id", msg.ID, "error", err)
		}
	}

	r.notifyLocked(ctx, msg)

	r.logger.Debug("message posted", "message_id", msg.ID, "user_id", m.UserID())
	return nil
}

// notifyLocked publishes a notification for every participant who has
// notifications enabled and no session in this room.
func (r *Room) notifyLocked(ctx context.Context, msg *store.Message) {
	participants, err := r.store.ListParticipants(ctx, r.id)
	if err != nil {
		r.logger.Error("listing participants for notification failed", "error", err)
		return
	}

	var sender *store.User
	for _, p := range participants {
		if p.ID == msg.SenderID {
			sender = &p.User
			break
		}
	}
	if sender == nil {
		if sender, err = r.store.GetUser(ctx, msg.SenderID); err != nil {
			r.logger.Error("loading sender for notification failed", "error", err)
			return
		}
	}

	var ev Event
	for _, p := range participants {
		if p.ID == msg.SenderID || !p.EnableNotifications || r.attachedLocked(p.ID) {
			continue
		}
		if ev.Data == nil {
			ev = notification(r.conv, sender, msg.Body)
		}
		err := r.backplane.Publish(ctx, r.id, backplane.Message{
			Kind:      ev.Type,
			Recipient: p.ID,
			Payload:   ev.Data,
		})
		if err != nil {
			r.logger.Warn("publishing notification failed", "recipient", p.ID, "error", err)
		}
	}
}

// messageInRoom loads a message and checks it belongs to this room.
// Messages from other conversations look like missing ones.
func (r *Room) messageInRoom(ctx context.Context, id int64, allowDeleted bool) (*store.Message, error) {
	msg, err := r.store.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg.ConversationID != r.id || (msg.Deleted && !allowDeleted) {
		return nil, notFound(MsgNotFound)
	}
	return msg, nil
}

// EditMessage replaces a message body and broadcasts the new content.
func (r *Room) EditMessage(ctx context.Context, m Member, cmd *EditMessage) error {
	ctx = context.WithoutCancel(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()

	msg, err := r.messageInRoom(ctx, cmd.MessageID, false)
	if err != nil {
		return err
	}
	ok, err := r.authz.CanEdit(ctx, m.UserID(), msg)
	if err != nil {
		return persistence(cmd.failure(), err)
	}
	if !ok {
		return unauthorized(MsgCannotEdit)
	}

	if _, err := r.store.EditMessage(ctx, m.UserID(), msg.ID, cmd.Content); err != nil {
		return err
	}
	r.broadcastLocked(messageEdited(msg.ID, cmd.Content, m.Username()), "")
	return nil
}

// DeleteMessage soft-deletes a message and broadcasts the deletion.
func (r *Room) DeleteMessage(ctx context.Context, m Member, cmd *DeleteMessage) error {
	ctx = context.WithoutCancel(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()

	msg, err := r.messageInRoom(ctx, cmd.MessageID, false)
	if err != nil {
		return err
	}
	ok, err := r.authz.CanDelete(ctx, m.UserID(), msg)
	if err != nil {
		return persistence(cmd.failure(), err)
	}
	if !ok {
		return unauthorized(MsgCannotDelete)
	}

	if _, err := r.store.SoftDeleteMessage(ctx, m.UserID(), msg.ID); err != nil {
		return err
	}
	r.broadcastLocked(messageDeleted(msg.ID, m.Username()), "")
	return nil
}

// ToggleReaction flips the caller's emoji on a message and broadcasts the
// recomputed summary.
func (r *Room) ToggleReaction(ctx context.Context, m Member, cmd *ToggleReaction) error {
	ctx = context.WithoutCancel(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()

	msg, err := r.messageInRoom(ctx, cmd.MessageID, false)
	if err != nil {
		return err
	}
	ok, err := r.authz.CanView(ctx, m.UserID(), r.id)
	if err != nil {
		return persistence(cmd.failure(), err)
	}
	if !ok {
		return unauthorized(MsgNoAccess)
	}

	if _, err := r.store.ToggleReaction(ctx, msg.ID, m.UserID(), cmd.Emoji); err != nil {
		return err
	}
	summary, err := r.store.Reactions(ctx, msg.ID)
	if err != nil {
		return err
	}
	r.broadcastLocked(reactionUpdateEvent(msg.ID, summary), "")
	return nil
}

// MarkRead advances the caller's delivery row to read. A read receipt is
// broadcast only when the row actually moved.
func (r *Room) MarkRead(ctx context.Context, m Member, cmd *MarkRead) error {
	ctx = context.WithoutCancel(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()

	msg, err := r.messageInRoom(ctx, cmd.MessageID, true)
	if err != nil {
		return err
	}
	n, err := r.store.AdvanceStatus(ctx, store.StatusRead, store.StatusKey{MessageID: msg.ID, UserID: m.UserID()})
	if err != nil {
		return err
	}
	if n > 0 {
		r.broadcastLocked(readReceipt(msg.ID, m.UserID(), m.Username()), "")
	}
	return nil
}

// memberIDs returns the attached connection IDs, sorted. Used by tests and
// diagnostics.
func (r *Room) memberIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
