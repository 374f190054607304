// Package room is the real-time core of coven-rooms.
//
// A Room owns the live state of one conversation: the attached sessions
// (Members) and the order in which things happen. Every operation takes the
// room's mutex, talks to the store, decides what to broadcast, and enqueues
// the resulting Event on each member's buffered writer before releasing the
// lock. All members therefore observe one total order per conversation,
// while different conversations never contend.
//
// # Joining
//
// Registry.Join creates the room on first use and attaches the member:
//
//  1. the view capability is re-checked
//  2. presence goes on; a user_status event reaches the other members and
//     is published on the backplane for absent participants
//  3. the recent history window and the member's undelivered backlog are
//     merged by message ID and replayed, oldest first
//  4. backlog delivery rows advance to delivered
//
// Registry.Leave detaches and, on the identity's last session, announces
// it offline. The room is dropped when its last member leaves.
//
// # Commands
//
// Sessions decode frames into Command values (SendMessage, EditMessage,
// DeleteMessage, ToggleReaction, MarkRead) and call Room.Execute. Execute
// validates, runs the command and returns an *Error whose Message is what
// the client sees. Operations ignore the caller's cancellation: once a
// command is accepted its effects complete even if the session goes away.
//
// # Slow members
//
// Broadcasts never block. A member whose buffer is full is closed and
// skipped until its session detaches it; on reconnect it receives the
// messages it missed as backlog.
package room
