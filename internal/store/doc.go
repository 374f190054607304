// Package store provides persistent storage for coven-rooms using SQLite.
//
// # Data Models
//
//   - User: chat identity with notification preference and superuser flag
//   - Conversation: private (exactly two members) or group (one or more members with roles)
//   - Message: body or attachment, one-level reply reference, edited/deleted flags
//   - Attachment: metadata and storage handle, at most one per message
//   - DeliveryStatus: per (message, recipient) state, sent < delivered < read
//   - ReactionSummary: emoji with the ordered usernames that reacted
//   - AuditEntry: moderation and permission history
//
// # Transactions
//
// Every write that touches more than one row runs in a single transaction,
// so a message is never visible without its delivery rows and an edit is
// never visible without its audit entry. The DSN takes the write lock at
// BEGIN (_txlock=immediate) and waits on busy_timeout under contention.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist (or is soft-deleted, for mutations)
//   - ErrDuplicate: unique constraint would be violated
//   - ErrInvalidConversation: membership rules for the conversation kind are broken
//   - ErrInvalidMessage: empty or oversized message
//   - ErrSelfReply: a message would reply to itself
//
// # Testing
//
// Use NewSQLiteStore(":memory:") or a path under t.TempDir().
package store
