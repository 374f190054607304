// Package backplane carries room events to participants that are not
// attached to a room in this process.
//
// Rooms publish presence transitions and best-effort notifications through a
// Backplane. Delivery is at-most-once: a full subscriber buffer drops the
// frame and nothing is retried. Frames are CBOR-encoded Envelopes so the
// in-process Local implementation and a networked one share one wire format.
//
// Topics:
//
//   - RoomTopic(id): every frame published for a room
//   - UserTopic(id): frames addressed to one identity (Envelope.Recipient)
//
// Sessions subscribe to their identity's UserTopic to receive notifications
// for conversations they are not currently attached to.
package backplane
