// Package dedupe rejects retransmitted client frames.
//
// Clients may attach a client_id to send_message frames. When a socket drops
// after the frame left the client but before the echo arrived, the client
// resends with the same client_id; the Cache remembers (sender, client_id)
// keys for a TTL window so the room can refuse the duplicate instead of
// persisting the message twice.
package dedupe
