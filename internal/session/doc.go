// Package session terminates client WebSocket connections.
//
// Handler serves GET /ws/chat/{conversation}/. Before upgrading it checks,
// in order: a valid token for an existing user (401), an existing
// conversation (404) and the view capability (403). A refused handshake
// never reaches a room.
//
// After the upgrade a Session starts its writer, joins the room (presence,
// history, backlog) and only then begins reading. Frames are JSON objects
// dispatched on their "type" field; a frame without a known type is a
// chat message. Decoding failures, validation failures and rejected
// operations each produce one error event and leave the connection open.
//
// The writer is the only goroutine that writes to the socket. Events reach
// it through a bounded buffer; pings keep the read deadline moving, and a
// peer that stops answering times out. Frames the backplane addresses to
// the session's identity (notifications and presence from other rooms)
// are forwarded best effort.
package session
