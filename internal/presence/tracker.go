// ABOUTME: In-memory presence tracker counting attached sessions per identity and per room
// ABOUTME: Reports only per-room online/offline edge transitions, never steady-state changes

package presence

import "sync"

// Tracker is safe for concurrent use. Rooms call it from inside their own
// serialized section; the lock here is held only for map updates.
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]int            // identity -> attached sessions, all rooms
	rooms    map[string]map[string]int // room -> identity -> attached sessions
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		sessions: make(map[string]int),
		rooms:    make(map[string]map[string]int),
	}
}

// Attach records one more session for userID in roomID. It reports true when
// the identity went from zero sessions in roomID to one, i.e. came online
// for that conversation. A second tab in the same room is steady state;
// sessions in other rooms are counted per room.
func (t *Tracker) Attach(roomID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	members, ok := t.rooms[roomID]
	if !ok {
		members = make(map[string]int)
		t.rooms[roomID] = members
	}
	members[userID]++
	t.sessions[userID]++
	return members[userID] == 1
}

// Detach removes one session for userID from roomID. It reports true when
// that was the identity's last session in roomID, i.e. it went offline for
// that conversation. Every true from Attach is paired with exactly one true
// from Detach for the same room. Detaching a session that was never attached
// is a no-op.
func (t *Tracker) Detach(roomID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	members, ok := t.rooms[roomID]
	if !ok || members[userID] == 0 {
		return false
	}
	members[userID]--
	left := members[userID] == 0
	if left {
		delete(members, userID)
	}
	if len(members) == 0 {
		delete(t.rooms, roomID)
	}

	t.sessions[userID]--
	if t.sessions[userID] <= 0 {
		delete(t.sessions, userID)
	}
	return left
}

// Online returns how many identities are currently connected.
func (t *Tracker) Online() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}
