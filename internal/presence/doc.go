// Package presence tracks which identities are connected to this process.
//
// A Tracker keeps, per identity, the number of attached sessions across all
// rooms and, per room, the set of attached identities. Attach and Detach
// report edge transitions only: an identity going from zero sessions to one
// is online, from one to zero is offline. Steady-state changes (a second tab,
// a second room) report nothing.
//
// State lives in process memory and starts empty; nothing is persisted.
package presence
