// Package core holds the domain types shared between services.
package core

import (
	"errors"

	"github.com/google/uuid"
)

// DefaultRoom is where sessions land when registration names no room.
const DefaultRoom = "default"

// SessionKey identifies one session in the store. Components other than the
// store hold only keys, never session references, so a concurrently evicted
// session simply drops out of the next lookup.
type SessionKey string

func NewSessionKey() SessionKey {
	return SessionKey(uuid.NewString())
}

// Liveness of a session as judged by the heartbeat monitor.
type Liveness string

const (
	LivenessActive       Liveness = "active"
	LivenessStale        Liveness = "stale"
	LivenessDisconnected Liveness = "disconnected"
)

// MediaKind names an unreliable-channel endpoint slot on a session.
type MediaKind string

const (
	AudioMedia MediaKind = "audio"
	VideoMedia MediaKind = "video"
)

var (
	// ErrDuplicateName: the username is already taken in that room
	// (case-insensitive). Scoped to the room, so identical usernames may
	// coexist in different rooms.
	ErrDuplicateName = errors.New("duplicate username in room")

	// ErrNotFound: no session matches the lookup.
	ErrNotFound = errors.New("session not found")
)

// Member is an immutable snapshot of a session's public identity and its
// liveness as of the snapshot.
type Member struct {
	Key      SessionKey
	Username string
	Room     string
	IP       string
	State    Liveness
}
