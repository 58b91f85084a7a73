// Package link manages the live connection to the paired host: one socket,
// direct or through the relay, with authentication, keepalive and
// reconnection.
package link

import "time"

// State is the connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
	StateExpired
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// ModeKind names a transport variant.
type ModeKind string

const (
	ModeDirect ModeKind = "direct"
	ModeRelay  ModeKind = "relay"
)

// Status is a snapshot of a connection.
type Status struct {
	Mode     ModeKind
	State    State
	Err      error
	Failures int

	// Terminal is set when no automatic attempt will follow; Connect must
	// be called again.
	Terminal bool

	// RetryPending is set while a reconnect timer is armed.
	RetryPending bool

	ConnectedSince time.Time
}
