// Package connstate contains the pure state logic for a single managed connection.
// This package has NO external dependencies (no sockets, storage, or time.Sleep).
// Time is always injectable via time.Time parameters.
package connstate

import "time"

// State represents the observed state of a managed connection.
type State string

const (
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateAuthenticated State = "authenticated"
	StateDisconnected  State = "disconnected"
	StateLoggedOut     State = "logged_out"
	StateError         State = "error"
)

// States lists every state in display order.
var States = []State{
	StateConnecting,
	StateConnected,
	StateAuthenticated,
	StateDisconnected,
	StateLoggedOut,
	StateError,
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	for _, known := range States {
		if s == known {
			return true
		}
	}
	return false
}

// ReadyState mirrors the websocket readyState of the underlying socket.
type ReadyState int

const (
	ReadyUnknown    ReadyState = -1 // no socket yet
	ReadyConnecting ReadyState = 0
	ReadyOpen       ReadyState = 1
	ReadyClosing    ReadyState = 2
	ReadyClosed     ReadyState = 3
)

func (r ReadyState) String() string {
	switch r {
	case ReadyConnecting:
		return "CONNECTING"
	case ReadyOpen:
		return "OPEN"
	case ReadyClosing:
		return "CLOSING"
	case ReadyClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Pending is a candidate state awaiting confirmation.
type Pending struct {
	State State
	// Time when the candidate was first proposed
	Since time.Time
}

// Transition is a committed state change.
type Transition struct {
	From   State
	To     State
	At     time.Time
	Forced bool // committed without a stability window
}

// Signals is one raw sample of connection health.
type Signals struct {
	SocketError      bool
	Ready            ReadyState
	CredentialID     string // stored identity of the paired device
	RemoteUserID     string // user id reported by the remote end
	WasAuthenticated bool   // the session has been authenticated before
}

// Counts tracks the number of sessions in each state.
type Counts map[State]int
