package session

import (
	"sync"
	"time"

	"github.com/sweeney/sessiond/internal/connstate"
	"github.com/sweeney/sessiond/internal/pairing"
	"github.com/sweeney/sessiond/internal/store"
	"github.com/sweeney/sessiond/internal/transport"
)

// Pairing is the session's record of its pairing request.
type Pairing struct {
	RequestedNumber string
	Code            string
	CodeExpiry      time.Time
	Authorized      bool
}

// Session is one identity's managed connection. The connection handle, store
// and tracker are owned by the session; mu guards everything below it.
type Session struct {
	identity string
	instance string
	conn     transport.Conn
	store    store.Store
	detach   func()

	mu                sync.Mutex
	tracker           *connstate.Tracker
	created           time.Time
	sessionStart      time.Time
	authenticatedAt   time.Time
	lastReconnect     time.Time
	reconnectAttempts int
	pairing           Pairing
	restartTimer      *time.Timer
	destroyed         bool
}

func newSession(identity, instance string, conn transport.Conn, st store.Store, now time.Time) *Session {
	return &Session{
		identity:     identity,
		instance:     instance,
		conn:         conn,
		store:        st,
		tracker:      connstate.NewTracker(connstate.StateConnecting, now),
		created:      now,
		sessionStart: now,
	}
}

// settle records a committed transition. The first commit to authenticated
// stamps authenticatedAt and returns the authenticated event. Callers hold mu.
func (s *Session) settle(tr connstate.Transition) (Event, bool) {
	if tr.To != connstate.StateAuthenticated || !s.authenticatedAt.IsZero() {
		return Event{}, false
	}
	s.authenticatedAt = tr.At
	return Event{Type: EventAuthenticated, Identity: s.identity, Time: tr.At}, true
}

// Info is a point-in-time view of a session.
type Info struct {
	Identity             string          `json:"identity"`
	Instance             string          `json:"instance"`
	State                connstate.State `json:"state"`
	PendingState         connstate.State `json:"pending_state,omitempty"`
	PendingSince         *time.Time      `json:"pending_since,omitempty"`
	ReadyState           string          `json:"ready_state"`
	Created              time.Time       `json:"created"`
	SessionStart         time.Time       `json:"session_start"`
	LastStateChange      time.Time       `json:"last_state_change"`
	AuthenticatedAt      *time.Time      `json:"authenticated_at,omitempty"`
	LastReconnect        *time.Time      `json:"last_reconnect,omitempty"`
	UptimeSeconds        int64           `json:"uptime_seconds"`
	ReconnectAttempts    int             `json:"reconnect_attempts"`
	PairingNumber        string          `json:"pairing_number,omitempty"`
	PairingCode          string          `json:"pairing_code,omitempty"`
	PairingExpiry        *time.Time      `json:"pairing_expiry,omitempty"`
	// PairingConfirmations counts consecutive linked checks of the running
	// pairing attempt.
	PairingConfirmations int             `json:"pairing_confirmations,omitempty"`
	Authorized           bool            `json:"authorized"`
	Authenticated        bool            `json:"authenticated"`
	DeviceName           string          `json:"device_name"`
}

// Stats aggregates the live sessions. Authenticated counts sessions holding
// credentials; Connected counts sessions whose state is connected or
// authenticated.
type Stats struct {
	Total         int              `json:"total"`
	Authenticated int              `json:"authenticated"`
	Connected     int              `json:"connected"`
	States        connstate.Counts `json:"states"`
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// info reads the connection outside s.mu; the handle has its own locking.
func (s *Session) info(now time.Time) Info {
	credID := s.conn.CredentialID()
	device := s.conn.DeviceName()
	ready := s.conn.ReadyState()

	s.mu.Lock()
	defer s.mu.Unlock()

	in := Info{
		Identity:          s.identity,
		Instance:          s.instance,
		State:             s.tracker.Observed(),
		ReadyState:        ready.String(),
		Created:           s.created,
		SessionStart:      s.sessionStart,
		LastStateChange:   s.tracker.LastChange(),
		AuthenticatedAt:   optTime(s.authenticatedAt),
		LastReconnect:     optTime(s.lastReconnect),
		UptimeSeconds:     int64(now.Sub(s.sessionStart) / time.Second),
		ReconnectAttempts: s.reconnectAttempts,
		PairingCode:       s.pairing.Code,
		PairingExpiry:     optTime(s.pairing.CodeExpiry),
		Authorized:        s.pairing.Authorized,
		Authenticated:     credID != "",
		DeviceName:        device,
	}
	if in.DeviceName == "" {
		in.DeviceName = "Unknown Device"
	}
	if s.pairing.RequestedNumber != "" {
		in.PairingNumber = pairing.MaskPhone(s.pairing.RequestedNumber)
	}
	if p, ok := s.tracker.Pending(); ok {
		in.PendingState = p.State
		in.PendingSince = optTime(p.Since)
	}
	return in
}

// signals gathers the poll inputs for Derive. Caller must not hold s.mu.
func (s *Session) signals() connstate.Signals {
	return connstate.Signals{
		SocketError:  s.conn.SocketErr() != nil,
		Ready:        s.conn.ReadyState(),
		CredentialID: s.conn.CredentialID(),
		RemoteUserID: s.conn.RemoteUserID(),
	}
}
