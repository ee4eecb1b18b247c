package session

import (
	"time"

	"github.com/sweeney/sessiond/internal/connstate"
)

// EventType names a session lifecycle notification.
type EventType string

const (
	EventCreated       EventType = "created"
	EventStateChanged  EventType = "state_changed"
	EventAuthenticated EventType = "authenticated"
	EventReconnecting  EventType = "reconnecting"
	EventLoggedOut     EventType = "logged_out"
	EventDestroyed     EventType = "destroyed"
)

// Event is emitted to the Notifier. From/To are set for state changes.
type Event struct {
	Type       EventType
	Identity   string
	Time       time.Time
	From       connstate.State
	To         connstate.State
	Forced     bool
	StatusCode int
	Attempts   int
	Reason     string
}

// Notifier receives session events. Implementations must not block for long:
// events are delivered on the goroutine that produced them.
type Notifier interface {
	SessionEvent(e Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Event)

func (f NotifierFunc) SessionEvent(e Event) { f(e) }

func stateEvent(identity string, tr connstate.Transition) Event {
	return Event{
		Type:     EventStateChanged,
		Identity: identity,
		Time:     tr.At,
		From:     tr.From,
		To:       tr.To,
		Forced:   tr.Forced,
	}
}
