package mqtt

import (
	"sync"

	"github.com/sweeney/sessiond/internal/pairing"
	"github.com/sweeney/sessiond/internal/session"
)

// FakePublisher records published events for test assertions. Safe for
// concurrent use; read the recordings through the accessor methods.
type FakePublisher struct {
	// PublishError, if set, is returned by PublishSession and PublishPairing.
	PublishError error

	// PublishSystemError, if set, will be returned by PublishSystem.
	PublishSystemError error

	// Connected controls the return value of IsConnected.
	Connected bool

	mu             sync.Mutex
	sessions       []session.Event
	prompts        []pairing.Prompt
	systemEvents   []SystemEvent
	systemPayloads [][]byte
	closed         bool
}

// NewFakePublisher creates a FakePublisher for testing.
func NewFakePublisher() *FakePublisher {
	return &FakePublisher{}
}

// PublishSession records the session event.
func (f *FakePublisher) PublishSession(event session.Event) error {
	if f.PublishError != nil {
		return f.PublishError
	}
	if _, err := FormatSessionPayload(event); err != nil {
		return err
	}
	f.mu.Lock()
	f.sessions = append(f.sessions, event)
	f.mu.Unlock()
	return nil
}

// PublishPairing records the pairing prompt.
func (f *FakePublisher) PublishPairing(prompt pairing.Prompt) error {
	if f.PublishError != nil {
		return f.PublishError
	}
	if _, err := FormatPairingPayload(prompt); err != nil {
		return err
	}
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	return nil
}

// PublishSystem records the system event and its payload.
func (f *FakePublisher) PublishSystem(event SystemEvent) error {
	if f.PublishSystemError != nil {
		return f.PublishSystemError
	}
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.systemEvents = append(f.systemEvents, event)
	f.systemPayloads = append(f.systemPayloads, payload)
	f.mu.Unlock()
	return nil
}

// Close marks the publisher as closed.
func (f *FakePublisher) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// IsConnected reports whether the fake publisher is "connected".
func (f *FakePublisher) IsConnected() bool {
	return f.Connected
}

// SessionEvents returns the recorded session events in order.
func (f *FakePublisher) SessionEvents() []session.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]session.Event(nil), f.sessions...)
}

// Prompts returns the recorded pairing prompts in order.
func (f *FakePublisher) Prompts() []pairing.Prompt {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pairing.Prompt(nil), f.prompts...)
}

// SystemEvents returns the recorded system events in order.
func (f *FakePublisher) SystemEvents() []SystemEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SystemEvent(nil), f.systemEvents...)
}

// SystemPayloads returns the JSON payloads of the recorded system events.
func (f *FakePublisher) SystemPayloads() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.systemPayloads...)
}

// Closed reports whether Close was called.
func (f *FakePublisher) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Reset clears recorded events.
func (f *FakePublisher) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = nil
	f.prompts = nil
	f.systemEvents = nil
	f.systemPayloads = nil
	f.closed = false
	f.PublishError = nil
	f.PublishSystemError = nil
	f.Connected = false
}
