// Package mqtt publishes session events, pairing prompts and system events
// to an MQTT broker, with a fake for testing.
package mqtt

import (
	"encoding/json"
	"time"

	"github.com/sweeney/sessiond/internal/pairing"
	"github.com/sweeney/sessiond/internal/session"
)

// DefaultPrefix is the root of every topic.
const DefaultPrefix = "sessiond"

// Topics builds topic names under a prefix.
type Topics struct {
	prefix string
}

// NewTopics returns the topic set rooted at prefix, or DefaultPrefix if empty.
func NewTopics(prefix string) Topics {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Topics{prefix: prefix}
}

// Events is the topic for one session's lifecycle events.
func (t Topics) Events(identity string) string {
	return t.prefix + "/sessions/" + identity + "/events"
}

// Pairing is the topic for one session's pairing prompts.
func (t Topics) Pairing(identity string) string {
	return t.prefix + "/sessions/" + identity + "/pairing"
}

// System is the topic for process lifecycle events.
func (t Topics) System() string {
	return t.prefix + "/system"
}

// Publisher publishes events to MQTT.
type Publisher interface {
	// PublishSession sends a session lifecycle event.
	// Returns error if publishing fails (should not crash the process).
	PublishSession(event session.Event) error

	// PublishPairing sends a pairing prompt for the user.
	PublishPairing(prompt pairing.Prompt) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// SessionPayload is the message body for a session event.
type SessionPayload struct {
	Session SessionPayloadInner `json:"session"`
}

// SessionPayloadInner contains the session event details.
type SessionPayloadInner struct {
	Timestamp  string `json:"timestamp"`
	Identity   string `json:"identity"`
	Event      string `json:"event"`
	From       string `json:"from,omitempty"`
	To         string `json:"to,omitempty"`
	Forced     bool   `json:"forced,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	Attempts   int    `json:"attempts,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// FormatSessionPayload creates the JSON payload for a session event.
func FormatSessionPayload(event session.Event) ([]byte, error) {
	payload := SessionPayload{
		Session: SessionPayloadInner{
			Timestamp:  event.Time.UTC().Format(time.RFC3339),
			Identity:   event.Identity,
			Event:      string(event.Type),
			From:       string(event.From),
			To:         string(event.To),
			Forced:     event.Forced,
			StatusCode: event.StatusCode,
			Attempts:   event.Attempts,
			Reason:     event.Reason,
		},
	}
	return json.Marshal(payload)
}

// PairingPayload is the message body for a pairing prompt.
type PairingPayload struct {
	Pairing PairingPayloadInner `json:"pairing"`
}

// PairingPayloadInner carries the prompt fields plus a ready-made message for
// chat front ends.
type PairingPayloadInner struct {
	Identity         string `json:"identity"`
	AttemptID        string `json:"attempt_id"`
	Phase            string `json:"phase"`
	Code             string `json:"code,omitempty"`
	Phone            string `json:"phone,omitempty"`
	RemainingSeconds int64  `json:"remaining_seconds"`
	Expiry           string `json:"expiry,omitempty"`
	DeviceName       string `json:"device_name,omitempty"`
	Error            string `json:"error,omitempty"`
	Refresh          bool   `json:"refresh,omitempty"`
	Message          string `json:"message"`
}

// FormatPairingPayload creates the JSON payload for a pairing prompt.
func FormatPairingPayload(prompt pairing.Prompt) ([]byte, error) {
	inner := PairingPayloadInner{
		Identity:         prompt.Identity,
		AttemptID:        prompt.AttemptID,
		Phase:            string(prompt.Phase),
		Code:             prompt.Code,
		Phone:            prompt.Phone,
		RemainingSeconds: int64(prompt.Remaining / time.Second),
		DeviceName:       prompt.DeviceName,
		Error:            prompt.Error,
		Refresh:          prompt.Refresh,
		Message:          prompt.Text(),
	}
	if !prompt.Expiry.IsZero() {
		inner.Expiry = prompt.Expiry.UTC().Format(time.RFC3339)
	}
	return json.Marshal(PairingPayload{Pairing: inner})
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT, RECONNECTED) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp,omitempty"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	inner := SystemPayloadInner{
		Event:  event.Event,
		Reason: event.Reason,
	}
	if !event.Timestamp.IsZero() {
		inner.Timestamp = event.Timestamp.UTC().Format(time.RFC3339)
	}
	return json.Marshal(SystemPayload{System: inner})
}

// WillPayload is the retained last-will message the broker publishes on the
// system topic if the process disappears without a clean disconnect.
func WillPayload() []byte {
	payload, _ := FormatSystemPayload(SystemEvent{Event: "OFFLINE", Reason: "UNEXPECTED_DISCONNECT"})
	return payload
}
