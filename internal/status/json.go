package status

import (
	"encoding/json"
	"time"

	"github.com/sweeney/sessiond/internal/connstate"
	"github.com/sweeney/sessiond/internal/session"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string         `json:"event,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	Version       string         `json:"version,omitempty"`
	Ready         bool           `json:"ready"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	StartTime     string         `json:"start_time"`
	Timestamp     string         `json:"timestamp"`
	MQTT          MQTTStatus     `json:"mqtt"`
	Counts        CountsJSON     `json:"session_counts"`
	Sessions      []session.Info `json:"sessions,omitempty"`
	Config        ConfigJSON     `json:"config"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// CountsJSON is the JSON representation of session counts. States always
// lists every known state.
type CountsJSON struct {
	Total         int            `json:"total"`
	Authenticated int            `json:"authenticated"`
	Connected     int            `json:"connected"`
	States        map[string]int `json:"states"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	MonitorMs       int64  `json:"monitor_ms"`
	MonitorWindowMs int64  `json:"monitor_window_ms"`
	EventWindowMs   int64  `json:"event_window_ms"`
	AutosaveMs      int64  `json:"autosave_ms"`
	HeartbeatMs     int64  `json:"heartbeat_ms"`
	StoreDriver     string `json:"store_driver"`
	Gateway         string `json:"gateway"`
	Broker          string `json:"broker"`
	HTTPAddr        string `json:"http_addr"`
}

func buildInner(snap Snapshot) StatusInner {
	states := make(map[string]int, len(connstate.States))
	for _, st := range connstate.States {
		states[string(st)] = snap.Stats.States[st]
	}

	return StatusInner{
		Version:       snap.Config.Version,
		Ready:         snap.Ready(),
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Counts: CountsJSON{
			Total:         snap.Stats.Total,
			Authenticated: snap.Stats.Authenticated,
			Connected:     snap.Stats.Connected,
			States:        states,
		},
		Config: ConfigJSON{
			MonitorMs:       snap.Config.MonitorMs,
			MonitorWindowMs: snap.Config.MonitorWindowMs,
			EventWindowMs:   snap.Config.EventWindowMs,
			AutosaveMs:      snap.Config.AutosaveMs,
			HeartbeatMs:     snap.Config.HeartbeatMs,
			StoreDriver:     snap.Config.StoreDriver,
			Gateway:         snap.Config.Gateway,
			Broker:          snap.Config.Broker,
			HTTPAddr:        snap.Config.HTTPAddr,
		},
	}
}

// FormatJSON returns the JSON status for the web endpoint, including the
// per-session list.
func FormatJSON(snap Snapshot) []byte {
	inner := buildInner(snap)
	inner.Sessions = snap.Sessions

	data, _ := json.MarshalIndent(StatusJSON{Status: inner}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event. Only
// aggregate counts are included.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
