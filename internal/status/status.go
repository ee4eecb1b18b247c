// Package status provides a thread-safe status tracker for the sessiond daemon.
// It is read by the HTTP handlers and by the heartbeat publisher.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/sessiond/internal/session"
)

// Source supplies live session data at snapshot time.
type Source interface {
	Stats() session.Stats
	ListSessions() []session.Info
}

// Config contains daemon configuration for display.
type Config struct {
	Version         string
	MonitorMs       int64
	MonitorWindowMs int64
	EventWindowMs   int64
	AutosaveMs      int64
	HeartbeatMs     int64
	StoreDriver     string
	Gateway         string
	Broker          string
	HTTPAddr        string
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Stats         session.Stats
	Sessions      []session.Info
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Ready reports whether at least one session is authenticated.
func (s Snapshot) Ready() bool {
	return s.Stats.Authenticated > 0
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu     sync.RWMutex
	snap   Snapshot
	source Source
	now    func() time.Time
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
		},
		now: time.Now,
	}
}

// SetSource attaches the live session source. Without one, snapshots carry
// empty session data.
func (t *Tracker) SetSource(src Source) {
	t.mu.Lock()
	t.source = src
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	src := t.source
	now := t.now
	t.mu.RUnlock()

	if src != nil {
		s.Stats = src.Stats()
		s.Sessions = src.ListSessions()
	}
	if s.Sessions == nil {
		s.Sessions = []session.Info{}
	}
	s.Now = now()
	return s
}
