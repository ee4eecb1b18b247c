package connstate

import "time"

// Tracker holds the observed state of one connection and debounces proposed
// changes to it. A Tracker is not safe for concurrent use; the owner must
// synchronize.
type Tracker struct {
	observed   State
	pending    *Pending
	lastChange time.Time
}

// NewTracker creates a tracker whose observed state starts at initial.
func NewTracker(initial State, now time.Time) *Tracker {
	return &Tracker{
		observed:   initial,
		lastChange: now,
	}
}

// Propose offers candidate as the next state. The candidate is committed only
// once it has been proposed continuously for at least window. A different
// candidate restarts the window. Returns the transition if one was committed.
func (t *Tracker) Propose(candidate State, now time.Time, window time.Duration) (Transition, bool) {
	// Reconfirms current truth
	if candidate == t.observed {
		t.pending = nil
		return Transition{}, false
	}

	if t.pending == nil || t.pending.State != candidate {
		t.pending = &Pending{State: candidate, Since: now}
		return Transition{}, false
	}

	if now.Sub(t.pending.Since) >= window {
		return t.commit(candidate, now, false), true
	}

	return Transition{}, false
}

// Force commits state immediately, bypassing the stability window. Returns
// false if state is already the observed state.
func (t *Tracker) Force(state State, now time.Time) (Transition, bool) {
	if state == t.observed {
		t.pending = nil
		return Transition{}, false
	}
	return t.commit(state, now, true), true
}

// Set overwrites the observed state without producing a transition event.
// Used when an operation resets bookkeeping (e.g. a manual reconnect).
func (t *Tracker) Set(state State, now time.Time) {
	t.observed = state
	t.lastChange = now
	t.pending = nil
}

func (t *Tracker) commit(state State, now time.Time, forced bool) Transition {
	tr := Transition{From: t.observed, To: state, At: now, Forced: forced}
	t.observed = state
	t.lastChange = now
	t.pending = nil
	return tr
}

// Observed returns the committed state.
func (t *Tracker) Observed() State {
	return t.observed
}

// Pending returns a copy of the outstanding candidate, if any.
func (t *Tracker) Pending() (Pending, bool) {
	if t.pending == nil {
		return Pending{}, false
	}
	return *t.pending, true
}

// LastChange returns when the observed state was last committed.
func (t *Tracker) LastChange() time.Time {
	return t.lastChange
}
