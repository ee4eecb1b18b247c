package session

import (
	"context"
	"fmt"

	"github.com/sweeney/sessiond/internal/connstate"
	"github.com/sweeney/sessiond/internal/schedule"
)

// monitorTask polls the connection and proposes the derived state with the
// monitor's stability window.
func (m *Manager) monitorTask(s *Session) schedule.Func {
	return func(ctx context.Context) error {
		m.poll(s)
		return nil
	}
}

func (m *Manager) poll(s *Session) {
	sig := s.signals()
	now := m.now()

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	sig.WasAuthenticated = !s.authenticatedAt.IsZero()
	candidate := connstate.Derive(sig)
	tr, ok := s.tracker.Propose(candidate, now, m.cfg.MonitorWindow)
	var (
		authEvent Event
		authed    bool
	)
	if ok {
		authEvent, authed = s.settle(tr)
	}
	s.mu.Unlock()

	if ok {
		m.emitTransition(s.identity, tr)
	}
	if authed {
		m.notifier.SessionEvent(authEvent)
	}
}

// autosaveTask persists the session store. Failures are reported to the
// scheduler, which logs them and keeps the task.
func (m *Manager) autosaveTask(s *Session) schedule.Func {
	return func(ctx context.Context) error {
		s.mu.Lock()
		gone := s.destroyed
		s.mu.Unlock()
		if gone {
			return nil
		}
		if err := s.store.Write(ctx); err != nil {
			return fmt.Errorf("autosave %s: %w", s.identity, err)
		}
		return nil
	}
}
