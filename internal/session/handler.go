package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sweeney/sessiond/internal/connstate"
	"github.com/sweeney/sessiond/internal/store"
	"github.com/sweeney/sessiond/internal/transport"
)

// handleUpdate folds one connection update into the session's state. It
// runs on the connection's delivery goroutine.
func (m *Manager) handleUpdate(s *Session, u transport.Update) {
	log := m.logger.With(slog.String("identity", s.identity))
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic handling connection update", slog.Any("panic", r))
		}
	}()

	if !s.store.Loaded() {
		if err := s.store.Read(m.ctx); err != nil {
			log.Warn("hydrating session store failed", slog.String("error", err.Error()))
		}
	}

	if u.QR != "" {
		log.Debug("ignoring QR update, pairing uses codes")
	}
	if u.IsOnline != nil && !*u.IsOnline {
		log.Info("remote reported offline")
	}

	now := m.now()
	var (
		events      []Event
		saveCreds   bool
		destroy     bool
		runHook     bool
		transitions []connstate.Transition
	)

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	candidate := s.tracker.Observed()
	authenticated := !s.authenticatedAt.IsZero()

	if u.IsNewLogin {
		if tr, ok := s.tracker.Force(connstate.StateAuthenticated, now); ok {
			transitions = append(transitions, tr)
		}
		s.sessionStart = now
		s.pairing.Authorized = true
		authenticated = true
		candidate = connstate.StateAuthenticated
		saveCreds = true
	}

	switch u.Connection {
	case transport.ConnConnecting:
		if !authenticated {
			candidate = connstate.StateConnecting
		}

	case transport.ConnOpen:
		candidate = connstate.Derive(connstate.Signals{
			Ready:            connstate.ReadyOpen,
			CredentialID:     s.conn.CredentialID(),
			RemoteUserID:     s.conn.RemoteUserID(),
			WasAuthenticated: authenticated,
		})

	case transport.ConnClose:
		switch u.StatusCode {
		case transport.StatusLoggedOut:
			if tr, ok := s.tracker.Force(connstate.StateLoggedOut, now); ok {
				transitions = append(transitions, tr)
			}
			events = append(events, Event{
				Type:       EventLoggedOut,
				Identity:   s.identity,
				Time:       now,
				StatusCode: u.StatusCode,
				Reason:     u.Reason,
			})
			destroy = true

		case transport.StatusRestartRequired:
			if authenticated {
				saveCreds = true
			}
			s.reconnectAttempts++
			s.lastReconnect = now
			events = append(events, Event{
				Type:       EventReconnecting,
				Identity:   s.identity,
				Time:       now,
				From:       s.tracker.Observed(),
				To:         s.tracker.Observed(),
				StatusCode: u.StatusCode,
				Attempts:   s.reconnectAttempts,
				Reason:     u.Reason,
			})
			if s.restartTimer != nil {
				s.restartTimer.Stop()
			}
			cause := fmt.Errorf("%w: restart required", ErrTransientDisconnect)
			s.restartTimer = time.AfterFunc(m.cfg.RestartDelay, func() { m.restart(s, cause) })

		default:
			if authenticated {
				candidate = connstate.StateDisconnected
			} else {
				candidate = connstate.StateConnecting
			}
			s.reconnectAttempts++
			s.lastReconnect = now
			events = append(events, Event{
				Type:       EventReconnecting,
				Identity:   s.identity,
				Time:       now,
				From:       s.tracker.Observed(),
				To:         candidate,
				StatusCode: u.StatusCode,
				Attempts:   s.reconnectAttempts,
				Reason:     u.Reason,
			})
			runHook = true
		}
	}

	if u.ReceivedPendingNotifications && authenticated {
		candidate = connstate.StateAuthenticated
	}

	if !destroy {
		if tr, ok := s.tracker.Propose(candidate, now, m.cfg.EventWindow); ok {
			transitions = append(transitions, tr)
		}
	}
	for _, tr := range transitions {
		if e, ok := s.settle(tr); ok {
			events = append(events, e)
		}
	}
	s.mu.Unlock()

	for _, tr := range transitions {
		m.emitTransition(s.identity, tr)
	}
	for _, e := range events {
		m.notifier.SessionEvent(e)
	}

	if saveCreds {
		s.store.Update(recordLogin(now))
		if err := s.conn.SaveCredentials(m.ctx); err != nil {
			log.Warn("saving credentials failed", slog.String("error", err.Error()))
		}
	}

	if destroy {
		log.Warn("logged out by network, destroying session", slog.Int("status", u.StatusCode))
		m.destroyInstance(s, ErrUnauthorized)
		return
	}

	if runHook {
		cause := fmt.Errorf("%w: status %d", ErrTransientDisconnect, u.StatusCode)
		if !m.enter() {
			return
		}
		go func() {
			defer m.wg.Done()
			if err := m.reconnect(m.ctx, s.identity, s.conn, cause); err != nil {
				log.Error("reconnect hook failed", slog.String("error", err.Error()))
				if m.live(s) {
					m.forceError(s)
				}
			}
		}()
	}
}

// recordLogin counts new logins in the store's bot bookkeeping. Counts read
// back from JSON are float64.
func recordLogin(now time.Time) func(*store.Data) {
	return func(d *store.Data) {
		n, _ := d.Bots["logins"].(float64)
		d.Bots["logins"] = n + 1
		d.Bots["last_login"] = now.UTC().Format(time.RFC3339)
	}
}

// restart runs the reconnect hook after a restart-required close if the
// session is still live.
func (m *Manager) restart(s *Session, cause error) {
	s.mu.Lock()
	s.restartTimer = nil
	s.mu.Unlock()

	if !m.live(s) || !m.enter() {
		return
	}
	defer m.wg.Done()

	if err := m.reconnect(m.ctx, s.identity, s.conn, cause); err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Error("restart after restart-required close failed",
			slog.String("identity", s.identity),
			slog.String("error", err.Error()))
	}
}
