// Package session owns the live sessions: it provisions storage and
// connections, folds connection events and periodic polls into debounced
// state, drives reconnection and pairing, and tears sessions down.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sweeney/sessiond/internal/connstate"
	"github.com/sweeney/sessiond/internal/pairing"
	"github.com/sweeney/sessiond/internal/schedule"
	"github.com/sweeney/sessiond/internal/store"
	"github.com/sweeney/sessiond/internal/transport"
)

// Config holds the manager's timings.
type Config struct {
	MonitorInterval  time.Duration
	MonitorWindow    time.Duration
	EventWindow      time.Duration
	AutosaveInterval time.Duration
	// RestartDelay is the wait before reconnecting after a restart-required close.
	RestartDelay   time.Duration
	ReconnectGrace time.Duration
	CountryCode    string
	Transport      transport.Options
	Pairing        pairing.Config
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		MonitorInterval:  2 * time.Second,
		MonitorWindow:    3 * time.Second,
		EventWindow:      2 * time.Second,
		AutosaveInterval: 30 * time.Second,
		RestartDelay:     2 * time.Second,
		ReconnectGrace:   time.Second,
		CountryCode:      pairing.DefaultCountryCode,
		Transport:        transport.DefaultOptions(),
		Pairing:          pairing.DefaultConfig(),
	}
}

// Scheduler runs the per-session autosave and monitor tasks.
type Scheduler interface {
	Schedule(name string, fn schedule.Func, spec schedule.Spec) error
	Cancel(name string) bool
}

// StoreOpener provisions a persistence handle per identity.
type StoreOpener interface {
	Open(ctx context.Context, identity string) (store.Store, error)
}

// ReconnectHook re-establishes a session's connection after a disconnect.
// cause wraps ErrTransientDisconnect.
type ReconnectHook func(ctx context.Context, identity string, conn transport.Conn, cause error) error

// RestartTransport is the default ReconnectHook.
func RestartTransport(ctx context.Context, _ string, conn transport.Conn, _ error) error {
	return conn.Restart(ctx)
}

// Option configures a Manager.
type Option func(*Manager)

// WithConfig overrides the timings.
func WithConfig(cfg Config) Option {
	return func(m *Manager) {
		m.cfg = cfg
	}
}

// WithNotifier sets the receiver for session events.
func WithNotifier(n Notifier) Option {
	return func(m *Manager) {
		if n != nil {
			m.notifier = n
		}
	}
}

// WithPairingNotifier sets the receiver for pairing prompts.
func WithPairingNotifier(n pairing.Notifier) Option {
	return func(m *Manager) {
		if n != nil {
			m.pairingNotifier = n
		}
	}
}

// WithPairingOptions passes extra options to the pairing coordinator.
func WithPairingOptions(opts ...pairing.Option) Option {
	return func(m *Manager) {
		m.pairingOpts = append(m.pairingOpts, opts...)
	}
}

// WithReconnectHook replaces the reconnection policy's action.
func WithReconnectHook(h ReconnectHook) Option {
	return func(m *Manager) {
		if h != nil {
			m.reconnect = h
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithNow overrides the clock.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// Manager owns the session registry.
type Manager struct {
	cfg             Config
	dialer          transport.Dialer
	stores          StoreOpener
	sched           Scheduler
	pairer          *pairing.Coordinator
	pairingOpts     []pairing.Option
	notifier        Notifier
	pairingNotifier pairing.Notifier
	reconnect       ReconnectHook
	logger          *slog.Logger
	now             func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*Session
	// busy reserves identities being created or torn down
	busy   map[string]bool
	closed bool
}

// NewManager creates a Manager. The scheduler is shared and owned by the caller.
func NewManager(dialer transport.Dialer, stores StoreOpener, sched Scheduler, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:             DefaultConfig(),
		dialer:          dialer,
		stores:          stores,
		sched:           sched,
		notifier:        NotifierFunc(func(Event) {}),
		pairingNotifier: pairing.NotifierFunc(func(pairing.Prompt) {}),
		reconnect:       RestartTransport,
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:             time.Now,
		ctx:             ctx,
		cancel:          cancel,
		sessions:        make(map[string]*Session),
		busy:            make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}

	pcfg := m.cfg.Pairing
	if pcfg.CountryCode == "" {
		pcfg.CountryCode = m.cfg.CountryCode
	}
	popts := []pairing.Option{
		pairing.WithConfig(pcfg),
		pairing.WithNotifier(pairing.NotifierFunc(m.pairingPrompt)),
		pairing.WithOnConfirmed(m.pairingConfirmed),
		pairing.WithLogger(m.logger),
		pairing.WithNow(m.now),
	}
	m.pairer = pairing.NewCoordinator(append(popts, m.pairingOpts...)...)
	return m
}

func autosaveName(identity string) string { return "autosave-" + identity }
func monitorName(identity string) string  { return "monitor-" + identity }

// CreateSession provisions storage and a connection for identity and starts
// its monitor and autosave tasks. phone, if given, is validated and kept for
// pairing. Any failure rolls back every step already taken.
func (m *Manager) CreateSession(ctx context.Context, identity, phone string) (Info, error) {
	if identity == "" {
		return Info{}, fmt.Errorf("%w: empty identity", ErrProvisioning)
	}

	var number string
	if phone != "" {
		n, err := pairing.NormalizePhone(phone, m.cfg.CountryCode)
		if err != nil {
			return Info{}, err
		}
		number = n
	}

	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return Info{}, fmt.Errorf("%w: manager closed", ErrProvisioning)
	case m.sessions[identity] != nil || m.busy[identity]:
		m.mu.Unlock()
		return Info{}, fmt.Errorf("%w: %s", ErrAlreadyExists, identity)
	}
	m.busy[identity] = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.busy, identity)
		m.mu.Unlock()
	}()

	log := m.logger.With(slog.String("identity", identity))

	var undo []func()
	fail := func(step string, err error) (Info, error) {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		log.Error("session provisioning failed", slog.String("step", step), slog.String("error", err.Error()))
		return Info{}, fmt.Errorf("%w: %s: %w", ErrProvisioning, step, err)
	}

	st, err := m.stores.Open(ctx, identity)
	if err != nil {
		return fail("store", err)
	}

	conn, err := m.dialer.Open(ctx, identity, m.cfg.Transport)
	if err != nil {
		return fail("transport", err)
	}
	undo = append(undo, func() { _ = conn.Close() })

	now := m.now()
	s := newSession(identity, uuid.NewString(), conn, st, now)
	s.pairing.RequestedNumber = number

	s.detach = conn.Subscribe(func(u transport.Update) { m.handleUpdate(s, u) })
	undo = append(undo, func() {
		s.mu.Lock()
		s.destroyed = true
		s.mu.Unlock()
		s.detach()
		conn.RemoveAllListeners()
	})

	if err := m.sched.Schedule(autosaveName(identity), m.autosaveTask(s), schedule.Every(m.cfg.AutosaveInterval)); err != nil {
		return fail("autosave", err)
	}
	undo = append(undo, func() { m.sched.Cancel(autosaveName(identity)) })

	if err := m.sched.Schedule(monitorName(identity), m.monitorTask(s), schedule.Every(m.cfg.MonitorInterval)); err != nil {
		return fail("monitor", err)
	}
	undo = append(undo, func() { m.sched.Cancel(monitorName(identity)) })

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fail("register", errors.New("manager closed"))
	}
	s.mu.Lock()
	gone := s.destroyed
	s.mu.Unlock()
	if gone {
		m.mu.Unlock()
		return fail("register", ErrUnauthorized)
	}
	m.sessions[identity] = s
	m.mu.Unlock()

	log.Info("session created", slog.String("instance", s.instance))
	m.notifier.SessionEvent(Event{Type: EventCreated, Identity: identity, Time: now, To: connstate.StateConnecting})
	return m.describe(s, m.now()), nil
}

// DestroySession persists the store, closes the connection, detaches
// listeners, cancels every timer and removes the record. Returns false if no
// session existed.
func (m *Manager) DestroySession(ctx context.Context, identity string) bool {
	m.mu.Lock()
	s := m.sessions[identity]
	if s == nil {
		m.mu.Unlock()
		return false
	}
	delete(m.sessions, identity)
	m.busy[identity] = true
	m.mu.Unlock()

	m.teardown(ctx, s)

	m.mu.Lock()
	delete(m.busy, identity)
	m.mu.Unlock()

	m.notifier.SessionEvent(Event{Type: EventDestroyed, Identity: identity, Time: m.now()})
	return true
}

// destroyInstance destroys s only if it is still the registered session for
// its identity. A session still being provisioned is only marked destroyed;
// CreateSession sees the mark and rolls back.
func (m *Manager) destroyInstance(s *Session, reason error) {
	m.mu.Lock()
	if m.sessions[s.identity] != s {
		s.mu.Lock()
		s.destroyed = true
		s.mu.Unlock()
		m.mu.Unlock()
		return
	}
	delete(m.sessions, s.identity)
	m.busy[s.identity] = true
	m.mu.Unlock()

	m.teardown(m.ctx, s)

	m.mu.Lock()
	delete(m.busy, s.identity)
	m.mu.Unlock()

	m.notifier.SessionEvent(Event{Type: EventDestroyed, Identity: s.identity, Time: m.now(), Reason: reason.Error()})
}

// teardown stops everything a session owns. Safe to call more than once.
func (m *Manager) teardown(ctx context.Context, s *Session) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
	s.mu.Unlock()

	log := m.logger.With(slog.String("identity", s.identity))

	m.sched.Cancel(autosaveName(s.identity))
	m.sched.Cancel(monitorName(s.identity))
	m.pairer.Cancel(s.identity)

	if err := s.store.Write(ctx); err != nil {
		log.Error("saving session store failed", slog.String("error", err.Error()))
	}
	if err := s.conn.Close(); err != nil {
		log.Warn("closing connection failed", slog.String("error", err.Error()))
	}
	s.detach()
	s.conn.RemoveAllListeners()

	log.Info("session destroyed", slog.String("instance", s.instance))
}

// ReconnectSession restarts the session's transport, saves credentials if it
// was authenticated, waits the grace period, flushes buffered events and
// marks it connecting. The session record is reused. On failure the state is
// forced to error and the error returned.
func (m *Manager) ReconnectSession(ctx context.Context, identity string) error {
	s := m.lookup(identity)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, identity)
	}
	log := m.logger.With(slog.String("identity", identity))
	log.Info("reconnecting session")

	if err := s.conn.Restart(ctx); err != nil {
		log.Warn("restarting connection failed, continuing", slog.String("error", err.Error()))
	}

	s.mu.Lock()
	wasAuth := !s.authenticatedAt.IsZero()
	s.mu.Unlock()
	if wasAuth {
		if err := s.conn.SaveCredentials(ctx); err != nil {
			log.Warn("saving credentials before reconnect failed", slog.String("error", err.Error()))
		}
	}

	if err := sleepCtx(ctx, m.cfg.ReconnectGrace); err != nil {
		return m.reconnectFailed(s, err)
	}
	if !m.live(s) {
		return fmt.Errorf("%w: %s destroyed during reconnect", ErrNotFound, identity)
	}
	if err := s.conn.Flush(ctx); err != nil {
		return m.reconnectFailed(s, err)
	}

	now := m.now()
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s destroyed during reconnect", ErrNotFound, identity)
	}
	from := s.tracker.Observed()
	s.tracker.Set(connstate.StateConnecting, now)
	s.reconnectAttempts++
	s.lastReconnect = now
	attempts := s.reconnectAttempts
	s.mu.Unlock()

	m.notifier.SessionEvent(Event{
		Type:     EventReconnecting,
		Identity: identity,
		Time:     now,
		From:     from,
		To:       connstate.StateConnecting,
		Attempts: attempts,
	})
	return nil
}

func (m *Manager) reconnectFailed(s *Session, err error) error {
	m.logger.Error("reconnect failed",
		slog.String("identity", s.identity),
		slog.String("error", err.Error()))
	m.forceError(s)
	return fmt.Errorf("session: reconnect %s: %w", s.identity, err)
}

func (m *Manager) forceError(s *Session) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	tr, ok := s.tracker.Force(connstate.StateError, m.now())
	s.mu.Unlock()
	if ok {
		m.emitTransition(s.identity, tr)
	}
}

// Pair starts (or restarts) a pairing attempt. phone overrides the number
// given at creation when non-empty.
func (m *Manager) Pair(ctx context.Context, identity, phone string) (pairing.Attempt, error) {
	s := m.lookup(identity)
	if s == nil {
		return pairing.Attempt{}, fmt.Errorf("%w: %s", ErrNotFound, identity)
	}

	if phone != "" {
		n, err := pairing.NormalizePhone(phone, m.cfg.CountryCode)
		if err != nil {
			return pairing.Attempt{}, err
		}
		s.mu.Lock()
		s.pairing.RequestedNumber = n
		s.mu.Unlock()
	}

	s.mu.Lock()
	number := s.pairing.RequestedNumber
	s.mu.Unlock()
	if number == "" {
		return pairing.Attempt{}, fmt.Errorf("%w: no phone number on record for %s", pairing.ErrInvalidPhone, identity)
	}

	return m.pairer.Start(ctx, identity, number, s.conn)
}

func (m *Manager) pairingPrompt(p pairing.Prompt) {
	if s := m.lookup(p.Identity); s != nil {
		s.mu.Lock()
		switch p.Phase {
		case pairing.PhaseIssued:
			s.pairing.Code = p.Code
			s.pairing.CodeExpiry = p.Expiry
		case pairing.PhaseConfirmed, pairing.PhaseExpired, pairing.PhaseFailed:
			s.pairing.Code = ""
			s.pairing.CodeExpiry = time.Time{}
		}
		s.mu.Unlock()
	}
	m.pairingNotifier.PairingPrompt(p)
}

// pairingConfirmed records the link. The observed state is left to the
// tracker.
func (m *Manager) pairingConfirmed(identity string) {
	s := m.lookup(identity)
	if s == nil {
		return
	}
	s.mu.Lock()
	s.pairing.Authorized = true
	s.mu.Unlock()
	m.logger.Info("pairing confirmed", slog.String("identity", identity))
}

// SendMessage sends text to jid on the session's connection.
func (m *Manager) SendMessage(ctx context.Context, identity, jid, text string) error {
	s := m.lookup(identity)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, identity)
	}
	return s.conn.SendMessage(ctx, jid, text)
}

// GetSession returns the view of one session.
func (m *Manager) GetSession(identity string) (Info, bool) {
	s := m.lookup(identity)
	if s == nil {
		return Info{}, false
	}
	return m.describe(s, m.now()), true
}

// describe adds the progress of any running pairing attempt to s.info.
func (m *Manager) describe(s *Session, now time.Time) Info {
	in := s.info(now)
	if a, ok := m.pairer.Active(s.identity); ok {
		in.PairingConfirmations = a.Confirmations
	}
	return in
}

// ListSessions returns every live session ordered by identity.
func (m *Manager) ListSessions() []Info {
	now := m.now()
	out := make([]Info, 0)
	for _, s := range m.snapshot() {
		out = append(out, m.describe(s, now))
	}
	return out
}

// Identities returns the live identities in order.
func (m *Manager) Identities() []string {
	sessions := m.snapshot()
	ids := make([]string, 0, len(sessions))
	for _, s := range sessions {
		ids = append(ids, s.identity)
	}
	return ids
}

// Stats aggregates counts across live sessions.
func (m *Manager) Stats() Stats {
	sessions := m.snapshot()
	states := make([]connstate.State, 0, len(sessions))
	st := Stats{Total: len(sessions)}

	for _, s := range sessions {
		if s.conn.CredentialID() != "" {
			st.Authenticated++
		}
		s.mu.Lock()
		state := s.tracker.Observed()
		s.mu.Unlock()
		states = append(states, state)
		if state == connstate.StateConnected || state == connstate.StateAuthenticated {
			st.Connected++
		}
	}
	st.States = connstate.Tally(states)
	return st
}

// Close persists and closes every session without removing credentials,
// stops pairing and waits for background reconnects.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	m.pairer.Stop()
	for _, s := range sessions {
		m.teardown(ctx, s)
	}
	m.cancel()
	m.wg.Wait()

	m.logger.Info("session manager closed", slog.Int("sessions", len(sessions)))
	return nil
}

// enter counts one background job on wg unless the manager is closed.
func (m *Manager) enter() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.wg.Add(1)
	return true
}

func (m *Manager) lookup(identity string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[identity]
}

// live reports whether s is still the registered, undestroyed session.
func (m *Manager) live(s *Session) bool {
	m.mu.Lock()
	registered := m.sessions[s.identity] == s
	m.mu.Unlock()
	if !registered {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.destroyed
}

func (m *Manager) snapshot() []*Session {
	m.mu.Lock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].identity < out[j].identity })
	return out
}

func (m *Manager) emitTransition(identity string, tr connstate.Transition) {
	m.logger.Info("connection state changed",
		slog.String("identity", identity),
		slog.String("from", string(tr.From)),
		slog.String("to", string(tr.To)),
		slog.Bool("forced", tr.Forced))
	m.notifier.SessionEvent(stateEvent(identity, tr))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
