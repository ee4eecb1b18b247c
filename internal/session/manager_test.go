package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/sessiond/internal/connstate"
	"github.com/sweeney/sessiond/internal/pairing"
	"github.com/sweeney/sessiond/internal/schedule"
	"github.com/sweeney/sessiond/internal/store"
	"github.com/sweeney/sessiond/internal/transport"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) SessionEvent(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func (r *recorder) find(typ EventType) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Type == typ {
			return e, true
		}
	}
	return Event{}, false
}

type env struct {
	m       *Manager
	dialer  *transport.FakeDialer
	sched   *schedule.Scheduler
	backend *store.MemoryBackend
	clock   *clock
	events  *recorder
}

func testConfig() Config {
	cfg := DefaultConfig()
	// periodic tasks are driven by hand
	cfg.MonitorInterval = time.Hour
	cfg.AutosaveInterval = time.Hour
	cfg.RestartDelay = 20 * time.Millisecond
	cfg.ReconnectGrace = 0
	return cfg
}

func newEnv(t *testing.T, opts ...Option) *env {
	t.Helper()
	e := &env{
		dialer:  transport.NewFakeDialer(),
		sched:   schedule.New(),
		backend: store.NewMemoryBackend(),
		clock:   &clock{t: t0},
		events:  &recorder{},
	}
	base := []Option{
		WithConfig(testConfig()),
		WithNotifier(e.events),
		WithNow(e.clock.now),
	}
	e.m = NewManager(e.dialer, store.NewProvider(e.backend), e.sched, append(base, opts...)...)
	t.Cleanup(func() {
		_ = e.m.Close(context.Background())
		e.sched.Stop()
	})
	return e
}

func (e *env) create(t *testing.T, identity string) *transport.FakeConn {
	t.Helper()
	_, err := e.m.CreateSession(context.Background(), identity, "")
	require.NoError(t, err)
	conn := e.dialer.Conn(identity)
	require.NotNil(t, conn)
	return conn
}

func (e *env) state(t *testing.T, identity string) connstate.State {
	t.Helper()
	info, ok := e.m.GetSession(identity)
	require.True(t, ok, "no session %s", identity)
	return info.State
}

type failingOpener struct{ err error }

func (f failingOpener) Open(context.Context, string) (store.Store, error) { return nil, f.err }

func TestCreateSession(t *testing.T) {
	e := newEnv(t)

	info, err := e.m.CreateSession(context.Background(), "U1", "")
	require.NoError(t, err)

	assert.Equal(t, "U1", info.Identity)
	assert.NotEmpty(t, info.Instance)
	assert.Equal(t, connstate.StateConnecting, info.State)
	assert.Equal(t, t0, info.Created)
	assert.Equal(t, "Unknown Device", info.DeviceName)
	assert.False(t, info.Authenticated)

	assert.Equal(t, []string{"U1"}, e.dialer.Opens())
	assert.Equal(t, []string{"autosave-U1", "monitor-U1"}, e.sched.List())
	assert.Equal(t, 1, e.dialer.Conn("U1").Listeners())
	assert.Equal(t, []EventType{EventCreated}, e.events.types())
}

func TestCreateSessionRejectsDuplicate(t *testing.T) {
	e := newEnv(t)
	e.create(t, "U1")

	_, err := e.m.CreateSession(context.Background(), "U1", "")
	assert.ErrorIs(t, err, ErrAlreadyExists)
	assert.Len(t, e.dialer.Opens(), 1)
}

func TestCreateSessionEmptyIdentity(t *testing.T) {
	e := newEnv(t)
	_, err := e.m.CreateSession(context.Background(), "", "")
	assert.ErrorIs(t, err, ErrProvisioning)
	assert.Empty(t, e.dialer.Opens())
}

func TestCreateSessionNormalizesPhone(t *testing.T) {
	e := newEnv(t)

	info, err := e.m.CreateSession(context.Background(), "U1", "081234567890")
	require.NoError(t, err)
	assert.Equal(t, pairing.MaskPhone("6281234567890"), info.PairingNumber)

	s := e.m.lookup("U1")
	require.NotNil(t, s)
	assert.Equal(t, "6281234567890", s.pairing.RequestedNumber)
}

func TestCreateSessionRejectsInvalidPhone(t *testing.T) {
	e := newEnv(t)

	_, err := e.m.CreateSession(context.Background(), "U1", "abc")
	assert.ErrorIs(t, err, pairing.ErrInvalidPhone)
	assert.Empty(t, e.dialer.Opens(), "no transport call for a bad number")
	assert.Empty(t, e.sched.List())
}

func TestCreateSessionRollsBackOnTransportFailure(t *testing.T) {
	e := newEnv(t)
	e.dialer.OpenError = errors.New("dial refused")

	_, err := e.m.CreateSession(context.Background(), "U1", "")
	assert.ErrorIs(t, err, ErrProvisioning)
	assert.Contains(t, err.Error(), "dial refused")
	assert.Empty(t, e.sched.List())
	_, ok := e.m.GetSession("U1")
	assert.False(t, ok)

	e.dialer.OpenError = nil
	_, err = e.m.CreateSession(context.Background(), "U1", "")
	assert.NoError(t, err, "identity is free again after rollback")
}

func TestCreateSessionRollsBackOnStoreFailure(t *testing.T) {
	dialer := transport.NewFakeDialer()
	sched := schedule.New()
	defer sched.Stop()
	m := NewManager(dialer, failingOpener{err: errors.New("disk full")}, sched, WithConfig(testConfig()))
	defer m.Close(context.Background())

	_, err := m.CreateSession(context.Background(), "U1", "")
	assert.ErrorIs(t, err, ErrProvisioning)
	assert.Empty(t, dialer.Opens())
	assert.Empty(t, sched.List())
}

func TestCreateSessionRollsBackOnScheduleFailure(t *testing.T) {
	e := newEnv(t)
	e.sched.Stop()

	_, err := e.m.CreateSession(context.Background(), "U1", "")
	assert.ErrorIs(t, err, ErrProvisioning)
	assert.ErrorIs(t, err, schedule.ErrStopped)

	conn := e.dialer.Conn("U1")
	require.NotNil(t, conn)
	assert.True(t, conn.Closed())
	assert.Zero(t, conn.Listeners())
	_, ok := e.m.GetSession("U1")
	assert.False(t, ok)
}

func TestDestroySessionIsIdempotent(t *testing.T) {
	e := newEnv(t)
	conn := e.create(t, "U1")

	first := e.m.DestroySession(context.Background(), "U1")
	second := e.m.DestroySession(context.Background(), "U1")

	assert.Equal(t, []bool{true, false}, []bool{first, second})
	assert.Empty(t, e.sched.List())
	assert.Zero(t, conn.Listeners())
	assert.True(t, conn.Closed())
	_, ok := e.m.GetSession("U1")
	assert.False(t, ok)

	_, ok = e.events.find(EventDestroyed)
	assert.True(t, ok)
}

func TestDestroySessionPersistsStore(t *testing.T) {
	e := newEnv(t)
	conn := e.create(t, "U1")

	// the first update hydrates the store
	conn.Emit(transport.Update{Connection: transport.ConnConnecting})
	s := e.m.lookup("U1")
	require.True(t, s.store.Loaded())
	s.store.Update(func(d *store.Data) {
		d.Users["6281234567890"] = store.Record{"name": "Sari"}
	})

	require.True(t, e.m.DestroySession(context.Background(), "U1"))

	doc, ok := e.backend.Get("U1")
	require.True(t, ok)
	assert.Contains(t, string(doc), "Sari")
}

func TestNoDanglingTimers(t *testing.T) {
	e := newEnv(t)
	for _, id := range []string{"U1", "U2", "U3"} {
		e.create(t, id)
	}
	require.True(t, e.m.DestroySession(context.Background(), "U2"))

	assert.Equal(t, []string{"autosave-U1", "autosave-U3", "monitor-U1", "monitor-U3"}, e.sched.List())
	assert.Equal(t, []string{"U1", "U3"}, e.m.Identities())
}

func TestLoggedOutForcesStateAndDestroys(t *testing.T) {
	e := newEnv(t)
	conn := e.create(t, "U1")
	conn.Authenticate("cred", "remote")
	conn.Emit(transport.Update{IsNewLogin: true})

	conn.Emit(transport.Update{Connection: transport.ConnClose, StatusCode: transport.StatusLoggedOut})

	ev, ok := e.events.find(EventLoggedOut)
	require.True(t, ok)
	assert.Equal(t, transport.StatusLoggedOut, ev.StatusCode)

	var forced bool
	e.events.mu.Lock()
	for _, ev := range e.events.events {
		if ev.Type == EventStateChanged && ev.To == connstate.StateLoggedOut {
			forced = ev.Forced
		}
	}
	e.events.mu.Unlock()
	assert.True(t, forced, "logged_out bypasses the window")

	_, ok = e.m.GetSession("U1")
	assert.False(t, ok)
	assert.True(t, conn.Closed())
	assert.Empty(t, e.sched.List())

	destroyed, ok := e.events.find(EventDestroyed)
	require.True(t, ok)
	assert.Contains(t, destroyed.Reason, "logged out")
}

func TestNewLoginForcesAuthenticated(t *testing.T) {
	e := newEnv(t)
	conn := e.create(t, "U1")
	conn.Authenticate("cred", "remote")

	e.clock.advance(10 * time.Second)
	conn.Emit(transport.Update{IsNewLogin: true})

	info, ok := e.m.GetSession("U1")
	require.True(t, ok)
	assert.Equal(t, connstate.StateAuthenticated, info.State)
	assert.True(t, info.Authorized)
	assert.True(t, info.Authenticated)
	require.NotNil(t, info.AuthenticatedAt)
	assert.Equal(t, t0.Add(10*time.Second), *info.AuthenticatedAt)
	assert.Equal(t, t0.Add(10*time.Second), info.SessionStart)
	assert.Equal(t, 1, conn.Saves())

	_, ok = e.events.find(EventAuthenticated)
	assert.True(t, ok)
}

func TestRestartRequiredKeepsAuthenticated(t *testing.T) {
	e := newEnv(t)
	conn := e.create(t, "U1")
	conn.Authenticate("cred", "remote")
	conn.Emit(transport.Update{IsNewLogin: true})
	savesBefore := conn.Saves()

	conn.Emit(transport.Update{Connection: transport.ConnClose, StatusCode: transport.StatusRestartRequired})

	info, _ := e.m.GetSession("U1")
	assert.Equal(t, connstate.StateAuthenticated, info.State)
	assert.Equal(t, 1, info.ReconnectAttempts)
	assert.Equal(t, savesBefore+1, conn.Saves())

	assert.Eventually(t, func() bool { return conn.Restarts() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, connstate.StateAuthenticated, e.state(t, "U1"))

	ev, ok := e.events.find(EventReconnecting)
	require.True(t, ok)
	assert.Equal(t, transport.StatusRestartRequired, ev.StatusCode)
	assert.Equal(t, 1, ev.Attempts)
}

func TestDestroyCancelsPendingRestart(t *testing.T) {
	cfg := testConfig()
	cfg.RestartDelay = 50 * time.Millisecond
	e := newEnv(t, WithConfig(cfg))
	conn := e.create(t, "U1")

	conn.Emit(transport.Update{Connection: transport.ConnClose, StatusCode: transport.StatusRestartRequired})
	require.True(t, e.m.DestroySession(context.Background(), "U1"))

	assert.Never(t, func() bool { return conn.Restarts() > 0 }, 150*time.Millisecond, 5*time.Millisecond)
}

func TestTransientCloseRunsReconnectHook(t *testing.T) {
	causes := make(chan error, 1)
	hook := func(_ context.Context, identity string, _ transport.Conn, cause error) error {
		causes <- cause
		return nil
	}
	e := newEnv(t, WithReconnectHook(hook))
	conn := e.create(t, "U1")
	conn.Authenticate("cred", "remote")
	conn.Emit(transport.Update{IsNewLogin: true})

	conn.Emit(transport.Update{Connection: transport.ConnClose, StatusCode: 428, Reason: "connection lost"})

	select {
	case cause := <-causes:
		assert.ErrorIs(t, cause, ErrTransientDisconnect)
	case <-time.After(time.Second):
		t.Fatal("reconnect hook not called")
	}

	info, _ := e.m.GetSession("U1")
	assert.Equal(t, 1, info.ReconnectAttempts)
	assert.Equal(t, connstate.StateAuthenticated, info.State, "disconnected is only pending")
	assert.Equal(t, connstate.StateDisconnected, info.PendingState)

	e.clock.advance(2 * time.Second)
	conn.Emit(transport.Update{Connection: transport.ConnClose, StatusCode: 428})
	assert.Equal(t, connstate.StateDisconnected, e.state(t, "U1"))
}

func TestReconnectHookFailureForcesError(t *testing.T) {
	hook := func(context.Context, string, transport.Conn, error) error {
		return errors.New("no route")
	}
	e := newEnv(t, WithReconnectHook(hook))
	conn := e.create(t, "U1")

	conn.Emit(transport.Update{Connection: transport.ConnClose, StatusCode: 500})

	assert.Eventually(t, func() bool {
		info, ok := e.m.GetSession("U1")
		return ok && info.State == connstate.StateError
	}, time.Second, 5*time.Millisecond)
}

func TestEventsAreDebounced(t *testing.T) {
	e := newEnv(t)
	conn := e.create(t, "U1")
	open := transport.Update{Connection: transport.ConnOpen}

	conn.Emit(open)
	assert.Equal(t, connstate.StateConnecting, e.state(t, "U1"))

	e.clock.advance(time.Second)
	conn.Emit(open)
	assert.Equal(t, connstate.StateConnecting, e.state(t, "U1"))

	e.clock.advance(time.Second)
	conn.Emit(open)
	assert.Equal(t, connstate.StateConnected, e.state(t, "U1"))

	ev, ok := e.events.find(EventStateChanged)
	require.True(t, ok)
	assert.Equal(t, connstate.StateConnecting, ev.From)
	assert.Equal(t, connstate.StateConnected, ev.To)
	assert.False(t, ev.Forced)
}

func TestFlappingCandidateNeverCommits(t *testing.T) {
	e := newEnv(t)
	conn := e.create(t, "U1")

	for i := 0; i < 6; i++ {
		conn.Emit(transport.Update{Connection: transport.ConnOpen})
		e.clock.advance(1500 * time.Millisecond)
		conn.Emit(transport.Update{Connection: transport.ConnConnecting})
		e.clock.advance(1500 * time.Millisecond)
	}
	assert.Equal(t, connstate.StateConnecting, e.state(t, "U1"))
	_, ok := e.events.find(EventStateChanged)
	assert.False(t, ok)
}

func TestMonitorDerivesState(t *testing.T) {
	e := newEnv(t)
	conn := e.create(t, "U1")
	s := e.m.lookup("U1")

	conn.Authenticate("cred", "remote")
	e.m.poll(s)
	assert.Equal(t, connstate.StateConnecting, e.state(t, "U1"))

	e.clock.advance(3 * time.Second)
	e.m.poll(s)
	info, _ := e.m.GetSession("U1")
	assert.Equal(t, connstate.StateAuthenticated, info.State)
	require.NotNil(t, info.AuthenticatedAt)

	conn.SetReady(connstate.ReadyClosed)
	e.m.poll(s)
	e.clock.advance(3 * time.Second)
	e.m.poll(s)
	assert.Equal(t, connstate.StateDisconnected, e.state(t, "U1"), "closed after authentication is a disconnect")

	conn.SetSocketErr(errors.New("econnreset"))
	e.m.poll(s)
	e.clock.advance(3 * time.Second)
	e.m.poll(s)
	assert.Equal(t, connstate.StateError, e.state(t, "U1"))
}

func TestMonitorTaskRunsOnSchedule(t *testing.T) {
	cfg := testConfig()
	cfg.MonitorInterval = 5 * time.Millisecond
	cfg.MonitorWindow = 0
	e := newEnv(t, WithConfig(cfg), WithNow(time.Now))
	conn := e.create(t, "U1")
	conn.Authenticate("cred", "remote")

	assert.Eventually(t, func() bool {
		info, ok := e.m.GetSession("U1")
		return ok && info.State == connstate.StateAuthenticated
	}, time.Second, 5*time.Millisecond)
}

func TestAutosaveTask(t *testing.T) {
	e := newEnv(t)
	conn := e.create(t, "U1")
	conn.Emit(transport.Update{Connection: transport.ConnConnecting})

	s := e.m.lookup("U1")
	s.store.Update(func(d *store.Data) { d.Settings["greeting"] = "halo" })
	require.NoError(t, e.m.autosaveTask(s)(context.Background()))

	doc, ok := e.backend.Get("U1")
	require.True(t, ok)
	assert.Contains(t, string(doc), "halo")

	e.backend.SaveError = errors.New("read-only")
	assert.ErrorContains(t, e.m.autosaveTask(s)(context.Background()), "read-only")
}

func TestReconnectSession(t *testing.T) {
	e := newEnv(t)
	conn := e.create(t, "U1")
	conn.Authenticate("cred", "remote")
	conn.Emit(transport.Update{IsNewLogin: true})
	saves := conn.Saves()

	e.clock.advance(5 * time.Second)
	require.NoError(t, e.m.ReconnectSession(context.Background(), "U1"))

	assert.Equal(t, 1, conn.Restarts())
	assert.Equal(t, saves+1, conn.Saves())
	assert.Equal(t, 1, conn.Flushes())

	info, _ := e.m.GetSession("U1")
	assert.Equal(t, connstate.StateConnecting, info.State)
	assert.Equal(t, 1, info.ReconnectAttempts)
	require.NotNil(t, info.LastReconnect)
	assert.Equal(t, t0.Add(5*time.Second), *info.LastReconnect)

	ev, ok := e.events.find(EventReconnecting)
	require.True(t, ok)
	assert.Equal(t, connstate.StateAuthenticated, ev.From)
}

func TestReconnectSessionFailure(t *testing.T) {
	e := newEnv(t)
	conn := e.create(t, "U1")
	conn.RestartError = errors.New("restart failed")
	conn.FlushError = errors.New("flush failed")

	err := e.m.ReconnectSession(context.Background(), "U1")
	assert.ErrorContains(t, err, "flush failed")
	assert.Equal(t, connstate.StateError, e.state(t, "U1"))

	err = e.m.ReconnectSession(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStats(t *testing.T) {
	e := newEnv(t)
	c1 := e.create(t, "U1")
	e.create(t, "U2")
	c3 := e.create(t, "U3")

	c1.Authenticate("cred", "remote")
	c1.Emit(transport.Update{IsNewLogin: true})

	c3.Emit(transport.Update{Connection: transport.ConnOpen})
	e.clock.advance(2 * time.Second)
	c3.Emit(transport.Update{Connection: transport.ConnOpen})

	st := e.m.Stats()
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 1, st.Authenticated)
	assert.Equal(t, 2, st.Connected)
	assert.Equal(t, 1, st.States[connstate.StateAuthenticated])
	assert.Equal(t, 1, st.States[connstate.StateConnected])
	assert.Equal(t, 1, st.States[connstate.StateConnecting])
	assert.Equal(t, 0, st.States[connstate.StateError])

	list := e.m.ListSessions()
	require.Len(t, list, 3)
	assert.Equal(t, "U1", list[0].Identity)
	assert.Equal(t, "U3", list[2].Identity)
}

func TestPair(t *testing.T) {
	e := newEnv(t)
	_, err := e.m.CreateSession(context.Background(), "U1", "081234567890")
	require.NoError(t, err)

	att, err := e.m.Pair(context.Background(), "U1", "")
	require.NoError(t, err)
	assert.Equal(t, "ABCD-1234", att.Code)
	assert.Equal(t, []string{"6281234567890"}, e.dialer.Conn("U1").PairCalls())

	info, _ := e.m.GetSession("U1")
	assert.Equal(t, "ABCD-1234", info.PairingCode)
	require.NotNil(t, info.PairingExpiry)
	assert.Equal(t, t0.Add(time.Minute), *info.PairingExpiry)

	require.True(t, e.m.DestroySession(context.Background(), "U1"))
	_, ok := e.m.pairer.Active("U1")
	assert.False(t, ok, "destroy cancels pairing")
}

func TestPairErrors(t *testing.T) {
	e := newEnv(t)
	e.create(t, "U1")

	_, err := e.m.Pair(context.Background(), "U1", "")
	assert.ErrorIs(t, err, pairing.ErrInvalidPhone)

	_, err = e.m.Pair(context.Background(), "U1", "12")
	assert.ErrorIs(t, err, pairing.ErrInvalidPhone)

	_, err = e.m.Pair(context.Background(), "U9", "6281234567890")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPairingConfirmedMarksAuthorized(t *testing.T) {
	prompts := make(chan pairing.Prompt, 16)
	cfg := testConfig()
	cfg.Pairing = pairing.Config{
		Window:        time.Second,
		Tick:          50 * time.Millisecond,
		ConfirmEvery:  5 * time.Millisecond,
		ConfirmPasses: 3,
	}
	e := newEnv(t,
		WithConfig(cfg),
		WithPairingNotifier(pairing.NotifierFunc(func(p pairing.Prompt) { prompts <- p })),
	)
	conn := e.create(t, "U1")
	conn.Authenticate("cred", "remote")

	_, err := e.m.Pair(context.Background(), "U1", "6281234567890")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		info, _ := e.m.GetSession("U1")
		return info.Authorized && info.PairingCode == ""
	}, time.Second, 5*time.Millisecond)
	assert.NotEmpty(t, prompts)
}

func TestSendMessage(t *testing.T) {
	e := newEnv(t)
	conn := e.create(t, "U1")

	require.NoError(t, e.m.SendMessage(context.Background(), "U1", "62812@s.whatsapp.net", "halo"))
	assert.Equal(t, []transport.SentMessage{{JID: "62812@s.whatsapp.net", Text: "halo"}}, conn.Sent())

	assert.ErrorIs(t, e.m.SendMessage(context.Background(), "U9", "x", "y"), ErrNotFound)
}

func TestClose(t *testing.T) {
	e := newEnv(t)
	c1 := e.create(t, "U1")
	c2 := e.create(t, "U2")

	require.NoError(t, e.m.Close(context.Background()))

	assert.Empty(t, e.m.ListSessions())
	assert.Empty(t, e.sched.List())
	assert.True(t, c1.Closed())
	assert.True(t, c2.Closed())

	_, err := e.m.CreateSession(context.Background(), "U3", "")
	assert.ErrorIs(t, err, ErrProvisioning)
	assert.NoError(t, e.m.Close(context.Background()))
}

// hookedScheduler runs before just ahead of scheduling the task called name.
type hookedScheduler struct {
	*schedule.Scheduler
	name   string
	before func()
}

func (h *hookedScheduler) Schedule(name string, fn schedule.Func, spec schedule.Spec) error {
	if name == h.name && h.before != nil {
		h.before()
	}
	return h.Scheduler.Schedule(name, fn, spec)
}

func TestLogoutDuringProvisioningRollsBack(t *testing.T) {
	dialer := transport.NewFakeDialer()
	sched := &hookedScheduler{Scheduler: schedule.New(), name: monitorName("U1")}
	defer sched.Stop()
	sched.before = func() {
		dialer.Conn("U1").Emit(transport.Update{Connection: transport.ConnClose, StatusCode: transport.StatusLoggedOut})
	}
	clk := &clock{t: t0}
	m := NewManager(dialer, store.NewProvider(store.NewMemoryBackend()), sched,
		WithConfig(testConfig()), WithNow(clk.now))
	defer m.Close(context.Background())

	_, err := m.CreateSession(context.Background(), "U1", "")
	assert.ErrorIs(t, err, ErrProvisioning)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, ok := m.GetSession("U1")
	assert.False(t, ok)
	assert.Empty(t, m.Identities())
	assert.Empty(t, sched.List())
	conn := dialer.Conn("U1")
	assert.True(t, conn.Closed())
	assert.Zero(t, conn.Listeners())

	sched.before = nil
	_, err = m.CreateSession(context.Background(), "U1", "")
	assert.NoError(t, err, "identity is free again after rollback")
}

func TestMonitorEmitsAuthenticatedOnCommit(t *testing.T) {
	e := newEnv(t)
	conn := e.create(t, "U1")
	s := e.m.lookup("U1")

	conn.Authenticate("cred", "remote")
	e.m.poll(s)
	_, ok := e.events.find(EventAuthenticated)
	assert.False(t, ok, "pending candidate is not yet authenticated")
	info, _ := e.m.GetSession("U1")
	assert.Nil(t, info.AuthenticatedAt)

	e.clock.advance(3 * time.Second)
	e.m.poll(s)

	ev, ok := e.events.find(EventAuthenticated)
	require.True(t, ok)
	assert.Equal(t, t0.Add(3*time.Second), ev.Time)
	info, _ = e.m.GetSession("U1")
	require.NotNil(t, info.AuthenticatedAt)
	assert.Equal(t, t0.Add(3*time.Second), *info.AuthenticatedAt)

	e.clock.advance(3 * time.Second)
	e.m.poll(s)
	conn.Emit(transport.Update{Connection: transport.ConnOpen})

	var n int
	for _, typ := range e.events.types() {
		if typ == EventAuthenticated {
			n++
		}
	}
	assert.Equal(t, 1, n)
}

func TestNewLoginRecordedInStore(t *testing.T) {
	e := newEnv(t)
	conn := e.create(t, "U1")
	conn.Authenticate("cred", "remote")

	e.clock.advance(10 * time.Second)
	conn.Emit(transport.Update{IsNewLogin: true})
	conn.Emit(transport.Update{IsNewLogin: true})

	data := e.m.lookup("U1").store.Data()
	assert.Equal(t, float64(2), data.Bots["logins"])
	assert.Equal(t, "2026-03-01T10:00:10Z", data.Bots["last_login"])
}

func TestInfoReportsPairingConfirmations(t *testing.T) {
	cfg := testConfig()
	cfg.Pairing = pairing.Config{
		Window:        time.Minute,
		Tick:          time.Hour,
		ConfirmEvery:  5 * time.Millisecond,
		ConfirmPasses: 1000,
	}
	e := newEnv(t, WithConfig(cfg))
	conn := e.create(t, "U1")
	conn.Authenticate("cred", "remote")

	_, err := e.m.Pair(context.Background(), "U1", "6281234567890")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		info, _ := e.m.GetSession("U1")
		return info.PairingConfirmations >= 2
	}, time.Second, 5*time.Millisecond)

	list := e.m.ListSessions()
	require.Len(t, list, 1)
	assert.Positive(t, list[0].PairingConfirmations)
}

func TestNoBackgroundWorkAfterClose(t *testing.T) {
	e := newEnv(t)
	require.True(t, e.m.enter())
	e.m.wg.Done()

	require.NoError(t, e.m.Close(context.Background()))
	assert.False(t, e.m.enter())
}

func TestTransientCloseRacingManagerClose(t *testing.T) {
	var calls atomic.Int32
	hook := func(ctx context.Context, _ string, _ transport.Conn, _ error) error {
		calls.Add(1)
		<-ctx.Done()
		return ctx.Err()
	}
	e := newEnv(t, WithReconnectHook(hook))
	conn := e.create(t, "U1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			conn.Emit(transport.Update{Connection: transport.ConnClose, StatusCode: 428})
		}
	}()
	require.NoError(t, e.m.Close(context.Background()))
	<-done

	frozen := calls.Load()
	conn.Emit(transport.Update{Connection: transport.ConnClose, StatusCode: 428})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, frozen, calls.Load())
}
