package transport

import (
	"context"
	"sync"

	"github.com/sweeney/sessiond/internal/connstate"
)

// FakeConn is a scriptable Conn for tests. Emit delivers updates
// synchronously on the caller's goroutine.
type FakeConn struct {
	subs listeners

	mu       sync.Mutex
	identity string
	ready    connstate.ReadyState
	sockErr  error
	credID   string
	remoteID string
	device   string

	// PairCode is returned by RequestPairingCode when PairError is nil.
	PairCode  string
	PairError error

	SendError    error
	SaveError    error
	FlushError   error
	RestartError error

	pairCalls []string
	sent      []SentMessage
	saves     int
	flushes   int
	restarts  int
	closed    bool
}

// SentMessage records one SendMessage call.
type SentMessage struct {
	JID  string
	Text string
}

// NewFakeConn creates a fake whose socket is still connecting.
func NewFakeConn(identity string) *FakeConn {
	return &FakeConn{
		identity: identity,
		ready:    connstate.ReadyConnecting,
		PairCode: "ABCD1234",
	}
}

// Identity returns the identity the fake was opened for.
func (f *FakeConn) Identity() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.identity
}

// Emit delivers u to every subscriber.
func (f *FakeConn) Emit(u Update) {
	f.subs.emit(u)
}

// Listeners returns the number of attached subscribers.
func (f *FakeConn) Listeners() int {
	return f.subs.count()
}

// SetReady sets the socket phase.
func (f *FakeConn) SetReady(r connstate.ReadyState) {
	f.mu.Lock()
	f.ready = r
	f.mu.Unlock()
}

// SetSocketErr sets or clears the socket error.
func (f *FakeConn) SetSocketErr(err error) {
	f.mu.Lock()
	f.sockErr = err
	f.mu.Unlock()
}

// SetCredentials sets the credential and remote user ids.
func (f *FakeConn) SetCredentials(credID, remoteUserID string) {
	f.mu.Lock()
	f.credID = credID
	f.remoteID = remoteUserID
	f.mu.Unlock()
}

// SetDeviceName sets the linked device's display name.
func (f *FakeConn) SetDeviceName(name string) {
	f.mu.Lock()
	f.device = name
	f.mu.Unlock()
}

// Authenticate makes the fake look fully paired: socket open, both ids set.
func (f *FakeConn) Authenticate(credID, remoteUserID string) {
	f.mu.Lock()
	f.ready = connstate.ReadyOpen
	f.credID = credID
	f.remoteID = remoteUserID
	f.mu.Unlock()
}

// PairCalls returns the phone numbers passed to RequestPairingCode.
func (f *FakeConn) PairCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.pairCalls...)
}

// Sent returns the recorded messages.
func (f *FakeConn) Sent() []SentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SentMessage(nil), f.sent...)
}

// Saves returns how many times credentials were saved.
func (f *FakeConn) Saves() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}

// Flushes returns how many times Flush was called.
func (f *FakeConn) Flushes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flushes
}

// Restarts returns how many times Restart was called.
func (f *FakeConn) Restarts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.restarts
}

// Closed reports whether Close was called.
func (f *FakeConn) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *FakeConn) Subscribe(fn func(Update)) func() {
	return f.subs.add(fn)
}

func (f *FakeConn) RemoveAllListeners() {
	f.subs.clear()
}

func (f *FakeConn) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return "", ErrClosed
	}
	f.pairCalls = append(f.pairCalls, phone)
	if f.PairError != nil {
		return "", f.PairError
	}
	return f.PairCode, nil
}

func (f *FakeConn) SendMessage(ctx context.Context, jid, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if f.SendError != nil {
		return f.SendError
	}
	f.sent = append(f.sent, SentMessage{JID: jid, Text: text})
	return nil
}

func (f *FakeConn) ReadyState() connstate.ReadyState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *FakeConn) SocketErr() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sockErr
}

func (f *FakeConn) CredentialID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.credID
}

func (f *FakeConn) RemoteUserID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remoteID
}

func (f *FakeConn) DeviceName() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.device
}

func (f *FakeConn) SaveCredentials(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	return f.SaveError
}

func (f *FakeConn) Flush(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	return f.FlushError
}

// Restart counts the call and leaves the socket connecting.
func (f *FakeConn) Restart(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts++
	if f.RestartError != nil {
		return f.RestartError
	}
	f.ready = connstate.ReadyConnecting
	return nil
}

func (f *FakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.ready = connstate.ReadyClosed
	return nil
}

// FakeDialer hands out FakeConns and remembers them by identity.
type FakeDialer struct {
	mu    sync.Mutex
	conns map[string]*FakeConn
	opens []string

	// OpenError, if set, is returned by Open.
	OpenError error

	// Prepare, if set, configures each new FakeConn before it is returned.
	Prepare func(*FakeConn)
}

// NewFakeDialer creates an empty FakeDialer.
func NewFakeDialer() *FakeDialer {
	return &FakeDialer{conns: make(map[string]*FakeConn)}
}

func (d *FakeDialer) Open(ctx context.Context, identity string, opts Options) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.opens = append(d.opens, identity)
	if d.OpenError != nil {
		return nil, d.OpenError
	}
	c := NewFakeConn(identity)
	if d.Prepare != nil {
		d.Prepare(c)
	}
	d.conns[identity] = c
	return c, nil
}

// Conn returns the most recent FakeConn opened for identity.
func (d *FakeDialer) Conn(identity string) *FakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[identity]
}

// Opens returns every identity passed to Open, in order.
func (d *FakeDialer) Opens() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.opens...)
}
