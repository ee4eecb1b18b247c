package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sweeney/sessiond/internal/connstate"
)

// Gateway frame types. Server to client: update, creds, result.
// Client to server: pair, send, save_creds, flush.
const (
	frameUpdate    = "update"
	frameCreds     = "creds"
	frameResult    = "result"
	framePair      = "pair"
	frameSend      = "send"
	frameSaveCreds = "save_creds"
	frameFlush     = "flush"
)

// closeStatusBase maps network status codes into the websocket private close
// code range: a gateway closing with 4401 reports status 401.
const closeStatusBase = 4000

// Credentials is the gateway's view of the linked device.
type Credentials struct {
	ID           string `json:"id"`
	RemoteUserID string `json:"remote_user_id,omitempty"`
	DeviceName   string `json:"device_name,omitempty"`
}

type frame struct {
	Type   string       `json:"type"`
	ID     string       `json:"id,omitempty"`
	Update *Update      `json:"update,omitempty"`
	Creds  *Credentials `json:"creds,omitempty"`
	Phone  string       `json:"phone,omitempty"`
	JID    string       `json:"jid,omitempty"`
	Text   string       `json:"text,omitempty"`
	Code   string       `json:"code,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// WSOption configures a WSDialer.
type WSOption func(*WSDialer)

// WithHeader sets headers sent on every dial, e.g. gateway auth.
func WithHeader(h http.Header) WSOption {
	return func(d *WSDialer) {
		d.header = h
	}
}

// WithLogger sets the logger for socket lifecycle messages.
func WithLogger(l *slog.Logger) WSOption {
	return func(d *WSDialer) {
		if l != nil {
			d.logger = l
		}
	}
}

// WSDialer opens one websocket per identity to a protocol gateway at
// <url>/sessions/<identity>.
type WSDialer struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	logger *slog.Logger
}

// NewWSDialer creates a dialer for the gateway at gatewayURL (ws:// or wss://).
func NewWSDialer(gatewayURL string, opts ...WSOption) *WSDialer {
	d := &WSDialer{
		url: strings.TrimRight(gatewayURL, "/"),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Open dials the gateway for identity, retrying up to opts.MaxRetries times.
func (d *WSDialer) Open(ctx context.Context, identity string, opts Options) (Conn, error) {
	if identity == "" {
		return nil, fmt.Errorf("transport: empty identity")
	}

	c := &wsConn{
		dialer:   d,
		identity: identity,
		endpoint: d.url + "/sessions/" + url.PathEscape(identity),
		opts:     opts,
		logger:   d.logger.With(slog.String("identity", identity)),
		pending:  make(map[string]chan frame),
	}
	c.ready.Store(int32(connstate.ReadyUnknown))
	c.queue = newEventQueue(c.subs.emit)

	if err := c.connect(ctx); err != nil {
		c.queue.stop()
		return nil, err
	}
	return c, nil
}

type wsConn struct {
	dialer   *WSDialer
	identity string
	endpoint string
	opts     Options
	logger   *slog.Logger

	subs  listeners
	queue *eventQueue
	ready atomic.Int32

	mu      sync.Mutex
	ws      *websocket.Conn
	gen     uint64
	done    chan struct{}
	closed  bool
	sockErr error
	creds   Credentials
	pending map[string]chan frame

	// gorilla allows one concurrent writer
	writeMu sync.Mutex
}

func (c *wsConn) connect(ctx context.Context) error {
	if c.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.ConnectTimeout)
		defer cancel()
	}

	c.ready.Store(int32(connstate.ReadyConnecting))
	c.queue.push(Update{Connection: ConnConnecting})

	var lastErr error
	for attempt := 0; ; attempt++ {
		ws, _, err := c.dialer.dialer.DialContext(ctx, c.endpoint, c.dialer.header)
		if err == nil {
			return c.attach(ws)
		}
		lastErr = err
		c.logger.Warn("gateway dial failed",
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()))

		if attempt >= c.opts.MaxRetries {
			break
		}
		if err := sleepCtx(ctx, c.opts.RetryDelay); err != nil {
			lastErr = err
			break
		}
	}

	c.mu.Lock()
	c.sockErr = lastErr
	c.mu.Unlock()
	c.ready.Store(int32(connstate.ReadyClosed))
	return fmt.Errorf("transport: dial %s: %w", c.identity, lastErr)
}

func (c *wsConn) attach(ws *websocket.Conn) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = ws.Close()
		return ErrClosed
	}
	c.gen++
	gen := c.gen
	done := make(chan struct{})
	c.ws = ws
	c.done = done
	c.sockErr = nil
	c.mu.Unlock()

	if ka := c.opts.KeepAlive; ka > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(2 * ka))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(2 * ka))
		})
		go c.pingLoop(ws, done)
	}

	c.ready.Store(int32(connstate.ReadyOpen))
	go c.readLoop(ws, gen)

	c.logger.Debug("gateway socket open")
	return nil
}

func (c *wsConn) readLoop(ws *websocket.Conn, gen uint64) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.dropped(ws, gen, err)
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("ignoring malformed gateway frame", slog.String("error", err.Error()))
			continue
		}
		c.handle(f)
	}
}

func (c *wsConn) handle(f frame) {
	switch f.Type {
	case frameUpdate:
		if f.Update != nil {
			c.queue.push(*f.Update)
		}
	case frameCreds:
		if f.Creds != nil {
			c.mu.Lock()
			c.creds = *f.Creds
			c.mu.Unlock()
		}
	case frameResult:
		c.mu.Lock()
		ch, ok := c.pending[f.ID]
		delete(c.pending, f.ID)
		c.mu.Unlock()
		if ok {
			ch <- f
		}
	default:
		c.logger.Debug("unknown gateway frame", slog.String("type", f.Type))
	}
}

// dropped handles the end of a read loop. Loops of a superseded socket exit
// silently so a Restart does not look like a disconnect.
func (c *wsConn) dropped(ws *websocket.Conn, gen uint64, err error) {
	_ = ws.Close()

	c.mu.Lock()
	stale := c.closed || gen != c.gen
	if !stale {
		c.ws = nil
		if c.done != nil {
			close(c.done)
			c.done = nil
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) {
			c.sockErr = err
		}
	}
	c.mu.Unlock()

	if stale {
		return
	}

	c.ready.Store(int32(connstate.ReadyClosed))
	c.failPending()

	status, reason := closeStatus(err)
	c.logger.Info("gateway socket closed", slog.Int("status", status), slog.String("reason", reason))
	c.queue.push(Update{Connection: ConnClose, StatusCode: status, Reason: reason})
}

func closeStatus(err error) (int, string) {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return 0, err.Error()
	}
	if ce.Code >= closeStatusBase {
		return ce.Code - closeStatusBase, ce.Text
	}
	return ce.Code, ce.Text
}

func (c *wsConn) pingLoop(ws *websocket.Conn, done <-chan struct{}) {
	t := time.NewTicker(c.opts.KeepAlive)
	defer t.Stop()

	for {
		select {
		case <-done:
			return
		case <-t.C:
			// WriteControl may run concurrently with other writers
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.KeepAlive)); err != nil {
				c.logger.Debug("keep-alive ping failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func (c *wsConn) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *wsConn) request(ctx context.Context, f frame) (frame, error) {
	f.ID = uuid.NewString()
	ch := make(chan frame, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return frame{}, ErrClosed
	}
	ws := c.ws
	if ws == nil {
		c.mu.Unlock()
		return frame{}, fmt.Errorf("%w: socket not open", ErrClosed)
	}
	c.pending[f.ID] = ch
	c.mu.Unlock()

	data, err := json.Marshal(f)
	if err != nil {
		c.forget(f.ID)
		return frame{}, fmt.Errorf("transport: encode %s: %w", f.Type, err)
	}

	c.writeMu.Lock()
	deadline, _ := ctx.Deadline()
	_ = ws.SetWriteDeadline(deadline)
	err = ws.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(f.ID)
		return frame{}, fmt.Errorf("transport: write %s: %w", f.Type, err)
	}

	select {
	case res, ok := <-ch:
		if !ok {
			return frame{}, ErrClosed
		}
		if res.Error != "" {
			return res, fmt.Errorf("%w: %s: %s", ErrProtocol, f.Type, res.Error)
		}
		return res, nil
	case <-ctx.Done():
		c.forget(f.ID)
		return frame{}, ctx.Err()
	}
}

func (c *wsConn) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *wsConn) Subscribe(fn func(Update)) func() {
	return c.subs.add(fn)
}

func (c *wsConn) RemoveAllListeners() {
	c.subs.clear()
}

func (c *wsConn) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	res, err := c.request(ctx, frame{Type: framePair, Phone: phone})
	if err != nil {
		return "", err
	}
	if res.Code == "" {
		return "", fmt.Errorf("%w: empty pairing code", ErrProtocol)
	}
	return res.Code, nil
}

func (c *wsConn) SendMessage(ctx context.Context, jid, text string) error {
	_, err := c.request(ctx, frame{Type: frameSend, JID: jid, Text: text})
	return err
}

func (c *wsConn) ReadyState() connstate.ReadyState {
	return connstate.ReadyState(c.ready.Load())
}

func (c *wsConn) SocketErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sockErr
}

func (c *wsConn) CredentialID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creds.ID
}

func (c *wsConn) RemoteUserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creds.RemoteUserID
}

func (c *wsConn) DeviceName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creds.DeviceName
}

func (c *wsConn) SaveCredentials(ctx context.Context) error {
	_, err := c.request(ctx, frame{Type: frameSaveCreds})
	return err
}

// Flush asks the gateway to emit any updates it is holding back.
func (c *wsConn) Flush(ctx context.Context) error {
	_, err := c.request(ctx, frame{Type: frameFlush})
	return err
}

func (c *wsConn) Restart(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	old := c.ws
	c.ws = nil
	c.gen++
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	c.mu.Unlock()

	if old != nil {
		closeSocket(old, "restart")
	}
	c.failPending()
	c.logger.Info("restarting gateway socket")

	return c.connect(ctx)
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	c.ws = nil
	c.gen++
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	c.mu.Unlock()

	c.ready.Store(int32(connstate.ReadyClosed))
	c.failPending()
	c.queue.stop()

	if ws != nil {
		closeSocket(ws, "closing")
	}
	return nil
}

func closeSocket(ws *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = ws.Close()
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

// eventQueue delivers updates in order on its own goroutine, so a subscriber
// may issue requests without blocking the socket reader.
type eventQueue struct {
	mu      sync.Mutex
	items   []Update
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
	deliver func(Update)
}

func newEventQueue(deliver func(Update)) *eventQueue {
	q := &eventQueue{
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		deliver: deliver,
	}
	go q.run()
	return q
}

func (q *eventQueue) push(u Update) {
	q.mu.Lock()
	q.items = append(q.items, u)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *eventQueue) run() {
	for {
		select {
		case <-q.done:
			return
		case <-q.wake:
			q.drain()
		}
	}
}

func (q *eventQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			return
		}
		u := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case <-q.done:
			return
		default:
		}
		q.deliver(u)
	}
}

func (q *eventQueue) stop() {
	q.once.Do(func() { close(q.done) })
}
