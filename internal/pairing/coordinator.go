// Package pairing drives the device-pairing handshake for a session: it
// requests a pairing code, refreshes a countdown prompt until the code
// expires, and polls the connection until enough consecutive checks show the
// device is linked.
package pairing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sweeney/sessiond/internal/connstate"
)

var (
	// ErrInvalidPhone is returned before any network call for numbers that
	// do not normalise to 10-15 digits.
	ErrInvalidPhone = errors.New("pairing: invalid phone number")

	// ErrProtocol wraps a failed pairing-code request.
	ErrProtocol = errors.New("pairing: code request failed")

	// ErrCancelled is returned when an attempt is superseded or cancelled
	// while its code request is in flight.
	ErrCancelled = errors.New("pairing: attempt cancelled")

	// ErrStopped is returned after Stop.
	ErrStopped = errors.New("pairing: coordinator stopped")
)

// Phase is the lifecycle position of one attempt.
type Phase string

const (
	PhaseRequested Phase = "requested"
	PhaseIssued    Phase = "issued"
	PhaseConfirmed Phase = "confirmed"
	PhaseExpired   Phase = "expired"
	PhaseFailed    Phase = "failed"
)

// Attempt is one pairing window.
type Attempt struct {
	ID            string
	Identity      string
	Phone         string
	Code          string
	IssuedAt      time.Time
	Expiry        time.Time
	Phase         Phase
	// Confirmations is the current run of checks that saw the device linked.
	Confirmations int
}

// Remaining returns the time left before expiry, never negative.
func (a Attempt) Remaining(now time.Time) time.Duration {
	d := a.Expiry.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Prompt is what the user sees for an attempt at one moment.
type Prompt struct {
	Identity   string
	AttemptID  string
	Phase      Phase
	Code       string
	Phone      string
	Remaining  time.Duration
	Expiry     time.Time
	DeviceName string
	Error      string
	// Refresh is true for countdown re-renders of an issued prompt.
	Refresh bool
}

// Text renders the prompt as a chat message.
func (p Prompt) Text() string {
	var b strings.Builder
	switch p.Phase {
	case PhaseRequested:
		b.WriteString("Requesting a pairing code...")
	case PhaseIssued:
		fmt.Fprintf(&b, "Your pairing code: %s\n\n", p.Code)
		fmt.Fprintf(&b, "This code expires in %d seconds.\n\n", int(p.Remaining.Round(time.Second)/time.Second))
		b.WriteString("How to pair:\n")
		b.WriteString("1. Open WhatsApp on your phone\n")
		b.WriteString("2. Go to Settings > Linked Devices > Link a Device\n")
		b.WriteString("3. Enter the code above when prompted\n\n")
		b.WriteString("Waiting for you to enter the code...")
	case PhaseConfirmed:
		device := p.DeviceName
		if device == "" {
			device = "Unknown"
		}
		fmt.Fprintf(&b, "Connected successfully. Device: %s", device)
	case PhaseExpired:
		b.WriteString("Pairing code expired. Request a new code to try again.")
	case PhaseFailed:
		b.WriteString("Failed to generate pairing code. Please try again.")
		if p.Error != "" {
			fmt.Fprintf(&b, " (%s)", p.Error)
		}
	}
	return b.String()
}

// Notifier receives every prompt change.
type Notifier interface {
	PairingPrompt(p Prompt)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Prompt)

func (f NotifierFunc) PairingPrompt(p Prompt) { f(p) }

// Handle is the part of a connection the coordinator uses.
type Handle interface {
	RequestPairingCode(ctx context.Context, phone string) (string, error)
	ReadyState() connstate.ReadyState
	CredentialID() string
	RemoteUserID() string
	DeviceName() string
}

// Linked is the confirmation check: stored credentials, a remote user id and
// an open socket.
func Linked(h Handle) bool {
	return h.CredentialID() != "" && h.RemoteUserID() != "" && h.ReadyState() == connstate.ReadyOpen
}

// Config holds the pairing timings.
type Config struct {
	Window        time.Duration
	Tick          time.Duration
	ConfirmEvery  time.Duration
	ConfirmPasses int
	CountryCode   string
}

// DefaultConfig returns a 60s window, a 5s countdown and three checks 3s apart.
func DefaultConfig() Config {
	return Config{
		Window:        60 * time.Second,
		Tick:          5 * time.Second,
		ConfirmEvery:  3 * time.Second,
		ConfirmPasses: 3,
		CountryCode:   DefaultCountryCode,
	}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithConfig overrides the timings.
func WithConfig(cfg Config) Option {
	return func(c *Coordinator) {
		c.cfg = cfg
	}
}

// WithNotifier sets the prompt receiver.
func WithNotifier(n Notifier) Option {
	return func(c *Coordinator) {
		if n != nil {
			c.notifier = n
		}
	}
}

// WithOnConfirmed sets a hook called once per confirmed attempt.
func WithOnConfirmed(fn func(identity string)) Option {
	return func(c *Coordinator) {
		c.onConfirmed = fn
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithNow overrides the clock.
func WithNow(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// Ticker returns a tick channel and a stop func.
type Ticker func(d time.Duration) (<-chan time.Time, func())

// WithTicker overrides how countdown and confirmation tickers are made.
func WithTicker(t Ticker) Option {
	return func(c *Coordinator) {
		if t != nil {
			c.ticker = t
		}
	}
}

func realTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

type run struct {
	attempt Attempt
	cancel  context.CancelFunc
	done    chan struct{}
}

// Coordinator owns at most one pairing attempt per identity.
type Coordinator struct {
	cfg         Config
	notifier    Notifier
	onConfirmed func(identity string)
	logger      *slog.Logger
	now         func() time.Time
	ticker      Ticker

	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	active map[string]*run
}

// NewCoordinator creates a Coordinator with default timings.
func NewCoordinator(opts ...Option) *Coordinator {
	ctx, stop := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:      DefaultConfig(),
		notifier: NotifierFunc(func(Prompt) {}),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:      time.Now,
		ticker:   realTicker,
		ctx:      ctx,
		stop:     stop,
		active:   make(map[string]*run),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start supersedes any attempt for identity, requests a code for phone and
// starts the countdown and confirmation loop. The phone number is validated
// before h is touched.
func (c *Coordinator) Start(ctx context.Context, identity, phone string, h Handle) (Attempt, error) {
	normalized, err := NormalizePhone(phone, c.cfg.CountryCode)
	if err != nil {
		return Attempt{}, err
	}

	runCtx, cancel := context.WithCancel(c.ctx)
	r := &run{
		attempt: Attempt{
			ID:       uuid.NewString(),
			Identity: identity,
			Phone:    normalized,
			Phase:    PhaseRequested,
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		cancel()
		return Attempt{}, ErrStopped
	}
	prev := c.active[identity]
	c.active[identity] = r
	c.mu.Unlock()

	if prev != nil {
		prev.cancel()
		<-prev.done
		c.logger.Info("superseded pairing attempt",
			slog.String("identity", identity),
			slog.String("attempt", prev.attempt.ID))
	}

	log := c.logger.With(slog.String("identity", identity), slog.String("attempt", r.attempt.ID))
	log.Info("requesting pairing code", slog.String("phone", MaskPhone(normalized)))
	c.notifier.PairingPrompt(c.prompt(r.attempt))

	// The request ends with the caller's ctx or when the attempt is
	// superseded, cancelled or stopped, whichever comes first.
	reqCtx, cancelReq := context.WithCancel(ctx)
	stopReq := context.AfterFunc(runCtx, cancelReq)
	code, err := h.RequestPairingCode(reqCtx, normalized)
	stopReq()
	cancelReq()

	if err != nil && runCtx.Err() != nil {
		cancel()
		close(r.done)
		log.Info("pairing code request abandoned", slog.String("error", err.Error()))
		return Attempt{}, ErrCancelled
	}
	if err != nil {
		att := c.finish(r, PhaseFailed)
		close(r.done)
		p := c.prompt(att)
		p.Error = err.Error()
		c.notifier.PairingPrompt(p)
		log.Warn("pairing code request failed", slog.String("error", err.Error()))
		return att, fmt.Errorf("%w: %w", ErrProtocol, err)
	}

	now := c.now()
	c.mu.Lock()
	if c.active[identity] != r || runCtx.Err() != nil {
		c.mu.Unlock()
		cancel()
		close(r.done)
		return Attempt{}, ErrCancelled
	}
	r.attempt.Code = FormatCode(code)
	r.attempt.IssuedAt = now
	r.attempt.Expiry = now.Add(c.cfg.Window)
	r.attempt.Phase = PhaseIssued
	att := r.attempt
	c.mu.Unlock()

	c.notifier.PairingPrompt(c.prompt(att))
	log.Info("pairing code issued", slog.Time("expiry", att.Expiry))

	countdown, stopCountdown := c.ticker(c.cfg.Tick)
	confirm, stopConfirm := c.ticker(c.cfg.ConfirmEvery)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(r.done)
		defer stopCountdown()
		defer stopConfirm()
		c.loop(runCtx, r, h, countdown, confirm)
	}()

	return att, nil
}

func (c *Coordinator) loop(ctx context.Context, r *run, h Handle, countdown, confirm <-chan time.Time) {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("pairing loop panicked",
				slog.String("identity", r.attempt.Identity),
				slog.Any("panic", rec))
			c.finish(r, PhaseFailed)
		}
	}()

	confirmer := NewConfirmer(c.cfg.ConfirmPasses)

	for {
		select {
		case <-ctx.Done():
			return

		case <-countdown:
			c.mu.Lock()
			att := r.attempt
			c.mu.Unlock()

			if att.Remaining(c.now()) <= 0 {
				att = c.finish(r, PhaseExpired)
				c.notifier.PairingPrompt(c.prompt(att))
				c.logger.Info("pairing code expired", slog.String("identity", att.Identity))
				return
			}
			p := c.prompt(att)
			p.Refresh = true
			c.notifier.PairingPrompt(p)

		case <-confirm:
			done := confirmer.Observe(Linked(h))
			c.mu.Lock()
			r.attempt.Confirmations = confirmer.Streak()
			c.mu.Unlock()
			if !done {
				continue
			}
			att := c.finish(r, PhaseConfirmed)
			p := c.prompt(att)
			p.DeviceName = h.DeviceName()
			c.notifier.PairingPrompt(p)
			c.logger.Info("pairing confirmed",
				slog.String("identity", att.Identity),
				slog.Int("checks", att.Confirmations),
				slog.String("device", p.DeviceName))
			if c.onConfirmed != nil {
				c.onConfirmed(att.Identity)
			}
			return
		}
	}
}

// finish moves r to a terminal phase and releases its slot.
func (c *Coordinator) finish(r *run, phase Phase) Attempt {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active[r.attempt.Identity] == r {
		delete(c.active, r.attempt.Identity)
	}
	r.attempt.Phase = phase
	if phase == PhaseExpired || phase == PhaseFailed {
		r.attempt.Code = ""
	}
	r.cancel()
	return r.attempt
}

func (c *Coordinator) prompt(a Attempt) Prompt {
	p := Prompt{
		Identity:  a.Identity,
		AttemptID: a.ID,
		Phase:     a.Phase,
		Code:      a.Code,
		Phone:     MaskPhone(a.Phone),
		Expiry:    a.Expiry,
	}
	if a.Phase == PhaseIssued {
		p.Remaining = a.Remaining(c.now())
	}
	return p
}

// Cancel stops the attempt for identity and waits for its timers to stop.
// Returns false if none was active.
func (c *Coordinator) Cancel(identity string) bool {
	c.mu.Lock()
	r, ok := c.active[identity]
	if ok {
		delete(c.active, identity)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	r.cancel()
	<-r.done
	return true
}

// Active returns the outstanding attempt for identity.
func (c *Coordinator) Active(identity string) (Attempt, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.active[identity]
	if !ok {
		return Attempt{}, false
	}
	return r.attempt, true
}

// Stop cancels every attempt and waits for their loops to exit.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.stop()
	c.active = make(map[string]*run)
	c.mu.Unlock()
	c.wg.Wait()
}
