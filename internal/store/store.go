// Package store persists each session's application data: users, chats,
// stats, settings and bot bookkeeping. One JSON document per identity is kept
// in a pluggable Backend.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// ErrNotFound is returned by a Backend when no document exists for an identity.
var ErrNotFound = errors.New("store: not found")

// Record is a plain nested value: numbers, strings, bools, maps and slices.
type Record map[string]any

// Data is the persisted schema for one session.
type Data struct {
	Users    map[string]Record `json:"users"`
	Chats    map[string]Record `json:"chats"`
	Stats    map[string]any    `json:"stats"`
	Settings map[string]any    `json:"settings"`
	Bots     map[string]any    `json:"bots"`
}

// NewData returns the empty default schema.
func NewData() *Data {
	return &Data{
		Users:    make(map[string]Record),
		Chats:    make(map[string]Record),
		Stats:    make(map[string]any),
		Settings: make(map[string]any),
		Bots:     make(map[string]any),
	}
}

// fill replaces missing sections with empty maps so callers never see nil.
func (d *Data) fill() {
	if d.Users == nil {
		d.Users = make(map[string]Record)
	}
	if d.Chats == nil {
		d.Chats = make(map[string]Record)
	}
	if d.Stats == nil {
		d.Stats = make(map[string]any)
	}
	if d.Settings == nil {
		d.Settings = make(map[string]any)
	}
	if d.Bots == nil {
		d.Bots = make(map[string]any)
	}
}

// Backend stores raw documents keyed by identity.
type Backend interface {
	// Load returns the stored document or ErrNotFound.
	Load(ctx context.Context, identity string) ([]byte, error)
	Save(ctx context.Context, identity string, doc []byte) error
	Close() error
}

// Provisioner is implemented by backends that prepare space for a new
// identity before first use.
type Provisioner interface {
	Provision(ctx context.Context, identity string) error
}

// Store is one session's persistence handle.
type Store interface {
	// Read hydrates the in-memory data. Missing or corrupt documents fall
	// back to the default schema; only backend I/O failures are returned.
	Read(ctx context.Context) error

	// Write serializes the in-memory data. A store that was never read
	// writes nothing, so an empty default cannot clobber stored data.
	Write(ctx context.Context) error

	// Data returns a deep copy of the in-memory data.
	Data() *Data

	// Loaded reports whether Read has succeeded at least once.
	Loaded() bool

	// Update applies fn to the in-memory data under the store's lock.
	Update(fn func(*Data))
}

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the logger used for corruption warnings.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.logger = l
		}
	}
}

// Provider opens Stores on a shared Backend.
type Provider struct {
	backend Backend
	logger  *slog.Logger
}

// NewProvider creates a Provider over backend.
func NewProvider(backend Backend, opts ...Option) *Provider {
	p := &Provider{
		backend: backend,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Open provisions storage for identity and returns an unloaded handle.
func (p *Provider) Open(ctx context.Context, identity string) (Store, error) {
	if identity == "" {
		return nil, fmt.Errorf("store: empty identity")
	}
	if pr, ok := p.backend.(Provisioner); ok {
		if err := pr.Provision(ctx, identity); err != nil {
			return nil, fmt.Errorf("store: provision %s: %w", identity, err)
		}
	}
	return &handle{
		identity: identity,
		backend:  p.backend,
		logger:   p.logger.With(slog.String("identity", identity)),
		data:     NewData(),
	}, nil
}

// Close releases the backend.
func (p *Provider) Close() error {
	return p.backend.Close()
}

type handle struct {
	identity string
	backend  Backend
	logger   *slog.Logger

	mu     sync.Mutex
	data   *Data
	loaded bool
}

func (h *handle) Read(ctx context.Context) error {
	doc, err := h.backend.Load(ctx, h.identity)
	switch {
	case errors.Is(err, ErrNotFound):
		doc = nil
	case err != nil:
		return fmt.Errorf("store: load %s: %w", h.identity, err)
	}

	data := NewData()
	if len(doc) > 0 {
		parsed := &Data{}
		if err := json.Unmarshal(doc, parsed); err != nil {
			h.logger.Warn("corrupt session store, using empty default", slog.String("error", err.Error()))
		} else {
			parsed.fill()
			data = parsed
		}
	}

	h.mu.Lock()
	h.data = data
	h.loaded = true
	h.mu.Unlock()
	return nil
}

func (h *handle) Write(ctx context.Context) error {
	h.mu.Lock()
	if !h.loaded {
		h.mu.Unlock()
		return nil
	}
	doc, err := json.Marshal(h.data)
	h.mu.Unlock()
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", h.identity, err)
	}

	if err := h.backend.Save(ctx, h.identity, doc); err != nil {
		return fmt.Errorf("store: save %s: %w", h.identity, err)
	}
	return nil
}

func (h *handle) Data() *Data {
	h.mu.Lock()
	defer h.mu.Unlock()

	doc, err := json.Marshal(h.data)
	if err != nil {
		return NewData()
	}
	out := &Data{}
	if err := json.Unmarshal(doc, out); err != nil {
		return NewData()
	}
	out.fill()
	return out
}

func (h *handle) Loaded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loaded
}

func (h *handle) Update(fn func(*Data)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(h.data)
	h.data.fill()
}
