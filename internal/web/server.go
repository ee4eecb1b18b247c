// Package web provides the HTTP status page and the administrative session
// endpoints for the sessiond daemon.
package web

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/sweeney/sessiond/internal/pairing"
	"github.com/sweeney/sessiond/internal/session"
	"github.com/sweeney/sessiond/internal/status"
)

// Controller is the part of the session manager the admin endpoints drive.
type Controller interface {
	CreateSession(ctx context.Context, identity, phone string) (session.Info, error)
	Pair(ctx context.Context, identity, phone string) (pairing.Attempt, error)
	ReconnectSession(ctx context.Context, identity string) error
	DestroySession(ctx context.Context, identity string) bool
	GetSession(identity string) (session.Info, bool)
	ListSessions() []session.Info
}

// Option configures a Server.
type Option func(*Server)

// WithAdminToken requires "Authorization: Bearer <token>" on mutating
// endpoints. An empty token leaves them open.
func WithAdminToken(token string) Option {
	return func(s *Server) {
		s.token = token
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithNow overrides the clock used for pairing countdowns.
func WithNow(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// Server serves the status page and admin API over HTTP.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	ctrl       Controller
	token      string
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a Server that reads state from the given tracker and drives
// sessions through ctrl.
func New(addr string, tracker *status.Tracker, ctrl Controller, opts ...Option) *Server {
	s := &Server{
		tracker: tracker,
		ctrl:    ctrl,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /index.html", s.handleIndex)
	mux.HandleFunc("GET /index.json", s.handleJSON)

	mux.HandleFunc("GET /sessions", s.handleList)
	mux.HandleFunc("GET /sessions/{id}", s.handleGet)
	mux.Handle("POST /sessions/{id}", s.admin(s.handleCreate))
	mux.Handle("POST /sessions/{id}/pair", s.admin(s.handlePair))
	mux.Handle("POST /sessions/{id}/reconnect", s.admin(s.handleReconnect))
	mux.Handle("DELETE /sessions/{id}", s.admin(s.handleDestroy))

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the root handler. Useful for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := renderHTML(w, snap); err != nil {
		s.logger.Error("rendering status page failed", slog.String("error", err.Error()))
	}
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(status.FormatJSON(snap))
}
