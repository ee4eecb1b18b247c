package web

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sweeney/sessiond/internal/connstate"
	"github.com/sweeney/sessiond/internal/pairing"
	"github.com/sweeney/sessiond/internal/session"
)

// maxBody bounds admin request bodies.
const maxBody = 4 << 10

// Response is the envelope for every admin endpoint.
type Response struct {
	Message string        `json:"message"`
	Error   string        `json:"error,omitempty"`
	Session *session.Info `json:"session,omitempty"`
	Pairing *AttemptJSON  `json:"pairing,omitempty"`
}

// AttemptJSON is the client view of a pairing attempt.
type AttemptJSON struct {
	ID               string `json:"id"`
	Code             string `json:"code"`
	Phone            string `json:"phone"`
	Expiry           string `json:"expiry"`
	RemainingSeconds int64  `json:"remaining_seconds"`
}

// ListResponse is the body of GET /sessions.
type ListResponse struct {
	Sessions []session.Info `json:"sessions"`
}

type pairRequest struct {
	Phone string `json:"phone"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string, err error) {
	resp := Response{Message: message}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, code, resp)
}

// statusFor maps a domain error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, pairing.ErrInvalidPhone):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, pairing.ErrProtocol), errors.Is(err, session.ErrProvisioning):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// admin enforces the bearer token when one is configured.
func (s *Server) admin(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="sessiond"`)
				writeError(w, http.StatusUnauthorized, "Authentication required.", nil)
				return
			}
		}
		next(w, r)
	})
}

// readPhone decodes an optional {"phone": "..."} body.
func readPhone(r *http.Request) (string, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return "", err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return "", nil
	}
	var req pairRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return "", err
	}
	return req.Phone, nil
}

func (s *Server) attemptJSON(a pairing.Attempt) *AttemptJSON {
	return &AttemptJSON{
		ID:               a.ID,
		Code:             a.Code,
		Phone:            pairing.MaskPhone(a.Phone),
		Expiry:           a.Expiry.UTC().Format(time.RFC3339),
		RemainingSeconds: int64(a.Remaining(s.now()) / time.Second),
	}
}

// handleList lists every session, or only those in ?state= when given.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	sessions := s.ctrl.ListSessions()
	if q := r.URL.Query().Get("state"); q != "" {
		want := connstate.State(q)
		if !want.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown state %q.", q), nil)
			return
		}
		filtered := make([]session.Info, 0, len(sessions))
		for _, in := range sessions {
			if in.State == want {
				filtered = append(filtered, in)
			}
		}
		sessions = filtered
	}
	writeJSON(w, http.StatusOK, ListResponse{Sessions: sessions})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	info, ok := s.ctrl.GetSession(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Session %s not found.", id), nil)
		return
	}
	writeJSON(w, http.StatusOK, Response{Message: fmt.Sprintf("Session %s is %s.", id, info.State), Session: &info})
}

// handleCreate provisions a session and, when a phone is given, requests a
// pairing code for it.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	phone, err := readPhone(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Request body must be JSON like {\"phone\": \"0812...\"}.", err)
		return
	}

	info, err := s.ctrl.CreateSession(r.Context(), id, phone)
	if err != nil {
		s.logger.Warn("admin create failed", slog.String("identity", id), slog.String("error", err.Error()))
		writeError(w, statusFor(err), createMessage(err), err)
		return
	}
	s.logger.Info("admin created session", slog.String("identity", id))

	if phone == "" {
		writeJSON(w, http.StatusCreated, Response{Message: fmt.Sprintf("Session %s created.", id), Session: &info})
		return
	}

	att, err := s.ctrl.Pair(r.Context(), id, "")
	if current, ok := s.ctrl.GetSession(id); ok {
		info = current
	}
	if err != nil {
		writeJSON(w, statusFor(err), Response{
			Message: fmt.Sprintf("Session %s created but the pairing code could not be generated. Try POST /sessions/%s/pair.", id, id),
			Error:   err.Error(),
			Session: &info,
		})
		return
	}
	writeJSON(w, http.StatusCreated, Response{
		Message: fmt.Sprintf("Session %s created. Pairing code: %s", id, att.Code),
		Session: &info,
		Pairing: s.attemptJSON(att),
	})
}

func createMessage(err error) string {
	switch {
	case errors.Is(err, pairing.ErrInvalidPhone):
		return "Invalid phone number. Use 10-15 digits, e.g. 081234567890 or 6281234567890."
	case errors.Is(err, session.ErrAlreadyExists):
		return "A session with this identity already exists."
	default:
		return "Failed to create session."
	}
}

func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	phone, err := readPhone(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Request body must be JSON like {\"phone\": \"0812...\"}.", err)
		return
	}

	att, err := s.ctrl.Pair(r.Context(), id, phone)
	if err != nil {
		s.logger.Warn("admin pair failed", slog.String("identity", id), slog.String("error", err.Error()))
		writeError(w, statusFor(err), "Failed to generate pairing code.", err)
		return
	}
	resp := Response{Message: fmt.Sprintf("Pairing code for %s: %s", id, att.Code), Pairing: s.attemptJSON(att)}
	if info, ok := s.ctrl.GetSession(id); ok {
		resp.Session = &info
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.ctrl.ReconnectSession(r.Context(), id); err != nil {
		s.logger.Warn("admin reconnect failed", slog.String("identity", id), slog.String("error", err.Error()))
		code := statusFor(err)
		if code == http.StatusInternalServerError {
			code = http.StatusBadGateway
		}
		writeError(w, code, fmt.Sprintf("Reconnect of %s failed.", id), err)
		return
	}
	resp := Response{Message: fmt.Sprintf("Session %s is reconnecting.", id)}
	if info, ok := s.ctrl.GetSession(id); ok {
		resp.Session = &info
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleDestroy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.ctrl.DestroySession(r.Context(), id) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Session %s not found.", id), nil)
		return
	}
	s.logger.Info("admin destroyed session", slog.String("identity", id))
	writeJSON(w, http.StatusOK, Response{Message: fmt.Sprintf("Session %s destroyed.", id)})
}
