// Package transport exposes the orchestrator's HTTP control plane
// (session lifecycle) and the per-session websocket media channel
// (inbound PCM, outbound audio/blendshape/control events) chi routes.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/duet-ai/duet-orchestrator/pkg/observability"
	"github.com/duet-ai/duet-orchestrator/pkg/orchestrator"
	"github.com/duet-ai/duet-orchestrator/pkg/session"
)

// Orchestrator is the control surface transport drives: admitting the
// connection's turns and delivering a barge-in when the client signals
// one out of band of the media stream.
type Orchestrator interface {
	RunConnection(ctx context.Context, sess *session.Session, inbound <-chan ClientMessage, outbound chan<- ServerMessage) error
	BargeIn(sessionID string, transcript string) error
}

// Server wires the session Manager and an Orchestrator into chi routes.
type Server struct {
	sessions     *session.Manager
	orchestrator Orchestrator
	metrics      *observability.Metrics
	allowAnyOrigin bool
	defaults     func(*session.Config)
}

func New(sessions *session.Manager, orchestrator Orchestrator, metrics *observability.Metrics, allowAnyOrigin bool) *Server {
	return &Server{sessions: sessions, orchestrator: orchestrator, metrics: metrics, allowAnyOrigin: allowAnyOrigin}
}

// SetConfigDefaults installs fn to fill zero-value Config fields (e.g. a
// loaded persona's default voice/verbosity) before a session is created.
// A client-supplied field always wins: fn only sees what the request left
// unset.
func (s *Server) SetConfigDefaults(fn func(*session.Config)) {
	s.defaults = fn
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/sessions", s.handleCreateSession)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Delete("/v1/sessions/{id}", s.handleCloseSession)
	r.Post("/v1/sessions/{id}/cancel", s.handleCancelSession)
	r.Get("/v1/sessions/{id}/ws", s.handleSessionWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

type createSessionRequest struct {
	TenantID             string  `json:"tenant_id"`
	PersonaID            string  `json:"persona_id"`
	VoiceID              string  `json:"voice_id"`
	EngineSTT            string  `json:"engine_stt"`
	EngineLLM            string  `json:"engine_llm"`
	EngineTTS            string  `json:"engine_tts"`
	Verbosity            float64 `json:"verbosity"`
	MinWordsToInterrupt  int     `json:"min_words_to_interrupt"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	cfg := session.Config{
		TenantID:            req.TenantID,
		PersonaID:           req.PersonaID,
		VoiceID:             req.VoiceID,
		EngineSTT:           req.EngineSTT,
		EngineLLM:           req.EngineLLM,
		EngineTTS:           req.EngineTTS,
		Verbosity:           req.Verbosity,
		MinWordsToInterrupt: req.MinWordsToInterrupt,
	}
	if s.defaults != nil {
		s.defaults(&cfg)
	}
	if cfg.MinWordsToInterrupt == 0 {
		cfg.MinWordsToInterrupt = orchestrator.DefaultMinWordsToInterrupt
	}

	sess, err := s.sessions.Create(r.Context(), cfg)
	if err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, session.ErrAdmissionTimeout) {
			status = http.StatusGatewayTimeout
		}
		respondError(w, status, "admission_failed", err.Error())
		return
	}

	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.ObserveSessionEvent("created")
	respondJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.sessions.Close(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.ObserveSessionEvent("closed")
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.sessions.Get(id); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if err := s.orchestrator.BargeIn(id, ""); err != nil {
		respondError(w, http.StatusConflict, "barge_in_failed", err.Error())
		return
	}
	s.metrics.BargeIns.Inc()
	respondJSON(w, http.StatusOK, map[string]any{"status": "cancelled"})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// sameOriginOnly mirrors the same-origin websocket policy: non-browser
// clients (no Origin header) are allowed through; browser clients must
// match the request host unless allowAnyOrigin is set.
func sameOriginOnly(allowAny bool, host, origin string) bool {
	if allowAny {
		return true
	}
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return strings.EqualFold(u.Host, host)
}
