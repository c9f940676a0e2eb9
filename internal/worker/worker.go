// Package worker implements the C13 worker main loop: the HTTP contract
// every analysis worker (news, disclosure, chart, report, flow) exposes so
// the request gateway (C12) can forward to it and the check-signal
// scheduler (C10) can drive it. WORKER_KIND selects which concrete Worker
// cmd/worker wires up; the four endpoints and their request/response shapes
// are identical across kinds.
//
// Handlers are receiver methods registered onto a chi router; the process
// contract is env-var user identity, lazy singleton initialization, and
// tolerance of /set-user/{id} context switches mid-run.
package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Kind identifies which of the five analysis workers a process is running.
type Kind string

const (
	KindNews       Kind = "news"
	KindDisclosure Kind = "disclosure"
	KindChart      Kind = "chart"
	KindReport     Kind = "report"
	KindFlow       Kind = "flow"
)

// ExecuteResult is the response body for POST /execute: a structured
// summary plus a preview of the message that would be sent to Telegram.
type ExecuteResult struct {
	Executed        bool   `json:"executed"`
	Message         string `json:"message"`
	TelegramMessage string `json:"telegram_message,omitempty"`
}

// CheckScheduleResult is the response body for POST /check-schedule.
type CheckScheduleResult struct {
	Executed bool   `json:"executed"`
	Reason   string `json:"reason,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Worker is the behavior every analysis worker kind implements. Execute
// runs one pass for a single user; CheckSchedule is the scheduler hook that
// decides locally whether the worker's cadence has elapsed.
type Worker interface {
	Kind() Kind
	Execute(ctx context.Context, userID string) (ExecuteResult, error)
	CheckSchedule(ctx context.Context) (CheckScheduleResult, error)
	SetUser(ctx context.Context, userID string) error
}

// Server exposes a Worker over HTTP per spec §4.13's four-endpoint
// contract, tracking the process's current active user (set at startup
// from HYPERASSET_USER_ID, and mutable via /set-user/{user_id}).
type Server struct {
	worker Worker
	router *chi.Mux
	log    zerolog.Logger

	mu           sync.RWMutex
	activeUserID string
}

// NewServer builds the HTTP surface for w. defaultUserID seeds the active
// user from HYPERASSET_USER_ID; it may be empty if the worker always
// receives an explicit X-User-ID header.
func NewServer(w Worker, defaultUserID string, log zerolog.Logger) *Server {
	s := &Server{
		worker:       w,
		router:       chi.NewRouter(),
		log:          log.With().Str("component", "worker").Str("kind", string(w.Kind())).Logger(),
		activeUserID: defaultUserID,
	}
	s.setupRoutes()
	return s
}

func (s *Server) Router() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(s.loggingMiddleware)

	s.router.Get("/health", s.handleHealth)
	s.router.Post("/execute", s.handleExecute)
	s.router.Post("/check-schedule", s.handleCheckSchedule)
	s.router.Post("/set-user/{user_id}", s.handleSetUser)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration_ms", time.Since(start)).
			Msg("worker request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		userID = s.currentUser()
	}
	if userID == "" {
		writeJSONError(w, http.StatusBadRequest, "no active user: send X-User-ID or set HYPERASSET_USER_ID")
		return
	}

	result, err := s.worker.Execute(r.Context(), userID)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("execute failed")
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCheckSchedule(w http.ResponseWriter, r *http.Request) {
	result, err := s.worker.CheckSchedule(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("check-schedule failed")
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSetUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	if userID == "" {
		writeJSONError(w, http.StatusBadRequest, "user_id path variable is required")
		return
	}
	if err := s.worker.SetUser(r.Context(), userID); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.setCurrentUser(userID)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) currentUser() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeUserID
}

func (s *Server) setCurrentUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeUserID = userID
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
