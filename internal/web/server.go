package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	jobservice "github.com/mvajha/talon/internal/service/job_service"
	"github.com/mvajha/talon/internal/service/logger"
	"github.com/mvajha/talon/model"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browser clients stream from the dashboard origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Server struct {
	router     chi.Router
	jobService *jobservice.JobService
}

func NewServer(js *jobservice.JobService) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		jobService: js,
	}

	s.routes()
	return s
}

// Router exposes the handler for main.go.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/jobs", func(r chi.Router) {
		r.With(middleware.Timeout(10 * time.Second)).Post("/", s.handleSubmitJob)
		r.With(middleware.Timeout(5 * time.Second)).Get("/{id}", s.handleGetJob)
		r.With(middleware.Timeout(10 * time.Second)).Delete("/{id}", s.handleCancelJob)
		r.With(middleware.Timeout(5 * time.Second)).Post("/{id}/logs", s.handleIngestLog)
		// No timeout middleware: the stream lives until the job ends.
		r.Get("/{id}/logs", s.handleStreamLogs)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req model.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	resp, err := s.jobService.Submit(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobService.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobService.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, job)
}

type ingestRequest struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// handleIngestLog receives log lines from running sandboxes.
func (s *Server) handleIngestLog(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now().UTC()
	}

	if err := s.jobService.IngestLog(r.Context(), chi.URLParam(r, "id"), req.Timestamp, req.Message); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleStreamLogs upgrades to a websocket and pushes log frames until
// the job reaches a terminal state.
func (s *Server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Reject unknown jobs before the upgrade so the client gets a 404
	// instead of an opaque closed socket.
	if _, err := s.jobService.GetJob(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Log.Warn().Err(err).Str("id", id).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	err = s.jobService.StreamLogs(r.Context(), id, func(ev model.LogStreamEvent) error {
		return conn.WriteJSON(ev)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Log.Warn().Err(err).Str("id", id).Msg("log stream ended with error")
	}

	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobservice.ErrValidation), errors.Is(err, jobservice.ErrAlreadyTerminal):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, jobservice.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, jobservice.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
