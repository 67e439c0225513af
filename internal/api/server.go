// Package api exposes the HTTP interface for the studio service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/evaluation"
	"github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/metrics"
	"github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/studio"
	"github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/workflow"
)

// Canceler removes or signals a queued task. Satisfied by
// dispatcher.Dispatcher.
type Canceler interface {
	Cancel(ctx context.Context, taskID string) (bool, error)
}

// Server wires HTTP handlers to the engines and the dispatcher.
type Server struct {
	router   chi.Router
	engine   *workflow.Engine
	harness  *evaluation.Harness
	canceler Canceler
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	engine *workflow.Engine,
	harness *evaluation.Harness,
	canceler Canceler,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		engine:   engine,
		harness:  harness,
		canceler: canceler,
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/workflows", func(r chi.Router) {
			r.Post("/", s.submitWorkflow)
			r.Get("/{execution_id}", s.getExecution)
		})
		r.Route("/evaluations", func(r chi.Router) {
			r.Post("/", s.submitEvaluation)
			r.Get("/{evaluation_id}", s.getEvaluation)
		})
		r.Post("/tasks/{task_id}/cancel", s.cancelTask)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitWorkflowRequest struct {
	ArticleID string `json:"article_id"`
}

func (s *Server) submitWorkflow(w http.ResponseWriter, r *http.Request) {
	var req submitWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ArticleID == "" {
		writeError(w, http.StatusBadRequest, "article_id is required")
		return
	}
	id, err := s.engine.Submit(r.Context(), req.ArticleID)
	if err != nil {
		if studio.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "article not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"execution_id": id})
}

func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "execution_id")
	exec, err := s.engine.GetExecution(r.Context(), id)
	if err != nil {
		if studio.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "execution not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

type submitEvaluationRequest struct {
	SubagentName string `json:"subagent_name"`
	URL          string `json:"url"`
}

func (s *Server) submitEvaluation(w http.ResponseWriter, r *http.Request) {
	var req submitEvaluationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SubagentName == "" || req.URL == "" {
		writeError(w, http.StatusBadRequest, "subagent_name and url are required")
		return
	}
	// An unresolvable URL still returns 202: the evaluation exists, already
	// failed, and the caller polls it like any other.
	id, err := s.harness.Submit(r.Context(), req.SubagentName, req.URL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"evaluation_id": id})
}

func (s *Server) getEvaluation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "evaluation_id")
	eval, err := s.harness.GetEvaluation(r.Context(), id)
	if err != nil {
		if studio.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "evaluation not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, eval)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	removed, err := s.canceler.Cancel(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, studio.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := "cancel_requested"
	if removed {
		status = "canceled"
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "status": status, "removed": removed})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type requestIDKey struct{}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
