// Package api is the HTTP front door: admin triggers, read-only run
// endpoints and manual lock inspection.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/lendersync/internal/lock"
	"github.com/SirClappington/lendersync/internal/logging"
	"github.com/SirClappington/lendersync/internal/orchestrator"
	"github.com/SirClappington/lendersync/internal/registry"
)

type Triggers interface {
	TriggerDaily(ctx context.Context, req orchestrator.DailyRequest) (orchestrator.Result, error)
	TriggerBackfill(ctx context.Context, req orchestrator.BackfillRequest) (orchestrator.Result, error)
}

type Server struct {
	triggers Triggers
	runs     registry.Registry
	locks    lock.Service
	log      *zap.Logger
}

func NewRouter(triggers Triggers, runs registry.Registry, locks lock.Service, log *zap.Logger) http.Handler {
	s := &Server{triggers: triggers, runs: runs, locks: locks, log: logging.OrNop(log)}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
	r.Get("/runs", s.listRuns)
	r.Get("/runs/{runID}", s.getRun)

	r.Route("/admin", func(r chi.Router) {
		r.Post("/runs/daily", s.triggerDaily)
		r.Post("/runs/backfill", s.triggerBackfill)
		r.Get("/locks/{key}", s.lockStatus)
		r.Delete("/locks/{key}", s.releaseLock)
	})
	return r
}

func (s *Server) triggerDaily(w http.ResponseWriter, r *http.Request) {
	req := orchestrator.DailyRequest{
		Date:  r.URL.Query().Get("date"),
		Force: queryBool(r, "force"),
	}
	res, err := s.triggers.TriggerDaily(r.Context(), req)
	s.writeResult(w, r, res, err)
}

func (s *Server) triggerBackfill(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.BackfillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, r, http.StatusBadRequest, errors.Wrap(err, "decode body"))
		return
	}
	req.Force = req.Force || queryBool(r, "force")
	res, err := s.triggers.TriggerBackfill(r.Context(), req)
	s.writeResult(w, r, res, err)
}

func (s *Server) writeResult(w http.ResponseWriter, r *http.Request, res orchestrator.Result, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		s.writeError(w, r, http.StatusBadRequest, err)
	case err != nil:
		s.writeError(w, r, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := registry.DefaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, errors.Errorf("limit %q is not a number", v))
			return
		}
		limit = n
	}
	runs, err := s.runs.List(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.Get(r.Context(), chi.URLParam(r, "runID"))
	if errors.Is(err, registry.ErrRunNotFound) {
		s.writeError(w, r, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) lockStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.locks.Status(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) releaseLock(w http.ResponseWriter, r *http.Request) {
	res, err := s.locks.Release(r.Context(), chi.URLParam(r, "key"), r.URL.Query().Get("owner"))
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	status := http.StatusOK
	switch res.Reason {
	case lock.ReasonOwnerMismatch:
		status = http.StatusConflict
	case lock.ReasonNotFound:
		status = http.StatusNotFound
	}
	writeJSON(w, status, res)
}

func queryBool(r *http.Request, name string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("path", r.URL.Path), zap.String("request_id", w.Header().Get(requestIDHeader)), zap.Error(err))
	}
	writeJSON(w, status, map[string]any{"ok": false, "error": err.Error()})
}

const requestIDHeader = "X-Request-Id"

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Info("http",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", w.Header().Get(requestIDHeader)),
		)
	})
}
