package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/IINGS/Crawler/internal/crawler"
	"github.com/IINGS/Crawler/internal/driver"
	"github.com/IINGS/Crawler/internal/metrics"
)

// Runner is the subset of *driver.Runner the API drives.
type Runner interface {
	Groups() []string
	Running(group string) bool
	LastSummary(group string) (driver.Summary, bool)
	Start(group string) error
	Stop(ctx context.Context, group string) error
}

// StateStore is the persistence the API inspects and resets.
type StateStore interface {
	crawler.CheckpointStore
	crawler.SeenStore
}

// StatsSource reports delivery counters.
type StatsSource interface {
	Stats() crawler.DeliveryStats
}

// Config tunes the HTTP surface.
type Config struct {
	// APIKey, when non-empty, is required as X-API-Key or ?api_key=.
	APIKey         string
	RequestTimeout time.Duration
	// StopTimeout bounds how long POST .../stop waits for a run to end.
	StopTimeout time.Duration
}

// Server wires HTTP handlers to the runner and state store.
type Server struct {
	router   chi.Router
	runner   Runner
	state    StateStore
	delivery StatsSource
	cfg      Config
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(runner Runner, state StateStore, delivery StatsSource, cfg Config, logger *zap.Logger) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		runner:   runner,
		state:    state,
		delivery: delivery,
		cfg:      cfg,
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))
	if cfg.APIKey != "" {
		r.Use(apiKeyMiddleware(cfg.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/groups", s.listGroups)
		r.Route("/groups/{group}", func(r chi.Router) {
			r.Use(s.requireGroup)
			r.Get("/checkpoint", s.getCheckpoint)
			r.Post("/checkpoint/reset", s.resetCheckpoint)
			r.Post("/seen/reset", s.resetSeen)
			r.Post("/run", s.startRun)
			r.Post("/stop", s.stopRun)
		})
		r.Get("/delivery/stats", s.deliveryStats)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type groupStatus struct {
	Group      string          `json:"group"`
	Running    bool            `json:"running"`
	Checkpoint string          `json:"checkpoint"`
	LastRun    *driver.Summary `json:"last_run,omitempty"`
}

func (s *Server) status(ctx context.Context, group string) (groupStatus, error) {
	cursor, err := s.state.LoadCheckpoint(ctx, group)
	if err != nil {
		return groupStatus{}, fmt.Errorf("load checkpoint %s: %w", group, err)
	}
	st := groupStatus{
		Group:      group,
		Running:    s.runner.Running(group),
		Checkpoint: cursor.String(),
	}
	if last, ok := s.runner.LastSummary(group); ok {
		st.LastRun = &last
	}
	return st, nil
}

func (s *Server) listGroups(w http.ResponseWriter, r *http.Request) {
	groups := s.runner.Groups()
	out := make([]groupStatus, 0, len(groups))
	for _, g := range groups {
		st, err := s.status(r.Context(), g)
		if err != nil {
			s.logger.Error("group status failed", zap.String("group", g), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to load checkpoints")
			return
		}
		out = append(out, st)
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": out})
}

func (s *Server) getCheckpoint(w http.ResponseWriter, r *http.Request) {
	group := chi.URLParam(r, "group")
	st, err := s.status(r.Context(), group)
	if err != nil {
		s.logger.Error("group status failed", zap.String("group", group), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load checkpoint")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) resetCheckpoint(w http.ResponseWriter, r *http.Request) {
	s.resetState(w, r, "checkpoint", s.state.ResetCheckpoint)
}

func (s *Server) resetSeen(w http.ResponseWriter, r *http.Request) {
	s.resetState(w, r, "seen", s.state.ResetSeen)
}

// resetState refuses to touch a group's state while it is being crawled.
func (s *Server) resetState(
	w http.ResponseWriter,
	r *http.Request,
	what string,
	reset func(ctx context.Context, group string) error,
) {
	group := chi.URLParam(r, "group")
	if s.runner.Running(group) {
		writeError(w, http.StatusConflict, "group is running")
		return
	}
	if err := reset(r.Context(), group); err != nil {
		s.logger.Error("state reset failed", zap.String("group", group), zap.String("state", what), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "reset failed")
		return
	}
	s.logger.Info("state reset", zap.String("group", group), zap.String("state", what))
	writeJSON(w, http.StatusOK, map[string]string{"group": group, "reset": what})
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	group := chi.URLParam(r, "group")
	err := s.runner.Start(group)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"group": group, "status": "started"})
	case errors.Is(err, driver.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, "group is already running")
	case errors.Is(err, driver.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, "shutting down")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) stopRun(w http.ResponseWriter, r *http.Request) {
	group := chi.URLParam(r, "group")
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.StopTimeout)
	defer cancel()
	if err := s.runner.Stop(ctx, group); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusRequestTimeout
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"group": group, "status": "stopped"})
}

func (s *Server) deliveryStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.delivery.Stats())
}

func (s *Server) requireGroup(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !slices.Contains(s.runner.Groups(), chi.URLParam(r, "group")) {
			writeError(w, http.StatusNotFound, "group not found")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", reqID),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
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
