package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/fineweb-news/internal/metrics"
	"github.com/JakeFAU/fineweb-news/internal/store"
)

const repoTimeout = 3 * time.Second

// Server exposes health, metrics and run progress over HTTP.
type Server struct {
	router  chi.Router
	repo    store.Repository
	metrics *metrics.Recorder
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(repo store.Repository, recorder *metrics.Recorder, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		repo:    repo,
		metrics: recorder,
		logger:  logger,
	}
	r := chi.NewRouter()
	r.Use(s.recoverMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(recorder.Middleware)

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", recorder.Handler())
	r.Route("/v1/runs/{run_id}", func(r chi.Router) {
		r.Get("/", s.getRun)
		r.Get("/subsets", s.listSubsets)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on addr until ctx is canceled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("status server listening", zap.String("addr", addr))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown status server: %w", err)
	}
	return nil
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// getRun handles GET /v1/runs/{run_id}. It returns {"run": {...}}, 400 for
// malformed IDs, 404 when the ledger does not know the run, 503 without a ledger.
func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	id, ok := s.runID(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), repoTimeout)
	defer cancel()

	run, err := s.repo.GetRun(ctx, id)
	if err != nil {
		s.repoError(w, "get run", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"run": toRunDTO(run)})
}

// listSubsets handles GET /v1/runs/{run_id}/subsets and returns {"subsets": [...]}.
func (s *Server) listSubsets(w http.ResponseWriter, r *http.Request) {
	id, ok := s.runID(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), repoTimeout)
	defer cancel()

	subsets, err := s.repo.ListSubsets(ctx, id)
	if err != nil {
		s.repoError(w, "list subsets", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"subsets": toSubsetDTOs(subsets)})
}

func (s *Server) runID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	if s.repo == nil {
		s.writeError(w, http.StatusServiceUnavailable, "run ledger unavailable")
		return uuid.UUID{}, false
	}
	id, err := uuid.Parse(chi.URLParam(r, "run_id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid run_id")
		return uuid.UUID{}, false
	}
	return id, true
}

func (s *Server) repoError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	s.logger.Error(op+" failed", zap.Error(err))
	s.writeError(w, http.StatusInternalServerError, "failed to "+op)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Debug("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (rw *statusWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

type runDTO struct {
	ID         string     `json:"id"`
	Dataset    string     `json:"dataset"`
	Result     string     `json:"result"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     string     `json:"status"`
	Error      *string    `json:"error,omitempty"`
}

type subsetDTO struct {
	Subset    string    `json:"subset"`
	State     string    `json:"state"`
	Shards    int       `json:"shards"`
	Rows      int64     `json:"rows"`
	URI       string    `json:"uri,omitempty"`
	Error     *string   `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toRunDTO(run store.Run) runDTO {
	return runDTO{
		ID:         run.ID.String(),
		Dataset:    run.Dataset,
		Result:     run.Result,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Status:     string(run.Status),
		Error:      run.ErrorMessage,
	}
}

func toSubsetDTOs(in []store.SubsetRun) []subsetDTO {
	out := make([]subsetDTO, 0, len(in))
	for _, rec := range in {
		out = append(out, subsetDTO{
			Subset:    rec.Subset,
			State:     string(rec.State),
			Shards:    rec.Shards,
			Rows:      rec.Rows,
			URI:       rec.URI,
			Error:     rec.Error,
			UpdatedAt: rec.UpdatedAt,
		})
	}
	return out
}
