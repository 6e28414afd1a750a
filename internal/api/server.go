package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/frontier"
	"github.com/JakeFAU/crawl-frontier/internal/middleware"
	"github.com/JakeFAU/crawl-frontier/internal/store"
	"github.com/JakeFAU/crawl-frontier/internal/telemetry"
)

const (
	maxBodyBytes   = 4 << 20
	readyzTimeout  = 2 * time.Second
	requestTimeout = 30 * time.Second
)

// Check reports whether a downstream dependency is reachable.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// Config controls authentication and client throttling.
type Config struct {
	AuthEnabled bool
	AuthToken   string
	RateRPS     float64
	RateBurst   int
}

// Deps are the collaborators of the HTTP server.
type Deps struct {
	Frontier store.FrontierRepository
	Hasher   frontier.Hasher
	Clock    frontier.Clock
	Checks   []Check
}

// Server wires HTTP handlers to the frontier store.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg Config, logger *zap.Logger) (*Server, error) {
	if deps.Frontier == nil || deps.Hasher == nil || deps.Clock == nil {
		return nil, errors.New("api: frontier store, hasher and clock are required")
	}
	if cfg.AuthEnabled && cfg.AuthToken == "" {
		return nil, errors.New("api: auth token is required when auth is enabled")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{deps: deps, logger: logger}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logging(logger))
	r.Use(middleware.Metrics)
	if cfg.RateRPS > 0 && cfg.RateBurst > 0 {
		r.Use(middleware.NewIPRateLimiter(cfg.RateRPS, cfg.RateBurst).Handler)
	}
	if cfg.AuthEnabled {
		r.Use(middleware.BearerAuth(cfg.AuthToken, "/healthz", "/readyz", "/metrics"))
	}
	r.Use(chimw.Timeout(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/v1/frontier", func(r chi.Router) {
		r.Post("/batch-upsert", s.batchUpsert)
	})

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyzTimeout)
	defer cancel()
	failed := map[string]string{}
	for _, c := range s.deps.Checks {
		if err := c.Ping(ctx); err != nil {
			failed[c.Name] = err.Error()
		}
	}
	if len(failed) > 0 {
		s.logger.Warn("readiness check failed", zap.Any("failures", failed))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failures": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) batchUpsert(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req BatchUpsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	n, err := s.upsert(r.Context(), &req)
	switch {
	case errors.Is(err, store.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("batch upsert failed", zap.String("source", req.Source), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "upsert failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"upserted": n})
}

func (s *Server) upsert(ctx context.Context, req *BatchUpsertRequest) (int64, error) {
	if err := req.Validate(); err != nil {
		return 0, err
	}
	seeds := frontier.PrepareSeeds(req.SeedItems(), "", s.deps.Hasher)
	n, err := s.deps.Frontier.Upsert(ctx, req.Source, seeds, s.deps.Clock.Now())
	if err != nil {
		return 0, fmt.Errorf("upsert seeds for %s: %w", req.Source, err)
	}
	s.logger.Debug("seeds upserted", zap.String("source", req.Source), zap.Int64("upserted", n))
	return n, nil
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
