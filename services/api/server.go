// Package api serves the historical query endpoints over stored test results.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/illmade-knight/teststation/pkg/resultstore"
	"github.com/illmade-knight/teststation/pkg/types"
	"github.com/rs/zerolog"
)

const (
	defaultLimit = 20
	maxLimit     = 100
)

// Store is the read side of the result store.
type Store interface {
	LatestForMachine(ctx context.Context, machineID string) (*types.TestResult, error)
	ListResults(ctx context.Context, skip, limit int) ([]types.TestResult, error)
	Stats(ctx context.Context) (types.ResultStats, error)
}

// Server holds the dependencies of the query API.
type Server struct {
	store      Store
	live       http.Handler
	prometheus http.Handler
	logger     zerolog.Logger
}

// NewServer creates the API. live and prometheus are optional handlers mounted
// at /ws/live and /prometheus.
func NewServer(store Store, live, prometheus http.Handler, logger zerolog.Logger) (*Server, error) {
	if store == nil {
		return nil, errors.New("api: store is required")
	}
	return &Server{
		store:      store,
		live:       live,
		prometheus: prometheus,
		logger:     logger.With().Str("component", "API").Logger(),
	}, nil
}

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}))

	if s.live != nil {
		r.Handle("/ws/live", s.live)
	}
	if s.prometheus != nil {
		r.Handle("/prometheus", s.prometheus)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Get("/health", s.health)
		r.Get("/machines/{machine_id}/status", s.machineStatus)
		r.Get("/results", s.results)
		r.Get("/metrics", s.metrics)
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) machineStatus(w http.ResponseWriter, r *http.Request) {
	machineID := chi.URLParam(r, "machine_id")
	result, err := s.store.LatestForMachine(r.Context(), machineID)
	if errors.Is(err, resultstore.ErrNotFound) {
		writeDetail(w, http.StatusNotFound, "Machine not found")
		return
	}
	if err != nil {
		s.fail(w, r, err, "latest result lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) results(w http.ResponseWriter, r *http.Request) {
	skip, err := queryInt(r, "skip", 0)
	if err != nil || skip < 0 {
		writeDetail(w, http.StatusBadRequest, "skip must be a non-negative integer")
		return
	}
	limit, err := queryInt(r, "limit", defaultLimit)
	if err != nil || limit < 1 {
		writeDetail(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	results, err := s.store.ListResults(r.Context(), skip, limit)
	if err != nil {
		s.fail(w, r, err, "listing results failed")
		return
	}
	if results == nil {
		results = []types.TestResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.fail(w, r, err, "stats query failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error, msg string) {
	s.logger.Error().Err(err).Str("request_id", middleware.GetReqID(r.Context())).Str("path", r.URL.Path).Msg(msg)
	writeDetail(w, http.StatusInternalServerError, "Internal server error")
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
