// Package api provides the HTTP status server for devmesh: device state,
// training runs, health and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/devmesh/devmesh/internal/domain"
	"github.com/devmesh/devmesh/internal/health"
	"github.com/devmesh/devmesh/internal/infra/device"
)

// RunStore is the read side of the state DB. *sqlite.DB implements it.
type RunStore interface {
	ListRuns(limit int) ([]domain.Run, error)
	GetRun(id string) (*domain.Run, error)
	ListEvents(runID string) ([]domain.DeviceEvent, error)
	ListEpochs(runID string) ([]domain.EpochSummary, error)
	BatchCounts(runID string) (map[domain.BatchStatus]int, error)
}

// Fleet reports worker state. *device.Group implements it.
type Fleet interface {
	Stats(ctx context.Context) []device.Stats
}

// HealthSource is satisfied by *health.Checker.
type HealthSource interface {
	Statuses() []health.Status
	IsHealthy() bool
}

// Server is the devmesh HTTP API server.
type Server struct {
	runs           RunStore
	health         HealthSource
	metricsEnabled bool

	mu    sync.RWMutex
	fleet Fleet
}

// NewServer creates a new API server. health may be nil.
func NewServer(runs RunStore, h HealthSource) *Server {
	return &Server{runs: runs, health: h}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetFleet publishes the devices of the current run. Passing nil clears it.
func (s *Server) SetFleet(f Fleet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fleet = f
}

func (s *Server) currentFleet() Fleet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fleet
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(corsMiddleware)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/devices", s.handleDevices)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{id}", s.handleGetRun)
		r.Get("/runs/{id}/events", s.handleRunEvents)
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    "error",
		},
	})
}

// corsMiddleware adds CORS headers for local dashboards.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
