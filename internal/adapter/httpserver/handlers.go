package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/sonicx222/arb-coordinator/internal/domain"
)

// StatusSource is the read-only view the coordinator exposes to HTTP. All
// returned collections are defensive copies.
type StatusSource interface {
	// Status reports the lifecycle state, leadership, tier, and metrics snapshot.
	Status() map[string]any
	// Opportunities lists the current opportunity store.
	Opportunities() []domain.Opportunity
	// Services lists the current service-health records.
	Services() map[string]domain.ServiceHealth
	// Ready verifies broker connectivity.
	Ready(ctx context.Context) error
}

// Server serves the coordinator's status endpoints.
type Server struct {
	src StatusSource
}

// NewServer constructs a Server over a status source.
func NewServer(src StatusSource) *Server {
	return &Server{src: src}
}

// HealthzHandler reports process liveness.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UnixMilli(),
		})
	}
}

// ReadyzHandler reports broker reachability; a failure is a 503.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.src.Ready(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not ready",
				"error":  err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	}
}

// StatusHandler reports the full coordinator status snapshot.
func (s *Server) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.src.Status())
	}
}

// OpportunitiesHandler lists the opportunity store.
func (s *Server) OpportunitiesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		opps := s.src.Opportunities()
		writeJSON(w, http.StatusOK, map[string]any{
			"count":         len(opps),
			"opportunities": opps,
		})
	}
}

// ServicesHandler lists service-health records.
func (s *Server) ServicesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.src.Services())
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("response encode failed", slog.Any("error", err))
	}
}
