package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

const healthTimeout = 5 * time.Second

// Pinger is a dependency the health endpoint checks
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PingFunc adapts a function to Pinger
type PingFunc func(ctx context.Context) error

// PingContext calls f
func (f PingFunc) PingContext(ctx context.Context) error { return f(ctx) }

// HealthHandler reports the reachability of the database and the event queue
type HealthHandler struct {
	checks map[string]Pinger
	logger *slog.Logger
}

// NewHealthHandler creates a health handler. A nil queue is reported as
// not configured.
func NewHealthHandler(database Pinger, queue Pinger, logger *slog.Logger) *HealthHandler {
	checks := map[string]Pinger{"database": database}
	if queue != nil {
		checks["queue"] = queue
	}
	return &HealthHandler{checks: checks, logger: logger}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services"`
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	response := HealthResponse{
		Status:   "healthy",
		Services: map[string]string{"queue": "not_configured"},
	}

	for name, check := range h.checks {
		if err := check.PingContext(ctx); err != nil {
			h.logger.Error("health check failed",
				slog.String("service", name),
				slog.String("error", err.Error()),
			)
			response.Status = "unhealthy"
			response.Services[name] = "unhealthy"
			continue
		}
		response.Services[name] = "healthy"
	}

	if response.Status != "healthy" {
		respondJSON(w, http.StatusServiceUnavailable, response)
		return
	}
	respondSuccess(w, response)
}
