package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/recall-labs/internal/config"
	"github.com/go-chi/chi/v5"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// Ping calls f.
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo      Pinger
	collector Pinger
	cfg       *config.Config
}

// NewHealthHandler creates a new health handler. collector may be nil
// when uploads go to local files.
func NewHealthHandler(repo, collector Pinger, cfg *config.Config) *HealthHandler {
	return &HealthHandler{repo: repo, collector: collector, cfg: cfg}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	healthCheckTimeout := 5 * time.Second
	if h.cfg != nil {
		healthCheckTimeout = h.cfg.Timeout.HealthCheck
	}
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "dependency", "database", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	if h.collector != nil {
		if err := h.collector.Ping(ctx); err != nil {
			// a collector outage degrades but does not fail the check
			slog.Warn("Health check failed", "dependency", "collector", "error", err)
			status["status"] = "degraded"
			checks["collector"] = "unreachable"
		} else {
			checks["collector"] = "ok"
		}
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
