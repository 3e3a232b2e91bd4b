package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves readiness checks.
type HealthHandler struct {
	store   Pinger
	timeout time.Duration
}

// NewHealthHandler creates a readiness handler over the store.
func NewHealthHandler(store Pinger) *HealthHandler {
	return &HealthHandler{store: store, timeout: 2 * time.Second}
}

// RegisterHealth registers health routes. Liveness is served by the
// heartbeat middleware at /health.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health/ready", h.Ready)
}

// Ready reports whether the store answers.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		slog.Warn("Readiness check failed", "error", err)
		JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "store": err.Error()})
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
