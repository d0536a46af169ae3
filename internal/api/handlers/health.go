package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/ctrls/intake/pkg/circuitbreaker"
)

// Pinger checks a dependency's reachability
type Pinger interface {
	Ping(ctx context.Context) error
}

// QueueHealth reports whether the processing queue has headroom
type QueueHealth interface {
	IsHealthy() bool
}

// HealthHandler serves liveness and readiness probes
type HealthHandler struct {
	service  string
	db       Pinger
	queue    QueueHealth
	breakers func() []circuitbreaker.HealthStatus
}

// NewHealthHandler creates a new handler. breakers may be nil.
func NewHealthHandler(service string, db Pinger, queue QueueHealth, breakers func() []circuitbreaker.HealthStatus) *HealthHandler {
	return &HealthHandler{service: service, db: db, queue: queue, breakers: breakers}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": h.service})
}

// Ready handles GET /ready: the database answers and the queue is not
// saturated.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "reason": "database unreachable"})
		return
	}
	if h.queue != nil && !h.queue.IsHealthy() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "reason": "processing queue saturated"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Breakers handles GET /health/breakers with the directory breaker states
func (h *HealthHandler) Breakers(w http.ResponseWriter, r *http.Request) {
	statuses := []circuitbreaker.HealthStatus{}
	if h.breakers != nil {
		statuses = append(statuses, h.breakers()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"breakers": statuses})
}
