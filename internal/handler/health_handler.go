package handler

import (
	"net/http"
	"time"

	"github.com/dandantas/reelforge/internal/store"
)

// HealthHandler handles service health and readiness checks
type HealthHandler struct {
	store       store.Pinger
	backend     string
	environment string
	version     string
	startTime   time.Time
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(s store.Pinger, backend, environment, version string) *HealthHandler {
	return &HealthHandler{
		store:       s,
		backend:     backend,
		environment: environment,
		version:     version,
		startTime:   time.Now(),
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Environment   string `json:"environment"`
	Timestamp     string `json:"timestamp"`
	Store         string `json:"store"`
	StoreBackend  string `json:"store_backend"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// ReadyResponse represents the readiness check response
type ReadyResponse struct {
	Ready bool   `json:"ready"`
	Store string `json:"store"`
}

func (h *HealthHandler) storeStatus(r *http.Request) string {
	if err := h.store.Ping(r.Context()); err != nil {
		return "disconnected"
	}
	return "connected"
}

// Health handles GET /health. The process is healthy while it can answer;
// store reachability is reported but does not fail the probe.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:        "healthy",
		Version:       h.version,
		Environment:   h.environment,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Store:         h.storeStatus(r),
		StoreBackend:  h.backend,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	status := h.storeStatus(r)
	ready := status == "connected"

	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, ReadyResponse{Ready: ready, Store: status})
}
