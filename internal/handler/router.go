package handler

import (
	"net/http"

	"github.com/dandantas/reelforge/pkg/middleware"
)

// Router handles HTTP routing
type Router struct {
	jobHandler         *JobHandler
	diagnosticsHandler *DiagnosticsHandler
	healthHandler      *HealthHandler
	corsConfig         middleware.CORSConfig
}

// NewRouter creates a new router
func NewRouter(
	jobHandler *JobHandler,
	diagnosticsHandler *DiagnosticsHandler,
	healthHandler *HealthHandler,
	corsConfig middleware.CORSConfig,
) *Router {
	return &Router{
		jobHandler:         jobHandler,
		diagnosticsHandler: diagnosticsHandler,
		healthHandler:      healthHandler,
		corsConfig:         corsConfig,
	}
}

// Handler returns the configured HTTP handler with middleware
func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", rt.healthHandler.Health)
	mux.HandleFunc("GET /ready", rt.healthHandler.Ready)

	mux.HandleFunc("POST /api/v1/jobs", rt.jobHandler.Submit)
	mux.HandleFunc("GET /api/v1/jobs/{id}", rt.jobHandler.Get)
	mux.HandleFunc("GET /api/v1/jobs/{id}/stages", rt.jobHandler.Stages)
	mux.HandleFunc("GET /api/v1/jobs/{id}/costs", rt.jobHandler.Costs)
	mux.HandleFunc("POST /api/v1/jobs/{id}/cancel", rt.jobHandler.Cancel)
	mux.HandleFunc("POST /api/v1/jobs/{id}/regenerate", rt.jobHandler.Regenerate)

	mux.HandleFunc("GET /api/v1/queue/stats", rt.diagnosticsHandler.QueueStats)
	mux.HandleFunc("GET /api/v1/diagnostics/stale", rt.diagnosticsHandler.Stale)
	mux.HandleFunc("GET /api/v1/diagnostics/sweeps/last", rt.diagnosticsHandler.LastSweep)

	// CORS first to answer preflight requests
	handler := middleware.CORS(rt.corsConfig)(mux)
	handler = middleware.Recovery(handler)
	handler = middleware.Logging(handler)
	handler = middleware.CorrelationID(handler)

	return handler
}
