package handler

import (
	"net/http"

	"github.com/dandantas/reelforge/internal/queue"
	"github.com/dandantas/reelforge/internal/recovery"
)

// DiagnosticsHandler exposes queue and recovery state read-only
type DiagnosticsHandler struct {
	queue     *queue.WorkQueue
	inspector *recovery.Inspector
	sweeper   *recovery.Sweeper
}

// NewDiagnosticsHandler creates a new diagnostics handler. sweeper may be nil
// when scheduled recovery is disabled.
func NewDiagnosticsHandler(q *queue.WorkQueue, inspector *recovery.Inspector, sweeper *recovery.Sweeper) *DiagnosticsHandler {
	return &DiagnosticsHandler{queue: q, inspector: inspector, sweeper: sweeper}
}

// StaleResponse is the body of GET /api/v1/diagnostics/stale
type StaleResponse struct {
	recovery.Report
	Counts map[recovery.Class]int `json:"counts"`
}

// QueueStats handles GET /api/v1/queue/stats
func (h *DiagnosticsHandler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Stale handles GET /api/v1/diagnostics/stale. It never repairs anything;
// ?class= filters the findings and ?limit= caps them.
func (h *DiagnosticsHandler) Stale(w http.ResponseWriter, r *http.Request) {
	report, err := h.inspector.Detect(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	counts := report.Counts()
	if class := r.URL.Query().Get("class"); class != "" {
		filtered := report.Findings[:0]
		for _, f := range report.Findings {
			if string(f.Class) == class {
				filtered = append(filtered, f)
			}
		}
		report.Findings = filtered
	}
	if limit := parseQueryInt(r, "limit", 0); limit > 0 && len(report.Findings) > limit {
		report.Findings = report.Findings[:limit]
	}

	writeJSON(w, http.StatusOK, StaleResponse{Report: report, Counts: counts})
}

// LastSweep handles GET /api/v1/diagnostics/sweeps/last
func (h *DiagnosticsHandler) LastSweep(w http.ResponseWriter, r *http.Request) {
	if h.sweeper == nil {
		writeError(w, http.StatusNotFound, "scheduled recovery is disabled")
		return
	}
	last := h.sweeper.Last()
	if last == nil {
		writeError(w, http.StatusNotFound, "no sweep has run yet")
		return
	}
	writeJSON(w, http.StatusOK, last)
}
