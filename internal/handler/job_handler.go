package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/dandantas/reelforge/internal/joblock"
	"github.com/dandantas/reelforge/internal/model"
	"github.com/dandantas/reelforge/internal/queue"
	"github.com/dandantas/reelforge/internal/store"
	"github.com/dandantas/reelforge/pkg/middleware"
)

// Regenerator starts a regeneration without waiting for it
type Regenerator interface {
	StartRegeneration(ctx context.Context, jobID string, from model.StageName) (joblock.Result, error)
}

// JobHandler serves job state and the job control operations
type JobHandler struct {
	jobs   store.JobStore
	stages store.StageStore
	costs  store.CostStore
	queue  *queue.WorkQueue
	regen  Regenerator
}

// NewJobHandler creates a new job handler
func NewJobHandler(jobs store.JobStore, stages store.StageStore, costs store.CostStore, q *queue.WorkQueue, regen Regenerator) *JobHandler {
	return &JobHandler{jobs: jobs, stages: stages, costs: costs, queue: q, regen: regen}
}

// SubmitRequest is the body of POST /api/v1/jobs
type SubmitRequest struct {
	SubmissionParams map[string]any `json:"submission_params"`
}

// RegenerateRequest is the body of POST /api/v1/jobs/{id}/regenerate
type RegenerateRequest struct {
	FromStage model.StageName `json:"from_stage"`
}

// ActionResponse acknowledges an accepted job operation
type ActionResponse struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// CostResponse lists the priced calls of a job
type CostResponse struct {
	JobID     string            `json:"job_id"`
	TotalCost model.Amount      `json:"total_cost"`
	Events    []model.CostEvent `json:"events"`
}

// Submit handles POST /api/v1/jobs
func (h *JobHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.SubmissionParams == nil {
		req.SubmissionParams = map[string]any{}
	}

	job := model.NewJob(uuid.New().String(), h.queue.Environment(), req.SubmissionParams)
	if err := h.jobs.CreateJob(r.Context(), job); err != nil {
		writeStoreError(w, err)
		return
	}
	if err := h.queue.Enqueue(r.Context(), model.QueueMessage{JobID: job.ID, SubmissionParams: job.SubmissionParams}); err != nil {
		slog.Error("Failed to enqueue submitted job", "job_id", job.ID, "error", err)
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	slog.Info("Job submitted",
		"job_id", job.ID,
		"environment", job.Environment,
		"correlation_id", middleware.GetCorrelationID(r.Context()),
	)
	writeJSON(w, http.StatusAccepted, job)
}

// Get handles GET /api/v1/jobs/{id}
func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// Stages handles GET /api/v1/jobs/{id}/stages
func (h *JobHandler) Stages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.jobs.GetJob(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}

	records, err := h.stages.ListStages(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if records == nil {
		records = []model.StageRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// Costs handles GET /api/v1/jobs/{id}/costs
func (h *JobHandler) Costs(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}

	events, err := h.costs.ListCostEvents(r.Context(), job.ID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if events == nil {
		events = []model.CostEvent{}
	}
	writeJSON(w, http.StatusOK, CostResponse{JobID: job.ID, TotalCost: job.TotalCost, Events: events})
}

// Cancel handles POST /api/v1/jobs/{id}/cancel. The orchestrator honours
// the request at the next stage boundary.
func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := h.jobs.GetJob(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !job.Status.IsActive() && job.Status != model.JobStatusRegenerating {
		writeError(w, http.StatusConflict, "job is "+string(job.Status)+" and cannot be cancelled")
		return
	}

	if err := h.jobs.RequestCancel(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	slog.Info("Cancellation requested", "job_id", id, "status", job.Status)
	writeJSON(w, http.StatusAccepted, ActionResponse{
		JobID:   id,
		Status:  string(job.Status),
		Message: "cancellation requested",
	})
}

// Regenerate handles POST /api/v1/jobs/{id}/regenerate
func (h *JobHandler) Regenerate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req RegenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.FromStage == "" {
		writeError(w, http.StatusBadRequest, "from_stage is required")
		return
	}
	if _, err := h.jobs.GetJob(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}

	result, err := h.regen.StartRegeneration(r.Context(), id, req.FromStage)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	switch result {
	case joblock.Acquired:
		writeJSON(w, http.StatusAccepted, ActionResponse{
			JobID:   id,
			Status:  string(model.JobStatusRegenerating),
			Message: "regeneration started from " + string(req.FromStage),
		})
	case joblock.AlreadyLocked:
		writeError(w, http.StatusConflict, "job is already regenerating")
	default:
		writeError(w, http.StatusConflict, "job changed while acquiring the regeneration lock")
	}
}
