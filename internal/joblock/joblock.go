// Package joblock admits at most one regeneration per job. Exclusivity comes
// entirely from the store's compare-and-swap on the job status, so it holds
// across processes.
package joblock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dandantas/reelforge/internal/model"
	"github.com/dandantas/reelforge/internal/stagemachine"
	"github.com/dandantas/reelforge/internal/store"
)

// Result is the outcome of an Acquire call
type Result int

const (
	// Acquired means the caller now owns the regeneration
	Acquired Result = iota
	// NotAcquired means another caller won the compare-and-swap
	NotAcquired
	// AlreadyLocked means the job was already regenerating when read
	AlreadyLocked
)

func (r Result) String() string {
	switch r {
	case Acquired:
		return "acquired"
	case NotAcquired:
		return "not_acquired"
	case AlreadyLocked:
		return "already_locked"
	default:
		return "unknown"
	}
}

// Manager implements acquire and release over a JobStore
type Manager struct {
	jobs store.JobStore
}

// NewManager creates a lock manager
func NewManager(jobs store.JobStore) *Manager {
	return &Manager{jobs: jobs}
}

// Acquire moves a completed or failed job into regenerating. Losing the race
// is reported as NotAcquired, not as an error.
func (m *Manager) Acquire(ctx context.Context, jobID string) (Result, error) {
	job, err := m.jobs.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return NotAcquired, model.NewValidationError("acquire", "job %s not found", jobID)
		}
		return NotAcquired, fmt.Errorf("failed to read job %s: %w", jobID, err)
	}

	if job.Status == model.JobStatusRegenerating {
		return AlreadyLocked, nil
	}
	if err := stagemachine.ValidateTransition(job.Status, model.JobStatusRegenerating); err != nil {
		return NotAcquired, model.NewValidationError("acquire",
			"job %s is %s; only completed or failed jobs can be regenerated", jobID, job.Status)
	}

	swapped, err := m.jobs.CompareAndSwapStatus(ctx, jobID, job.Status, model.JobStatusRegenerating, model.StatusExtras{})
	if err != nil {
		return NotAcquired, fmt.Errorf("failed to lock job %s: %w", jobID, err)
	}
	if !swapped {
		slog.Info("Regeneration lock not acquired", "job_id", jobID, "read_status", job.Status)
		return NotAcquired, nil
	}

	slog.Info("Regeneration lock acquired", "job_id", jobID, "previous_status", job.Status)
	return Acquired, nil
}

// Release resolves a regenerating job to completed or failed, writing extras
// in the same guarded update
func (m *Manager) Release(ctx context.Context, jobID string, terminal model.JobStatus, extras model.StatusExtras) error {
	if err := stagemachine.ValidateTransition(model.JobStatusRegenerating, terminal); err != nil {
		return err
	}

	swapped, err := m.jobs.CompareAndSwapStatus(ctx, jobID, model.JobStatusRegenerating, terminal, extras)
	if err != nil {
		return fmt.Errorf("failed to release job %s: %w", jobID, err)
	}
	if !swapped {
		return model.NewValidationError("release", "job %s is not regenerating", jobID)
	}

	slog.Info("Regeneration lock released", "job_id", jobID, "status", terminal)
	return nil
}
