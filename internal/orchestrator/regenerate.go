package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dandantas/reelforge/internal/events"
	"github.com/dandantas/reelforge/internal/joblock"
	"github.com/dandantas/reelforge/internal/model"
	"github.com/dandantas/reelforge/internal/retry"
	"github.com/dandantas/reelforge/internal/stagemachine"
)

// Regenerate re-runs a completed or failed job from stage `from` and waits
// for it. Only the caller that wins the job lock does any work; everyone
// else gets NotAcquired or AlreadyLocked back.
func (o *Orchestrator) Regenerate(ctx context.Context, jobID string, from model.StageName) (joblock.Result, error) {
	result, job, err := o.acquire(ctx, jobID, from)
	if err != nil || result != joblock.Acquired {
		return result, err
	}
	return result, o.regenerate(ctx, job, from)
}

// StartRegeneration acquires the lock like Regenerate but runs the stages in
// the background, detached from ctx's cancellation so a request-scoped ctx
// can be passed. Wait blocks until background regenerations finish.
func (o *Orchestrator) StartRegeneration(ctx context.Context, jobID string, from model.StageName) (joblock.Result, error) {
	result, job, err := o.acquire(ctx, jobID, from)
	if err != nil || result != joblock.Acquired {
		return result, err
	}

	runCtx := context.WithoutCancel(ctx)
	o.background.Add(1)
	go func() {
		defer o.background.Done()
		if err := o.regenerate(runCtx, job, from); err != nil {
			slog.Error("Regeneration failed", "job_id", jobID, "error", err)
		}
	}()
	return result, nil
}

// Wait blocks until every background regeneration has returned
func (o *Orchestrator) Wait() {
	o.background.Wait()
}

func (o *Orchestrator) acquire(ctx context.Context, jobID string, from model.StageName) (joblock.Result, *model.Job, error) {
	if _, ok := stagemachine.Lookup(from); !ok {
		return joblock.NotAcquired, nil, model.NewValidationError("regenerate", "unknown stage %q", from)
	}

	result, err := o.deps.Locks.Acquire(ctx, jobID)
	if err != nil || result != joblock.Acquired {
		return result, nil, err
	}

	job, err := retry.Do(ctx, o.storeRetry, "get job", func(ctx context.Context) (*model.Job, error) {
		return o.deps.Jobs.GetJob(ctx, jobID)
	})
	if err != nil {
		o.releaseLock(ctx, jobID, model.JobStatusFailed, model.StatusExtras{ErrorMessage: ptr("regeneration could not start")})
		return joblock.NotAcquired, nil, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	return result, job, nil
}

// regenerate runs the stages of a locked job and always releases the lock
func (o *Orchestrator) regenerate(ctx context.Context, job *model.Job, from model.StageName) error {
	log := slog.With("job_id", job.ID, "from_stage", from)
	log.Info("Regenerating job")

	final, err := o.run(ctx, job, from)
	defer o.deps.Costs.Evict(job.ID)

	if err != nil {
		o.releaseLock(ctx, job.ID, model.JobStatusFailed, model.StatusExtras{ErrorMessage: ptr(model.UserMessage(err))})
		return err
	}

	if final.ErrorMessage != "" || !stagemachine.IsLast(final.CurrentStage) || final.Progress < 100 {
		message := final.ErrorMessage
		if message == "" {
			message = "regeneration stopped before the last stage"
		}
		o.releaseLock(ctx, job.ID, model.JobStatusFailed, model.StatusExtras{ErrorMessage: &message})
		final.Status = model.JobStatusFailed
		o.emit(final, events.TypeJobFailed, map[string]any{"regeneration": true, "error": message})
		return nil
	}

	empty := ""
	o.releaseLock(ctx, job.ID, model.JobStatusCompleted, model.StatusExtras{
		OutputURL:    &final.OutputURL,
		ErrorMessage: &empty,
		Progress:     ptr(100),
	})
	final.Status = model.JobStatusCompleted
	o.emit(final, events.TypeJobCompleted, map[string]any{"regeneration": true, "output_url": final.OutputURL})
	log.Info("Regeneration completed", "output_url", final.OutputURL)
	return nil
}

func (o *Orchestrator) releaseLock(ctx context.Context, jobID string, terminal model.JobStatus, extras model.StatusExtras) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	err := retry.Run(releaseCtx, o.storeRetry, "release lock", func(ctx context.Context) error {
		return o.deps.Locks.Release(ctx, jobID, terminal, extras)
	})
	if err != nil {
		slog.Error("Failed to release regeneration lock", "job_id", jobID, "status", terminal, "error", err)
	}
}

func ptr[T any](v T) *T {
	return &v
}
