// Package recovery finds jobs that stopped moving and repairs them. It is
// operational tooling: it reads the job store and queue membership, and it
// only writes through the stage machine, the lock manager and the queue.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dandantas/reelforge/internal/joblock"
	"github.com/dandantas/reelforge/internal/model"
	"github.com/dandantas/reelforge/internal/queue"
	"github.com/dandantas/reelforge/internal/stagemachine"
	"github.com/dandantas/reelforge/internal/store"
)

// Class is the diagnosis of one job
type Class string

const (
	// ClassOrphaned is an active job neither queued nor claimed by any worker
	ClassOrphaned Class = "orphaned"
	// ClassQueuedButClaimed is a queued job in the in-flight registry only
	ClassQueuedButClaimed Class = "queued_but_claimed"
	// ClassProcessingUnclaimed is a processing job still in the backlog but not claimed
	ClassProcessingUnclaimed Class = "processing_unclaimed"
	// ClassStalled is a claimed processing job whose record stopped updating
	ClassStalled Class = "stalled"
	// ClassWaiting is a queued job still in the backlog; it is only old
	ClassWaiting Class = "waiting"
	// ClassRegistryDrift is a finished job left in the in-flight registry
	ClassRegistryDrift Class = "registry_drift"
	// ClassAbandonedRegeneration is a regeneration whose owner disappeared
	ClassAbandonedRegeneration Class = "abandoned_regeneration"
)

// Action is the repair applied to a finding
type Action string

const (
	ActionNone    Action = "none"
	ActionFail    Action = "fail"
	ActionRequeue Action = "requeue"
	ActionClaim   Action = "claim"
	ActionRelease Action = "release"
)

// Failure messages written to abandoned jobs
const (
	OrphanedMessage     = "job was lost by the queue and never finished"
	StalledMessage      = "job stopped making progress"
	RegenerationMessage = "regeneration was abandoned"
)

// Finding is one job recovery would act on
type Finding struct {
	JobID     string          `json:"job_id"`
	Status    model.JobStatus `json:"status"`
	Stage     model.StageName `json:"current_stage,omitempty"`
	Progress  int             `json:"progress"`
	UpdatedAt time.Time       `json:"updated_at"`
	InBacklog bool            `json:"in_backlog"`
	InFlight  bool            `json:"in_flight"`
	Class     Class           `json:"class"`
	Action    Action          `json:"action"`
	Applied   bool            `json:"applied"`
	Error     string          `json:"error,omitempty"`
}

// Report is the result of one detection or recovery pass
type Report struct {
	Environment      string        `json:"environment"`
	Threshold        time.Duration `json:"-"`
	ThresholdSeconds int64         `json:"threshold_seconds"`
	GeneratedAt      time.Time     `json:"generated_at"`
	Findings         []Finding     `json:"findings"`
}

// Counts tallies findings by class
func (r Report) Counts() map[Class]int {
	counts := make(map[Class]int)
	for _, f := range r.Findings {
		counts[f.Class]++
	}
	return counts
}

// Config tunes the inspector
type Config struct {
	// Threshold is how long a job may go without an update before it is suspect
	Threshold time.Duration
	// RequeueStalled requeues claimed processing jobs that went quiet instead
	// of only reporting them
	RequeueStalled bool
}

// Inspector detects and repairs stuck jobs of one environment
type Inspector struct {
	jobs   store.JobStore
	queue  *queue.WorkQueue
	locks  *joblock.Manager
	config Config
	now    func() time.Time
}

// NewInspector creates an inspector
func NewInspector(jobs store.JobStore, q *queue.WorkQueue, locks *joblock.Manager, config Config) *Inspector {
	if config.Threshold <= 0 {
		config.Threshold = 30 * time.Minute
	}
	if locks == nil {
		locks = joblock.NewManager(jobs)
	}
	return &Inspector{jobs: jobs, queue: q, locks: locks, config: config, now: time.Now}
}

// Threshold returns the staleness threshold
func (i *Inspector) Threshold() time.Duration {
	return i.config.Threshold
}

// Detect lists suspect jobs without changing anything
func (i *Inspector) Detect(ctx context.Context) (Report, error) {
	now := i.now().UTC()
	report := Report{
		Environment:      i.queue.Environment(),
		Threshold:        i.config.Threshold,
		ThresholdSeconds: int64(i.config.Threshold.Seconds()),
		GeneratedAt:      now,
		Findings:         []Finding{},
	}

	stale, err := i.jobs.ListStale(ctx, i.queue.Environment(),
		[]model.JobStatus{model.JobStatusQueued, model.JobStatusProcessing, model.JobStatusRegenerating},
		now.Add(-i.config.Threshold))
	if err != nil {
		return report, fmt.Errorf("failed to list stale jobs: %w", err)
	}

	seen := make(map[string]bool, len(stale))
	for _, job := range stale {
		finding, err := i.diagnose(ctx, &job)
		if err != nil {
			return report, err
		}
		seen[job.ID] = true
		report.Findings = append(report.Findings, finding)
	}

	drift, err := i.registryDrift(ctx, seen)
	if err != nil {
		return report, err
	}
	report.Findings = append(report.Findings, drift...)
	return report, nil
}

func (i *Inspector) diagnose(ctx context.Context, job *model.Job) (Finding, error) {
	f := Finding{
		JobID:     job.ID,
		Status:    job.Status,
		Stage:     job.CurrentStage,
		Progress:  job.Progress,
		UpdatedAt: job.UpdatedAt,
	}

	var err error
	if f.InBacklog, err = i.queue.InBacklog(ctx, job.ID); err != nil {
		return f, fmt.Errorf("failed to check backlog for %s: %w", job.ID, err)
	}
	if f.InFlight, err = i.queue.InFlight(ctx, job.ID); err != nil {
		return f, fmt.Errorf("failed to check in-flight registry for %s: %w", job.ID, err)
	}

	switch {
	case job.Status == model.JobStatusRegenerating:
		f.Class, f.Action = ClassAbandonedRegeneration, ActionFail
	case !f.InBacklog && !f.InFlight:
		f.Class, f.Action = ClassOrphaned, ActionFail
	case job.Status == model.JobStatusQueued && f.InBacklog:
		f.Class, f.Action = ClassWaiting, ActionNone
	case job.Status == model.JobStatusQueued:
		f.Class, f.Action = ClassQueuedButClaimed, ActionRequeue
	case !f.InFlight:
		f.Class, f.Action = ClassProcessingUnclaimed, ActionClaim
	default:
		f.Class, f.Action = ClassStalled, ActionNone
		if i.config.RequeueStalled {
			f.Action = ActionRequeue
		}
	}
	return f, nil
}

// registryDrift finds in-flight entries whose job is no longer active
func (i *Inspector) registryDrift(ctx context.Context, seen map[string]bool) ([]Finding, error) {
	ids, err := i.queue.ListInFlight(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list in-flight jobs: %w", err)
	}

	var findings []Finding
	for _, id := range ids {
		if seen[id] {
			continue
		}
		job, err := i.jobs.GetJob(ctx, id)
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("failed to read in-flight job %s: %w", id, err)
		}
		if job != nil && job.Status.IsActive() {
			continue
		}

		f := Finding{JobID: id, InFlight: true, Class: ClassRegistryDrift, Action: ActionRelease}
		if job != nil {
			f.Status, f.Stage, f.Progress, f.UpdatedAt = job.Status, job.CurrentStage, job.Progress, job.UpdatedAt
		}
		findings = append(findings, f)
	}
	return findings, nil
}

// Recover runs Detect and applies each finding's action. A failed repair is
// recorded on its finding and does not stop the others.
func (i *Inspector) Recover(ctx context.Context) (Report, error) {
	report, err := i.Detect(ctx)
	if err != nil {
		return report, err
	}

	for idx := range report.Findings {
		f := &report.Findings[idx]
		if f.Action == ActionNone {
			continue
		}
		if err := i.repair(ctx, f); err != nil {
			f.Error = err.Error()
			slog.Error("Failed to repair job",
				"job_id", f.JobID,
				"class", f.Class,
				"action", f.Action,
				"error", err,
			)
			continue
		}
		f.Applied = true
		slog.Info("Repaired job",
			"job_id", f.JobID,
			"class", f.Class,
			"action", f.Action,
			"environment", report.Environment,
		)
	}
	return report, nil
}

func (i *Inspector) repair(ctx context.Context, f *Finding) error {
	switch f.Action {
	case ActionRelease:
		_, err := i.queue.ForceRelease(ctx, f.JobID)
		return err
	case ActionClaim:
		return i.queue.Claim(ctx, f.JobID)
	case ActionRequeue:
		job, err := i.jobs.GetJob(ctx, f.JobID)
		if err != nil {
			return err
		}
		return i.queue.Requeue(ctx, model.QueueMessage{JobID: job.ID, SubmissionParams: job.SubmissionParams})
	case ActionFail:
		if f.Class == ClassAbandonedRegeneration {
			// a regeneration that wrote since detection is alive and keeps its lock
			err := i.locks.Release(ctx, f.JobID, model.JobStatusFailed, model.StatusExtras{
				ErrorMessage:   ptr(RegenerationMessage),
				UnchangedSince: ptr(f.UpdatedAt),
			})
			if model.IsValidation(err) {
				return fmt.Errorf("job %s changed since detection", f.JobID)
			}
			return err
		}
		return i.abandon(ctx, f)
	default:
		return nil
	}
}

func (i *Inspector) abandon(ctx context.Context, f *Finding) error {
	job, err := i.jobs.GetJob(ctx, f.JobID)
	if err != nil {
		return err
	}
	if job.Status != f.Status || !job.UpdatedAt.Equal(f.UpdatedAt) {
		return fmt.Errorf("job %s changed since detection", f.JobID)
	}

	message := OrphanedMessage
	if job.Status == model.JobStatusProcessing {
		message = StalledMessage
	}
	t, err := stagemachine.Abandon(job, message, i.now().UTC())
	if err != nil {
		return err
	}
	if err := i.jobs.ApplyTransition(ctx, t); err != nil {
		return err
	}

	// a missed release must not leave the registry pointing at a dead job
	if f.InFlight {
		_, err = i.queue.ForceRelease(ctx, f.JobID)
	}
	return err
}

func ptr[T any](v T) *T {
	return &v
}
