// Package orchestrator is the consumer side of the pipeline. It claims jobs
// from the work queue and walks them through the stage sequence, persisting
// every stage outcome through the stage machine before starting the next.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dandantas/reelforge/internal/binding"
	"github.com/dandantas/reelforge/internal/cache"
	"github.com/dandantas/reelforge/internal/collaborator"
	"github.com/dandantas/reelforge/internal/cost"
	"github.com/dandantas/reelforge/internal/eta"
	"github.com/dandantas/reelforge/internal/events"
	"github.com/dandantas/reelforge/internal/joblock"
	"github.com/dandantas/reelforge/internal/model"
	"github.com/dandantas/reelforge/internal/queue"
	"github.com/dandantas/reelforge/internal/retry"
	"github.com/dandantas/reelforge/internal/stagemachine"
	"github.com/dandantas/reelforge/internal/store"
)

// CancelledMessage is the error message of a job stopped on user request
const CancelledMessage = "cancelled by user"

var errCancelled = errors.New(CancelledMessage)

// Config tunes the orchestrator
type Config struct {
	// BudgetLimit is the per-job spending ceiling
	BudgetLimit model.Amount
	// StageRetry retries collaborator calls that fail with a retryable StageError
	StageRetry retry.Config
	// StoreRetry retries transient store failures on the write path
	StoreRetry retry.Config
	// ProgressInterval throttles in-stage progress writes
	ProgressInterval time.Duration
	// HeartbeatInterval refreshes updated_at during long stages; zero disables it
	HeartbeatInterval time.Duration
	// CacheTTL is how long stage results stay in the result cache
	CacheTTL time.Duration
}

// Deps are the components the orchestrator drives
type Deps struct {
	Jobs     store.JobStore
	Stages   store.StageStore
	Queue    *queue.WorkQueue
	Locks    *joblock.Manager
	Costs    *cost.Tracker
	Cache    *cache.Cache
	Bindings *binding.Resolver
	Registry collaborator.Registry
	Profile  *eta.Profile
	Events   events.Emitter
}

// Orchestrator processes jobs end to end
type Orchestrator struct {
	deps       Deps
	config     Config
	stageRetry *retry.Strategy
	storeRetry *retry.Strategy
	now        func() time.Time
	background sync.WaitGroup
}

// New creates an orchestrator
func New(deps Deps, config Config) (*Orchestrator, error) {
	if deps.Jobs == nil || deps.Stages == nil || deps.Queue == nil || deps.Costs == nil {
		return nil, errors.New("orchestrator requires a job store, stage store, queue and cost tracker")
	}
	if err := deps.Registry.Validate(); err != nil {
		return nil, err
	}
	if deps.Locks == nil {
		deps.Locks = joblock.NewManager(deps.Jobs)
	}
	if deps.Bindings == nil {
		deps.Bindings = binding.NewResolver(binding.DefaultTable())
	}
	if deps.Events == nil {
		deps.Events = events.Discard{}
	}
	if config.BudgetLimit <= 0 {
		config.BudgetLimit = model.AmountFromFloat(50)
	}
	if config.ProgressInterval <= 0 {
		config.ProgressInterval = 2 * time.Second
	}

	return &Orchestrator{
		deps:       deps,
		config:     config,
		stageRetry: retry.NewStrategy(config.StageRetry),
		storeRetry: retry.NewStrategy(config.StoreRetry),
		now:        time.Now,
	}, nil
}

// ProcessNext claims the next job from the queue and processes it. It
// reports false when the backlog was empty.
func (o *Orchestrator) ProcessNext(ctx context.Context) (bool, error) {
	msg, ok, err := o.deps.Queue.DequeueAndClaim(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return true, o.Process(ctx, *msg)
}

// Process runs a claimed job and releases its in-flight claim whatever the
// outcome. Stage failures terminalize the job and are not returned; the
// error only reports that the job could not be driven at all.
func (o *Orchestrator) Process(ctx context.Context, msg model.QueueMessage) error {
	interrupted := false
	defer func() {
		if interrupted {
			o.requeue(ctx, msg)
			return
		}
		o.release(ctx, msg.JobID)
	}()

	log := slog.With("job_id", msg.JobID)

	job, err := retry.Do(ctx, o.storeRetry, "get job", func(ctx context.Context) (*model.Job, error) {
		return o.deps.Jobs.GetJob(ctx, msg.JobID)
	})
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			log.Warn("Dropping queue message for unknown job")
			return nil
		}
		return fmt.Errorf("failed to load job %s: %w", msg.JobID, err)
	}

	if !job.Status.IsActive() {
		log.Info("Skipping job that is no longer active", "status", job.Status)
		return nil
	}
	if job.SubmissionParams == nil {
		job.SubmissionParams = msg.SubmissionParams
	}

	from := job.CurrentStage
	if from == "" {
		from = stagemachine.First()
	} else {
		log.Info("Resuming job", "stage", from, "status", job.Status)
	}

	log.Info("Processing job", "environment", job.Environment, "from_stage", from)
	start := o.now()

	final, err := o.run(ctx, job, from)
	if err != nil {
		if ctx.Err() != nil {
			interrupted = true
			log.Warn("Job interrupted, returning it to the backlog", "stage", final.CurrentStage)
			return err
		}
		log.Error("Job processing aborted", "error", err)
		return err
	}

	log.Info("Job finished",
		"status", final.Status,
		"duration_ms", o.now().Sub(start).Milliseconds(),
	)
	o.deps.Costs.Evict(job.ID)
	return nil
}

// requeue hands an interrupted job to the next worker. The job record keeps
// its current stage, so processing resumes there.
func (o *Orchestrator) requeue(ctx context.Context, msg model.QueueMessage) {
	requeueCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := o.deps.Queue.Requeue(requeueCtx, msg); err != nil {
		slog.Error("Failed to requeue interrupted job", "job_id", msg.JobID, "error", err)
	}
}

func (o *Orchestrator) release(ctx context.Context, jobID string) {
	// the claim must be released even when ctx was cancelled mid-job
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := o.deps.Queue.Release(releaseCtx, jobID); err != nil {
		slog.Error("Failed to release in-flight claim", "job_id", jobID, "error", err)
	}
}

// run walks job from stage to the end of the sequence. The returned job is
// the last persisted state. An error means a write was lost or the job was
// changed by someone else; stage failures are recorded and not returned.
func (o *Orchestrator) run(ctx context.Context, job *model.Job, from model.StageName) (*model.Job, error) {
	prior, err := o.priorMetadata(ctx, job.ID, from)
	if err != nil {
		return job, err
	}
	total := job.TotalCost

	for stage := from; ; {
		cancelled, err := o.cancelRequested(ctx, job.ID)
		if err != nil {
			return job, err
		}

		t, err := stagemachine.StartStage(job, stage, o.now())
		if err != nil {
			return job, err
		}
		o.setEstimate(t.Job, stage)
		if err := o.apply(ctx, t); err != nil {
			return job, err
		}
		job = t.Job
		o.emit(job, events.TypeStageStarted, map[string]any{"stage": stage, "total_cost": total.String()})

		var outcome stagemachine.Outcome
		if cancelled {
			outcome = stagemachine.Failed(errCancelled, 0)
		} else {
			var spent model.Amount
			job, outcome, spent = o.runStage(ctx, job, stage, prior)
			if spent > 0 {
				total = spent
			}
			if err := ctx.Err(); err != nil {
				return job, err
			}
		}

		t, err = stagemachine.Advance(job, stage, outcome, o.now())
		if err != nil {
			return job, err
		}
		if outcome.OK() {
			prior[stage] = outcome.Metadata
			if stagemachine.IsLast(stage) {
				if url, ok := outcome.Metadata[collaborator.OutputURLKey].(string); ok {
					t.Job.OutputURL = url
				}
			} else {
				o.setEstimate(t.Job, t.Job.CurrentStage)
			}
		} else {
			t.Job.EstimatedRemaining = nil
		}
		if err := o.apply(ctx, t); err != nil {
			return job, err
		}
		job = t.Job

		switch {
		case !outcome.OK():
			slog.Warn("Stage failed", "job_id", job.ID, "stage", stage, "error", outcome.Err)
			if job.Status == model.JobStatusFailed {
				o.emit(job, events.TypeJobFailed, map[string]any{"stage": stage, "error": job.ErrorMessage, "total_cost": total.String()})
			}
			return job, nil
		case stagemachine.IsLast(stage):
			if job.Status == model.JobStatusCompleted {
				o.emit(job, events.TypeJobCompleted, map[string]any{"output_url": job.OutputURL, "total_cost": total.String()})
			}
			return job, nil
		default:
			o.emit(job, events.TypeProgress, map[string]any{"completed_stage": stage, "total_cost": total.String()})
			stage = job.CurrentStage
		}
	}
}

// runStage resolves inputs, consults the cache and invokes the
// collaborator. It returns the job as last written by progress reports, the
// stage outcome and the job's total cost when it changed.
func (o *Orchestrator) runStage(ctx context.Context, job *model.Job, stage model.StageName, prior map[model.StageName]map[string]any) (*model.Job, stagemachine.Outcome, model.Amount) {
	started := o.now()
	log := slog.With("job_id", job.ID, "stage", stage)

	inputs, err := o.deps.Bindings.Resolve(stage, binding.Source{Params: job.SubmissionParams, Stages: prior})
	if err != nil {
		return job, stagemachine.Failed(err, o.now().Sub(started)), 0
	}

	var hash string
	if ref, ok := binding.Ref(inputs); ok && o.deps.Cache != nil {
		value, h, hit := o.deps.Cache.Lookup(ctx, stage, ref)
		hash = h
		if hit {
			var metadata map[string]any
			if err := json.Unmarshal(value, &metadata); err == nil {
				log.Info("Stage result served from cache", "hash", hash)
				metadata["cache_hit"] = true
				return job, stagemachine.Succeeded(metadata, o.now().Sub(started)), 0
			}
			log.Warn("Discarding unreadable cache entry", "hash", hash)
		}
	}

	// a job already over budget never reaches a paid call
	estimate := o.deps.Profile.EstimatedCost(stage)
	if err := retry.Run(ctx, o.storeRetry, "check budget", func(ctx context.Context) error {
		return o.deps.Costs.Reserve(ctx, job.ID, estimate, o.config.BudgetLimit)
	}); err != nil {
		log.Warn("Stage not started, budget check failed", "estimate", estimate.String(), "error", err)
		return job, stagemachine.Failed(err, o.now().Sub(started)), 0
	}

	reporter := newProgressReporter(o, job, stage)
	stopHeartbeat := reporter.heartbeat(ctx, o.config.HeartbeatInterval)

	in := collaborator.Input{
		JobID:       job.ID,
		Stage:       stage,
		Params:      job.SubmissionParams,
		Inputs:      inputs,
		Budget:      o.deps.Costs.Gate(job.ID, stage, o.config.BudgetLimit),
		Progress:    reporter.report,
		Concurrency: o.deps.Profile.Concurrency(stage),
	}

	out, err := retry.Do(ctx, o.stageRetry, "stage "+string(stage), func(ctx context.Context) (collaborator.Output, error) {
		return o.invoke(ctx, stage, in)
	})
	stopHeartbeat()
	job = reporter.current()
	elapsed := o.now().Sub(started)
	if err != nil {
		return job, stagemachine.Failed(err, elapsed), 0
	}

	var total model.Amount
	for _, c := range out.Costs {
		total, err = o.deps.Costs.TrackCost(ctx, job.ID, stage, c.Provider, c.Amount)
		if err != nil {
			return job, stagemachine.Failed(err, elapsed), total
		}
	}
	if err := o.deps.Costs.EnforceBudgetLimit(ctx, job.ID, o.config.BudgetLimit); err != nil {
		return job, stagemachine.Failed(err, elapsed), total
	}

	if hash != "" && o.deps.Cache != nil {
		if data, err := json.Marshal(out.Metadata); err == nil {
			o.deps.Cache.Put(ctx, cache.Key(stage, hash), stage, data, o.config.CacheTTL)
		}
	}

	log.Info("Stage completed", "duration_ms", elapsed.Milliseconds(), "costs", len(out.Costs))
	return job, stagemachine.Succeeded(out.Metadata, elapsed), total
}

// invoke calls the collaborator and turns a panic into a fatal stage error
func (o *Orchestrator) invoke(ctx context.Context, stage model.StageName, in collaborator.Input) (out collaborator.Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Stage panicked", "job_id", in.JobID, "stage", stage, "panic", r)
			err = model.NewStageError(stage, model.StageErrorFatal, fmt.Sprintf("stage panicked: %v", r), nil)
		}
	}()
	return o.deps.Registry[stage].Run(ctx, in)
}

// priorMetadata loads the output of every completed stage before from, so a
// resumed or regenerated job can bind its inputs
func (o *Orchestrator) priorMetadata(ctx context.Context, jobID string, from model.StageName) (map[model.StageName]map[string]any, error) {
	prior := make(map[model.StageName]map[string]any)
	def, ok := stagemachine.Lookup(from)
	if !ok {
		return nil, model.NewValidationError("process", "unknown stage %q", from)
	}
	if def.Sequence == 0 {
		return prior, nil
	}

	records, err := retry.Do(ctx, o.storeRetry, "list stages", func(ctx context.Context) ([]model.StageRecord, error) {
		return o.deps.Stages.ListStages(ctx, jobID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load stage records of %s: %w", jobID, err)
	}
	for _, rec := range records {
		if rec.Status == model.StageStatusCompleted && rec.Sequence < def.Sequence {
			prior[rec.StageName] = rec.Metadata
		}
	}
	return prior, nil
}

func (o *Orchestrator) cancelRequested(ctx context.Context, jobID string) (bool, error) {
	fresh, err := retry.Do(ctx, o.storeRetry, "get job", func(ctx context.Context) (*model.Job, error) {
		return o.deps.Jobs.GetJob(ctx, jobID)
	})
	if err != nil {
		return false, fmt.Errorf("failed to reload job %s: %w", jobID, err)
	}
	return fresh.CancelRequested, nil
}

// apply persists a transition, retrying transient store failures
func (o *Orchestrator) apply(ctx context.Context, t model.Transition) error {
	err := retry.Run(ctx, o.storeRetry, "apply transition", func(ctx context.Context) error {
		return o.deps.Jobs.ApplyTransition(ctx, t)
	})
	if err != nil {
		return fmt.Errorf("failed to persist job %s: %w", t.Job.ID, err)
	}
	return nil
}

func (o *Orchestrator) setEstimate(job *model.Job, stage model.StageName) {
	if seconds, ok := eta.Estimate(o.deps.Profile, stage, job.Progress, job.SubmissionParams); ok {
		job.EstimatedRemaining = &seconds
		return
	}
	job.EstimatedRemaining = nil
}

func (o *Orchestrator) emit(job *model.Job, eventType string, extra map[string]any) {
	payload := map[string]any{
		"status":              job.Status,
		"progress":            job.Progress,
		"estimated_remaining": job.EstimatedRemaining,
	}
	for k, v := range extra {
		payload[k] = v
	}
	o.deps.Events.Publish(events.Event{
		JobID:     job.ID,
		Type:      eventType,
		Payload:   payload,
		Timestamp: o.now().UTC(),
	})
}
