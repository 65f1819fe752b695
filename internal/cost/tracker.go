// Package cost records priced external calls and enforces the per-job budget.
package cost

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dandantas/reelforge/internal/events"
	"github.com/dandantas/reelforge/internal/model"
	"github.com/dandantas/reelforge/internal/retry"
	"github.com/dandantas/reelforge/internal/store"
)

// Tracker appends cost events and maintains each job's running total.
// Mutations for one job are serialized by a per-job mutex; the total itself
// is written with the store's atomic increment.
type Tracker struct {
	jobs    store.JobStore
	ledger  store.CostStore
	locks   *KeyedMutex
	emitter events.Emitter
	retry   *retry.Strategy
	now     func() time.Time
}

// NewTracker creates a cost tracker
func NewTracker(jobs store.JobStore, ledger store.CostStore, locks *KeyedMutex, emitter events.Emitter, strategy *retry.Strategy) *Tracker {
	if locks == nil {
		locks = NewKeyedMutex()
	}
	if emitter == nil {
		emitter = events.Discard{}
	}
	if strategy == nil {
		strategy = retry.NewStrategy(retry.Config{})
	}
	return &Tracker{
		jobs:    jobs,
		ledger:  ledger,
		locks:   locks,
		emitter: emitter,
		retry:   strategy,
		now:     time.Now,
	}
}

// TrackCost records one priced call and returns the job's new total
func (t *Tracker) TrackCost(ctx context.Context, jobID string, stage model.StageName, provider string, amount model.Amount) (model.Amount, error) {
	if amount < 0 {
		return 0, model.NewValidationError("track_cost", "negative cost %s for job %s", amount, jobID)
	}
	if jobID == "" {
		return 0, model.NewValidationError("track_cost", "job id is required")
	}

	event := &model.CostEvent{
		ID:        uuid.NewString(),
		JobID:     jobID,
		StageName: stage,
		Provider:  provider,
		Amount:    amount,
		Timestamp: t.now().UTC(),
	}

	total, err := t.record(ctx, event)
	if err != nil {
		return 0, err
	}

	slog.Debug("Tracked cost",
		"job_id", jobID,
		"stage", stage,
		"provider", provider,
		"amount", amount.String(),
		"total_cost", total.String(),
	)

	t.emitter.Publish(events.Event{
		JobID: jobID,
		Type:  events.TypeCostUpdated,
		Payload: map[string]any{
			"stage":      string(stage),
			"provider":   provider,
			"amount":     amount.Float64(),
			"total_cost": total.Float64(),
		},
	})
	return total, nil
}

func (t *Tracker) record(ctx context.Context, event *model.CostEvent) (model.Amount, error) {
	unlock := t.locks.Lock(event.JobID)
	defer unlock()

	// the event id is fixed before the first attempt so a retried append
	// cannot create a second ledger row
	if err := retry.Run(ctx, t.retry, "append cost event", func(ctx context.Context) error {
		return t.ledger.AppendCostEvent(ctx, event)
	}); err != nil {
		return 0, fmt.Errorf("failed to record cost: %w", err)
	}

	// the increment is keyed on the same event id, so retrying it after an
	// ambiguous failure never counts the event twice
	total, err := retry.Do(ctx, t.retry, "add job cost", func(ctx context.Context) (model.Amount, error) {
		return t.jobs.AddJobCost(ctx, event.JobID, event.ID, event.Amount)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to update job total: %w", err)
	}
	return total, nil
}

// CheckBudget reports whether current_total + prospective <= limit
func (t *Tracker) CheckBudget(ctx context.Context, jobID string, prospective, limit model.Amount) (bool, error) {
	if prospective < 0 {
		return false, model.NewValidationError("check_budget", "negative prospective cost %s", prospective)
	}
	job, err := t.jobs.GetJob(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("failed to read job cost: %w", err)
	}
	return job.TotalCost+prospective <= limit, nil
}

// Reserve is CheckBudget that fails with a BudgetExceededError instead of
// returning false. Callers use it right before a paid call.
func (t *Tracker) Reserve(ctx context.Context, jobID string, estimate, limit model.Amount) error {
	if estimate < 0 {
		return model.NewValidationError("reserve", "negative estimate %s", estimate)
	}
	job, err := t.jobs.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to read job cost: %w", err)
	}
	if job.TotalCost+estimate > limit {
		return &model.BudgetExceededError{JobID: jobID, Total: job.TotalCost, Prospective: estimate, Limit: limit}
	}
	return nil
}

// EnforceBudgetLimit fails when the job has already spent more than limit
func (t *Tracker) EnforceBudgetLimit(ctx context.Context, jobID string, limit model.Amount) error {
	job, err := t.jobs.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to read job cost: %w", err)
	}
	if job.TotalCost > limit {
		return &model.BudgetExceededError{JobID: jobID, Total: job.TotalCost, Limit: limit}
	}
	return nil
}

// Evict releases the job's mutex once the job is terminal
func (t *Tracker) Evict(jobID string) {
	if !t.locks.Evict(jobID) {
		slog.Debug("Cost lock still in use, not evicted", "job_id", jobID)
	}
}

// Gate binds the tracker to one job stage and budget ceiling. Collaborators
// receive a Gate and call Reserve before every paid request and Track after.
type Gate struct {
	tracker *Tracker
	jobID   string
	stage   model.StageName
	limit   model.Amount
}

// Gate returns a budget gate for jobID's stage
func (t *Tracker) Gate(jobID string, stage model.StageName, limit model.Amount) *Gate {
	return &Gate{tracker: t, jobID: jobID, stage: stage, limit: limit}
}

// Reserve fails with a BudgetExceededError when estimate does not fit
func (g *Gate) Reserve(ctx context.Context, estimate model.Amount) error {
	return g.tracker.Reserve(ctx, g.jobID, estimate, g.limit)
}

// Track records the actual cost of a completed call
func (g *Gate) Track(ctx context.Context, provider string, amount model.Amount) error {
	_, err := g.tracker.TrackCost(ctx, g.jobID, g.stage, provider, amount)
	return err
}

// Limit returns the ceiling this gate enforces
func (g *Gate) Limit() model.Amount {
	return g.limit
}
