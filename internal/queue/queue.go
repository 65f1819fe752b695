// Package queue hands jobs from producers to exactly one consumer. Each
// environment has its own FIFO backlog and in-flight registry; a claimed job
// stays in the registry until the consumer releases it, which lets recovery
// tooling find jobs whose worker died.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dandantas/reelforge/internal/model"
	"github.com/dandantas/reelforge/internal/retry"
	"github.com/dandantas/reelforge/internal/store"
)

// WorkQueue is one environment's view of the queue store
type WorkQueue struct {
	store store.QueueStore
	env   string
	retry *retry.Strategy
	now   func() time.Time
}

// Stats is a point-in-time view of queue depth
type Stats struct {
	Environment string `json:"environment"`
	Backlog     int64  `json:"backlog"`
	InFlight    int64  `json:"in_flight"`
}

// New creates a work queue bound to env
func New(s store.QueueStore, env string, strategy *retry.Strategy) *WorkQueue {
	if strategy == nil {
		strategy = retry.NewStrategy(retry.Config{})
	}
	return &WorkQueue{store: s, env: env, retry: strategy, now: time.Now}
}

// Environment returns the namespace this queue serves
func (q *WorkQueue) Environment() string {
	return q.env
}

// Enqueue appends msg to the tail of the backlog
func (q *WorkQueue) Enqueue(ctx context.Context, msg model.QueueMessage) error {
	msg.Environment = q.env
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = q.now().UTC()
	}

	payload, err := Encode(msg)
	if err != nil {
		return err
	}

	if err := retry.Run(ctx, q.retry, "enqueue", func(ctx context.Context) error {
		return q.store.PushBacklog(ctx, q.env, msg.JobID, payload)
	}); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", msg.JobID, err)
	}

	slog.Debug("Enqueued job", "job_id", msg.JobID, "environment", q.env)
	return nil
}

// DequeueAndClaim pops the head of the backlog and registers it as in
// flight before returning it. ok is false when the backlog is empty. If the
// claim cannot be registered the item goes back to the head of the backlog,
// so a job is never worked on untracked.
func (q *WorkQueue) DequeueAndClaim(ctx context.Context) (*model.QueueMessage, bool, error) {
	item, err := retry.Do(ctx, q.retry, "dequeue", func(ctx context.Context) (*store.BacklogItem, error) {
		return q.store.PopBacklog(ctx, q.env)
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to dequeue: %w", err)
	}
	if item == nil {
		return nil, false, nil
	}

	if err := retry.Run(ctx, q.retry, "claim", func(ctx context.Context) error {
		return q.store.AddInFlight(ctx, q.env, item.JobID)
	}); err != nil {
		if restoreErr := q.restore(item); restoreErr != nil {
			slog.Error("Failed to restore unclaimed job to backlog",
				"job_id", item.JobID,
				"environment", q.env,
				"error", restoreErr,
			)
		}
		return nil, false, fmt.Errorf("failed to claim job %s: %w", item.JobID, err)
	}

	msg, err := Decode(item.Payload)
	if err != nil {
		// a message nobody can read must not sit in the registry forever
		if releaseErr := q.Release(ctx, item.JobID); releaseErr != nil {
			slog.Error("Failed to release undecodable job", "job_id", item.JobID, "error", releaseErr)
		}
		return nil, false, fmt.Errorf("job %s: %w", item.JobID, err)
	}
	if msg.JobID != item.JobID {
		slog.Warn("Queue message job id differs from backlog key",
			"message_job_id", msg.JobID,
			"backlog_job_id", item.JobID,
		)
	}
	return &msg, true, nil
}

func (q *WorkQueue) restore(item *store.BacklogItem) error {
	// the caller's context may already be cancelled; the item must not be lost
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return retry.Run(ctx, q.retry, "restore backlog", func(ctx context.Context) error {
		return q.store.RestoreBacklog(ctx, q.env, item)
	})
}

// Release removes jobID from the in-flight registry. Consumers call it
// exactly once per claim, whatever the outcome of processing.
func (q *WorkQueue) Release(ctx context.Context, jobID string) error {
	_, err := q.ForceRelease(ctx, jobID)
	return err
}

// ForceRelease removes jobID from the in-flight registry and reports whether
// it was there. Recovery tooling uses it to correct registry drift.
func (q *WorkQueue) ForceRelease(ctx context.Context, jobID string) (bool, error) {
	removed, err := retry.Do(ctx, q.retry, "release", func(ctx context.Context) (bool, error) {
		return q.store.RemoveInFlight(ctx, q.env, jobID)
	})
	if err != nil {
		return false, fmt.Errorf("failed to release job %s: %w", jobID, err)
	}
	return removed, nil
}

// Claim registers jobID as in flight without touching the backlog
func (q *WorkQueue) Claim(ctx context.Context, jobID string) error {
	return retry.Run(ctx, q.retry, "claim", func(ctx context.Context) error {
		return q.store.AddInFlight(ctx, q.env, jobID)
	})
}

// Requeue moves a job from the in-flight registry back to the tail of the backlog
func (q *WorkQueue) Requeue(ctx context.Context, msg model.QueueMessage) error {
	msg.EnqueuedAt = time.Time{}
	if err := q.Enqueue(ctx, msg); err != nil {
		return err
	}
	_, err := q.ForceRelease(ctx, msg.JobID)
	return err
}

// InBacklog reports whether jobID is waiting in the backlog
func (q *WorkQueue) InBacklog(ctx context.Context, jobID string) (bool, error) {
	return q.store.BacklogContains(ctx, q.env, jobID)
}

// InFlight reports whether jobID is registered as in flight
func (q *WorkQueue) InFlight(ctx context.Context, jobID string) (bool, error) {
	return q.store.InFlightContains(ctx, q.env, jobID)
}

// ListInFlight returns the registered in-flight job ids
func (q *WorkQueue) ListInFlight(ctx context.Context) ([]string, error) {
	return q.store.ListInFlight(ctx, q.env)
}

// Stats returns the backlog length and in-flight count
func (q *WorkQueue) Stats(ctx context.Context) (Stats, error) {
	backlog, err := q.store.BacklogLen(ctx, q.env)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read backlog length: %w", err)
	}
	inflight, err := q.store.ListInFlight(ctx, q.env)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read in-flight registry: %w", err)
	}
	return Stats{Environment: q.env, Backlog: backlog, InFlight: int64(len(inflight))}, nil
}
