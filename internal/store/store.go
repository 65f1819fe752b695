// Package store declares the persistence contracts shared by the pipeline
// components. internal/database implements them on MongoDB and
// internal/memstore implements them in memory.
package store

import (
	"context"
	"time"

	"github.com/dandantas/reelforge/internal/model"
)

// JobStore persists job records. ApplyTransition and CompareAndSwapStatus are
// the only write paths for status, progress and current_stage.
type JobStore interface {
	CreateJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)

	// ApplyTransition writes the job (guarded by t.ExpectedStatus) and the
	// optional stage record as one unit. It returns model.ErrConflict when the
	// job status no longer matches.
	ApplyTransition(ctx context.Context, t model.Transition) error

	// CompareAndSwapStatus sets status to next only if it still equals
	// expected. It reports false when no row matched.
	CompareAndSwapStatus(ctx context.Context, id string, expected, next model.JobStatus, extras model.StatusExtras) (bool, error)

	// AddJobCost atomically increments total_cost by the amount of cost event
	// eventID and returns the new total. An event already applied to the job
	// is not counted again; the current total is returned instead.
	AddJobCost(ctx context.Context, id, eventID string, amount model.Amount) (model.Amount, error)

	RequestCancel(ctx context.Context, id string) error

	// ListStale returns jobs of env in one of statuses last updated before cutoff
	ListStale(ctx context.Context, env string, statuses []model.JobStatus, cutoff time.Time) ([]model.Job, error)
}

// StageStore reads the stage ledger
type StageStore interface {
	ListStages(ctx context.Context, jobID string) ([]model.StageRecord, error)
	GetStage(ctx context.Context, jobID string, stage model.StageName) (*model.StageRecord, error)
}

// CostStore is the append-only cost ledger
type CostStore interface {
	AppendCostEvent(ctx context.Context, event *model.CostEvent) error
	ListCostEvents(ctx context.Context, jobID string) ([]model.CostEvent, error)
}

// BacklogItem is one serialized message in an environment's backlog
type BacklogItem struct {
	Seq        int64
	JobID      string
	Payload    []byte
	EnqueuedAt time.Time
}

// QueueStore holds the per-environment backlog list and in-flight set
type QueueStore interface {
	PushBacklog(ctx context.Context, env, jobID string, payload []byte) error
	// PopBacklog removes the head of the backlog; it returns nil, nil when empty
	PopBacklog(ctx context.Context, env string) (*BacklogItem, error)
	// RestoreBacklog puts a popped item back at its original position
	RestoreBacklog(ctx context.Context, env string, item *BacklogItem) error
	BacklogContains(ctx context.Context, env, jobID string) (bool, error)
	BacklogLen(ctx context.Context, env string) (int64, error)

	AddInFlight(ctx context.Context, env, jobID string) error
	RemoveInFlight(ctx context.Context, env, jobID string) (bool, error)
	InFlightContains(ctx context.Context, env, jobID string) (bool, error)
	ListInFlight(ctx context.Context, env string) ([]string, error)
}

// CacheStore is the durable tier of the result cache
type CacheStore interface {
	GetCache(ctx context.Context, hash string) (*model.CacheEntry, error)
	PutCache(ctx context.Context, entry *model.CacheEntry) error
}

// Pinger reports backend reachability for health endpoints
type Pinger interface {
	Ping(ctx context.Context) error
}
