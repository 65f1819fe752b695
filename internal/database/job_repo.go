package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/dandantas/reelforge/internal/model"
)

// JobRepository handles job records and the stage ledger writes that go with them
type JobRepository struct {
	client       *mongo.Client
	collection   *mongo.Collection
	stages       *mongo.Collection
	transactions bool
	stageRetries int
}

// JobRepositoryOptions tunes how transitions are written
type JobRepositoryOptions struct {
	// Transactions writes job and stage in one multi-document transaction.
	// Requires a replica set.
	Transactions bool

	// StageRetries bounds the stage upsert retries when transactions are off
	StageRetries int
}

// NewJobRepository creates a new job repository
func NewJobRepository(db *MongoDB, opts JobRepositoryOptions) *JobRepository {
	if opts.StageRetries <= 0 {
		opts.StageRetries = 3
	}
	return &JobRepository{
		client:       db.Client,
		collection:   db.GetCollection(CollectionJobs),
		stages:       db.GetCollection(CollectionStageRecords),
		transactions: opts.Transactions,
		stageRetries: opts.StageRetries,
	}
}

// CreateJob inserts a new job record
func (r *JobRepository) CreateJob(ctx context.Context, job *model.Job) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = now
	}

	if _, err := r.collection.InsertOne(ctxTimeout, job); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return model.NewValidationError("create_job", "job %s already exists", job.ID)
		}
		return model.Retryable("create job", fmt.Errorf("failed to create job: %w", err))
	}
	return nil
}

// GetJob retrieves a job by ID
func (r *JobRepository) GetJob(ctx context.Context, id string) (*model.Job, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var job model.Job
	err := r.collection.FindOne(ctxTimeout, bson.M{"_id": id}).Decode(&job)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, model.ErrNotFound
		}
		return nil, model.Retryable("get job", fmt.Errorf("failed to get job: %w", err))
	}
	return &job, nil
}

// ApplyTransition writes the job guarded by its expected status together with
// the stage record, in one transaction when enabled. Otherwise the two writes
// are repeated until the job reads back in the transition's state.
func (r *JobRepository) ApplyTransition(ctx context.Context, t model.Transition) error {
	if r.transactions {
		return r.applyInTransaction(ctx, t)
	}
	return applyUntilConsistent(ctx, r, t, r.stageRetries, 100*time.Millisecond)
}

// transitionWriter is the set of single-document operations a transition
// is made of when no transaction is available
type transitionWriter interface {
	upsertStage(ctx context.Context, rec *model.StageRecord) error
	updateJob(ctx context.Context, t model.Transition) error
	readState(ctx context.Context, id string) (*jobState, error)
}

// jobState is the part of a job document a transition sets
type jobState struct {
	Status       model.JobStatus `bson:"status"`
	CurrentStage model.StageName `bson:"current_stage"`
	Progress     int             `bson:"progress"`
}

func (s *jobState) matches(job *model.Job) bool {
	return s.Status == job.Status && s.CurrentStage == job.CurrentStage && s.Progress == job.Progress
}

// applyUntilConsistent writes the stage record, then the job, then reads the
// job back. Both writes are idempotent so a round cut short by a transient
// error is simply repeated. Conflicts and missing jobs are returned at once.
func applyUntilConsistent(ctx context.Context, w transitionWriter, t model.Transition, attempts int, backoff time.Duration) error {
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt-1) * backoff):
			}
		}

		lastErr = writeTransition(ctx, w, t)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, model.ErrConflict) || errors.Is(lastErr, model.ErrNotFound) {
			return lastErr
		}
		slog.Warn("Transition write incomplete, retrying",
			"job_id", t.Job.ID,
			"status", t.Job.Status,
			"attempt", attempt,
			"error", lastErr,
		)
	}
	return model.Retryable("apply transition", lastErr)
}

func writeTransition(ctx context.Context, w transitionWriter, t model.Transition) error {
	if t.Stage != nil {
		if err := w.upsertStage(ctx, t.Stage); err != nil {
			return err
		}
	}
	if err := w.updateJob(ctx, t); err != nil {
		return err
	}

	state, err := w.readState(ctx, t.Job.ID)
	if err != nil {
		return err
	}
	if !state.matches(t.Job) {
		return fmt.Errorf("job %s reads back as %s/%s/%d", t.Job.ID, state.Status, state.CurrentStage, state.Progress)
	}
	return nil
}

func (r *JobRepository) applyInTransaction(ctx context.Context, t model.Transition) error {
	session, err := r.client.StartSession()
	if err != nil {
		return model.Retryable("start session", fmt.Errorf("failed to start session: %w", err))
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		if err := r.updateJob(sc, t); err != nil {
			return nil, err
		}
		if t.Stage != nil {
			if err := r.upsertStage(sc, t.Stage); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	return err
}

func (r *JobRepository) updateJob(ctx context.Context, t model.Transition) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// a job already in the target state matches too, so repeating a write
	// whose reply was lost is not a conflict
	filter := bson.M{
		"_id": t.Job.ID,
		"$or": bson.A{
			bson.M{"status": t.ExpectedStatus},
			bson.M{"status": t.Job.Status, "current_stage": t.Job.CurrentStage},
		},
	}
	update := bson.M{
		"$set": bson.M{
			"status":                      t.Job.Status,
			"current_stage":               t.Job.CurrentStage,
			"progress":                    t.Job.Progress,
			"error_message":               t.Job.ErrorMessage,
			"output_url":                  t.Job.OutputURL,
			"estimated_remaining_seconds": t.Job.EstimatedRemaining,
			"updated_at":                  t.Job.UpdatedAt,
		},
	}

	result, err := r.collection.UpdateOne(ctxTimeout, filter, update)
	if err != nil {
		return model.Retryable("update job", fmt.Errorf("failed to update job: %w", err))
	}
	if result.MatchedCount > 0 {
		return nil
	}

	count, err := r.collection.CountDocuments(ctxTimeout, bson.M{"_id": t.Job.ID})
	if err != nil {
		return model.Retryable("update job", fmt.Errorf("failed to check job: %w", err))
	}
	if count == 0 {
		return model.ErrNotFound
	}
	return model.ErrConflict
}

func (r *JobRepository) upsertStage(ctx context.Context, rec *model.StageRecord) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	id := rec.ID
	if id == "" {
		id = model.StageRecordID(rec.JobID, rec.StageName)
	}

	set := bson.M{
		"job_id":           rec.JobID,
		"stage_name":       rec.StageName,
		"sequence":         rec.Sequence,
		"status":           rec.Status,
		"duration_seconds": rec.DurationSeconds,
		"error_message":    rec.ErrorMessage,
		"updated_at":       rec.UpdatedAt,
	}
	if rec.Metadata != nil {
		set["metadata"] = rec.Metadata
	}

	update := bson.M{
		"$set":         set,
		"$setOnInsert": bson.M{"created_at": rec.CreatedAt},
	}

	_, err := r.stages.UpdateOne(ctxTimeout, bson.M{"_id": id}, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to upsert stage record: %w", err)
	}
	return nil
}

func (r *JobRepository) readState(ctx context.Context, id string) (*jobState, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var state jobState
	opts := options.FindOne().SetProjection(bson.M{"status": 1, "current_stage": 1, "progress": 1})
	if err := r.collection.FindOne(ctxTimeout, bson.M{"_id": id}, opts).Decode(&state); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read job state: %w", err)
	}
	return &state, nil
}

// AddJobCost increments total_cost in a single $inc so concurrent writers
// from other processes never lose an update. The event id is pushed in the
// same update and the filter skips jobs that already carry it.
func (r *JobRepository) AddJobCost(ctx context.Context, id, eventID string, amount model.Amount) (model.Amount, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	filter := bson.M{"_id": id, "applied_cost_events": bson.M{"$ne": eventID}}
	update := bson.M{
		"$inc":  bson.M{"total_cost": int64(amount)},
		"$push": bson.M{"applied_cost_events": eventID},
		"$set":  bson.M{"updated_at": time.Now().UTC()},
	}
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetProjection(bson.M{"total_cost": 1})

	var result struct {
		TotalCost model.Amount `bson:"total_cost"`
	}
	err := r.collection.FindOneAndUpdate(ctxTimeout, filter, update, opts).Decode(&result)
	if err == nil {
		return result.TotalCost, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return 0, model.Retryable("add job cost", fmt.Errorf("failed to add job cost: %w", err))
	}

	// either the job is gone or this event was applied by an earlier attempt
	err = r.collection.FindOne(ctxTimeout, bson.M{"_id": id}, options.FindOne().SetProjection(bson.M{"total_cost": 1})).Decode(&result)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, model.ErrNotFound
		}
		return 0, model.Retryable("add job cost", fmt.Errorf("failed to read job cost: %w", err))
	}
	return result.TotalCost, nil
}

// RequestCancel sets the cancellation flag checked between stages
func (r *JobRepository) RequestCancel(ctx context.Context, id string) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result, err := r.collection.UpdateOne(ctxTimeout, bson.M{"_id": id}, bson.M{"$set": bson.M{"cancel_requested": true}})
	if err != nil {
		return model.Retryable("request cancel", fmt.Errorf("failed to request cancel: %w", err))
	}
	if result.MatchedCount == 0 {
		return model.ErrNotFound
	}
	return nil
}

// ListStale returns jobs in statuses whose updated_at is older than cutoff
func (r *JobRepository) ListStale(ctx context.Context, env string, statuses []model.JobStatus, cutoff time.Time) ([]model.Job, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	filter := bson.M{
		"status":     bson.M{"$in": statuses},
		"updated_at": bson.M{"$lt": cutoff},
	}
	if env != "" {
		filter["environment"] = env
	}

	cursor, err := r.collection.Find(ctxTimeout, filter, options.Find().SetSort(bson.D{{Key: "updated_at", Value: 1}}))
	if err != nil {
		return nil, model.Retryable("list stale jobs", fmt.Errorf("failed to list stale jobs: %w", err))
	}
	defer cursor.Close(ctxTimeout)

	var jobs []model.Job
	if err := cursor.All(ctxTimeout, &jobs); err != nil {
		return nil, fmt.Errorf("failed to decode jobs: %w", err)
	}
	return jobs, nil
}
