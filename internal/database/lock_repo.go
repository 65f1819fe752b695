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

// CompareAndSwapStatus moves a job from expected to next in one guarded
// FindOneAndUpdate. It returns false when the status no longer equals
// expected, which means another caller won the race.
func (r *JobRepository) CompareAndSwapStatus(ctx context.Context, id string, expected, next model.JobStatus, extras model.StatusExtras) (bool, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// Filter: the row must still hold the status the caller read
	filter := bson.M{
		"_id":    id,
		"status": expected,
	}
	if extras.UnchangedSince != nil {
		filter["updated_at"] = *extras.UnchangedSince
	}

	set := bson.M{
		"status":     next,
		"updated_at": time.Now().UTC(),
	}
	// a new regeneration starts without the cancel request of an earlier run
	if next == model.JobStatusRegenerating {
		set["cancel_requested"] = false
	}
	if extras.OutputURL != nil {
		set["output_url"] = *extras.OutputURL
	}
	if extras.ErrorMessage != nil {
		set["error_message"] = *extras.ErrorMessage
	}
	if extras.Progress != nil {
		set["progress"] = *extras.Progress
	}

	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetProjection(bson.M{"status": 1})

	var result struct {
		Status model.JobStatus `bson:"status"`
	}
	err := r.collection.FindOneAndUpdate(ctxTimeout, filter, bson.M{"$set": set}, opts).Decode(&result)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return false, nil
		}
		return false, model.Retryable("compare and swap status", fmt.Errorf("failed to swap job status: %w", err))
	}

	if result.Status != next {
		return false, nil
	}

	slog.Debug("Swapped job status",
		"job_id", id,
		"from", expected,
		"to", next,
	)

	return true, nil
}
