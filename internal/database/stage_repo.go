package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/dandantas/reelforge/internal/model"
)

// StageRepository reads the stage ledger. Writes go through JobRepository.ApplyTransition.
type StageRepository struct {
	collection *mongo.Collection
}

// NewStageRepository creates a new stage repository
func NewStageRepository(db *MongoDB) *StageRepository {
	return &StageRepository{
		collection: db.GetCollection(CollectionStageRecords),
	}
}

// ListStages returns a job's stage records in pipeline order
func (r *StageRepository) ListStages(ctx context.Context, jobID string) ([]model.StageRecord, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "sequence", Value: 1}})
	cursor, err := r.collection.Find(ctxTimeout, bson.M{"job_id": jobID}, opts)
	if err != nil {
		return nil, model.Retryable("list stages", fmt.Errorf("failed to list stages: %w", err))
	}
	defer cursor.Close(ctxTimeout)

	var records []model.StageRecord
	if err := cursor.All(ctxTimeout, &records); err != nil {
		return nil, fmt.Errorf("failed to decode stages: %w", err)
	}
	return records, nil
}

// GetStage retrieves one stage record
func (r *StageRepository) GetStage(ctx context.Context, jobID string, stage model.StageName) (*model.StageRecord, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var record model.StageRecord
	err := r.collection.FindOne(ctxTimeout, bson.M{"_id": model.StageRecordID(jobID, stage)}).Decode(&record)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, model.ErrNotFound
		}
		return nil, model.Retryable("get stage", fmt.Errorf("failed to get stage: %w", err))
	}
	return &record, nil
}
