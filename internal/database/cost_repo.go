package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/dandantas/reelforge/internal/model"
)

// CostRepository handles the append-only cost ledger
type CostRepository struct {
	collection *mongo.Collection
}

// NewCostRepository creates a new cost repository
func NewCostRepository(db *MongoDB) *CostRepository {
	return &CostRepository{
		collection: db.GetCollection(CollectionCostEvents),
	}
}

// AppendCostEvent inserts a cost event
func (r *CostRepository) AppendCostEvent(ctx context.Context, event *model.CostEvent) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if _, err := r.collection.InsertOne(ctxTimeout, event); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			// an earlier attempt already landed
			return nil
		}
		return model.Retryable("append cost event", fmt.Errorf("failed to append cost event: %w", err))
	}
	return nil
}

// ListCostEvents returns a job's cost events oldest first
func (r *CostRepository) ListCostEvents(ctx context.Context, jobID string) ([]model.CostEvent, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}})
	cursor, err := r.collection.Find(ctxTimeout, bson.M{"job_id": jobID}, opts)
	if err != nil {
		return nil, model.Retryable("list cost events", fmt.Errorf("failed to list cost events: %w", err))
	}
	defer cursor.Close(ctxTimeout)

	var events []model.CostEvent
	if err := cursor.All(ctxTimeout, &events); err != nil {
		return nil, fmt.Errorf("failed to decode cost events: %w", err)
	}
	return events, nil
}
