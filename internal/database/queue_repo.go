package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/dandantas/reelforge/internal/model"
	"github.com/dandantas/reelforge/internal/store"
)

// QueueRepository stores the per-environment backlog and in-flight registry.
// Backlog order comes from a per-environment counter, so FIFO survives
// restores and clock skew between producers.
type QueueRepository struct {
	backlog  *mongo.Collection
	inflight *mongo.Collection
	counters *mongo.Collection
}

type backlogDocument struct {
	ID          primitive.ObjectID `bson:"_id"`
	Environment string             `bson:"environment"`
	Seq         int64              `bson:"seq"`
	JobID       string             `bson:"job_id"`
	Payload     []byte             `bson:"payload"`
	EnqueuedAt  time.Time          `bson:"enqueued_at"`
}

type inflightDocument struct {
	ID          string    `bson:"_id"`
	Environment string    `bson:"environment"`
	JobID       string    `bson:"job_id"`
	ClaimedAt   time.Time `bson:"claimed_at"`
}

// NewQueueRepository creates a new queue repository
func NewQueueRepository(db *MongoDB) *QueueRepository {
	return &QueueRepository{
		backlog:  db.GetCollection(CollectionQueueBacklog),
		inflight: db.GetCollection(CollectionQueueInFlight),
		counters: db.GetCollection(CollectionQueueCounters),
	}
}

func (r *QueueRepository) nextSeq(ctx context.Context, env string) (int64, error) {
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := r.counters.FindOneAndUpdate(ctx, bson.M{"_id": env}, bson.M{"$inc": bson.M{"seq": int64(1)}}, opts).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate queue sequence: %w", err)
	}
	return counter.Seq, nil
}

// PushBacklog appends a message to the tail of env's backlog
func (r *QueueRepository) PushBacklog(ctx context.Context, env, jobID string, payload []byte) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	seq, err := r.nextSeq(ctxTimeout, env)
	if err != nil {
		return model.Retryable("push backlog", err)
	}

	doc := backlogDocument{
		ID:          primitive.NewObjectID(),
		Environment: env,
		Seq:         seq,
		JobID:       jobID,
		Payload:     payload,
		EnqueuedAt:  time.Now().UTC(),
	}
	if _, err := r.backlog.InsertOne(ctxTimeout, doc); err != nil {
		return model.Retryable("push backlog", fmt.Errorf("failed to push backlog: %w", err))
	}
	return nil
}

// PopBacklog removes and returns the head of env's backlog
func (r *QueueRepository) PopBacklog(ctx context.Context, env string) (*store.BacklogItem, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	opts := options.FindOneAndDelete().SetSort(bson.D{{Key: "seq", Value: 1}})

	var doc backlogDocument
	err := r.backlog.FindOneAndDelete(ctxTimeout, bson.M{"environment": env}, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, model.Retryable("pop backlog", fmt.Errorf("failed to pop backlog: %w", err))
	}

	return &store.BacklogItem{
		Seq:        doc.Seq,
		JobID:      doc.JobID,
		Payload:    doc.Payload,
		EnqueuedAt: doc.EnqueuedAt,
	}, nil
}

// RestoreBacklog reinserts a popped item with its original sequence
func (r *QueueRepository) RestoreBacklog(ctx context.Context, env string, item *store.BacklogItem) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	doc := backlogDocument{
		ID:          primitive.NewObjectID(),
		Environment: env,
		Seq:         item.Seq,
		JobID:       item.JobID,
		Payload:     item.Payload,
		EnqueuedAt:  item.EnqueuedAt,
	}
	if _, err := r.backlog.InsertOne(ctxTimeout, doc); err != nil {
		return model.Retryable("restore backlog", fmt.Errorf("failed to restore backlog item: %w", err))
	}
	return nil
}

// BacklogContains reports whether jobID is waiting in env's backlog
func (r *QueueRepository) BacklogContains(ctx context.Context, env, jobID string) (bool, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	count, err := r.backlog.CountDocuments(ctxTimeout,
		bson.M{"environment": env, "job_id": jobID},
		options.Count().SetLimit(1))
	if err != nil {
		return false, model.Retryable("backlog contains", fmt.Errorf("failed to check backlog: %w", err))
	}
	return count > 0, nil
}

// BacklogLen returns the number of messages waiting in env's backlog
func (r *QueueRepository) BacklogLen(ctx context.Context, env string) (int64, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	count, err := r.backlog.CountDocuments(ctxTimeout, bson.M{"environment": env})
	if err != nil {
		return 0, model.Retryable("backlog length", fmt.Errorf("failed to count backlog: %w", err))
	}
	return count, nil
}

func inflightID(env, jobID string) string {
	return env + ":" + jobID
}

// AddInFlight registers jobID as claimed in env
func (r *QueueRepository) AddInFlight(ctx context.Context, env, jobID string) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	doc := inflightDocument{
		ID:          inflightID(env, jobID),
		Environment: env,
		JobID:       jobID,
		ClaimedAt:   time.Now().UTC(),
	}
	opts := options.Replace().SetUpsert(true)
	if _, err := r.inflight.ReplaceOne(ctxTimeout, bson.M{"_id": doc.ID}, doc, opts); err != nil {
		return model.Retryable("add in-flight", fmt.Errorf("failed to register in-flight job: %w", err))
	}
	return nil
}

// RemoveInFlight removes jobID from env's in-flight registry
func (r *QueueRepository) RemoveInFlight(ctx context.Context, env, jobID string) (bool, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result, err := r.inflight.DeleteOne(ctxTimeout, bson.M{"_id": inflightID(env, jobID)})
	if err != nil {
		return false, model.Retryable("remove in-flight", fmt.Errorf("failed to remove in-flight job: %w", err))
	}
	return result.DeletedCount > 0, nil
}

// InFlightContains reports whether jobID is registered as in flight in env
func (r *QueueRepository) InFlightContains(ctx context.Context, env, jobID string) (bool, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	count, err := r.inflight.CountDocuments(ctxTimeout, bson.M{"_id": inflightID(env, jobID)})
	if err != nil {
		return false, model.Retryable("in-flight contains", fmt.Errorf("failed to check in-flight job: %w", err))
	}
	return count > 0, nil
}

// ListInFlight returns every job id in env's in-flight registry
func (r *QueueRepository) ListInFlight(ctx context.Context, env string) ([]string, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "job_id", Value: 1}})
	cursor, err := r.inflight.Find(ctxTimeout, bson.M{"environment": env}, opts)
	if err != nil {
		return nil, model.Retryable("list in-flight", fmt.Errorf("failed to list in-flight jobs: %w", err))
	}
	defer cursor.Close(ctxTimeout)

	var docs []inflightDocument
	if err := cursor.All(ctxTimeout, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode in-flight jobs: %w", err)
	}

	ids := make([]string, len(docs))
	for i, doc := range docs {
		ids[i] = doc.JobID
	}
	return ids, nil
}
