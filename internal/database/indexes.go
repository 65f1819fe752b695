package database

import (
	"context"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// CreateIndexes creates all necessary indexes for the collections
func CreateIndexes(ctx context.Context, db *MongoDB) error {
	slog.Info("Creating MongoDB indexes")

	collections := []struct {
		name    string
		indexes []mongo.IndexModel
	}{
		{CollectionJobs, jobIndexes()},
		{CollectionStageRecords, stageRecordIndexes()},
		{CollectionCostEvents, costEventIndexes()},
		{CollectionQueueBacklog, queueBacklogIndexes()},
		{CollectionQueueInFlight, queueInFlightIndexes()},
		{CollectionResultCache, resultCacheIndexes()},
	}

	for _, c := range collections {
		if err := createIndexes(ctx, db, c.name, c.indexes); err != nil {
			return err
		}
	}

	slog.Info("Successfully created all MongoDB indexes")
	return nil
}

func createIndexes(ctx context.Context, db *MongoDB, name string, indexes []mongo.IndexModel) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, err := db.GetCollection(name).Indexes().CreateMany(ctxTimeout, indexes); err != nil {
		return err
	}

	slog.Info("Created indexes", "collection", name)
	return nil
}

func jobIndexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "environment", Value: 1},
				{Key: "status", Value: 1},
				{Key: "updated_at", Value: 1},
			},
			Options: options.Index().SetName("idx_environment_status_updated_at"),
		},
		{
			Keys:    bson.D{{Key: "created_at", Value: -1}},
			Options: options.Index().SetName("idx_created_at"),
		},
	}
}

func stageRecordIndexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "job_id", Value: 1},
				{Key: "sequence", Value: 1},
			},
			Options: options.Index().SetName("idx_job_id_sequence"),
		},
	}
}

func costEventIndexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "job_id", Value: 1},
				{Key: "timestamp", Value: 1},
			},
			Options: options.Index().SetName("idx_job_id_timestamp"),
		},
	}
}

func queueBacklogIndexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "environment", Value: 1},
				{Key: "seq", Value: 1},
			},
			Options: options.Index().SetName("idx_environment_seq"),
		},
		{
			Keys: bson.D{
				{Key: "environment", Value: 1},
				{Key: "job_id", Value: 1},
			},
			Options: options.Index().SetName("idx_environment_job_id"),
		},
	}
}

func queueInFlightIndexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "environment", Value: 1}},
			Options: options.Index().SetName("idx_environment"),
		},
	}
}

func resultCacheIndexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0).SetName("idx_expires_at_ttl"),
		},
	}
}
