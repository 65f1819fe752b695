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

// CacheRepository is the durable tier of the result cache. A TTL index on
// expires_at removes old entries; reads also filter on it because the TTL
// monitor only runs once a minute.
type CacheRepository struct {
	collection *mongo.Collection
}

// NewCacheRepository creates a new cache repository
func NewCacheRepository(db *MongoDB) *CacheRepository {
	return &CacheRepository{
		collection: db.GetCollection(CollectionResultCache),
	}
}

// GetCache returns the live entry for hash
func (r *CacheRepository) GetCache(ctx context.Context, hash string) (*model.CacheEntry, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	filter := bson.M{
		"_id":        hash,
		"expires_at": bson.M{"$gt": time.Now().UTC()},
	}

	var entry model.CacheEntry
	if err := r.collection.FindOne(ctxTimeout, filter).Decode(&entry); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}
	return &entry, nil
}

// PutCache inserts or replaces the entry for entry.Hash
func (r *CacheRepository) PutCache(ctx context.Context, entry *model.CacheEntry) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	opts := options.Replace().SetUpsert(true)
	if _, err := r.collection.ReplaceOne(ctxTimeout, bson.M{"_id": entry.Hash}, entry, opts); err != nil {
		return fmt.Errorf("failed to put cache entry: %w", err)
	}
	return nil
}
