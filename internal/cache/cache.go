// Package cache skips expensive stages whose input bytes were already
// processed. Entries are keyed by a content hash and looked up in a short
// lived in-process tier first, then in the durable store.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/dandantas/reelforge/internal/model"
	"github.com/dandantas/reelforge/internal/store"
)

// Config tunes the two tiers
type Config struct {
	// FastTTL caps how long an entry lives in process memory
	FastTTL time.Duration
	// FastMaxEntries bounds the in-process tier; the oldest entry is evicted first
	FastMaxEntries int
	// DefaultTTL is used by Put when the caller passes zero
	DefaultTTL time.Duration
}

// Cache is the two-tier result cache
type Cache struct {
	fast     *memoryTier
	durable  store.CacheStore
	config   Config
	resolver *Resolver
	now      func() time.Time
}

// New creates a cache over durable. durable may be nil to run with the fast tier only.
func New(durable store.CacheStore, resolver *Resolver, config Config) *Cache {
	if config.FastTTL <= 0 {
		config.FastTTL = 15 * time.Minute
	}
	if config.FastMaxEntries <= 0 {
		config.FastMaxEntries = 1024
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = 7 * 24 * time.Hour
	}
	c := &Cache{
		durable:  durable,
		config:   config,
		resolver: resolver,
		now:      time.Now,
	}
	c.fast = newMemoryTier(config.FastMaxEntries, func() time.Time { return c.now() })
	return c
}

// Key scopes a content hash to a stage so one input can feed several stages
func Key(stage model.StageName, hash string) string {
	return string(stage) + ":" + hash
}

// Get returns the cached value for key. An unknown key is a miss; durable
// store errors are logged and also reported as a miss.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	if value, ok := c.fast.get(key); ok {
		return value, true
	}
	if c.durable == nil {
		return nil, false
	}

	entry, err := c.durable.GetCache(ctx, key)
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			slog.Warn("Durable cache lookup failed", "key", key, "error", err)
		}
		return nil, false
	}
	if entry.Expired(c.now()) {
		return nil, false
	}

	c.fast.set(key, entry.Value, c.fastExpiry(entry.ExpiresAt))
	return entry.Value, true
}

// Put stores value under key for ttl. Failures are logged and never returned.
func (c *Cache) Put(ctx context.Context, key string, stage model.StageName, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}
	now := c.now()
	expiresAt := now.Add(ttl)

	c.fast.set(key, value, c.fastExpiry(expiresAt))

	if c.durable == nil {
		return
	}
	err := c.durable.PutCache(ctx, &model.CacheEntry{
		Hash:      key,
		StageName: stage,
		Value:     value,
		ExpiresAt: expiresAt.UTC(),
		CreatedAt: now.UTC(),
	})
	if err != nil {
		slog.Warn("Failed to write durable cache entry", "key", key, "stage", stage, "error", err)
	}
}

func (c *Cache) fastExpiry(durableExpiry time.Time) time.Time {
	capped := c.now().Add(c.config.FastTTL)
	if durableExpiry.Before(capped) {
		return durableExpiry
	}
	return capped
}

// Lookup checks the cache for stage's output on the input at ref. It tries
// a hash embedded in ref first and only downloads the input to hash it when
// there is none. The returned hash is empty when it could not be resolved.
func (c *Cache) Lookup(ctx context.Context, stage model.StageName, ref string) ([]byte, string, bool) {
	hash, ok := ExtractHash(ref)
	if !ok {
		if c.resolver == nil {
			return nil, "", false
		}
		var err error
		hash, err = c.resolver.Resolve(ctx, ref)
		if err != nil {
			slog.Warn("Failed to hash stage input", "stage", stage, "ref", ref, "error", err)
			return nil, "", false
		}
	}

	value, hit := c.Get(ctx, Key(stage, hash))
	return value, hash, hit
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// memoryTier is a size-bounded TTL map
type memoryTier struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	order   []string
	max     int
	now     func() time.Time
}

func newMemoryTier(limit int, now func() time.Time) *memoryTier {
	return &memoryTier{entries: make(map[string]memoryEntry), max: limit, now: now}
}

func (m *memoryTier) get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if !m.now().Before(e.expiresAt) {
		m.remove(key)
		return nil, false
	}
	return slices.Clone(e.value), true
}

func (m *memoryTier) set(key string, value []byte, expiresAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[key]; exists {
		m.remove(key)
	}
	for len(m.order) >= m.max {
		m.remove(m.order[0])
	}
	m.entries[key] = memoryEntry{value: slices.Clone(value), expiresAt: expiresAt}
	m.order = append(m.order, key)
}

func (m *memoryTier) remove(key string) {
	delete(m.entries, key)
	if i := slices.Index(m.order, key); i >= 0 {
		m.order = slices.Delete(m.order, i, i+1)
	}
}
