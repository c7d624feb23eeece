//-------------------------------------------------------------------------
//
// Quarry Retrieval Server
//
// Copyright (c) 2025 - 2026, Quarry Data, Inc.
// This software is released under The PostgreSQL License
//
//-------------------------------------------------------------------------

package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
)

// Cache level names reported to the Observer.
const (
	LevelEmbedding = "embedding"
	LevelResult    = "result"
	LevelResponse  = "response"
)

// Observer receives hit/miss events per cache level. Implemented by the
// metrics collector; a nil observer disables reporting.
type Observer interface {
	RecordCacheHit(cache string)
	RecordCacheMiss(cache string)
}

// MultiCache is the three-level cache facade. All levels share one
// Store; every operation degrades to direct computation when the store
// fails, so a cache outage is never visible to callers as an error.
type MultiCache struct {
	store       Store
	resultTTL   time.Duration
	responseTTL time.Duration
	logger      *slog.Logger
	observer    Observer
	flights     singleflight.Group
}

// Option configures the MultiCache.
type Option func(*MultiCache)

// WithLogger sets the logger for cache warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(c *MultiCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithObserver sets the hit/miss observer.
func WithObserver(observer Observer) Option {
	return func(c *MultiCache) {
		c.observer = observer
	}
}

// New creates a MultiCache over store. resultTTL bounds retrieval-result
// entries and responseTTL bounds response entries; embeddings never
// expire.
func New(store Store, resultTTL, responseTTL time.Duration, opts ...Option) *MultiCache {
	c := &MultiCache{
		store:       store,
		resultTTL:   resultTTL,
		responseTTL: responseTTL,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Embedding returns the embedding for text, computing and caching it on
// a miss. Concurrent misses for the same text share a single compute
// call. The second return value reports whether the cache served it.
func (c *MultiCache) Embedding(
	ctx context.Context,
	text string,
	compute func(ctx context.Context) ([]float32, error),
) ([]float32, bool, error) {
	key := EmbeddingKey(text)

	if vec, ok := c.getEmbedding(ctx, key); ok {
		c.hit(LevelEmbedding)
		return vec, true, nil
	}
	c.miss(LevelEmbedding)

	v, err, _ := c.flights.Do(key, func() (interface{}, error) {
		// A concurrent flight may have populated the key while this
		// caller waited for the flight lock.
		if vec, ok := c.getEmbedding(ctx, key); ok {
			return vec, nil
		}
		vec, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.put(ctx, LevelEmbedding, key, vec, 0)
		return vec, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.([]float32), false, nil
}

// getEmbedding reads and decodes one embedding entry.
func (c *MultiCache) getEmbedding(ctx context.Context, key string) ([]float32, bool) {
	var vec []float32
	if !c.get(ctx, LevelEmbedding, key, &vec) {
		return nil, false
	}
	return vec, true
}

// GetResults reads a retrieval-result entry into dest.
func (c *MultiCache) GetResults(ctx context.Context, key string, dest any) bool {
	found := c.get(ctx, LevelResult, key, dest)
	if found {
		c.hit(LevelResult)
	} else {
		c.miss(LevelResult)
	}
	return found
}

// PutResults stores a retrieval-result entry under the result TTL.
func (c *MultiCache) PutResults(ctx context.Context, key string, value any) {
	c.put(ctx, LevelResult, key, value, c.resultTTL)
}

// GetResponse reads a full-response entry into dest.
func (c *MultiCache) GetResponse(ctx context.Context, key string, dest any) bool {
	found := c.get(ctx, LevelResponse, key, dest)
	if found {
		c.hit(LevelResponse)
	} else {
		c.miss(LevelResponse)
	}
	return found
}

// PutResponse stores a full-response entry under the response TTL.
func (c *MultiCache) PutResponse(ctx context.Context, key string, value any) {
	c.put(ctx, LevelResponse, key, value, c.responseTTL)
}

// InvalidateKnowledgeBase removes every retrieval-result entry for one
// knowledge base. Embedding and response entries are untouched:
// embeddings are content-addressed and responses expire on their own
// short TTL.
func (c *MultiCache) InvalidateKnowledgeBase(ctx context.Context, kbID string) error {
	return c.store.Invalidate(ctx, ResultKBPrefix(kbID))
}

// Close closes the backing store.
func (c *MultiCache) Close() error {
	return c.store.Close()
}

// get reads and JSON-decodes one entry, treating every failure as a
// miss.
func (c *MultiCache) get(ctx context.Context, level, key string, dest any) bool {
	data, err := c.store.Get(ctx, key)
	if err != nil {
		if !IsMiss(err) {
			c.logger.Warn("cache read failed", "level", level, "error", err)
		}
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		c.logger.Warn("cache entry corrupt", "level", level, "error", err)
		return false
	}
	return true
}

// put JSON-encodes and stores one entry, logging failures and moving on.
func (c *MultiCache) put(ctx context.Context, level, key string, value any, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("cache encode failed", "level", level, "error", err)
		return
	}
	if err := c.store.Set(ctx, key, data, ttl); err != nil {
		c.logger.Warn("cache write failed", "level", level, "error", err)
	}
}

func (c *MultiCache) hit(level string) {
	if c.observer != nil {
		c.observer.RecordCacheHit(level)
	}
}

func (c *MultiCache) miss(level string) {
	if c.observer != nil {
		c.observer.RecordCacheMiss(level)
	}
}
