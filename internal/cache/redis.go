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
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// invalidateScanCount is the batch size for SCAN during prefix deletes.
const invalidateScanCount = 256

// RedisStore is a Store backed by a shared Redis instance, letting
// multiple server processes share one cache.
type RedisStore struct {
	client *redis.Client
}

// RedisOption configures the Redis store.
type RedisOption func(*redis.Options)

// WithPassword sets the Redis password.
func WithPassword(password string) RedisOption {
	return func(o *redis.Options) {
		o.Password = password
	}
}

// WithDB selects the Redis logical database.
func WithDB(db int) RedisOption {
	return func(o *redis.Options) {
		o.DB = db
	}
}

// NewRedisStore creates a Redis-backed store for the given address.
func NewRedisStore(addr string, opts ...RedisOption) *RedisStore {
	options := &redis.Options{Addr: addr}
	for _, opt := range opts {
		opt(options)
	}
	return &RedisStore{client: redis.NewClient(options)}
}

// Ping verifies the connection to Redis.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Get returns the value for key, or ErrCacheMiss.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache get failed: %w", err)
	}
	return val, nil
}

// Set stores value under key. A ttl of zero means no expiry.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache set failed: %w", err)
	}
	return nil
}

// Invalidate removes every key beginning with prefix, scanning in
// batches so large keyspaces do not block the server.
func (s *RedisStore) Invalidate(ctx context.Context, prefix string) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, prefix+"*", invalidateScanCount).Result()
		if err != nil {
			return fmt.Errorf("cache scan failed: %w", err)
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("cache delete failed: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ensure RedisStore implements the interface.
var _ Store = (*RedisStore)(nil)
