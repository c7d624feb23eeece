//-------------------------------------------------------------------------
//
// Quarry Retrieval Server
//
// Copyright (c) 2025 - 2026, Quarry Data, Inc.
// This software is released under The PostgreSQL License
//
//-------------------------------------------------------------------------

// Package cache provides the three-level retrieval cache: query
// embeddings, per-knowledge-base retrieval results, and full responses,
// backed by a pluggable key-value store.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss is returned by Store.Get when a key is absent or expired.
// A miss is an expected condition, never a failure.
var ErrCacheMiss = errors.New("cache miss")

// IsMiss reports whether err represents a cache miss.
func IsMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}

// Store is the key-value contract shared by all cache levels. A ttl of
// zero means the entry never expires. Implementations own their internal
// synchronization; callers never lock around Store operations.
type Store interface {
	// Get returns the value for key, or ErrCacheMiss.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key with the given ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Invalidate removes every key beginning with prefix.
	Invalidate(ctx context.Context, prefix string) error

	// Close releases the store's resources.
	Close() error
}
