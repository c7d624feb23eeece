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
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestMemoryStore_GetSet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Get(ctx, "absent"); !IsMiss(err) {
		t.Errorf("expected cache miss for absent key, got %v", err)
	}

	if err := store.Set(ctx, "k1", []byte("v1"), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	val, err := store.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(val) != "v1" {
		t.Errorf("expected 'v1', got '%s'", val)
	}
}

func TestMemoryStore_Expiry(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	// Freeze the clock so the test does not sleep.
	now := time.Now()
	store.now = func() time.Time { return now }

	if err := store.Set(ctx, "k1", []byte("v1"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := store.Set(ctx, "forever", []byte("v2"), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if _, err := store.Get(ctx, "k1"); err != nil {
		t.Errorf("expected hit before expiry, got %v", err)
	}

	now = now.Add(2 * time.Minute)

	if _, err := store.Get(ctx, "k1"); !IsMiss(err) {
		t.Errorf("expected miss after expiry, got %v", err)
	}
	if _, err := store.Get(ctx, "forever"); err != nil {
		t.Errorf("zero-TTL entry should never expire, got %v", err)
	}
}

func TestMemoryStore_Invalidate(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	entries := map[string]string{
		"res:kb-a:111": "a1",
		"res:kb-a:222": "a2",
		"res:kb-b:333": "b1",
		"emb:444":      "e1",
	}
	for k, v := range entries {
		if err := store.Set(ctx, k, []byte(v), 0); err != nil {
			t.Fatalf("Set(%s) failed: %v", k, err)
		}
	}

	if err := store.Invalidate(ctx, "res:kb-a:"); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}

	for _, gone := range []string{"res:kb-a:111", "res:kb-a:222"} {
		if _, err := store.Get(ctx, gone); !IsMiss(err) {
			t.Errorf("expected %s to be invalidated", gone)
		}
	}
	for _, kept := range []string{"res:kb-b:333", "emb:444"} {
		if _, err := store.Get(ctx, kept); err != nil {
			t.Errorf("expected %s to survive invalidation, got %v", kept, err)
		}
	}
}

func TestRedisStore_GetSet(t *testing.T) {
	mr := miniredis.RunT(t)
	store := NewRedisStore(mr.Addr())
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	if err := store.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	if _, err := store.Get(ctx, "absent"); !IsMiss(err) {
		t.Errorf("expected cache miss for absent key, got %v", err)
	}

	if err := store.Set(ctx, "k1", []byte("v1"), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	val, err := store.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(val) != "v1" {
		t.Errorf("expected 'v1', got '%s'", val)
	}
}

func TestRedisStore_Expiry(t *testing.T) {
	mr := miniredis.RunT(t)
	store := NewRedisStore(mr.Addr())
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	if err := store.Set(ctx, "k1", []byte("v1"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	mr.FastForward(2 * time.Minute)

	if _, err := store.Get(ctx, "k1"); !IsMiss(err) {
		t.Errorf("expected miss after TTL, got %v", err)
	}
}

func TestRedisStore_Invalidate(t *testing.T) {
	mr := miniredis.RunT(t)
	store := NewRedisStore(mr.Addr())
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	entries := []string{"res:kb-a:111", "res:kb-a:222", "res:kb-b:333"}
	for _, k := range entries {
		if err := store.Set(ctx, k, []byte("x"), 0); err != nil {
			t.Fatalf("Set(%s) failed: %v", k, err)
		}
	}

	if err := store.Invalidate(ctx, "res:kb-a:"); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}

	if _, err := store.Get(ctx, "res:kb-a:111"); !IsMiss(err) {
		t.Error("expected res:kb-a:111 to be invalidated")
	}
	if _, err := store.Get(ctx, "res:kb-b:333"); err != nil {
		t.Errorf("expected res:kb-b:333 to survive, got %v", err)
	}
}
