// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	count   int64
	resetAt time.Time
}

// MemoryStore keeps counters in process memory.
//
// Suitable for a single instance and for tests. Multi-instance deployments
// use [RedisStore] so every replica sees the same counters.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

// NewMemoryStore constructs an empty store. A nil clock selects [time.Now].
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{windows: make(map[string]*window), now: now}
}

// Increment implements [Store]. The read, reset and increment happen under one lock.
func (store *MemoryStore) Increment(_ context.Context, key string, length time.Duration) (int64, time.Time, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	now := store.now()
	current, ok := store.windows[key]
	if !ok || !now.Before(current.resetAt) {
		current = &window{resetAt: now.Add(length)}
		store.windows[key] = current
	}

	current.count++
	return current.count, current.resetAt, nil
}

// Sweep removes expired windows and reports how many were dropped.
func (store *MemoryStore) Sweep() int {
	store.mu.Lock()
	defer store.mu.Unlock()

	now := store.now()
	removed := 0
	for key, current := range store.windows {
		if !now.Before(current.resetAt) {
			delete(store.windows, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (store *MemoryStore) Len() int {
	store.mu.Lock()
	defer store.mu.Unlock()
	return len(store.windows)
}

// RunSweeper calls [MemoryStore.Sweep] every interval until ctx is cancelled.
func (store *MemoryStore) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			store.Sweep()
		}
	}
}
