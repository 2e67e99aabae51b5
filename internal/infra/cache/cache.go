/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned by Get for absent or expired keys.
var ErrMiss = errors.New("cache miss")

// sweepInterval bounds how often the memory store scans for expired keys.
const sweepInterval = time.Minute

// Cache holds short-lived markers: nonces already seen and risk signals
// per identity. Every entry expires after its ttl.
type Cache interface {
	// SetNX stores value under key unless a live entry exists and
	// reports whether it stored.
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
}

// RedisCache shares entries between server instances.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache wraps an already connected client, see NewRedisClient.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (r *RedisCache) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

func (r *RedisCache) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return "", ErrMiss
	case err != nil:
		return "", err
	}
	return v, nil
}

// MemoryCache is a process local Cache. Expired entries are dropped when
// touched and by a sweep at most once per sweepInterval.
type MemoryCache struct {
	mu        sync.Mutex
	entries   map[string]memEntry
	lastSweep time.Time
	now       func() time.Time
}

type memEntry struct {
	value     string
	expiresAt time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: map[string]memEntry{}, now: time.Now}
}

func (m *MemoryCache) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweep(now)
	if _, ok := m.live(key, now); ok {
		return false, nil
	}
	m.entries[key] = memEntry{value: value, expiresAt: now.Add(ttl)}
	return true, nil
}

func (m *MemoryCache) Get(ctx context.Context, key string) (string, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key, now)
	if !ok {
		return "", ErrMiss
	}
	return e.value, nil
}

func (m *MemoryCache) live(key string, now time.Time) (memEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return memEntry{}, false
	}
	if !now.Before(e.expiresAt) {
		delete(m.entries, key)
		return memEntry{}, false
	}
	return e, true
}

func (m *MemoryCache) sweep(now time.Time) {
	if now.Sub(m.lastSweep) < sweepInterval {
		return
	}
	m.lastSweep = now
	for k, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, k)
		}
	}
}
