/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package qlock

import (
	"sync"
	"sync/atomic"
	"time"
)

const DefaultCacheCapacity = 10000

// Cache holds session locks keyed by derivation key and by session id.
// Each key has its own slot lock, so concurrent generation for one key
// runs the create function once.
type Cache struct {
	capacity int

	slots sync.Map // key -> *slot
	byID  sync.Map // session id -> *SessionLock
	size  atomic.Int64

	evictions atomic.Uint64
}

type slot struct {
	mu      sync.Mutex
	lock    *SessionLock
	removed bool
}

func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	return &Cache{capacity: capacity}
}

// GetOrCreate returns the lock stored under key, or publishes the result
// of create. The boolean reports a cache hit.
func (c *Cache) GetOrCreate(key string, now time.Time, create func() (*SessionLock, error)) (*SessionLock, bool, error) {
	for {
		v, _ := c.slots.LoadOrStore(key, &slot{})
		s := v.(*slot)

		s.mu.Lock()
		if s.removed {
			// evicted between load and lock
			s.mu.Unlock()
			continue
		}
		if s.lock != nil {
			l := s.lock
			s.mu.Unlock()
			return l, true, nil
		}

		l, err := create()
		if err != nil {
			s.removed = true
			c.slots.CompareAndDelete(key, s)
			s.mu.Unlock()
			return nil, false, err
		}
		s.lock = l
		c.byID.Store(l.SessionID, l)
		n := c.size.Add(1)
		s.mu.Unlock()

		if n > int64(c.capacity) {
			c.shrink(now)
		}
		return l, false, nil
	}
}

// Get returns the lock with the given session id.
func (c *Cache) Get(sessionID string) (*SessionLock, bool) {
	v, ok := c.byID.Load(sessionID)
	if !ok {
		return nil, false
	}
	return v.(*SessionLock), true
}

func (c *Cache) Len() int {
	return int(c.size.Load())
}

func (c *Cache) Evictions() uint64 {
	return c.evictions.Load()
}

// EvictExpired removes every lock expired at now and returns the count.
func (c *Cache) EvictExpired(now time.Time) int {
	n := 0
	c.slots.Range(func(k, v any) bool {
		s := v.(*slot)
		if c.evict(k, s, func(l *SessionLock) bool { return l.Expired(now) }) {
			n++
		}
		return true
	})
	return n
}

// shrink brings the cache back to capacity, expired locks first, then
// the oldest.
func (c *Cache) shrink(now time.Time) {
	c.EvictExpired(now)
	for c.size.Load() > int64(c.capacity) {
		var (
			oldestKey  any
			oldestSlot *slot
			oldestAt   time.Time
		)
		c.slots.Range(func(k, v any) bool {
			s := v.(*slot)
			s.mu.Lock()
			l := s.lock
			s.mu.Unlock()
			if l == nil {
				return true
			}
			if oldestSlot == nil || l.CreatedAt.Before(oldestAt) {
				oldestKey, oldestSlot, oldestAt = k, s, l.CreatedAt
			}
			return true
		})
		if oldestSlot == nil {
			return
		}
		c.evict(oldestKey, oldestSlot, func(*SessionLock) bool { return true })
	}
}

func (c *Cache) evict(key any, s *slot, match func(*SessionLock) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed || s.lock == nil || !match(s.lock) {
		return false
	}
	if !c.slots.CompareAndDelete(key, s) {
		return false
	}
	s.removed = true
	c.byID.CompareAndDelete(s.lock.SessionID, s.lock)
	c.size.Add(-1)
	c.evictions.Add(1)
	return true
}
