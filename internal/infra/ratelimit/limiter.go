/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package ratelimit

import (
	"context"
	"sync"
	"time"
)

const defaultWindow = time.Minute

type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter counts requests per key in fixed windows aligned to the window
// length, so every instance agrees on where a window starts.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int) Decision
}

// InMemoryLimiter keeps the counts of the current window only.
type InMemoryLimiter struct {
	mu     sync.Mutex
	window time.Duration
	start  time.Time
	counts map[string]int
	now    func() time.Time
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = defaultWindow
	}
	return &InMemoryLimiter{window: window, counts: map[string]int{}, now: time.Now}
}

func (l *InMemoryLimiter) Allow(ctx context.Context, key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	start := l.now().UTC().Truncate(l.window)

	l.mu.Lock()
	defer l.mu.Unlock()
	if !start.Equal(l.start) {
		l.start, l.counts = start, map[string]int{}
	}
	l.counts[key]++
	return decide(l.counts[key], limit, start.Add(l.window))
}

func decide(count, limit int, resetAt time.Time) Decision {
	return Decision{
		Allowed:   count <= limit,
		Count:     count,
		Limit:     limit,
		Remaining: max(limit-count, 0),
		ResetAt:   resetAt,
	}
}
