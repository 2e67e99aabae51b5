/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisTimeout = 2 * time.Second

// RedisLimiter shares counters between server instances, one key per
// identity and window. On Redis errors it uses Fallback, and denies when
// no fallback is set.
type RedisLimiter struct {
	Client   *redis.Client
	Window   time.Duration
	Prefix   string
	Fallback *InMemoryLimiter

	now func() time.Time
}

func NewRedis(client *redis.Client, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = defaultWindow
	}
	return &RedisLimiter{
		Client:   client,
		Window:   window,
		Prefix:   "sapi:rl:",
		Fallback: NewInMemory(window),
		now:      time.Now,
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	start := l.now().UTC().Truncate(l.Window)
	resetAt := start.Add(l.Window)
	if l.Client == nil {
		return l.fallback(ctx, key, limit, resetAt)
	}

	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()
	k := l.Prefix + key + ":" + strconv.FormatInt(start.UnixMilli(), 10)
	pipe := l.Client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.PExpireAt(ctx, k, resetAt)
	if _, err := pipe.Exec(ctx); err != nil {
		return l.fallback(ctx, key, limit, resetAt)
	}
	return decide(int(incr.Val()), limit, resetAt)
}

func (l *RedisLimiter) fallback(ctx context.Context, key string, limit int, resetAt time.Time) Decision {
	if l.Fallback != nil {
		return l.Fallback.Allow(ctx, key, limit)
	}
	return Decision{Allowed: false, Limit: limit, ResetAt: resetAt}
}
