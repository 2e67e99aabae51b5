/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package ratelimit

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestInMemoryLimiter(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	limiter := NewInMemory(time.Minute)
	limiter.now = func() time.Time { return now }
	key := "did:example:alice"

	first := limiter.Allow(ctx, key, 2)
	if !first.Allowed || first.Count != 1 || first.Remaining != 1 {
		t.Fatalf("unexpected first decision: %+v", first)
	}
	second := limiter.Allow(ctx, key, 2)
	if !second.Allowed || second.Count != 2 || second.Remaining != 0 {
		t.Fatalf("unexpected second decision: %+v", second)
	}
	third := limiter.Allow(ctx, key, 2)
	if third.Allowed || third.Count != 3 || third.Remaining != 0 {
		t.Fatalf("unexpected third decision: %+v", third)
	}
	now = now.Add(time.Minute)
	reset := limiter.Allow(ctx, key, 2)
	if !reset.Allowed || reset.Count != 1 {
		t.Fatalf("expected counter reset after window, got %+v", reset)
	}
}

func TestInMemoryLimiterDefaults(t *testing.T) {
	limiter := NewInMemory(0)
	if limiter.window != time.Minute {
		t.Fatalf("expected default 1 minute window, got %v", limiter.window)
	}
	decision := limiter.Allow(context.Background(), "k", 0)
	if !decision.Allowed || decision.Limit != 1 {
		t.Fatalf("expected limit floor of 1, got %+v", decision)
	}
}

func TestRedisLimiter(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	now := time.Now()
	limiter := NewRedis(client, time.Minute)
	limiter.now = func() time.Time { return now }
	key := "did:example:bob"

	first := limiter.Allow(ctx, key, 2)
	if !first.Allowed || first.Count != 1 || first.Remaining != 1 {
		t.Fatalf("unexpected first decision: %+v", first)
	}
	if want := now.UTC().Truncate(time.Minute).Add(time.Minute); !first.ResetAt.Equal(want) {
		t.Fatalf("expected reset at window end %v, got %v", want, first.ResetAt)
	}
	if ttl := mr.TTL("sapi:rl:" + key + ":" + strconv.FormatInt(now.UTC().Truncate(time.Minute).UnixMilli(), 10)); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("expected window counter to expire within a minute, ttl %v", ttl)
	}
	second := limiter.Allow(ctx, key, 2)
	if !second.Allowed || second.Count != 2 {
		t.Fatalf("unexpected second decision: %+v", second)
	}
	third := limiter.Allow(ctx, key, 2)
	if third.Allowed || third.Count != 3 {
		t.Fatalf("unexpected third decision: %+v", third)
	}
	now = now.Add(time.Minute)
	reset := limiter.Allow(ctx, key, 2)
	if !reset.Allowed || reset.Count != 1 {
		t.Fatalf("expected counter reset after window, got %+v", reset)
	}
}

func TestRedisLimiterUnavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:1",
		DialTimeout:  5 * time.Millisecond,
		ReadTimeout:  5 * time.Millisecond,
		WriteTimeout: 5 * time.Millisecond,
		MaxRetries:   0,
	})
	defer client.Close()

	limiter := NewRedis(client, time.Second)
	decision := limiter.Allow(context.Background(), "did:example:carol", 1)
	if !decision.Allowed || decision.Count != 1 {
		t.Fatalf("expected in-memory fallback on redis outage, got %+v", decision)
	}

	limiter.Fallback = nil
	decision = limiter.Allow(context.Background(), "did:example:carol", 1)
	if decision.Allowed {
		t.Fatalf("expected deny without fallback, got %+v", decision)
	}
}
