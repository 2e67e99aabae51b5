/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package qlock

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync/atomic"
	"time"
)

type EngineConfig struct {
	Cache            *Cache
	Window           time.Duration
	ConnectionMaxAge time.Duration
	Now              func() time.Time
	Logger           *log.Logger
}

// Engine derives session locks and checks them on every use.
type Engine struct {
	cache  *Cache
	window time.Duration
	maxAge time.Duration
	now    func() time.Time
	logger *log.Logger

	generated  atomic.Uint64
	hits       atomic.Uint64
	forwarding atomic.Uint64
	fresh      atomic.Uint64
	stale      atomic.Uint64
}

// Stats is a snapshot of engine counters.
type Stats struct {
	Generated          uint64 `json:"generated"`
	CacheHits          uint64 `json:"cache_hits"`
	ForwardingDetected uint64 `json:"forwarding_detected"`
	FreshnessPassed    uint64 `json:"freshness_passed"`
	FreshnessFailed    uint64 `json:"freshness_failed"`
	Evictions          uint64 `json:"evictions"`
	LiveSessions       int    `json:"live_sessions"`
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Cache == nil {
		return nil, errors.New("session cache is not configured")
	}
	e := &Engine{
		cache:  cfg.Cache,
		window: cfg.Window,
		maxAge: cfg.ConnectionMaxAge,
		now:    cfg.Now,
		logger: cfg.Logger,
	}
	if e.window <= 0 {
		e.window = DefaultWindow
	}
	if e.maxAge <= 0 {
		e.maxAge = DefaultConnectionMaxAge
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.logger == nil {
		e.logger = log.Default()
	}
	return e, nil
}

func (e *Engine) Window() time.Duration {
	return e.window
}

// Generate returns the session lock for the route in the current window.
func (e *Engine) Generate(conn *ConnectionContext, method, rawURL string) (*SessionLock, error) {
	return e.GenerateAt(conn, method, rawURL, e.now())
}

// GenerateAt returns the session lock for the window containing at.
// Callers in the same window on the same connection and route share one
// lock.
func (e *Engine) GenerateAt(conn *ConnectionContext, method, rawURL string, at time.Time) (*SessionLock, error) {
	if conn == nil {
		return nil, errors.New("connection context is nil")
	}
	now := e.now()
	if now.Sub(conn.EstablishedAt) > e.maxAge {
		return nil, ErrConnectionExpired
	}

	routeFP, err := RouteFingerprint(method, rawURL)
	if err != nil {
		return nil, err
	}
	epoch := Epoch(at, e.window)

	key := conn.ID + "|" + hex.EncodeToString(conn.CertificateFingerprint) + "|" + hex.EncodeToString(routeFP) + "|" + strconv.FormatUint(epoch, 10)
	l, hit, err := e.cache.GetOrCreate(key, now, func() (*SessionLock, error) {
		lockKey, err := Derive(DerivationInput{
			ChannelBinding:         conn.ChannelBinding,
			PeerPublicKeyHash:      conn.PeerPublicKeyHash,
			CertificateFingerprint: conn.CertificateFingerprint,
			RouteFingerprint:       routeFP,
			RequesterPublicKey:     conn.RequesterPublicKey,
			Epoch:                  epoch,
		})
		if err != nil {
			return nil, err
		}
		return &SessionLock{
			SessionID:         SessionIDFor(lockKey),
			LockKey:           lockKey,
			RouteFingerprint:  routeFP,
			TimeWindow:        epoch,
			CreatedAt:         now,
			ExpiresAt:         now.Add(e.window),
			ConnectionBinding: append([]byte(nil), conn.ChannelBinding...),
			ConnectionID:      conn.ID,
		}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("generate session lock: %w", err)
	}
	if hit {
		e.hits.Add(1)
	} else {
		e.generated.Add(1)
	}
	return l, nil
}

// Refresh keeps prev while it is fresh in the current window and
// otherwise generates the lock for the current window.
func (e *Engine) Refresh(conn *ConnectionContext, method, rawURL string, prev *SessionLock) (*SessionLock, error) {
	if prev != nil && e.ValidateFreshness(prev) {
		return prev, nil
	}
	return e.Generate(conn, method, rawURL)
}

// ValidateFreshness is the strict check: the current window only.
func (e *Engine) ValidateFreshness(s *SessionLock) bool {
	now := e.now()
	return Epoch(now, e.window) == s.TimeWindow && !s.Expired(now)
}

// CheckFreshness accepts the current window and the one before it, as
// long as the lock has not expired.
func (e *Engine) CheckFreshness(s *SessionLock) error {
	now := e.now()
	current := Epoch(now, e.window)
	if (current == s.TimeWindow || current == s.TimeWindow+1) && !s.Expired(now) {
		e.fresh.Add(1)
		return nil
	}
	e.stale.Add(1)
	return ErrSessionExpired
}

// DetectForwarding reports whether observed differs from the channel the
// lock was derived on.
func (e *Engine) DetectForwarding(s *SessionLock, observed []byte) bool {
	if subtle.ConstantTimeCompare(s.ConnectionBinding, observed) == 1 {
		return false
	}
	e.forwarding.Add(1)
	e.logger.Printf("forwarding detected for session %s (connection %s, observed %s)", s.SessionID, s.ConnectionID, ConnectionID(observed))
	return true
}

func (e *Engine) Resolve(sessionID string) (*SessionLock, error) {
	l, ok := e.cache.Get(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return l, nil
}

// Use resolves the session and checks the channel and freshness. It runs
// on every use; expired or forwarded locks are never repaired.
func (e *Engine) Use(sessionID string, observed []byte) (*SessionLock, error) {
	l, err := e.Resolve(sessionID)
	if err != nil {
		return nil, err
	}
	if observed != nil && e.DetectForwarding(l, observed) {
		return nil, ErrForwardingDetected
	}
	if err := e.CheckFreshness(l); err != nil {
		return nil, err
	}
	return l, nil
}

func (e *Engine) Stats() Stats {
	return Stats{
		Generated:          e.generated.Load(),
		CacheHits:          e.hits.Load(),
		ForwardingDetected: e.forwarding.Load(),
		FreshnessPassed:    e.fresh.Load(),
		FreshnessFailed:    e.stale.Load(),
		Evictions:          e.cache.Evictions(),
		LiveSessions:       e.cache.Len(),
	}
}

// Sweep evicts locks that expired more than one window ago and reports how
// many went. Recently expired locks stay resolvable so Use reports
// ErrSessionExpired rather than ErrSessionNotFound.
func (e *Engine) Sweep() int {
	return e.cache.EvictExpired(e.now().Add(-e.window))
}

// StartCleanup runs Sweep every interval until ctx is done.
func (e *Engine) StartCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = e.window
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := e.Sweep(); n > 0 {
					e.logger.Printf("evicted %d expired session locks", n)
				}
			}
		}
	}()
}
