/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package qlock

import (
	"bytes"
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// start is 30 seconds into an epoch.
var start = time.Unix(1_767_225_600+30, 0).UTC()

func testConn(t *testing.T, binding byte, established time.Time) *ConnectionContext {
	t.Helper()
	conn, err := NewConnectionContext("bank.example", 443, bytes.Repeat([]byte{binding}, 32), bytes.Repeat([]byte{0xAA}, 32), established)
	require.NoError(t, err)
	return conn.WithIdentity(bytes.Repeat([]byte{0xCC}, 32), bytes.Repeat([]byte{0xDD}, 32))
}

func newTestEngine(t *testing.T, capacity int) (*Engine, *clock) {
	t.Helper()
	c := &clock{t: start}
	e, err := NewEngine(EngineConfig{
		Cache:  NewCache(capacity),
		Now:    c.Now,
		Logger: log.New(io.Discard, "", 0),
	})
	require.NoError(t, err)
	return e, c
}

func TestDerive_Deterministic(t *testing.T) {
	in := DerivationInput{
		ChannelBinding:         bytes.Repeat([]byte{1}, 32),
		PeerPublicKeyHash:      bytes.Repeat([]byte{2}, 32),
		CertificateFingerprint: bytes.Repeat([]byte{3}, 32),
		RouteFingerprint:       bytes.Repeat([]byte{4}, 32),
		RequesterPublicKey:     bytes.Repeat([]byte{5}, 32),
		Epoch:                  29_453_760,
	}
	k1, err := Derive(in)
	require.NoError(t, err)
	k2, err := Derive(in)
	require.NoError(t, err)
	assert.Len(t, k1, LockKeySize)
	assert.Equal(t, k1, k2)

	mutations := map[string]func(*DerivationInput){
		"binding":     func(d *DerivationInput) { d.ChannelBinding = bytes.Repeat([]byte{9}, 32) },
		"peer":        func(d *DerivationInput) { d.PeerPublicKeyHash = bytes.Repeat([]byte{9}, 32) },
		"certificate": func(d *DerivationInput) { d.CertificateFingerprint = bytes.Repeat([]byte{9}, 32) },
		"route":       func(d *DerivationInput) { d.RouteFingerprint = bytes.Repeat([]byte{9}, 32) },
		"requester":   func(d *DerivationInput) { d.RequesterPublicKey = bytes.Repeat([]byte{9}, 32) },
		"epoch":       func(d *DerivationInput) { d.Epoch++ },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			changed := in
			mutate(&changed)
			k, err := Derive(changed)
			require.NoError(t, err)
			assert.NotEqual(t, k1, k)
		})
	}

	_, err = Derive(DerivationInput{RouteFingerprint: in.RouteFingerprint})
	assert.Error(t, err)
}

func TestNormalizeRoute(t *testing.T) {
	tests := []struct {
		method, url, want string
	}{
		{"get", "/accounts", "GET /accounts"},
		{"GET", "/accounts/", "GET /accounts"},
		{"GET", "", "GET /"},
		{"GET", "/", "GET /"},
		{"GET", "/a/./b/../c", "GET /a/c"},
		{"POST", "https://bank.example/transfer?to=bob&amount=10", "POST /transfer?amount=10&to=bob"},
		{"GET", "/accounts?ts=1&nonce=ab&_=3&cb=x&cachebuster=y&sig=z&timestamp=9", "GET /accounts"},
		{"GET", "/accounts?page=2&ts=1#frag", "GET /accounts?page=2"},
	}
	for _, tt := range tests {
		got, err := NormalizeRoute(tt.method, tt.url)
		require.NoError(t, err, tt.url)
		assert.Equal(t, tt.want, got, tt.url)
	}

	a, err := RouteFingerprint("GET", "/accounts?ts=1")
	require.NoError(t, err)
	b, err := RouteFingerprint("get", "httpcg://bank.example/accounts/?ts=2")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestEngine_GenerateSameWindow(t *testing.T) {
	e, c := newTestEngine(t, 0)
	conn := testConn(t, 0x01, start)

	s1, err := e.Generate(conn, "GET", "/accounts")
	require.NoError(t, err)
	assert.Equal(t, SessionIDFor(s1.LockKey), s1.SessionID)
	assert.Len(t, s1.Hash(), 64)
	assert.Equal(t, start.Add(DefaultWindow), s1.ExpiresAt)
	assert.Equal(t, conn.ID, s1.ConnectionID)

	c.Advance(10 * time.Second)
	s2, err := e.Generate(conn, "GET", "/accounts?nonce=123")
	require.NoError(t, err)
	assert.Same(t, s1, s2)

	other, err := e.Generate(conn, "POST", "/accounts")
	require.NoError(t, err)
	assert.NotEqual(t, s1.SessionID, other.SessionID)

	st := e.Stats()
	assert.EqualValues(t, 2, st.Generated)
	assert.EqualValues(t, 1, st.CacheHits)
	assert.Equal(t, 2, st.LiveSessions)
}

func TestEngine_WindowSensitivity(t *testing.T) {
	e, c := newTestEngine(t, 0)
	conn := testConn(t, 0x01, start)

	s1, err := e.Generate(conn, "GET", "/accounts")
	require.NoError(t, err)

	c.Advance(DefaultWindow)
	s2, err := e.Generate(conn, "GET", "/accounts")
	require.NoError(t, err)
	assert.Equal(t, s1.TimeWindow+1, s2.TimeWindow)
	assert.NotEqual(t, s1.LockKey, s2.LockKey)
	assert.NotEqual(t, s1.SessionID, s2.SessionID)

	// both peers derive the same lock independently
	peer, _ := newTestEngine(t, 0)
	peer.now = c.Now
	s3, err := peer.Generate(testConn(t, 0x01, start), "GET", "/accounts")
	require.NoError(t, err)
	assert.Equal(t, s2.LockKey, s3.LockKey)
	assert.Equal(t, s2.SessionID, s3.SessionID)
}

func TestEngine_ConcurrentGenerate(t *testing.T) {
	e, _ := newTestEngine(t, 0)
	conn := testConn(t, 0x01, start)

	const n = 64
	results := make([]*SessionLock, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := e.Generate(conn, "GET", "/accounts")
			if err == nil {
				results[i] = s
			}
		}(i)
	}
	wg.Wait()

	for _, s := range results {
		require.NotNil(t, s)
		assert.Same(t, results[0], s)
	}
	st := e.Stats()
	assert.EqualValues(t, 1, st.Generated)
	assert.EqualValues(t, n-1, st.CacheHits)
}

func TestEngine_Forwarding(t *testing.T) {
	e, _ := newTestEngine(t, 0)
	conn := testConn(t, 0x01, start)
	relay := testConn(t, 0x02, start)

	s, err := e.Generate(conn, "GET", "/accounts")
	require.NoError(t, err)

	assert.False(t, e.DetectForwarding(s, conn.ChannelBinding))
	assert.True(t, e.DetectForwarding(s, relay.ChannelBinding))

	_, err = e.Use(s.SessionID, relay.ChannelBinding)
	assert.ErrorIs(t, err, ErrForwardingDetected)

	got, err := e.Use(s.SessionID, conn.ChannelBinding)
	require.NoError(t, err)
	assert.Same(t, s, got)
	assert.EqualValues(t, 2, e.Stats().ForwardingDetected)
}

func TestEngine_Freshness(t *testing.T) {
	e, c := newTestEngine(t, 0)
	conn := testConn(t, 0x01, start)

	s, err := e.Generate(conn, "GET", "/accounts")
	require.NoError(t, err)
	assert.True(t, e.ValidateFreshness(s))
	require.NoError(t, e.CheckFreshness(s))

	// next epoch, not yet expired
	c.Advance(40 * time.Second)
	assert.False(t, e.ValidateFreshness(s))
	require.NoError(t, e.CheckFreshness(s))

	c.Advance(20 * time.Second)
	assert.False(t, e.ValidateFreshness(s))
	assert.ErrorIs(t, e.CheckFreshness(s), ErrSessionExpired)
	_, err = e.Use(s.SessionID, nil)
	assert.ErrorIs(t, err, ErrSessionExpired)

	// two windows back is never accepted
	old, err := e.GenerateAt(conn, "GET", "/accounts", c.Now().Add(-2*DefaultWindow))
	require.NoError(t, err)
	assert.False(t, old.Expired(c.Now()))
	assert.ErrorIs(t, e.CheckFreshness(old), ErrSessionExpired)

	st := e.Stats()
	assert.EqualValues(t, 2, st.FreshnessPassed)
	assert.EqualValues(t, 3, st.FreshnessFailed)
}

func TestEngine_Refresh(t *testing.T) {
	e, c := newTestEngine(t, 0)
	conn := testConn(t, 0x01, start)

	s, err := e.Refresh(conn, "GET", "/accounts", nil)
	require.NoError(t, err)
	same, err := e.Refresh(conn, "GET", "/accounts", s)
	require.NoError(t, err)
	assert.Same(t, s, same)

	c.Advance(DefaultWindow)
	next, err := e.Refresh(conn, "GET", "/accounts", s)
	require.NoError(t, err)
	assert.NotEqual(t, s.SessionID, next.SessionID)
}

func TestEngine_ResolveAndConnectionAge(t *testing.T) {
	e, _ := newTestEngine(t, 0)

	_, err := e.Resolve("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = e.Use("missing", nil)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	stale := testConn(t, 0x01, start.Add(-31*time.Minute))
	_, err = e.Generate(stale, "GET", "/accounts")
	assert.ErrorIs(t, err, ErrConnectionExpired)

	_, err = NewEngine(EngineConfig{})
	assert.Error(t, err)
}

func TestCache_Bounded(t *testing.T) {
	e, c := newTestEngine(t, 3)

	var locks []*SessionLock
	for i, route := range []string{"/a", "/b", "/c"} {
		s, err := e.Generate(testConn(t, byte(i+1), start), "GET", route)
		require.NoError(t, err)
		locks = append(locks, s)
		c.Advance(time.Second)
	}
	assert.Equal(t, 3, e.cache.Len())

	// full: the oldest goes
	_, err := e.Generate(testConn(t, 0x10, start), "GET", "/d")
	require.NoError(t, err)
	assert.Equal(t, 3, e.cache.Len())
	_, err = e.Resolve(locks[0].SessionID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = e.Resolve(locks[1].SessionID)
	assert.NoError(t, err)

	// expired entries go before the oldest live one
	c.Set(locks[1].ExpiresAt)
	fresh, err := e.Generate(testConn(t, 0x11, start), "GET", "/e")
	require.NoError(t, err)
	assert.LessOrEqual(t, e.cache.Len(), 3)
	_, err = e.Resolve(locks[1].SessionID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = e.Resolve(locks[2].SessionID)
	assert.NoError(t, err)
	_, err = e.Resolve(fresh.SessionID)
	assert.NoError(t, err)
	assert.EqualValues(t, 2, e.Stats().Evictions)
}

func TestEngine_StartCleanup(t *testing.T) {
	e, c := newTestEngine(t, 0)
	conn := testConn(t, 0x01, start)

	s, err := e.Generate(conn, "GET", "/accounts")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.StartCleanup(ctx, 5*time.Millisecond)

	c.Advance(2*DefaultWindow + time.Second)
	require.Eventually(t, func() bool {
		_, err := e.Resolve(s.SessionID)
		return err != nil
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, e.Stats().LiveSessions)
}

func TestEngine_SweepGrace(t *testing.T) {
	e, c := newTestEngine(t, 0)
	conn := testConn(t, 0x01, start)

	s, err := e.Generate(conn, "GET", "/accounts")
	require.NoError(t, err)

	c.Set(s.ExpiresAt)
	assert.Equal(t, 0, e.Sweep())
	_, err = e.Use(s.SessionID, nil)
	assert.ErrorIs(t, err, ErrSessionExpired)

	c.Set(s.ExpiresAt.Add(DefaultWindow - time.Second))
	assert.Equal(t, 0, e.Sweep())

	c.Advance(time.Second)
	if n := e.Sweep(); n != 1 {
		t.Fatalf("Sweep evicted %d locks, want 1", n)
	}
	_, err = e.Resolve(s.SessionID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
