/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package sapi

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/kentakayama/qsafe-auth/internal/cert"
	"github.com/kentakayama/qsafe-auth/internal/infra/cache"
	"github.com/kentakayama/qsafe-auth/internal/qlock"
)

const DefaultClockSkew = 30 * time.Second

// KeyResolver returns the public keys registered for an identity.
type KeyResolver interface {
	ResolveKeys(ctx context.Context, identityID string) (cert.PublicKeys, error)
}

type KeyResolverFunc func(ctx context.Context, identityID string) (cert.PublicKeys, error)

func (f KeyResolverFunc) ResolveKeys(ctx context.Context, identityID string) (cert.PublicKeys, error) {
	return f(ctx, identityID)
}

type ValidatorConfig struct {
	Engine    *qlock.Engine
	Keys      KeyResolver
	Replay    cache.Cache
	ClockSkew time.Duration
	Now       func() time.Time
	Logger    *log.Logger
}

type Validator struct {
	engine *qlock.Engine
	keys   KeyResolver
	replay cache.Cache
	skew   time.Duration
	now    func() time.Time
	logger *log.Logger
}

type Result struct {
	IdentityID  string
	Session     *qlock.SessionLock
	ValidatedAt time.Time
}

func NewValidator(cfg ValidatorConfig) (*Validator, error) {
	if cfg.Engine == nil {
		return nil, errors.New("session lock engine is not configured")
	}
	if cfg.Keys == nil {
		return nil, errors.New("key resolver is not configured")
	}
	if cfg.Replay == nil {
		return nil, errors.New("replay store is not configured")
	}
	v := &Validator{
		engine: cfg.Engine,
		keys:   cfg.Keys,
		replay: cfg.Replay,
		skew:   cfg.ClockSkew,
		now:    cfg.Now,
		logger: cfg.Logger,
	}
	if v.skew <= 0 {
		v.skew = DefaultClockSkew
	}
	if v.now == nil {
		v.now = time.Now
	}
	if v.logger == nil {
		v.logger = log.Default()
	}
	return v, nil
}

// Validate checks, in order: the session exists (and, when observed is
// set, is used on its own channel), the content matches, the signature
// verifies, the session is fresh, then timestamp skew and nonce reuse.
func (v *Validator) Validate(ctx context.Context, p *Proof, method, url string, body []byte, observed []byte) (*Result, error) {
	if p == nil {
		return nil, ErrMalformedHeader
	}

	s, err := v.engine.Resolve(p.SessionID)
	if err != nil {
		return nil, err
	}
	if observed != nil && v.engine.DetectForwarding(s, observed) {
		return nil, qlock.ErrForwardingDetected
	}

	contentHash := ContentHash(method, url, body, s.LockKey, p.IdentityID)
	if p.ContentHash != nil && !bytes.Equal(p.ContentHash, contentHash) {
		return nil, ErrContentMismatch
	}
	if p.QLock != s.Hash() {
		return nil, ErrContentMismatch
	}

	keys, err := v.keys.ResolveKeys(ctx, p.IdentityID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnknownIdentity, p.IdentityID, err)
	}
	sig, err := cert.UnmarshalSignature(p.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if err := keys.Verify(signingInput(contentHash, p.Timestamp, p.Nonce), sig); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	if err := v.engine.CheckFreshness(s); err != nil {
		return nil, err
	}

	now := v.now()
	if d := now.Sub(p.Timestamp); d > v.skew || d < -v.skew {
		return nil, fmt.Errorf("%w: timestamp off by %s", ErrReplayDetected, d)
	}
	key := "sapi:nonce:" + p.SessionID + ":" + hex.EncodeToString(p.Nonce)
	fresh, err := v.replay.SetNX(ctx, key, p.IdentityID, 2*v.skew)
	if err != nil {
		v.logger.Printf("replay store failed for session %s: %v", p.SessionID, err)
		return nil, fmt.Errorf("%w: replay store unavailable", ErrReplayDetected)
	}
	if !fresh {
		return nil, ErrReplayDetected
	}

	return &Result{IdentityID: p.IdentityID, Session: s, ValidatedAt: now}, nil
}
