/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package policy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/kentakayama/qsafe-auth/internal/infra/ratelimit"
	"github.com/kentakayama/qsafe-auth/internal/qlock"
	"github.com/kentakayama/qsafe-auth/internal/util"
)

type Effect int

const (
	EffectDeny Effect = iota
	EffectAllow
	EffectStepUp
)

func (e Effect) String() string {
	switch e {
	case EffectAllow:
		return "allow"
	case EffectStepUp:
		return "step-up"
	default:
		return "deny"
	}
}

// Risk weights in percent; the score is capped at 100.
const (
	baseRisk                = 10
	riskDistanceExceeded    = 40
	riskForwardingSuspected = 50
	riskNotQuantumSafe      = 30
)

// Subject is the validated requester.
type Subject struct {
	IdentityID          string
	PolicyHash          []byte
	QuantumSafe         bool
	DistanceExceeded    bool
	ForwardingSuspected bool
}

type Decision struct {
	Effect    Effect
	Level     Level
	Scope     []string
	RateLimit int
	Remaining int
	ResetAt   time.Time
	Risk      float64
	// RateLimited is set when the deny comes from the rate limit.
	RateLimited bool
	Reason      string // local only
}

// Header renders the SAPI-Policy value.
func (d *Decision) Header() string {
	return fmt.Sprintf("level=%s scope=%s rate=%d", d.Level, strings.Join(d.Scope, ","), d.RateLimit)
}

// ParseHeader reads a SAPI-Policy value.
func ParseHeader(v string) (*Decision, error) {
	d := &Decision{}
	seen := util.NewSet[string]()
	for _, field := range strings.Fields(v) {
		k, val, ok := strings.Cut(field, "=")
		if !ok || seen.Has(k) {
			return nil, fmt.Errorf("bad policy header field %q", field)
		}
		seen.Add(k)
		switch k {
		case "level":
			l, err := ParseLevel(val)
			if err != nil {
				return nil, err
			}
			d.Level = l
		case "scope":
			if val != "" {
				d.Scope = strings.Split(val, ",")
			}
		case "rate":
			n, err := strconv.Atoi(val)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("bad policy rate %q", val)
			}
			d.RateLimit = n
		default:
			return nil, fmt.Errorf("unknown policy header field %q", k)
		}
	}
	if !seen.Has("level") || !seen.Has("rate") {
		return nil, errors.New("policy header requires level and rate")
	}
	return d, nil
}

type Evaluator struct {
	source  Source
	limiter ratelimit.Limiter
	logger  *log.Logger
}

func NewEvaluator(source Source, limiter ratelimit.Limiter, logger *log.Logger) *Evaluator {
	if logger == nil {
		logger = log.Default()
	}
	return &Evaluator{source: source, limiter: limiter, logger: logger}
}

// Evaluate decides on a request for requestedScope by subj on session s.
// Lookup failures other than an unknown policy are returned as errors.
func (e *Evaluator) Evaluate(ctx context.Context, subj Subject, s *qlock.SessionLock, requestedScope string) (*Decision, error) {
	if s == nil {
		return deny(nil, "no session lock"), nil
	}

	p, err := e.source.Lookup(ctx, subj.PolicyHash)
	if err != nil {
		if errors.Is(err, ErrUnknownPolicy) {
			return deny(nil, "no policy bound to identity"), nil
		}
		return nil, fmt.Errorf("lookup policy: %w", err)
	}

	if !covers(p.Scopes, requestedScope) {
		return deny(p, fmt.Sprintf("scope %q not granted", requestedScope)), nil
	}

	d := &Decision{
		Level:     p.Level,
		Scope:     p.Scopes,
		RateLimit: p.RateLimit,
	}
	if e.limiter != nil && p.RateLimit > 0 {
		rl := e.limiter.Allow(ctx, subj.IdentityID, p.RateLimit)
		d.Remaining, d.ResetAt = rl.Remaining, rl.ResetAt
		if !rl.Allowed {
			d.Effect, d.RateLimited, d.Reason = EffectDeny, true, "rate limit exceeded"
			return d, nil
		}
	}

	if p.RequireQuantumSafe && !subj.QuantumSafe {
		d.Effect, d.Reason = EffectDeny, "quantum-safe certificate required"
		return d, nil
	}
	if subj.DistanceExceeded && p.Level.strict() {
		d.Effect, d.Reason = EffectDeny, "distance bound exceeded"
		return d, nil
	}

	d.Risk = riskScore(subj)
	switch {
	case d.Risk >= p.StepUpThreshold:
		d.Effect, d.Reason = EffectStepUp, fmt.Sprintf("risk %.2f >= %.2f", d.Risk, p.StepUpThreshold)
	case subj.DistanceExceeded:
		d.Effect, d.Reason = EffectStepUp, "distance bound exceeded"
	default:
		d.Effect = EffectAllow
	}
	if d.Effect != EffectAllow {
		e.logger.Printf("policy %s for %s on session %s: %s", d.Effect, subj.IdentityID, s.SessionID, d.Reason)
	}
	return d, nil
}

func riskScore(subj Subject) float64 {
	r := baseRisk
	if subj.DistanceExceeded {
		r += riskDistanceExceeded
	}
	if subj.ForwardingSuspected {
		r += riskForwardingSuspected
	}
	if !subj.QuantumSafe {
		r += riskNotQuantumSafe
	}
	if r > 100 {
		r = 100
	}
	return float64(r) / 100
}

func covers(scopes []string, requested string) bool {
	granted := util.NewSet(scopes...)
	if granted.HasAny("*", requested) {
		return true
	}
	// "accounts:*" grants every accounts action
	if resource, _, ok := strings.Cut(requested, ":"); ok {
		return granted.Has(resource + ":*")
	}
	return false
}

func deny(p *Profile, reason string) *Decision {
	d := &Decision{Effect: EffectDeny, Reason: reason}
	if p != nil {
		d.Level, d.Scope, d.RateLimit = p.Level, p.Scopes, p.RateLimit
	}
	return d
}
