/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package distance

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/kentakayama/qsafe-auth/internal/config"
)

const (
	SpeedOfLight       = 299_792_458.0 // m/s
	DefaultMaxDistance = 50.0          // m
	ChallengeSize      = 32

	defaultTimeout = 2 * time.Second
	tolerance      = 1e-9 // m
)

var (
	// ErrDistanceBoundExceeded is advisory; it never rejects a request on
	// its own.
	ErrDistanceBoundExceeded = errors.New("distance bound exceeded")
	ErrChallengeMismatch     = errors.New("challenge echo mismatch")
)

// Prober sends a challenge to the peer and returns its echo.
type Prober interface {
	Probe(ctx context.Context, challenge []byte) ([]byte, error)
}

// Distance converts a round trip time to the one way distance light
// covers in it.
func Distance(rtt time.Duration) float64 {
	return DistanceSeconds(rtt.Seconds())
}

func DistanceSeconds(rttSeconds float64) float64 {
	return SpeedOfLight * rttSeconds / 2
}

// ValidateBound reports whether rtt is consistent with a peer at most
// maxDistance meters away.
func ValidateBound(rtt time.Duration, maxDistance float64) bool {
	return ValidateBoundSeconds(rtt.Seconds(), maxDistance)
}

func ValidateBoundSeconds(rttSeconds, maxDistance float64) bool {
	if rttSeconds < 0 {
		return false
	}
	return DistanceSeconds(rttSeconds) <= maxDistance+tolerance
}

type Assessment struct {
	RTT            time.Duration
	DistanceMeters float64
	WithinBound    bool
}

type Validator struct {
	maxDistance float64
	timeout     time.Duration
	logger      *log.Logger
}

func NewValidator(cfg config.DistanceConfig, logger *log.Logger) *Validator {
	v := &Validator{maxDistance: cfg.MaxDistanceMeters, timeout: cfg.Timeout, logger: logger}
	if v.maxDistance <= 0 {
		v.maxDistance = DefaultMaxDistance
	}
	if v.timeout <= 0 {
		v.timeout = defaultTimeout
	}
	if v.logger == nil {
		v.logger = log.Default()
	}
	return v
}

// Measure times one challenge round trip through p.
func (v *Validator) Measure(ctx context.Context, p Prober) (time.Duration, error) {
	challenge := make([]byte, ChallengeSize)
	if _, err := rand.Read(challenge); err != nil {
		return 0, fmt.Errorf("generate challenge: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	start := time.Now()
	echo, err := p.Probe(ctx, challenge)
	rtt := time.Since(start)
	if err != nil {
		return 0, fmt.Errorf("distance challenge: %w", err)
	}
	if !bytes.Equal(echo, challenge) {
		return 0, ErrChallengeMismatch
	}
	return rtt, nil
}

// Assess measures the peer and checks the bound. An exceeded bound is
// returned as ErrDistanceBoundExceeded alongside the assessment.
func (v *Validator) Assess(ctx context.Context, p Prober, forwardingSuspected bool) (*Assessment, error) {
	rtt, err := v.Measure(ctx, p)
	if err != nil {
		return nil, err
	}
	a := &Assessment{
		RTT:            rtt,
		DistanceMeters: Distance(rtt),
		WithinBound:    ValidateBound(rtt, v.maxDistance),
	}
	if a.WithinBound {
		return a, nil
	}
	if forwardingSuspected {
		v.logger.Printf("peer at %.1fm (rtt %s) exceeds %.1fm while forwarding is suspected", a.DistanceMeters, rtt, v.maxDistance)
	} else {
		v.logger.Printf("peer at %.1fm (rtt %s) exceeds %.1fm", a.DistanceMeters, rtt, v.maxDistance)
	}
	return a, ErrDistanceBoundExceeded
}
