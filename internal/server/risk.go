/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/kentakayama/qsafe-auth/internal/distance"
	"github.com/kentakayama/qsafe-auth/internal/infra/cache"
)

const (
	forwardingPrefix  = "sapi:risk:fwd:"
	defaultForwarding = 15 * time.Minute
)

// riskSignals remembers identities whose sessions were presented on a
// foreign channel and turns that history, together with the reported
// distance, into policy inputs.
type riskSignals struct {
	store       cache.Cache
	memory      time.Duration
	maxDistance float64
	logger      *log.Logger
}

func newRiskSignals(store cache.Cache, memory time.Duration, maxDistance float64, logger *log.Logger) *riskSignals {
	if memory <= 0 {
		memory = defaultForwarding
	}
	if maxDistance <= 0 {
		maxDistance = distance.DefaultMaxDistance
	}
	return &riskSignals{store: store, memory: memory, maxDistance: maxDistance, logger: logger}
}

func (s *riskSignals) markForwarding(ctx context.Context, did string) {
	if _, err := s.store.SetNX(ctx, forwardingPrefix+did, "1", s.memory); err != nil {
		s.logger.Printf("failed to record forwarding for %s: %v", did, err)
	}
}

// forwarding reports whether did had a forwarding attempt within the
// memory. Store errors count as suspected.
func (s *riskSignals) forwarding(ctx context.Context, did string) bool {
	_, err := s.store.Get(ctx, forwardingPrefix+did)
	if errors.Is(err, cache.ErrMiss) {
		return false
	}
	if err != nil {
		s.logger.Printf("failed to read forwarding state for %s: %v", did, err)
	}
	return true
}

// distanceExceeded checks the client's reported round trip. A missing or
// malformed report counts as exceeded.
func (s *riskSignals) distanceExceeded(r *http.Request) bool {
	rtt, err := distance.ParseHeader(r.Header.Get(distance.Header))
	if err != nil {
		return true
	}
	return !distance.ValidateBound(rtt, s.maxDistance)
}

// assess returns the forwarding and distance and forwarding inputs for did. Distance only
// matters once forwarding is suspected.
func (s *riskSignals) assess(r *http.Request, did string) (forwarding, exceeded bool) {
	if !s.forwarding(r.Context(), did) {
		return false, false
	}
	return true, s.distanceExceeded(r)
}
