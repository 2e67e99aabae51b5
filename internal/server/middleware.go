/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/kentakayama/qsafe-auth/internal/policy"
	"github.com/kentakayama/qsafe-auth/internal/qlock"
	"github.com/kentakayama/qsafe-auth/internal/sapi"
)

type contextKey int

const (
	establishedKey contextKey = iota
	authenticatedKey
)

// Authenticated is attached to requests that passed the SAPI checks.
type Authenticated struct {
	Identity *Registered
	Session  *qlock.SessionLock
	Decision *policy.Decision
	Body     []byte
}

func AuthenticatedFrom(ctx context.Context) (*Authenticated, bool) {
	a, ok := ctx.Value(authenticatedKey).(*Authenticated)
	return a, ok
}

// connContext records when the connection was accepted.
func connContext(ctx context.Context, _ net.Conn) context.Context {
	return context.WithValue(ctx, establishedKey, time.Now())
}

// protect runs next only for requests carrying a valid proof on this
// connection whose identity policy grants scope. The response is signed
// with the server keys over the same session lock.
func (h *handler) protect(scope string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if r.TLS == nil {
			h.logger.Printf("rejecting %s %s: %v", r.Method, r.URL.Path, errNoTLS)
			h.writeResponse(w, failure(http.StatusUnauthorized))
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
		if err != nil {
			h.logger.Printf("failed reading request body: %v", err)
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}

		proof, err := sapi.FromRequest(r)
		if err != nil {
			h.logger.Printf("rejecting %s %s: %v", r.Method, r.URL.Path, err)
			h.writeResponse(w, failure(http.StatusUnauthorized))
			return
		}
		reg, err := h.registry.Lookup(ctx, proof.IdentityID)
		if err != nil {
			h.logger.Printf("rejecting %s %s from %s: %v", r.Method, r.URL.Path, proof.IdentityID, err)
			h.writeResponse(w, failure(http.StatusUnauthorized))
			return
		}

		observed, err := h.serverLock(r, reg, proof)
		if err != nil {
			h.logger.Printf("rejecting %s %s from %s: %v", r.Method, r.URL.Path, proof.IdentityID, err)
			h.writeResponse(w, failure(http.StatusUnauthorized))
			return
		}

		res, err := h.validator.Validate(ctx, proof, r.Method, r.URL.RequestURI(), body, observed)
		if err != nil {
			h.logger.Printf("rejecting %s %s from %s on session %s: %v", r.Method, r.URL.Path, proof.IdentityID, proof.SessionID, err)
			if errors.Is(err, qlock.ErrForwardingDetected) {
				h.signals.markForwarding(ctx, reg.DID)
			}
			h.writeResponse(w, failure(http.StatusUnauthorized))
			return
		}

		forwarding, exceeded := h.signals.assess(r, reg.DID)
		decision, err := h.evaluator.Evaluate(ctx, policy.Subject{
			IdentityID:          reg.DID,
			PolicyHash:          reg.PolicyHash,
			QuantumSafe:         reg.Keys.Algorithm.QuantumSafe(),
			DistanceExceeded:    exceeded,
			ForwardingSuspected: forwarding,
		}, res.Session, scope)
		if err != nil {
			h.logger.Printf("policy evaluation for %s failed: %v", reg.DID, err)
			h.writeResponse(w, responseSpec{status: http.StatusInternalServerError})
			return
		}
		switch decision.Effect {
		case policy.EffectAllow:
		case policy.EffectDeny:
			h.logger.Printf("denying %s %s to %s: %s", r.Method, r.URL.Path, reg.DID, decision.Reason)
			if decision.RateLimited {
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter(decision.ResetAt, h.now())))
				h.writeResponse(w, failure(http.StatusTooManyRequests))
				return
			}
			h.writeResponse(w, failure(http.StatusForbidden))
			return
		default:
			h.logger.Printf("step-up required for %s on %s %s: %s", reg.DID, r.Method, r.URL.Path, decision.Reason)
			h.writeResponse(w, failure(http.StatusForbidden))
			return
		}

		auth := &Authenticated{Identity: reg, Session: res.Session, Decision: decision, Body: body}
		buf := &bufferedResponse{header: http.Header{}}
		next(buf, r.WithContext(context.WithValue(ctx, authenticatedKey, auth)))
		h.flushSigned(w, buf, res.Session, decision)
	})
}

// serverLock derives this end's lock for the connection the request
// arrived on, in the window of the proof timestamp when it is within
// the skew, and returns the observed channel binding.
func (h *handler) serverLock(r *http.Request, reg *Registered, proof *sapi.Proof) ([]byte, error) {
	established, ok := r.Context().Value(establishedKey).(time.Time)
	if !ok {
		established = h.now()
	}
	conn, err := qlock.FromServerState(r.TLS, h.leaf, established)
	if err != nil {
		return nil, err
	}
	conn = sapi.BindIdentity(conn, reg.Fingerprint, reg.Keys)

	at := proof.Timestamp
	if d := h.now().Sub(at); d > h.skew || d < -h.skew {
		at = h.now()
	}
	if _, err := h.engine.GenerateAt(conn, r.Method, r.URL.RequestURI(), at); err != nil {
		return nil, err
	}
	return conn.ChannelBinding, nil
}

func (h *handler) flushSigned(w http.ResponseWriter, buf *bufferedResponse, s *qlock.SessionLock, d *policy.Decision) {
	status := buf.status
	if status == 0 {
		status = http.StatusOK
	}
	body := buf.body.Bytes()

	for k, v := range buf.header {
		w.Header()[k] = v
	}
	w.Header().Set(sapi.HeaderPolicy, d.Header())
	rp, err := sapi.SignResponse(h.serverID, s, status, body, h.manager.Authority().Keys)
	if err != nil {
		h.logger.Printf("failed to sign response on session %s: %v", s.SessionID, err)
		h.writeResponse(w, responseSpec{status: http.StatusInternalServerError})
		return
	}
	w.Header().Set(sapi.HeaderResponse, sapi.FormatResponseHeader(rp))
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		h.logger.Printf("failed writing response body: %v", err)
	}
}

func retryAfter(resetAt, now time.Time) int {
	secs := int(resetAt.Sub(now).Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// bufferedResponse holds a protected handler's response until it is
// signed.
type bufferedResponse struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (b *bufferedResponse) Header() http.Header {
	return b.header
}

func (b *bufferedResponse) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *bufferedResponse) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}
