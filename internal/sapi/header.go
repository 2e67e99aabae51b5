/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package sapi

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	Version = "SAPI-1.0"

	HeaderProof    = "SAPI-Proof"
	HeaderSession  = "SAPI-Session"
	HeaderPolicy   = "SAPI-Policy"
	HeaderResponse = "SAPI-Response"
)

// FormatProofHeader renders "SAPI-1.0 did=<id> qlock=<hash> sig=<hex>".
func FormatProofHeader(p *Proof) string {
	return fmt.Sprintf("%s did=%s qlock=%s sig=%s", Version, p.IdentityID, p.QLock, hex.EncodeToString(p.Signature))
}

// FormatSessionHeader renders "session_id=<id> ts=<unix_ms> nonce=<hex>".
func FormatSessionHeader(p *Proof) string {
	return fmt.Sprintf("session_id=%s ts=%d nonce=%s", p.SessionID, p.Timestamp.UnixMilli(), hex.EncodeToString(p.Nonce))
}

// ParseProofHeader fills the identity, lock hash and signature of p.
func ParseProofHeader(v string, p *Proof) error {
	rest, ok := strings.CutPrefix(strings.TrimSpace(v), Version+" ")
	if !ok {
		return fmt.Errorf("%w: %s: unsupported version", ErrMalformedHeader, HeaderProof)
	}
	params, err := parseParams(rest, "did", "qlock", "sig")
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedHeader, HeaderProof, err)
	}
	if err := checkLockHash(params["qlock"]); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedHeader, HeaderProof, err)
	}
	sig, err := hex.DecodeString(params["sig"])
	if err != nil {
		return fmt.Errorf("%w: %s: sig: %v", ErrMalformedHeader, HeaderProof, err)
	}
	p.IdentityID = params["did"]
	p.QLock = params["qlock"]
	p.Signature = sig
	return nil
}

// ParseSessionHeader fills the session id, timestamp and nonce of p.
func ParseSessionHeader(v string, p *Proof) error {
	params, err := parseParams(strings.TrimSpace(v), "session_id", "ts", "nonce")
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedHeader, HeaderSession, err)
	}
	ms, err := strconv.ParseInt(params["ts"], 10, 64)
	if err != nil || ms <= 0 {
		return fmt.Errorf("%w: %s: ts %q", ErrMalformedHeader, HeaderSession, params["ts"])
	}
	nonce, err := hex.DecodeString(params["nonce"])
	if err != nil || len(nonce) != NonceSize {
		return fmt.Errorf("%w: %s: nonce %q", ErrMalformedHeader, HeaderSession, params["nonce"])
	}
	p.SessionID = params["session_id"]
	p.Timestamp = time.UnixMilli(ms).UTC()
	p.Nonce = nonce
	return nil
}

// parseParams splits space separated key=value pairs. Every wanted key
// must appear exactly once; other keys are rejected.
func parseParams(s string, want ...string) (map[string]string, error) {
	allowed := make(map[string]bool, len(want))
	for _, k := range want {
		allowed[k] = true
	}
	params := make(map[string]string, len(want))
	for _, field := range strings.Fields(s) {
		k, v, ok := strings.Cut(field, "=")
		if !ok || v == "" {
			return nil, fmt.Errorf("bad parameter %q", field)
		}
		if !allowed[k] {
			return nil, fmt.Errorf("unknown parameter %q", k)
		}
		if _, dup := params[k]; dup {
			return nil, fmt.Errorf("duplicate parameter %q", k)
		}
		params[k] = v
	}
	for _, k := range want {
		if _, ok := params[k]; !ok {
			return nil, fmt.Errorf("missing parameter %q", k)
		}
	}
	return params, nil
}

func checkLockHash(h string) error {
	b, err := hex.DecodeString(h)
	if err != nil || len(b) != 32 {
		return fmt.Errorf("qlock %q is not a hex SHA-256", h)
	}
	return nil
}
