/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package sapi

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/kentakayama/qsafe-auth/internal/cert"
	"github.com/kentakayama/qsafe-auth/internal/qlock"
)

const NonceSize = 16

// Identity is a requester able to sign proofs.
type Identity struct {
	ID   string
	Keys *cert.KeyPair
}

// Proof authenticates one request on one session lock. Only its nonce
// outlives validation.
type Proof struct {
	IdentityID  string
	SessionID   string
	QLock       string
	ContentHash []byte // optional, checked when set
	Signature   []byte // CBOR encoded cert.Signature
	Timestamp   time.Time
	Nonce       []byte
}

// ContentHash is the SHA-256 over length prefixed method, url, body,
// lock key and identity id.
func ContentHash(method, url string, body, lockKey []byte, identityID string) []byte {
	h := sha256.New()
	for _, field := range [][]byte{[]byte(method), []byte(url), body, lockKey, []byte(identityID)} {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(field)))
		h.Write(n[:])
		h.Write(field)
	}
	return h.Sum(nil)
}

// Generate creates a proof for the request on session s.
func Generate(method, url string, body []byte, s *qlock.SessionLock, id *Identity) (*Proof, error) {
	return GenerateAt(method, url, body, s, id, time.Now())
}

func GenerateAt(method, url string, body []byte, s *qlock.SessionLock, id *Identity, at time.Time) (*Proof, error) {
	if s == nil {
		return nil, errors.New("generate proof: no session lock")
	}
	if id == nil || id.Keys == nil || id.ID == "" {
		return nil, errors.New("generate proof: no identity")
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate proof nonce: %w", err)
	}
	ts := time.UnixMilli(at.UnixMilli()).UTC()

	contentHash := ContentHash(method, url, body, s.LockKey, id.ID)
	sig, err := id.Keys.Sign(signingInput(contentHash, ts, nonce))
	if err != nil {
		return nil, fmt.Errorf("sign proof: %w", err)
	}
	encoded, err := sig.Marshal()
	if err != nil {
		return nil, fmt.Errorf("encode proof signature: %w", err)
	}

	return &Proof{
		IdentityID:  id.ID,
		SessionID:   s.SessionID,
		QLock:       s.Hash(),
		ContentHash: contentHash,
		Signature:   encoded,
		Timestamp:   ts,
		Nonce:       nonce,
	}, nil
}

func signingInput(contentHash []byte, ts time.Time, nonce []byte) []byte {
	msg := make([]byte, 0, 13+len(contentHash)+8+len(nonce))
	msg = append(msg, "sapi-proof/v1"...)
	msg = append(msg, contentHash...)
	msg = binary.BigEndian.AppendUint64(msg, uint64(ts.UnixMilli()))
	msg = append(msg, nonce...)
	return msg
}

// BindIdentity attaches the requester certificate to conn. Both ends
// must bind the same certificate to derive the same session lock.
func BindIdentity(conn *qlock.ConnectionContext, fingerprint []byte, pub cert.PublicKeys) *qlock.ConnectionContext {
	return conn.WithIdentity(fingerprint, pub.KeyID())
}
