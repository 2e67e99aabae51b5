/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package qlock

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// SessionLock is immutable once published; it is never renewed in place.
type SessionLock struct {
	SessionID         string
	LockKey           []byte
	RouteFingerprint  []byte
	TimeWindow        uint64
	CreatedAt         time.Time
	ExpiresAt         time.Time
	ConnectionBinding []byte
	ConnectionID      string
}

// Hash is the hex SHA-256 of the lock key, as carried in qlock=.
func (s *SessionLock) Hash() string {
	sum := sha256.Sum256(s.LockKey)
	return hex.EncodeToString(sum[:])
}

// Expired reports whether now is at or past ExpiresAt.
func (s *SessionLock) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// SessionIDFor derives the session id from the lock key so both peers
// agree on it.
func SessionIDFor(lockKey []byte) string {
	h := sha256.New()
	h.Write([]byte("qlock-session-id/v1"))
	h.Write(lockKey)
	return hex.EncodeToString(h.Sum(nil)[:16])
}
