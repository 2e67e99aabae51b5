/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package model

import "time"

// Identity binds a DID to the SAPI certificate it authenticates with.
type Identity struct {
	ID            int64
	DID           string // Primary Key
	CertificateID string
	Fingerprint   []byte // of the encoded certificate
	PublicKeys    []byte // CBOR encoded cert.PublicKeys
	PolicyHash    []byte
	CreatedAt     time.Time
	ExpiredAt     time.Time  // ValidUntil of the certificate
	RevokedAt     *time.Time // NULL if not revoked
}
