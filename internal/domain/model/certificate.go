/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package model

import "time"

type Certificate struct {
	ID            int64
	CertificateID string // UUID, unique
	SubjectID     string
	IssuerID      string
	Encoded       []byte // canonical CBOR of the signed certificate
	Fingerprint   []byte // SHA-256 over Encoded
	ValidFrom     time.Time
	ValidUntil    time.Time
	CreatedAt     time.Time
}
