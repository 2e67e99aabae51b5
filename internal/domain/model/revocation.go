/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package model

import "time"

// Revocation is a single CRL entry.
type Revocation struct {
	ID            int64
	CertificateID string
	Reason        string
	RevokedAt     time.Time
}
