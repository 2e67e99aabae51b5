/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package cert

import (
	"errors"
	"time"
)

type ValidationStatus int

const (
	StatusValid ValidationStatus = iota
	StatusExpired
	StatusRevoked
	StatusInvalid
	StatusPending
	StatusQuantumVulnerable
)

func (s ValidationStatus) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusExpired:
		return "expired"
	case StatusRevoked:
		return "revoked"
	case StatusPending:
		return "pending"
	case StatusQuantumVulnerable:
		return "quantum-vulnerable"
	default:
		return "invalid"
	}
}

type ValidationResult struct {
	CertificateID string
	Status        ValidationStatus
	ValidatedAt   time.Time
	QuantumSafe   bool
	Err           error
}

func statusOf(err error) ValidationStatus {
	switch {
	case err == nil:
		return StatusValid
	case errors.Is(err, ErrCertificateExpired):
		return StatusExpired
	case errors.Is(err, ErrCertificateRevoked):
		return StatusRevoked
	case errors.Is(err, ErrCertificateNotYetValid):
		return StatusPending
	case errors.Is(err, ErrNotQuantumSafe):
		return StatusQuantumVulnerable
	default:
		return StatusInvalid
	}
}
