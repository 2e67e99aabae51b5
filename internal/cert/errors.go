/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package cert

import "errors"

var (
	ErrCertificateExpired     = errors.New("certificate expired")
	ErrCertificateNotYetValid = errors.New("certificate not yet valid")
	ErrCertificateRevoked     = errors.New("certificate revoked")
	ErrBrokenChain            = errors.New("broken certificate chain")
	ErrAnchorUnavailable      = errors.New("anchor service unavailable")
	ErrAnchorMismatch         = errors.New("anchor record does not match certificate")
	ErrInvalidSignature       = errors.New("invalid certificate signature")
	ErrUnknownIssuer          = errors.New("unknown certificate issuer")
	ErrLifetimeExceeded       = errors.New("certificate lifetime exceeds maximum")
	ErrInvalidValidity        = errors.New("certificate validity window is empty")
	ErrOutsideRenewalWindow   = errors.New("certificate is outside its renewal window")
	ErrNotQuantumSafe         = errors.New("certificate algorithm is not quantum-safe")
	ErrUnsupportedAlgorithm   = errors.New("unsupported signature algorithm")
)

// IsRetryable reports whether the caller may retry the failed operation
// with backoff. Every other certificate error is terminal for that
// certificate.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrAnchorUnavailable)
}
