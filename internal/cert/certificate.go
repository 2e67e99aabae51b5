/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package cert

import (
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// encMode produces the canonical serialization every signature and
// digest is computed over.
var encMode = func() cbor.EncMode {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeUnix
	em, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Certificate is an identity-bound credential. It is immutable once
// signed; renewal issues a new certificate.
type Certificate struct {
	CertificateID      string     `cbor:"1,keyasint"`
	SubjectID          string     `cbor:"2,keyasint"`
	IssuerID           string     `cbor:"3,keyasint"`
	Algorithm          Algorithm  `cbor:"4,keyasint"`
	ClassicalPublicKey []byte     `cbor:"5,keyasint,omitempty"`
	PQPublicKey        []byte     `cbor:"6,keyasint,omitempty"`
	PolicyHash         []byte     `cbor:"7,keyasint"`
	AnchorRef          string     `cbor:"8,keyasint,omitempty"`
	ValidFrom          time.Time  `cbor:"9,keyasint"`
	ValidUntil         time.Time  `cbor:"10,keyasint"`
	Signature          *Signature `cbor:"11,keyasint,omitempty"`
}

// TBS returns the canonical bytes covered by the signature.
func (c *Certificate) TBS() ([]byte, error) {
	tbs := *c
	tbs.Signature = nil
	return encMode.Marshal(&tbs)
}

// AnchorDigest is the hash submitted to the anchor service. It excludes
// the anchor reference itself and the signature.
func (c *Certificate) AnchorDigest() ([]byte, error) {
	d := *c
	d.Signature = nil
	d.AnchorRef = ""
	b, err := encMode.Marshal(&d)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(b)
	return sum[:], nil
}

func (c *Certificate) Marshal() ([]byte, error) {
	return encMode.Marshal(c)
}

func UnmarshalCertificate(data []byte) (*Certificate, error) {
	var c Certificate
	if err := cbor.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode certificate: %w", err)
	}
	c.ValidFrom = c.ValidFrom.UTC()
	c.ValidUntil = c.ValidUntil.UTC()
	return &c, nil
}

// Fingerprint is the SHA-256 over the full canonical encoding.
func (c *Certificate) Fingerprint() ([]byte, error) {
	b, err := c.Marshal()
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(b)
	return sum[:], nil
}

func (c *Certificate) PublicKeys() PublicKeys {
	return PublicKeys{
		Algorithm:   c.Algorithm,
		Classical:   c.ClassicalPublicKey,
		PostQuantum: c.PQPublicKey,
	}
}

func (c *Certificate) IsSelfIssued() bool {
	return c.SubjectID == c.IssuerID
}

// CheckValidity applies the half-open window [ValidFrom, ValidUntil).
func (c *Certificate) CheckValidity(now time.Time) error {
	if now.Before(c.ValidFrom) {
		return ErrCertificateNotYetValid
	}
	if !now.Before(c.ValidUntil) {
		return ErrCertificateExpired
	}
	return nil
}

func (c *Certificate) checkLifetime(max time.Duration) error {
	if !c.ValidFrom.Before(c.ValidUntil) {
		return ErrInvalidValidity
	}
	if max > 0 && c.ValidUntil.Sub(c.ValidFrom) > max {
		return ErrLifetimeExceeded
	}
	return nil
}

func (c *Certificate) Extension() Extension {
	return Extension{
		CertificateID: c.CertificateID,
		AnchorRef:     c.AnchorRef,
		PolicyHash:    c.PolicyHash,
		IssuerID:      c.IssuerID,
	}
}
