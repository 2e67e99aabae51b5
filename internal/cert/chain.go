/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package cert

import (
	"context"
	"fmt"
	"time"
)

// Chain is an ordered leaf-to-root certificate path.
type Chain struct {
	Certificates []*Certificate
	QuantumSafe  bool
	Trusted      bool // root carries the keys of a trusted root
	BuiltAt      time.Time
}

func (c *Chain) Leaf() *Certificate {
	if len(c.Certificates) == 0 {
		return nil
	}
	return c.Certificates[0]
}

func (c *Chain) Root() *Certificate {
	if len(c.Certificates) == 0 {
		return nil
	}
	return c.Certificates[len(c.Certificates)-1]
}

// BuildChain validates certs ordered from leaf to root. Each issuer must
// be the next certificate's subject and its signature must verify under
// that certificate's keys; the last certificate must be self-issued. Every
// certificate must fit the manager's maximum lifetime.
// When quantumSafe is set every certificate must use a quantum-safe
// algorithm.
func (m *Manager) BuildChain(ctx context.Context, certs []*Certificate, quantumSafe bool) (*Chain, error) {
	if len(certs) == 0 {
		return nil, fmt.Errorf("%w: empty chain", ErrBrokenChain)
	}

	now := m.now()
	for i, c := range certs {
		if c == nil {
			return nil, fmt.Errorf("%w: nil certificate at %d", ErrBrokenChain, i)
		}
		if quantumSafe && !c.Algorithm.QuantumSafe() {
			return nil, fmt.Errorf("%w: %s uses %s", ErrNotQuantumSafe, c.CertificateID, c.Algorithm)
		}
		if err := c.checkLifetime(m.maxLifetime); err != nil {
			return nil, fmt.Errorf("certificate %s: %w", c.CertificateID, err)
		}
		if err := c.CheckValidity(now); err != nil {
			return nil, fmt.Errorf("certificate %s: %w", c.CertificateID, err)
		}
		revoked, err := m.revocations.IsRevoked(ctx, c.CertificateID)
		if err != nil {
			return nil, fmt.Errorf("check revocation of %s: %w", c.CertificateID, err)
		}
		if revoked {
			return nil, fmt.Errorf("certificate %s: %w", c.CertificateID, ErrCertificateRevoked)
		}

		var issuer *Certificate
		if i+1 < len(certs) {
			issuer = certs[i+1]
			if c.IssuerID != issuer.SubjectID {
				return nil, fmt.Errorf("%w: %s is issued by %s, next is %s", ErrBrokenChain, c.CertificateID, c.IssuerID, issuer.SubjectID)
			}
		} else {
			if !c.IsSelfIssued() {
				return nil, fmt.Errorf("%w: root %s is not self-issued", ErrBrokenChain, c.CertificateID)
			}
			issuer = c
		}

		tbs, err := c.TBS()
		if err != nil {
			return nil, fmt.Errorf("encode certificate: %w", err)
		}
		if err := issuer.PublicKeys().Verify(tbs, c.Signature); err != nil {
			return nil, fmt.Errorf("%w: signature of %s: %v", ErrBrokenChain, c.CertificateID, err)
		}
	}

	root := certs[len(certs)-1]
	m.mu.RLock()
	trusted, ok := m.roots[root.SubjectID]
	m.mu.RUnlock()

	return &Chain{
		Certificates: certs,
		QuantumSafe:  quantumSafe,
		Trusted:      ok && trusted.PublicKeys().Equal(root.PublicKeys()),
		BuiltAt:      now,
	}, nil
}
