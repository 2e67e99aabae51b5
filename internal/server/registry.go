/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/kentakayama/qsafe-auth/internal/cert"
	"github.com/kentakayama/qsafe-auth/internal/domain"
	"github.com/kentakayama/qsafe-auth/internal/domain/model"
	"github.com/kentakayama/qsafe-auth/internal/domain/service"
)

// Registered is an identity allowed to sign requests.
type Registered struct {
	DID           string
	CertificateID string
	Fingerprint   []byte
	Keys          cert.PublicKeys
	PolicyHash    []byte
}

// Registry maps DIDs to verified SAPI certificates.
type Registry struct {
	identities service.IdentityRepository
	manager    *cert.Manager
	now        func() time.Time
	logger     *log.Logger
}

func NewRegistry(identities service.IdentityRepository, manager *cert.Manager, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{identities: identities, manager: manager, now: time.Now, logger: logger}
}

// Register verifies c and binds its subject to it, replacing any earlier
// certificate of the same subject.
func (r *Registry) Register(ctx context.Context, c *cert.Certificate) (*Registered, error) {
	if err := r.manager.Verify(ctx, c); err != nil {
		return nil, err
	}
	fp, err := c.Fingerprint()
	if err != nil {
		return nil, err
	}
	keys := c.PublicKeys()
	encodedKeys, err := keys.Marshal()
	if err != nil {
		return nil, fmt.Errorf("encode public keys: %w", err)
	}

	err = r.identities.Upsert(ctx, &model.Identity{
		DID:           c.SubjectID,
		CertificateID: c.CertificateID,
		Fingerprint:   fp,
		PublicKeys:    encodedKeys,
		PolicyHash:    c.PolicyHash,
		CreatedAt:     r.now().UTC(),
		ExpiredAt:     c.ValidUntil,
	})
	if err != nil {
		return nil, err
	}
	r.logger.Printf("Registered %s with certificate %s", c.SubjectID, c.CertificateID)
	return &Registered{
		DID:           c.SubjectID,
		CertificateID: c.CertificateID,
		Fingerprint:   fp,
		Keys:          keys,
		PolicyHash:    c.PolicyHash,
	}, nil
}

// Lookup returns the registered identity. Revocations recorded by the
// manager after registration are honoured.
func (r *Registry) Lookup(ctx context.Context, did string) (*Registered, error) {
	id, err := r.identities.FindByDID(ctx, did)
	if err != nil {
		return nil, err
	}
	revoked, err := r.manager.IsRevoked(ctx, id.CertificateID)
	if err != nil {
		return nil, fmt.Errorf("check revocation of %s: %w", id.CertificateID, err)
	}
	if revoked {
		return nil, domain.ErrRevoked
	}
	keys, err := cert.UnmarshalPublicKeys(id.PublicKeys)
	if err != nil {
		return nil, err
	}
	return &Registered{
		DID:           id.DID,
		CertificateID: id.CertificateID,
		Fingerprint:   id.Fingerprint,
		Keys:          keys,
		PolicyHash:    id.PolicyHash,
	}, nil
}

// ResolveKeys makes the registry a sapi.KeyResolver.
func (r *Registry) ResolveKeys(ctx context.Context, did string) (cert.PublicKeys, error) {
	reg, err := r.Lookup(ctx, did)
	if err != nil {
		return cert.PublicKeys{}, err
	}
	return reg.Keys, nil
}

// Revoke revokes the certificate and unbinds every identity using it.
func (r *Registry) Revoke(ctx context.Context, certificateID, reason string) error {
	if err := r.manager.Revoke(ctx, certificateID, reason); err != nil {
		return err
	}
	err := r.identities.RevokeByCertificateID(ctx, certificateID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return nil
}
