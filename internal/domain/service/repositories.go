/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package service

import (
	"context"

	"github.com/kentakayama/qsafe-auth/internal/domain/model"
)

// CertificateRepository defines the interface for signed certificate persistence.
type CertificateRepository interface {
	Create(ctx context.Context, c *model.Certificate) (int64, error)
	FindByCertificateID(ctx context.Context, certificateID string) (*model.Certificate, error)
	FindLatestBySubject(ctx context.Context, subjectID string) (*model.Certificate, error)
	GetAll(ctx context.Context) ([]model.Certificate, error)
}

// RevocationRepository defines the interface for the revocation list.
type RevocationRepository interface {
	Revoke(ctx context.Context, certificateID string, reason string) error
	IsRevoked(ctx context.Context, certificateID string) (bool, error)
	FindByCertificateID(ctx context.Context, certificateID string) (*model.Revocation, error)
	GetAll(ctx context.Context) ([]model.Revocation, error)
}

// AnchorRecordRepository defines the interface for the local anchor ledger.
type AnchorRecordRepository interface {
	Create(ctx context.Context, r *model.AnchorRecord) (int64, error)
	FindByRef(ctx context.Context, ref string) (*model.AnchorRecord, error)
}

// IdentityRepository defines the interface for registered SAPI identities.
type IdentityRepository interface {
	Upsert(ctx context.Context, id *model.Identity) error
	FindByDID(ctx context.Context, did string) (*model.Identity, error)
	RevokeByCertificateID(ctx context.Context, certificateID string) error
}

// PolicyProfileRepository defines the interface for policy profile persistence.
type PolicyProfileRepository interface {
	Create(ctx context.Context, p *model.PolicyProfile) (int64, error)
	FindByPolicyHash(ctx context.Context, policyHash []byte) (*model.PolicyProfile, error)
}
