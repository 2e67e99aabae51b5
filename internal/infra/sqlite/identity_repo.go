/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kentakayama/qsafe-auth/internal/domain"
	"github.com/kentakayama/qsafe-auth/internal/domain/model"
)

type IdentityRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewIdentityRepository creates a new instance of IdentityRepository.
func NewIdentityRepository(db *sql.DB) *IdentityRepository {
	return &IdentityRepository{db: db, now: time.Now}
}

// Upsert registers the identity or replaces its certificate binding,
// clearing any previous revocation.
func (r *IdentityRepository) Upsert(ctx context.Context, id *model.Identity) error {
	const query = `
		INSERT INTO identities (did, certificate_id, fingerprint, public_keys, policy_hash, created_at, expired_at, revoked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT(did) DO UPDATE SET
			certificate_id = excluded.certificate_id,
			fingerprint = excluded.fingerprint,
			public_keys = excluded.public_keys,
			policy_hash = excluded.policy_hash,
			expired_at = excluded.expired_at,
			revoked_at = NULL
	`
	if _, err := r.db.ExecContext(ctx, query, id.DID, id.CertificateID, id.Fingerprint, id.PublicKeys, id.PolicyHash, id.CreatedAt, id.ExpiredAt); err != nil {
		return fmt.Errorf("upsert identity: %w", err)
	}
	return nil
}

func (r *IdentityRepository) FindByDID(ctx context.Context, did string) (*model.Identity, error) {
	const query = `
		SELECT id, did, certificate_id, fingerprint, public_keys, policy_hash, created_at, expired_at, revoked_at
		FROM identities
		WHERE did = ?
		LIMIT 1
	`
	var id model.Identity
	var revokedAtUnix sql.NullInt64
	err := r.db.QueryRowContext(ctx, query, did).Scan(&id.ID, &id.DID, &id.CertificateID, &id.Fingerprint, &id.PublicKeys, &id.PolicyHash, &id.CreatedAt, &id.ExpiredAt, &revokedAtUnix)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}

	if revokedAtUnix.Valid {
		t := time.Unix(revokedAtUnix.Int64, 0).UTC()
		id.RevokedAt = &t
		return nil, domain.ErrRevoked
	}

	if !id.ExpiredAt.After(r.now()) {
		return nil, domain.ErrExpired
	}

	return &id, nil
}

// RevokeByCertificateID marks every identity bound to the certificate as revoked.
func (r *IdentityRepository) RevokeByCertificateID(ctx context.Context, certificateID string) error {
	const query = `
		UPDATE identities
		SET revoked_at = ?
		WHERE certificate_id = ? AND revoked_at IS NULL
	`
	res, err := r.db.ExecContext(ctx, query, r.now().UTC().Unix(), certificateID)
	if err != nil {
		return err
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return domain.ErrNotFound
	}

	return nil
}
