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

// RevocationRepository is the local revocation list. It satisfies the
// certificate manager's revocation store.
type RevocationRepository struct {
	db *sql.DB
}

// NewRevocationRepository creates a new instance of RevocationRepository.
func NewRevocationRepository(db *sql.DB) *RevocationRepository {
	return &RevocationRepository{db: db}
}

// Revoke records the revocation with the current Unix timestamp.
// Revoking an already revoked certificate keeps the first entry.
func (r *RevocationRepository) Revoke(ctx context.Context, certificateID string, reason string) error {
	const query = `
		INSERT INTO revocations (certificate_id, reason, revoked_at)
		VALUES (?, ?, ?)
		ON CONFLICT(certificate_id) DO NOTHING
	`
	now := time.Now().UTC()
	if _, err := r.db.ExecContext(ctx, query, certificateID, reason, now.Unix()); err != nil {
		return fmt.Errorf("insert revocation: %w", err)
	}
	return nil
}

func (r *RevocationRepository) IsRevoked(ctx context.Context, certificateID string) (bool, error) {
	const query = `SELECT 1 FROM revocations WHERE certificate_id = ? LIMIT 1`
	var one int
	if err := r.db.QueryRowContext(ctx, query, certificateID).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("query revocation: %w", err)
	}
	return true, nil
}

func (r *RevocationRepository) FindByCertificateID(ctx context.Context, certificateID string) (*model.Revocation, error) {
	const query = `
		SELECT id, certificate_id, reason, revoked_at
		FROM revocations
		WHERE certificate_id = ?
		LIMIT 1
	`
	var rev model.Revocation
	var revokedAtUnix int64
	err := r.db.QueryRowContext(ctx, query, certificateID).Scan(&rev.ID, &rev.CertificateID, &rev.Reason, &revokedAtUnix)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	rev.RevokedAt = time.Unix(revokedAtUnix, 0).UTC()
	return &rev, nil
}

func (r *RevocationRepository) GetAll(ctx context.Context) ([]model.Revocation, error) {
	const query = `
		SELECT id, certificate_id, reason, revoked_at
		FROM revocations
		ORDER BY revoked_at, id
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var revs []model.Revocation
	for rows.Next() {
		var rev model.Revocation
		var revokedAtUnix int64
		if err := rows.Scan(&rev.ID, &rev.CertificateID, &rev.Reason, &revokedAtUnix); err != nil {
			return nil, err
		}
		rev.RevokedAt = time.Unix(revokedAtUnix, 0).UTC()
		revs = append(revs, rev)
	}
	return revs, rows.Err()
}
