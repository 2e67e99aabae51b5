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
	"strings"

	"github.com/kentakayama/qsafe-auth/internal/domain"
	"github.com/kentakayama/qsafe-auth/internal/domain/model"
)

type CertificateRepository struct {
	db *sql.DB
}

// NewCertificateRepository creates a new instance of CertificateRepository.
func NewCertificateRepository(db *sql.DB) *CertificateRepository {
	return &CertificateRepository{db: db}
}

func (r *CertificateRepository) Create(ctx context.Context, c *model.Certificate) (int64, error) {
	const query = `
		INSERT INTO certificates (certificate_id, subject_id, issuer_id, encoded, fingerprint, valid_from, valid_until, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := r.db.ExecContext(ctx, query, c.CertificateID, c.SubjectID, c.IssuerID, c.Encoded, c.Fingerprint, c.ValidFrom, c.ValidUntil, c.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, domain.ErrAlreadyExists
		}
		return 0, fmt.Errorf("insert certificate: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	c.ID = id
	return id, nil
}

func (r *CertificateRepository) FindByCertificateID(ctx context.Context, certificateID string) (*model.Certificate, error) {
	const query = `
		SELECT id, certificate_id, subject_id, issuer_id, encoded, fingerprint, valid_from, valid_until, created_at
		FROM certificates
		WHERE certificate_id = ?
		LIMIT 1
	`
	c, err := scanCertificate(r.db.QueryRowContext(ctx, query, certificateID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

// FindLatestBySubject returns the most recently issued certificate of the subject.
func (r *CertificateRepository) FindLatestBySubject(ctx context.Context, subjectID string) (*model.Certificate, error) {
	const query = `
		SELECT id, certificate_id, subject_id, issuer_id, encoded, fingerprint, valid_from, valid_until, created_at
		FROM certificates
		WHERE subject_id = ?
		ORDER BY valid_from DESC, id DESC
		LIMIT 1
	`
	c, err := scanCertificate(r.db.QueryRowContext(ctx, query, subjectID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

func (r *CertificateRepository) GetAll(ctx context.Context) ([]model.Certificate, error) {
	const query = `
		SELECT id, certificate_id, subject_id, issuer_id, encoded, fingerprint, valid_from, valid_until, created_at
		FROM certificates
		ORDER BY id
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var certs []model.Certificate
	for rows.Next() {
		c, err := scanCertificate(rows)
		if err != nil {
			return nil, err
		}
		certs = append(certs, *c)
	}
	return certs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCertificate(row rowScanner) (*model.Certificate, error) {
	var c model.Certificate
	if err := row.Scan(&c.ID, &c.CertificateID, &c.SubjectID, &c.IssuerID, &c.Encoded, &c.Fingerprint, &c.ValidFrom, &c.ValidUntil, &c.CreatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
