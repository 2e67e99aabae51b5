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

	"github.com/kentakayama/qsafe-auth/internal/domain"
	"github.com/kentakayama/qsafe-auth/internal/domain/model"
)

type AnchorRecordRepository struct {
	db *sql.DB
}

// NewAnchorRecordRepository creates a new instance of AnchorRecordRepository.
func NewAnchorRecordRepository(db *sql.DB) *AnchorRecordRepository {
	return &AnchorRecordRepository{db: db}
}

func (r *AnchorRecordRepository) Create(ctx context.Context, rec *model.AnchorRecord) (int64, error) {
	const query = `
		INSERT INTO anchor_records (ref, digest, kind, created_at)
		VALUES (?, ?, ?, ?)
	`
	result, err := r.db.ExecContext(ctx, query, rec.Ref, rec.Digest, rec.Kind, rec.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, domain.ErrAlreadyExists
		}
		return 0, fmt.Errorf("insert anchor record: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	rec.ID = id
	return id, nil
}

func (r *AnchorRecordRepository) FindByRef(ctx context.Context, ref string) (*model.AnchorRecord, error) {
	const query = `
		SELECT id, ref, digest, kind, created_at
		FROM anchor_records
		WHERE ref = ?
		LIMIT 1
	`
	var rec model.AnchorRecord
	err := r.db.QueryRowContext(ctx, query, ref).Scan(&rec.ID, &rec.Ref, &rec.Digest, &rec.Kind, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}
