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

type PolicyProfileRepository struct {
	db *sql.DB
}

// NewPolicyProfileRepository creates a new instance of PolicyProfileRepository.
func NewPolicyProfileRepository(db *sql.DB) *PolicyProfileRepository {
	return &PolicyProfileRepository{db: db}
}

func (r *PolicyProfileRepository) Create(ctx context.Context, p *model.PolicyProfile) (int64, error) {
	const query = `
		INSERT INTO policy_profiles (policy_hash, level, scopes, rate_limit, step_up_threshold, require_quantum_safe, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	result, err := r.db.ExecContext(ctx, query, p.PolicyHash, p.Level, p.Scopes, p.RateLimit, p.StepUpThreshold, p.RequireQuantumSafe, p.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, domain.ErrAlreadyExists
		}
		return 0, fmt.Errorf("insert policy profile: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	p.ID = id
	return id, nil
}

func (r *PolicyProfileRepository) FindByPolicyHash(ctx context.Context, policyHash []byte) (*model.PolicyProfile, error) {
	const query = `
		SELECT id, policy_hash, level, scopes, rate_limit, step_up_threshold, require_quantum_safe, created_at
		FROM policy_profiles
		WHERE policy_hash = ?
		LIMIT 1
	`
	var p model.PolicyProfile
	err := r.db.QueryRowContext(ctx, query, policyHash).Scan(&p.ID, &p.PolicyHash, &p.Level, &p.Scopes, &p.RateLimit, &p.StepUpThreshold, &p.RequireQuantumSafe, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}
