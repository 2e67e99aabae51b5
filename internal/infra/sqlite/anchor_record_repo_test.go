/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/kentakayama/qsafe-auth/internal/domain"
	"github.com/kentakayama/qsafe-auth/internal/domain/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLite_AnchorRecord_CreateFind(t *testing.T) {
	ctx := context.Background()

	db, err := InitDB(ctx, ":memory:")
	require.NoError(t, err)
	defer CloseDB(db)

	repo := NewAnchorRecordRepository(db)
	rec := &model.AnchorRecord{
		Ref:       "anc-1",
		Digest:    []byte{0xde, 0xad, 0xbe, 0xef},
		Kind:      "certificate",
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	_, err = repo.Create(ctx, rec)
	require.NoError(t, err)

	got, err := repo.FindByRef(ctx, "anc-1")
	require.NoError(t, err)
	assert.Equal(t, rec.Digest, got.Digest)
	assert.Equal(t, "certificate", got.Kind)

	_, err = repo.Create(ctx, rec)
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	_, err = repo.FindByRef(ctx, "anc-404")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSQLite_PolicyProfile_CreateFind(t *testing.T) {
	ctx := context.Background()

	db, err := InitDB(ctx, ":memory:")
	require.NoError(t, err)
	defer CloseDB(db)

	repo := NewPolicyProfileRepository(db)
	p := &model.PolicyProfile{
		PolicyHash:         []byte("policy-hash"),
		Level:              "banking",
		Scopes:             "accounts:read,payments:write",
		RateLimit:          30,
		StepUpThreshold:    0.4,
		RequireQuantumSafe: true,
		CreatedAt:          time.Now().UTC().Truncate(time.Second),
	}
	_, err = repo.Create(ctx, p)
	require.NoError(t, err)

	got, err := repo.FindByPolicyHash(ctx, p.PolicyHash)
	require.NoError(t, err)
	assert.Equal(t, "banking", got.Level)
	assert.Equal(t, 30, got.RateLimit)
	assert.InDelta(t, 0.4, got.StepUpThreshold, 1e-9)
	assert.True(t, got.RequireQuantumSafe)

	_, err = repo.FindByPolicyHash(ctx, []byte("unknown"))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
