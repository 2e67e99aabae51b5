/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package sqlite

import (
	"context"
	"testing"

	"github.com/kentakayama/qsafe-auth/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLite_Revocation_RevokeAndQuery(t *testing.T) {
	ctx := context.Background()

	db, err := InitDB(ctx, ":memory:")
	require.NoError(t, err)
	defer CloseDB(db)

	repo := NewRevocationRepository(db)

	revoked, err := repo.IsRevoked(ctx, "cert-1")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, repo.Revoke(ctx, "cert-1", "key compromise"))
	// second revocation keeps the first reason
	require.NoError(t, repo.Revoke(ctx, "cert-1", "superseded"))

	revoked, err = repo.IsRevoked(ctx, "cert-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	rev, err := repo.FindByCertificateID(ctx, "cert-1")
	require.NoError(t, err)
	assert.Equal(t, "key compromise", rev.Reason)
	assert.False(t, rev.RevokedAt.IsZero())

	all, err := repo.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = repo.FindByCertificateID(ctx, "cert-2")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
