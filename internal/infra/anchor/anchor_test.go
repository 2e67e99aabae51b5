/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package anchor

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kentakayama/qsafe-auth/internal/config"
	"github.com/kentakayama/qsafe-auth/internal/infra/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	db, err := sqlite.InitDB(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.CloseDB(db) })
	return NewLedger(sqlite.NewAnchorRecordRepository(db))
}

func TestLedger_SubmitLookup(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t)

	digest := []byte{0x01, 0x02, 0x03}
	ref, err := ledger.Submit(ctx, digest, KindCertificate)
	require.NoError(t, err)
	assert.NotEmpty(t, ref)

	// idempotent
	again, err := ledger.Submit(ctx, digest, KindCertificate)
	require.NoError(t, err)
	assert.Equal(t, ref, again)

	// a different kind is a different reference
	other, err := ledger.Submit(ctx, digest, "policy")
	require.NoError(t, err)
	assert.NotEqual(t, ref, other)

	rec, err := ledger.Lookup(ctx, ref)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, digest, rec.Digest)
	assert.Equal(t, KindCertificate, rec.Kind)

	missing, err := ledger.Lookup(ctx, "anc:missing")
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, err = ledger.Submit(ctx, nil, KindCertificate)
	assert.Error(t, err)
}

func TestClient_AgainstHandler(t *testing.T) {
	ctx := context.Background()
	logger := log.New(io.Discard, "", 0)

	srv := httptest.NewServer(NewHandler(newTestLedger(t), logger))
	defer srv.Close()

	client, err := NewClient(config.AnchorConfig{BaseURL: srv.URL, Timeout: time.Second, Logger: logger})
	require.NoError(t, err)

	digest := []byte("certificate digest")
	ref, err := client.Submit(ctx, digest, KindCertificate)
	require.NoError(t, err)

	rec, err := client.Lookup(ctx, ref)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, ref, rec.Ref)
	assert.Equal(t, digest, rec.Digest)

	rec, err = client.Lookup(ctx, "anc:unknown")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestClient_Unavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client, err := NewClient(config.AnchorConfig{BaseURL: srv.URL, Logger: log.New(io.Discard, "", 0)})
	require.NoError(t, err)

	_, err = client.Submit(context.Background(), []byte{0x01}, KindCertificate)
	assert.Error(t, err)

	_, err = client.Lookup(context.Background(), "anc:1")
	assert.Error(t, err)
}

func TestClient_Timeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	client, err := NewClient(config.AnchorConfig{BaseURL: srv.URL, Timeout: 50 * time.Millisecond, Logger: log.New(io.Discard, "", 0)})
	require.NoError(t, err)

	start := time.Now()
	_, err = client.Submit(context.Background(), []byte{0x01}, KindCertificate)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestNewClient_EmptyURL(t *testing.T) {
	_, err := NewClient(config.AnchorConfig{})
	assert.Error(t, err)
}
