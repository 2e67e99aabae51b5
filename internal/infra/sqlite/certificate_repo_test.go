/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package sqlite

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kentakayama/qsafe-auth/internal/domain"
	"github.com/kentakayama/qsafe-auth/internal/domain/model"
)

func TestSQLite_Certificate_CreateFind_OK(t *testing.T) {
	ctx := context.Background()

	db, err := InitDB(ctx, ":memory:")
	if err != nil {
		t.Fatalf("InitDB error: %v", err)
	}
	defer CloseDB(db)

	repo := NewCertificateRepository(db)

	now := time.Now().UTC().Truncate(time.Second)
	c := &model.Certificate{
		CertificateID: "5a0e1c3e-2c1b-4bd6-9a0f-7b1f3d0c9e01",
		SubjectID:     "did:example:alice",
		IssuerID:      "did:example:ca",
		Encoded:       []byte("cbor-bytes"),
		Fingerprint:   []byte("fp-1"),
		ValidFrom:     now,
		ValidUntil:    now.Add(90 * 24 * time.Hour),
		CreatedAt:     now,
	}

	id, err := repo.Create(ctx, c)
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if id == 0 || c.ID != id {
		t.Fatalf("unexpected id: %d (model %d)", id, c.ID)
	}

	got, err := repo.FindByCertificateID(ctx, c.CertificateID)
	if err != nil {
		t.Fatalf("FindByCertificateID error: %v", err)
	}
	if got.SubjectID != c.SubjectID || got.IssuerID != c.IssuerID {
		t.Fatalf("identity mismatch: got %s/%s", got.SubjectID, got.IssuerID)
	}
	if !bytes.Equal(got.Encoded, c.Encoded) {
		t.Fatalf("Encoded mismatch: got %v want %v", got.Encoded, c.Encoded)
	}
	if !got.ValidUntil.Equal(c.ValidUntil) {
		t.Fatalf("ValidUntil mismatch: got %v want %v", got.ValidUntil, c.ValidUntil)
	}

	// duplicate certificate_id
	if _, err := repo.Create(ctx, c); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got: %v", err)
	}
}

func TestSQLite_Certificate_FindLatestBySubject(t *testing.T) {
	ctx := context.Background()

	db, err := InitDB(ctx, ":memory:")
	if err != nil {
		t.Fatalf("InitDB error: %v", err)
	}
	defer CloseDB(db)

	repo := NewCertificateRepository(db)

	now := time.Now().UTC().Truncate(time.Second)
	older := &model.Certificate{
		CertificateID: "older",
		SubjectID:     "did:example:bob",
		IssuerID:      "did:example:ca",
		Encoded:       []byte{0x01},
		Fingerprint:   []byte{0x01},
		ValidFrom:     now.Add(-48 * time.Hour),
		ValidUntil:    now.Add(time.Hour),
		CreatedAt:     now.Add(-48 * time.Hour),
	}
	newer := &model.Certificate{
		CertificateID: "newer",
		SubjectID:     "did:example:bob",
		IssuerID:      "did:example:ca",
		Encoded:       []byte{0x02},
		Fingerprint:   []byte{0x02},
		ValidFrom:     now,
		ValidUntil:    now.Add(90 * 24 * time.Hour),
		CreatedAt:     now,
	}
	for _, c := range []*model.Certificate{older, newer} {
		if _, err := repo.Create(ctx, c); err != nil {
			t.Fatalf("Create error: %v", err)
		}
	}

	got, err := repo.FindLatestBySubject(ctx, "did:example:bob")
	if err != nil {
		t.Fatalf("FindLatestBySubject error: %v", err)
	}
	if got.CertificateID != "newer" {
		t.Fatalf("expected newer certificate, got %s", got.CertificateID)
	}

	all, err := repo.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll error: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 certificates, got %d", len(all))
	}

	_, err = repo.FindLatestBySubject(ctx, "did:example:nobody")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got: %v", err)
	}
}
