/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package anchor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/kentakayama/qsafe-auth/internal/domain"
	"github.com/kentakayama/qsafe-auth/internal/domain/model"
	"github.com/kentakayama/qsafe-auth/internal/domain/service"
)

// Ledger is a Service backed by a local anchor record repository.
// References are derived from kind and digest, so resubmitting the same
// digest returns the same reference.
type Ledger struct {
	repo service.AnchorRecordRepository
	now  func() time.Time
}

func NewLedger(repo service.AnchorRecordRepository) *Ledger {
	return &Ledger{repo: repo, now: time.Now}
}

func (l *Ledger) Submit(ctx context.Context, digest []byte, kind string) (string, error) {
	if len(digest) == 0 {
		return "", fmt.Errorf("refusing to anchor empty digest")
	}
	ref := deriveRef(digest, kind)
	rec := &model.AnchorRecord{
		Ref:       ref,
		Digest:    digest,
		Kind:      kind,
		CreatedAt: l.now().UTC().Truncate(time.Second),
	}
	if _, err := l.repo.Create(ctx, rec); err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
		return "", fmt.Errorf("record anchor: %w", err)
	}
	return ref, nil
}

func (l *Ledger) Lookup(ctx context.Context, ref string) (*Record, error) {
	rec, err := l.repo.FindByRef(ctx, ref)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("find anchor: %w", err)
	}
	return &Record{
		Ref:        rec.Ref,
		Digest:     rec.Digest,
		Kind:       rec.Kind,
		RecordedAt: rec.CreatedAt,
	}, nil
}

func deriveRef(digest []byte, kind string) string {
	h := sha256.New()
	h.Write([]byte("anchor-ref/v1"))
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write(digest)
	return "anc:" + hex.EncodeToString(h.Sum(nil)[:16])
}
