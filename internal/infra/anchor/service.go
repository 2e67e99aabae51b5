/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package anchor

import (
	"context"
	"time"
)

const KindCertificate = "certificate"

// Service durably records a reference to a hash.
type Service interface {
	// Submit records digest under kind and returns its reference.
	Submit(ctx context.Context, digest []byte, kind string) (string, error)
	// Lookup returns nil, nil when ref is unknown.
	Lookup(ctx context.Context, ref string) (*Record, error)
}

type Record struct {
	Ref        string    `cbor:"1,keyasint"`
	Digest     []byte    `cbor:"2,keyasint"`
	Kind       string    `cbor:"3,keyasint"`
	RecordedAt time.Time `cbor:"4,keyasint"`
}

type submitRequest struct {
	Digest []byte `cbor:"1,keyasint"`
	Kind   string `cbor:"2,keyasint"`
}

type submitResponse struct {
	Ref string `cbor:"1,keyasint"`
}
