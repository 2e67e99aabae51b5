/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package cert

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Extension is the payload a transport certificate carries to point at
// its SAPI certificate.
type Extension struct {
	CertificateID string `cbor:"certificate_id"`
	AnchorRef     string `cbor:"anchor_ref"`
	PolicyHash    []byte `cbor:"policy_hash"`
	IssuerID      string `cbor:"issuer_id"`
}

func EncodeExtension(e Extension) ([]byte, error) {
	return encMode.Marshal(e)
}

func DecodeExtension(data []byte) (*Extension, error) {
	var e Extension
	if err := cbor.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode certificate extension: %w", err)
	}
	if e.CertificateID == "" {
		return nil, fmt.Errorf("decode certificate extension: missing certificate_id")
	}
	return &e, nil
}
