/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package sapi

import (
	"fmt"
	"net/http"
)

// Attach sets the SAPI-Proof and SAPI-Session headers.
func Attach(req *http.Request, p *Proof) {
	req.Header.Set(HeaderProof, FormatProofHeader(p))
	req.Header.Set(HeaderSession, FormatSessionHeader(p))
}

// FromRequest parses the proof carried by req.
func FromRequest(req *http.Request) (*Proof, error) {
	proofHeader := req.Header.Get(HeaderProof)
	sessionHeader := req.Header.Get(HeaderSession)
	if proofHeader == "" || sessionHeader == "" {
		return nil, fmt.Errorf("%w: missing %s or %s", ErrMalformedHeader, HeaderProof, HeaderSession)
	}
	var p Proof
	if err := ParseProofHeader(proofHeader, &p); err != nil {
		return nil, err
	}
	if err := ParseSessionHeader(sessionHeader, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
