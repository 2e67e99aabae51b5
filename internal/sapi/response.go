/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package sapi

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/kentakayama/qsafe-auth/internal/cert"
	"github.com/kentakayama/qsafe-auth/internal/qlock"
)

// ResponseProof lets the requester check a response came from the server
// holding the same session lock.
type ResponseProof struct {
	ServerID  string
	QLock     string
	Signature []byte // CBOR encoded cert.Signature
}

func SignResponse(serverID string, s *qlock.SessionLock, status int, body []byte, keys *cert.KeyPair) (*ResponseProof, error) {
	if s == nil || keys == nil {
		return nil, errors.New("sign response: missing session or keys")
	}
	sig, err := keys.Sign(responseInput(serverID, s, status, body))
	if err != nil {
		return nil, fmt.Errorf("sign response: %w", err)
	}
	encoded, err := sig.Marshal()
	if err != nil {
		return nil, fmt.Errorf("encode response signature: %w", err)
	}
	return &ResponseProof{ServerID: serverID, QLock: s.Hash(), Signature: encoded}, nil
}

func VerifyResponse(rp *ResponseProof, s *qlock.SessionLock, status int, body []byte, serverKeys cert.PublicKeys) error {
	if rp == nil || s == nil {
		return ErrInvalidSignature
	}
	if rp.QLock != s.Hash() {
		return ErrContentMismatch
	}
	sig, err := cert.UnmarshalSignature(rp.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if err := serverKeys.Verify(responseInput(rp.ServerID, s, status, body), sig); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

// FormatResponseHeader renders "SAPI-1.0 server=<did> qlock=<hash> sig=<hex>".
func FormatResponseHeader(rp *ResponseProof) string {
	return fmt.Sprintf("%s server=%s qlock=%s sig=%s", Version, rp.ServerID, rp.QLock, hex.EncodeToString(rp.Signature))
}

func ParseResponseHeader(v string) (*ResponseProof, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(v), Version+" ")
	if !ok {
		return nil, fmt.Errorf("%w: %s: unsupported version", ErrMalformedHeader, HeaderResponse)
	}
	params, err := parseParams(rest, "server", "qlock", "sig")
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedHeader, HeaderResponse, err)
	}
	if err := checkLockHash(params["qlock"]); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedHeader, HeaderResponse, err)
	}
	sig, err := hex.DecodeString(params["sig"])
	if err != nil {
		return nil, fmt.Errorf("%w: %s: sig: %v", ErrMalformedHeader, HeaderResponse, err)
	}
	return &ResponseProof{ServerID: params["server"], QLock: params["qlock"], Signature: sig}, nil
}

func responseInput(serverID string, s *qlock.SessionLock, status int, body []byte) []byte {
	h := sha256.New()
	for _, field := range [][]byte{[]byte(serverID), []byte(strconv.Itoa(status)), body, s.LockKey} {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(field)))
		h.Write(n[:])
		h.Write(field)
	}
	return append([]byte("sapi-response/v1"), h.Sum(nil)...)
}
