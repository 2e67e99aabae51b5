/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package qlock

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
)

const (
	DefaultWindow = 60 * time.Second
	LockKeySize   = 32
)

// DerivationInput is everything a session lock key depends on.
type DerivationInput struct {
	ChannelBinding         []byte
	PeerPublicKeyHash      []byte
	CertificateFingerprint []byte
	RouteFingerprint       []byte
	RequesterPublicKey     []byte
	Epoch                  uint64
}

// Epoch is the index of the window containing t.
func Epoch(t time.Time, window time.Duration) uint64 {
	secs := int64(window / time.Second)
	if secs < 1 {
		secs = int64(DefaultWindow / time.Second)
	}
	return uint64(t.Unix() / secs)
}

// Derive computes the lock key. Equal inputs always give equal keys; any
// changed input, including the epoch, gives an unrelated key.
func Derive(in DerivationInput) ([]byte, error) {
	if len(in.ChannelBinding) == 0 {
		return nil, errors.New("derive lock key: channel binding is empty")
	}
	if len(in.RouteFingerprint) == 0 {
		return nil, errors.New("derive lock key: route fingerprint is empty")
	}

	var epoch [8]byte
	binary.BigEndian.PutUint64(epoch[:], in.Epoch)

	ikm := make([]byte, 0, 8+len(in.ChannelBinding)+len(in.PeerPublicKeyHash)+len(in.CertificateFingerprint)+len(in.RouteFingerprint)+8)
	ikm = append(ikm, "qlock/v1"...)
	ikm = append(ikm, in.ChannelBinding...)
	ikm = append(ikm, in.PeerPublicKeyHash...)
	ikm = append(ikm, in.CertificateFingerprint...)
	ikm = append(ikm, in.RouteFingerprint...)
	ikm = append(ikm, epoch[:]...)

	salt := sha256.New()
	salt.Write([]byte("qlock-salt/v1"))
	salt.Write(in.RequesterPublicKey)

	key := make([]byte, LockKeySize)
	r := hkdf.New(sha256.New, ikm, salt.Sum(nil), []byte("qlock-session"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive lock key: %w", err)
	}
	return key, nil
}
