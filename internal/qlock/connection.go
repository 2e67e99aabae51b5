/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package qlock

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

const (
	ExporterLabel           = "EXPORTER-qlock-channel-binding"
	channelBindingLength    = 32
	DefaultConnectionMaxAge = 30 * time.Minute
)

// ConnectionContext identifies one established TLS connection and the
// requester identity using it.
type ConnectionContext struct {
	ID                     string
	Host                   string
	Port                   int
	ChannelBinding         []byte
	PeerPublicKeyHash      []byte // responder TLS leaf SPKI
	CertificateFingerprint []byte // requester SAPI certificate
	RequesterPublicKey     []byte
	EstablishedAt          time.Time
}

// NewConnectionContext builds a context for an established channel.
func NewConnectionContext(host string, port int, binding, peerKeyHash []byte, established time.Time) (*ConnectionContext, error) {
	if len(binding) == 0 {
		return nil, errors.New("channel binding is empty")
	}
	if len(peerKeyHash) == 0 {
		return nil, errors.New("peer public key hash is empty")
	}
	return &ConnectionContext{
		ID:                ConnectionID(binding),
		Host:              host,
		Port:              port,
		ChannelBinding:    binding,
		PeerPublicKeyHash: peerKeyHash,
		EstablishedAt:     established,
	}, nil
}

// WithIdentity returns a copy bound to the requester certificate.
func (c *ConnectionContext) WithIdentity(certFingerprint, requesterPublicKey []byte) *ConnectionContext {
	cp := *c
	cp.CertificateFingerprint = certFingerprint
	cp.RequesterPublicKey = requesterPublicKey
	return &cp
}

// ConnectionID is the hex of the first 16 bytes of SHA-256 over the
// channel binding.
func ConnectionID(binding []byte) string {
	sum := sha256.Sum256(binding)
	return hex.EncodeToString(sum[:16])
}

// ChannelBinding exports the keying material both ends of a TLS
// connection agree on.
func ChannelBinding(state *tls.ConnectionState) ([]byte, error) {
	if state == nil || !state.HandshakeComplete {
		return nil, errors.New("tls handshake not complete")
	}
	b, err := state.ExportKeyingMaterial(ExporterLabel, nil, channelBindingLength)
	if err != nil {
		return nil, fmt.Errorf("export keying material: %w", err)
	}
	return b, nil
}

// PublicKeyHash is the SHA-256 over the certificate SubjectPublicKeyInfo.
func PublicKeyHash(c *x509.Certificate) []byte {
	sum := sha256.Sum256(c.RawSubjectPublicKeyInfo)
	return sum[:]
}

// FromClientState builds the requester side context; the responder key
// is the server's TLS leaf.
func FromClientState(state *tls.ConnectionState, host string, port int, established time.Time) (*ConnectionContext, error) {
	binding, err := ChannelBinding(state)
	if err != nil {
		return nil, err
	}
	if len(state.PeerCertificates) == 0 {
		return nil, errors.New("no peer certificate")
	}
	return NewConnectionContext(host, port, binding, PublicKeyHash(state.PeerCertificates[0]), established)
}

// FromServerState builds the responder side context for its own leaf.
func FromServerState(state *tls.ConnectionState, leaf *x509.Certificate, established time.Time) (*ConnectionContext, error) {
	if leaf == nil {
		return nil, errors.New("no server certificate")
	}
	binding, err := ChannelBinding(state)
	if err != nil {
		return nil, err
	}
	return NewConnectionContext(state.ServerName, 0, binding, PublicKeyHash(leaf), established)
}
