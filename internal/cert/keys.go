/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package cert

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/sign"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"github.com/fxamacker/cbor/v2"
	cose "github.com/veraison/go-cose"
)

var pqScheme sign.Scheme = mldsa65.Scheme()

// PublicKeys is the public half of a KeyPair.
type PublicKeys struct {
	Algorithm   Algorithm `cbor:"1,keyasint"`
	Classical   []byte    `cbor:"2,keyasint,omitempty"`
	PostQuantum []byte    `cbor:"3,keyasint,omitempty"`
}

// Signature carries the classical COSE_Sign1 (detached payload) and the
// post-quantum signature over the same message.
type Signature struct {
	Classical   []byte `cbor:"1,keyasint,omitempty"`
	PostQuantum []byte `cbor:"2,keyasint,omitempty"`
}

// KeyPair holds the private keys for one Algorithm.
type KeyPair struct {
	algorithm Algorithm
	classical ed25519.PrivateKey
	pq        sign.PrivateKey
	public    PublicKeys
}

type encodedKeyPair struct {
	Algorithm   Algorithm `cbor:"1,keyasint"`
	Classical   []byte    `cbor:"2,keyasint,omitempty"` // Ed25519 seed
	PostQuantum []byte    `cbor:"3,keyasint,omitempty"`
}

// GenerateKeyPair creates fresh keys for alg.
func GenerateKeyPair(alg Algorithm) (*KeyPair, error) {
	if !alg.valid() {
		return nil, ErrUnsupportedAlgorithm
	}
	kp := &KeyPair{algorithm: alg, public: PublicKeys{Algorithm: alg}}
	if alg.usesClassical() {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate ed25519 key: %w", err)
		}
		kp.classical = priv
		kp.public.Classical = pub
	}
	if alg.usesPostQuantum() {
		pub, priv, err := pqScheme.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("generate %s key: %w", pqScheme.Name(), err)
		}
		pubBytes, err := pub.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("marshal %s public key: %w", pqScheme.Name(), err)
		}
		kp.pq = priv
		kp.public.PostQuantum = pubBytes
	}
	return kp, nil
}

func (k *KeyPair) Algorithm() Algorithm {
	return k.algorithm
}

func (k *KeyPair) Public() PublicKeys {
	return k.public
}

// Sign signs msg with every scheme of the key pair's algorithm.
func (k *KeyPair) Sign(msg []byte) (*Signature, error) {
	var sig Signature
	if k.algorithm.usesClassical() {
		classical, err := signClassical(k.classical, k.public.KeyID(), msg)
		if err != nil {
			return nil, err
		}
		sig.Classical = classical
	}
	if k.algorithm.usesPostQuantum() {
		sig.PostQuantum = pqScheme.Sign(k.pq, msg, nil)
	}
	return &sig, nil
}

// MarshalBinary encodes the private key material.
func (k *KeyPair) MarshalBinary() ([]byte, error) {
	enc := encodedKeyPair{Algorithm: k.algorithm}
	if k.classical != nil {
		enc.Classical = k.classical.Seed()
	}
	if k.pq != nil {
		b, err := k.pq.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("marshal %s private key: %w", pqScheme.Name(), err)
		}
		enc.PostQuantum = b
	}
	return encMode.Marshal(enc)
}

// UnmarshalKeyPair restores a KeyPair encoded with MarshalBinary.
func UnmarshalKeyPair(data []byte) (*KeyPair, error) {
	var enc encodedKeyPair
	if err := cbor.Unmarshal(data, &enc); err != nil {
		return nil, fmt.Errorf("decode key pair: %w", err)
	}
	if !enc.Algorithm.valid() {
		return nil, ErrUnsupportedAlgorithm
	}
	kp := &KeyPair{algorithm: enc.Algorithm, public: PublicKeys{Algorithm: enc.Algorithm}}
	if enc.Algorithm.usesClassical() {
		if len(enc.Classical) != ed25519.SeedSize {
			return nil, errors.New("invalid ed25519 seed length")
		}
		kp.classical = ed25519.NewKeyFromSeed(enc.Classical)
		kp.public.Classical = kp.classical.Public().(ed25519.PublicKey)
	}
	if enc.Algorithm.usesPostQuantum() {
		priv, err := pqScheme.UnmarshalBinaryPrivateKey(enc.PostQuantum)
		if err != nil {
			return nil, fmt.Errorf("decode %s private key: %w", pqScheme.Name(), err)
		}
		pubBytes, err := priv.Public().(sign.PublicKey).MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("marshal %s public key: %w", pqScheme.Name(), err)
		}
		kp.pq = priv
		kp.public.PostQuantum = pubBytes
	}
	return kp, nil
}

// KeyID is the SHA-256 over the concatenated public keys.
func (p PublicKeys) KeyID() []byte {
	h := sha256.New()
	h.Write(p.Classical)
	h.Write(p.PostQuantum)
	return h.Sum(nil)
}

func (p PublicKeys) Equal(o PublicKeys) bool {
	return p.Algorithm == o.Algorithm &&
		bytes.Equal(p.Classical, o.Classical) &&
		bytes.Equal(p.PostQuantum, o.PostQuantum)
}

func (p PublicKeys) Marshal() ([]byte, error) {
	return encMode.Marshal(p)
}

func UnmarshalPublicKeys(data []byte) (PublicKeys, error) {
	var p PublicKeys
	if err := cbor.Unmarshal(data, &p); err != nil {
		return PublicKeys{}, fmt.Errorf("decode public keys: %w", err)
	}
	if !p.Algorithm.valid() {
		return PublicKeys{}, ErrUnsupportedAlgorithm
	}
	return p, nil
}

// Verify checks sig over msg. The classical signature is checked first
// and short-circuits; a hybrid key requires both signatures.
func (p PublicKeys) Verify(msg []byte, sig *Signature) error {
	if sig == nil {
		return ErrInvalidSignature
	}
	switch p.Algorithm {
	case AlgorithmClassical:
		return verifyClassical(p.Classical, msg, sig.Classical)
	case AlgorithmPostQuantum:
		return verifyPostQuantum(p.PostQuantum, msg, sig.PostQuantum)
	case AlgorithmHybrid:
		if err := verifyClassical(p.Classical, msg, sig.Classical); err != nil {
			return err
		}
		return verifyPostQuantum(p.PostQuantum, msg, sig.PostQuantum)
	default:
		return ErrUnsupportedAlgorithm
	}
}

func (s *Signature) Marshal() ([]byte, error) {
	return encMode.Marshal(s)
}

func UnmarshalSignature(data []byte) (*Signature, error) {
	var s Signature
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}
	return &s, nil
}

func signClassical(key ed25519.PrivateKey, kid []byte, msg []byte) ([]byte, error) {
	signer, err := cose.NewSigner(cose.AlgorithmEdDSA, key)
	if err != nil {
		return nil, err
	}

	m := cose.NewSign1Message()
	m.Headers.Protected.SetAlgorithm(cose.AlgorithmEdDSA)
	m.Headers.Unprotected[cose.HeaderLabelKeyID] = kid
	m.Payload = msg
	if err := m.Sign(rand.Reader, nil, signer); err != nil {
		return nil, fmt.Errorf("sign COSE_Sign1: %w", err)
	}

	// detach the payload, the verifier supplies it again
	m.Payload = nil
	return m.MarshalCBOR()
}

func verifyClassical(pub []byte, msg []byte, sig []byte) error {
	if len(pub) != ed25519.PublicKeySize || len(sig) == 0 {
		return ErrInvalidSignature
	}
	verifier, err := cose.NewVerifier(cose.AlgorithmEdDSA, ed25519.PublicKey(pub))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	var m cose.Sign1Message
	if err := m.UnmarshalCBOR(sig); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	m.Payload = msg
	if err := m.Verify(nil, verifier); err != nil {
		return fmt.Errorf("%w: classical: %v", ErrInvalidSignature, err)
	}
	return nil
}

func verifyPostQuantum(pub []byte, msg []byte, sig []byte) error {
	if len(sig) != pqScheme.SignatureSize() {
		return ErrInvalidSignature
	}
	pk, err := pqScheme.UnmarshalBinaryPublicKey(pub)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !pqScheme.Verify(pk, msg, sig, nil) {
		return fmt.Errorf("%w: post-quantum", ErrInvalidSignature)
	}
	return nil
}
