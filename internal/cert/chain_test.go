/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package cert

import (
	"io"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newIntermediate returns a manager signing as an intermediate CA issued
// by f's root.
func newIntermediate(t *testing.T, f *fixture, alg Algorithm) (*Manager, *Certificate) {
	t.Helper()
	inter, keys, err := f.manager.Issue(f.ctx, "did:sapi:intermediate-ca", testPolicyHash)
	require.NoError(t, err)

	m, err := NewManager(ManagerConfig{
		Authority:   &Authority{ID: inter.SubjectID, Keys: keys, Certificate: inter},
		Anchor:      f.anchor,
		Revocations: f.revs,
		Algorithm:   alg,
		Now:         f.clock.Now,
		Logger:      log.New(io.Discard, "", 0),
	})
	require.NoError(t, err)
	return m, inter
}

func TestBuildChain(t *testing.T) {
	f := newFixture(t, AlgorithmHybrid)
	sub, inter := newIntermediate(t, f, AlgorithmHybrid)
	root := f.manager.Authority().Certificate

	leaf, _, err := sub.Issue(f.ctx, "did:example:alice", testPolicyHash)
	require.NoError(t, err)
	require.NoError(t, sub.Verify(f.ctx, leaf))

	chain, err := f.manager.BuildChain(f.ctx, []*Certificate{leaf, inter, root}, true)
	require.NoError(t, err)
	assert.True(t, chain.Trusted)
	assert.True(t, chain.QuantumSafe)
	assert.Same(t, leaf, chain.Leaf())
	assert.Same(t, root, chain.Root())

	// the same path built elsewhere is valid but not trusted there
	other := newFixture(t, AlgorithmHybrid)
	chain, err = other.manager.BuildChain(f.ctx, []*Certificate{leaf, inter, root}, true)
	require.NoError(t, err)
	assert.False(t, chain.Trusted)
}

func TestBuildChain_Broken(t *testing.T) {
	f := newFixture(t, AlgorithmHybrid)
	sub, inter := newIntermediate(t, f, AlgorithmHybrid)
	root := f.manager.Authority().Certificate

	leaf, _, err := sub.Issue(f.ctx, "did:example:alice", testPolicyHash)
	require.NoError(t, err)

	_, err = f.manager.BuildChain(f.ctx, nil, false)
	assert.ErrorIs(t, err, ErrBrokenChain)

	// issuer link skipped
	_, err = f.manager.BuildChain(f.ctx, []*Certificate{leaf, root}, false)
	assert.ErrorIs(t, err, ErrBrokenChain)

	// does not end in a self-issued root
	_, err = f.manager.BuildChain(f.ctx, []*Certificate{leaf, inter}, false)
	assert.ErrorIs(t, err, ErrBrokenChain)

	// forged intermediate with the right subject but other keys
	forgedKeys, err := GenerateKeyPair(AlgorithmHybrid)
	require.NoError(t, err)
	forged := *inter
	pub := forgedKeys.Public()
	forged.ClassicalPublicKey = pub.Classical
	forged.PQPublicKey = pub.PostQuantum
	_, err = f.manager.BuildChain(f.ctx, []*Certificate{leaf, &forged, root}, false)
	assert.ErrorIs(t, err, ErrBrokenChain)

	require.NoError(t, f.manager.Revoke(f.ctx, inter.CertificateID, "ca compromise"))
	_, err = f.manager.BuildChain(f.ctx, []*Certificate{leaf, inter, root}, false)
	assert.ErrorIs(t, err, ErrCertificateRevoked)
}

func TestBuildChain_QuantumSafe(t *testing.T) {
	f := newFixture(t, AlgorithmHybrid)
	sub, inter := newIntermediate(t, f, AlgorithmClassical)
	root := f.manager.Authority().Certificate

	leaf, _, err := sub.Issue(f.ctx, "did:example:legacy", testPolicyHash)
	require.NoError(t, err)
	assert.Equal(t, AlgorithmClassical, leaf.Algorithm)

	_, err = f.manager.BuildChain(f.ctx, []*Certificate{leaf, inter, root}, true)
	assert.ErrorIs(t, err, ErrNotQuantumSafe)

	chain, err := f.manager.BuildChain(f.ctx, []*Certificate{leaf, inter, root}, false)
	require.NoError(t, err)
	assert.False(t, chain.QuantumSafe)
}

func TestBuildChain_Expired(t *testing.T) {
	f := newFixture(t, AlgorithmHybrid)
	sub, inter := newIntermediate(t, f, AlgorithmHybrid)
	root := f.manager.Authority().Certificate

	leaf, _, err := sub.Issue(f.ctx, "did:example:alice", testPolicyHash)
	require.NoError(t, err)

	f.clock.t = inter.ValidUntil
	_, err = f.manager.BuildChain(f.ctx, []*Certificate{leaf, inter, root}, true)
	assert.ErrorIs(t, err, ErrCertificateExpired)
}
