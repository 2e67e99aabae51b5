/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package util

import (
	"bytes"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderCBOR(t *testing.T) {
	data, err := cbor.Marshal(map[uint64]any{
		1: "did:sapi:alice",
		2: bytes.Repeat([]byte{0xab}, 64),
		3: []byte{0x01, 0x02},
		9: []any{uint64(7), "x"},
	})
	require.NoError(t, err)

	out, err := RenderCBOR(data, map[uint64]string{1: "subject_id", 2: "pq_public_key"})
	require.NoError(t, err)
	assert.Contains(t, out, `"subject_id": "did:sapi:alice"`)
	assert.Contains(t, out, "(64 bytes)")
	assert.Contains(t, out, `"3": "h'0102'"`)
	assert.Contains(t, out, `"9": [`)

	_, err = RenderCBOR([]byte{0xff}, nil)
	assert.Error(t, err)
}

func TestSet(t *testing.T) {
	s := NewSet("accounts:read", "accounts:read")
	assert.Len(t, s, 1)
	s.Add("transfer:write")
	assert.True(t, s.Has("transfer:write"))
	assert.True(t, s.HasAny("*", "accounts:read"))
	assert.False(t, s.HasAny("*"))
	assert.False(t, NewSet[string]().HasAny())
}
