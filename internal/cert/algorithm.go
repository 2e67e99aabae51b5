/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package cert

import "fmt"

// Algorithm is the closed set of signature algorithms a certificate key
// may use.
type Algorithm int

const (
	AlgorithmUnknown     Algorithm = 0
	AlgorithmClassical   Algorithm = 1 // Ed25519
	AlgorithmPostQuantum Algorithm = 2 // ML-DSA-65
	AlgorithmHybrid      Algorithm = 3 // Ed25519 + ML-DSA-65, both must verify
)

func (a Algorithm) String() string {
	switch a {
	case AlgorithmClassical:
		return "ed25519"
	case AlgorithmPostQuantum:
		return "ml-dsa-65"
	case AlgorithmHybrid:
		return "ed25519+ml-dsa-65"
	default:
		return fmt.Sprintf("unknown(%d)", int(a))
	}
}

// QuantumSafe reports whether the algorithm includes a post-quantum scheme.
func (a Algorithm) QuantumSafe() bool {
	return a == AlgorithmPostQuantum || a == AlgorithmHybrid
}

func (a Algorithm) usesClassical() bool {
	return a == AlgorithmClassical || a == AlgorithmHybrid
}

func (a Algorithm) usesPostQuantum() bool {
	return a == AlgorithmPostQuantum || a == AlgorithmHybrid
}

func (a Algorithm) valid() bool {
	return a == AlgorithmClassical || a == AlgorithmPostQuantum || a == AlgorithmHybrid
}
