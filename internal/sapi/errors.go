/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package sapi

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidSignature = errors.New("invalid proof signature")
	ErrContentMismatch  = errors.New("proof does not match request content")
	ErrReplayDetected   = errors.New("proof replay detected")
	ErrMalformedHeader  = errors.New("malformed SAPI header")
	ErrUnknownIdentity  = fmt.Errorf("unknown identity: %w", ErrInvalidSignature)
)
