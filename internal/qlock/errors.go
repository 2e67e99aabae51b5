/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package qlock

import "errors"

var (
	ErrSessionExpired     = errors.New("session lock expired")
	ErrSessionNotFound    = errors.New("session lock not found")
	ErrForwardingDetected = errors.New("request forwarding detected")
	ErrConnectionExpired  = errors.New("connection context too old")
)
