/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package model

import "time"

type PolicyProfile struct {
	ID                 int64
	PolicyHash         []byte
	Level              string
	Scopes             string // comma separated
	RateLimit          int
	StepUpThreshold    float64
	RequireQuantumSafe bool
	CreatedAt          time.Time
}
