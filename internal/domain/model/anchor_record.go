/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package model

import "time"

type AnchorRecord struct {
	ID        int64
	Ref       string
	Digest    []byte
	Kind      string // e.g. "certificate"
	CreatedAt time.Time
}
