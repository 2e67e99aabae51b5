/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package resources

import (
	_ "embed"
)

var (
	// Default policy profiles, seeded into the policy store at startup.
	//go:embed policies.json
	DefaultPolicies []byte
)
