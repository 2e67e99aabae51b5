/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package distance

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// Header carries the client's last measured round trip to the server.
// It is self-reported and only ever raises risk.
const Header = "SAPI-Distance"

var ErrMalformedHeader = errors.New("malformed SAPI-Distance header")

// FormatHeader renders a as "rtt_ns=<n>".
func FormatHeader(a *Assessment) string {
	return "rtt_ns=" + strconv.FormatInt(a.RTT.Nanoseconds(), 10)
}

func ParseHeader(v string) (time.Duration, error) {
	raw, ok := strings.CutPrefix(strings.TrimSpace(v), "rtt_ns=")
	if !ok {
		return 0, ErrMalformedHeader
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, ErrMalformedHeader
	}
	return time.Duration(n), nil
}
