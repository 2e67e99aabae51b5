/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package qlock

import (
	"crypto/sha256"
	"fmt"
	"net/url"
	"path"
	"strings"
)

// volatile query parameters never contribute to a route.
var volatileParams = map[string]struct{}{
	"ts":          {},
	"timestamp":   {},
	"nonce":       {},
	"_":           {},
	"cb":          {},
	"cachebuster": {},
	"sig":         {},
}

// NormalizeRoute renders "METHOD /clean/path[?sorted=query]". Only the
// path and query of rawURL are used.
func NormalizeRoute(method, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse route %q: %w", rawURL, err)
	}

	p := path.Clean("/" + u.Path)
	if p != "/" {
		p = strings.TrimSuffix(p, "/")
	}

	q, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return "", fmt.Errorf("parse query of %q: %w", rawURL, err)
	}
	for k := range q {
		if _, ok := volatileParams[strings.ToLower(k)]; ok {
			q.Del(k)
		}
	}

	route := strings.ToUpper(method) + " " + p
	if enc := q.Encode(); enc != "" {
		route += "?" + enc
	}
	return route, nil
}

func RouteFingerprint(method, rawURL string) ([]byte, error) {
	route, err := NormalizeRoute(method, rawURL)
	if err != nil {
		return nil, err
	}
	h := sha256.New()
	h.Write([]byte("route-fp/v1"))
	h.Write([]byte(route))
	return h.Sum(nil), nil
}
