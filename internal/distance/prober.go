/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package distance

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
)

const ChallengePath = "/sapi/v1/distance-challenge"

// Doer sends HTTP requests; *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPProber posts the challenge to the echo endpoint at URL.
type HTTPProber struct {
	Client Doer
	URL    string
}

func (p *HTTPProber) Probe(ctx context.Context, challenge []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(challenge))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("challenge request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, ChallengeSize+1))
}

// EchoHandler answers distance challenges.
func EchoHandler(w http.ResponseWriter, r *http.Request) {
	challenge, err := io.ReadAll(io.LimitReader(r.Body, ChallengeSize+1))
	if err != nil || len(challenge) != ChallengeSize {
		http.Error(w, "bad challenge", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(challenge)
}
