/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package anchor

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/kentakayama/qsafe-auth/internal/config"
)

const (
	defaultAnchorTimeout   = 10 * time.Second
	defaultAnchorUserAgent = "qsafe-auth/anchor-client"
	contentTypeCBOR        = "application/cbor"
	recordsPath            = "/anchor/v1/records"
)

// Client talks to a remote anchor service over HTTP with CBOR bodies.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	timeout    time.Duration
	logger     *log.Logger
}

func NewClient(cfg config.AnchorConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("anchor service URL is empty")
	}

	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse anchor service URL: %w", err)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultAnchorTimeout
	}

	transport := &http.Transport{}
	if base.Scheme == "https" {
		transport.TLSClientConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.InsecureTLS,
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &Client{
		baseURL: base,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		timeout: timeout,
		logger:  logger,
	}, nil
}

func (c *Client) Submit(ctx context.Context, digest []byte, kind string) (string, error) {
	if len(digest) == 0 {
		return "", fmt.Errorf("refusing to submit empty digest")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := cbor.Marshal(submitRequest{Digest: digest, Kind: kind})
	if err != nil {
		return "", fmt.Errorf("encode submit request: %w", err)
	}

	submitURL, err := c.baseURL.Parse(recordsPath)
	if err != nil {
		return "", fmt.Errorf("build submit URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, submitURL.String(), bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeCBOR)
	req.Header.Set("Accept", contentTypeCBOR)
	req.Header.Set("User-Agent", defaultAnchorUserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return "", fmt.Errorf("unexpected submit status %s: %s", resp.Status, bytes.TrimSpace(body))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response body: %w", err)
	}

	var out submitResponse
	if err := cbor.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	if out.Ref == "" {
		return "", fmt.Errorf("submit response missing ref")
	}

	c.logger.Printf("Anchored %s digest as %s", kind, out.Ref)
	return out.Ref, nil
}

func (c *Client) Lookup(ctx context.Context, ref string) (*Record, error) {
	if ref == "" {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	lookupURL, err := c.baseURL.Parse(recordsPath + "/" + url.PathEscape(ref))
	if err != nil {
		return nil, fmt.Errorf("build lookup URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, lookupURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", contentTypeCBOR)
	req.Header.Set("User-Agent", defaultAnchorUserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, fmt.Errorf("unexpected lookup status %s: %s", resp.Status, bytes.TrimSpace(body))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	var rec Record
	if err := cbor.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("decode anchor record: %w", err)
	}
	return &rec, nil
}
