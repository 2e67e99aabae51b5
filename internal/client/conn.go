/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package client

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/kentakayama/qsafe-auth/internal/cert"
	"github.com/kentakayama/qsafe-auth/internal/distance"
	"github.com/kentakayama/qsafe-auth/internal/policy"
	"github.com/kentakayama/qsafe-auth/internal/qlock"
	"github.com/kentakayama/qsafe-auth/internal/resolver"
	"github.com/kentakayama/qsafe-auth/internal/sapi"
)

const (
	maxResponseBodyBytes = 1 << 20

	certificatesPath = "/sapi/v1/certificates"
	authorityPath    = "/sapi/v1/authority"
	contentTypeCBOR  = "application/cbor"
)

// Response is a fully read reply to an authenticated request.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Policy     *policy.Decision // nil when the server sent none
	Session    *qlock.SessionLock
	Proof      *sapi.Proof
}

// Conn is one TLS connection and the session context derived from it.
// Requests on a Conn are sent one at a time.
type Conn struct {
	client   *Client
	tls      *tls.Conn
	br       *bufio.Reader
	qctx     *qlock.ConnectionContext
	endpoint *resolver.Endpoint

	wire       sync.Mutex // one request in flight
	mu         sync.Mutex
	locks      map[string]*qlock.SessionLock
	assessment *distance.Assessment
}

func newConn(c *Client, tlsConn *tls.Conn, qctx *qlock.ConnectionContext, ep *resolver.Endpoint) *Conn {
	return &Conn{
		client:   c,
		tls:      tlsConn,
		br:       bufio.NewReader(tlsConn),
		qctx:     qctx,
		endpoint: ep,
		locks:    map[string]*qlock.SessionLock{},
	}
}

// Context is the connection context session locks derive from.
func (c *Conn) Context() *qlock.ConnectionContext {
	return c.qctx
}

func (c *Conn) Expired() bool {
	return time.Since(c.qctx.EstablishedAt) > qlock.DefaultConnectionMaxAge
}

// Session returns the lock for the route, reusing the previous one while
// it is in the current window.
func (c *Conn) Session(method, target string) (*qlock.SessionLock, error) {
	route, err := qlock.NormalizeRoute(method, target)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	prev := c.locks[route]
	c.mu.Unlock()

	s, err := c.client.engine.Refresh(c.qctx, method, target, prev)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.locks[route] = s
	c.mu.Unlock()
	return s, nil
}

// Do signs and sends one request for target, the path and query on this
// endpoint.
func (c *Conn) Do(ctx context.Context, method, target string, body []byte) (*Response, error) {
	s, err := c.Session(method, target)
	if err != nil {
		return nil, err
	}
	proof, err := sapi.Generate(method, target, body, s, c.client.identity)
	if err != nil {
		return nil, err
	}
	req, err := c.NewRequest(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	sapi.Attach(req, proof)
	if a := c.Assessment(); a != nil {
		req.Header.Set(distance.Header, distance.FormatHeader(a))
	}

	resp, respBody, err := c.roundTrip(req)
	if err != nil {
		return nil, err
	}
	out := &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       respBody,
		Session:    s,
		Proof:      proof,
	}
	if v := resp.Header.Get(sapi.HeaderPolicy); v != "" {
		if out.Policy, err = policy.ParseHeader(v); err != nil {
			return nil, fmt.Errorf("%w: %v", sapi.ErrMalformedHeader, err)
		}
	}
	if resp.StatusCode < 300 {
		if err := c.verifyResponse(resp, s, respBody); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// NewRequest builds an unsigned request for target on this endpoint.
func (c *Conn) NewRequest(ctx context.Context, method, target string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, "https://"+c.endpoint.Address()+target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// RoundTrip sends req over this connection, so the Conn can back an
// http.Client.
func (c *Conn) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, body, err := c.roundTrip(req)
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return resp, nil
}

func (c *Conn) roundTrip(req *http.Request) (*http.Response, []byte, error) {
	c.wire.Lock()
	defer c.wire.Unlock()

	deadline, ok := req.Context().Deadline()
	if !ok {
		deadline = time.Now().Add(c.client.timeout)
	}
	if err := c.tls.SetDeadline(deadline); err != nil {
		return nil, nil, err
	}
	defer c.tls.SetDeadline(time.Time{})

	if err := req.Write(c.tls); err != nil {
		return nil, nil, fmt.Errorf("request failed: %w", err)
	}
	resp, err := http.ReadResponse(c.br, req)
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("read response body: %w", err)
	}
	return resp, body, nil
}

func (c *Conn) verifyResponse(resp *http.Response, s *qlock.SessionLock, body []byte) error {
	keys := c.client.serverKeys
	if keys == nil {
		return nil
	}
	v := resp.Header.Get(sapi.HeaderResponse)
	if v == "" {
		return fmt.Errorf("%w: missing %s", ErrResponseUnverified, sapi.HeaderResponse)
	}
	rp, err := sapi.ParseResponseHeader(v)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrResponseUnverified, err)
	}
	if did := c.endpoint.ServerDID; did != "" && rp.ServerID != did {
		return fmt.Errorf("%w: server %s, expected %s", ErrResponseUnverified, rp.ServerID, did)
	}
	if err := sapi.VerifyResponse(rp, s, resp.StatusCode, body, *keys); err != nil {
		return fmt.Errorf("%w: %v", ErrResponseUnverified, err)
	}
	return nil
}

// Register submits the client certificate and returns the extension
// payload the server bound to it.
func (c *Conn) Register(ctx context.Context) (*cert.Extension, error) {
	encoded, err := c.client.certificate.Marshal()
	if err != nil {
		return nil, err
	}
	req, err := c.NewRequest(ctx, http.MethodPost, certificatesPath, encoded)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentTypeCBOR)
	resp, body, err := c.roundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("register certificate: unexpected status code %d", resp.StatusCode)
	}
	return cert.DecodeExtension(body)
}

// Authority fetches the root certificate the server issues and signs
// responses with. Callers decide whether to trust it.
func (c *Conn) Authority(ctx context.Context) (*cert.Certificate, error) {
	req, err := c.NewRequest(ctx, http.MethodGet, authorityPath, nil)
	if err != nil {
		return nil, err
	}
	resp, body, err := c.roundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch authority: unexpected status code %d", resp.StatusCode)
	}
	return cert.UnmarshalCertificate(body)
}

// Assess measures the round trip to the server's challenge endpoint on
// this connection. An exceeded bound is advisory. The measurement is
// reported on later requests.
func (c *Conn) Assess(ctx context.Context, forwardingSuspected bool) (*distance.Assessment, error) {
	prober := &distance.HTTPProber{
		Client: &http.Client{Transport: c},
		URL:    "https://" + c.endpoint.Address() + distance.ChallengePath,
	}
	a, err := c.client.distance.Assess(ctx, prober, forwardingSuspected)
	if a != nil {
		c.mu.Lock()
		c.assessment = a
		c.mu.Unlock()
	}
	return a, err
}

// Assessment is the last distance measurement, nil before the first.
func (c *Conn) Assessment() *distance.Assessment {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.assessment
}

func (c *Conn) Close() error {
	return c.tls.Close()
}
