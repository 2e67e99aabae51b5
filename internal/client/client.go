/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/kentakayama/qsafe-auth/internal/cert"
	"github.com/kentakayama/qsafe-auth/internal/config"
	"github.com/kentakayama/qsafe-auth/internal/distance"
	"github.com/kentakayama/qsafe-auth/internal/qlock"
	"github.com/kentakayama/qsafe-auth/internal/resolver"
	"github.com/kentakayama/qsafe-auth/internal/sapi"
)

var (
	ErrResponseUnverified = errors.New("response signature could not be verified")
	ErrClosed             = errors.New("client closed")
)

// Options carry the identity a Client signs with.
type Options struct {
	Identity    *sapi.Identity
	Certificate *cert.Certificate
	// ServerKeys verify SAPI-Response headers; responses go unchecked
	// when nil.
	ServerKeys *cert.PublicKeys
	Resolver   resolver.Resolver
	RootCAs    *x509.CertPool
}

// Client sends SAPI authenticated requests to httpcg:// URLs, keeping one
// TLS connection per endpoint.
type Client struct {
	identity    *sapi.Identity
	certificate *cert.Certificate
	fingerprint []byte
	serverKeys  *cert.PublicKeys
	resolver    resolver.Resolver
	rootCAs     *x509.CertPool
	engine      *qlock.Engine
	distance    *distance.Validator
	timeout     time.Duration
	logger      *log.Logger

	mu     sync.Mutex
	conns  map[string]*Conn
	closed bool
}

func New(cfg config.ClientConfig, opts Options) (*Client, error) {
	if opts.Identity == nil || opts.Identity.Keys == nil {
		return nil, errors.New("client identity is not configured")
	}
	if opts.Certificate == nil {
		return nil, errors.New("client certificate is not configured")
	}
	if opts.Certificate.SubjectID != opts.Identity.ID {
		return nil, fmt.Errorf("certificate subject %s does not match identity %s", opts.Certificate.SubjectID, opts.Identity.ID)
	}
	if !opts.Certificate.PublicKeys().Equal(opts.Identity.Keys.Public()) {
		return nil, errors.New("certificate keys do not match identity keys")
	}
	fp, err := opts.Certificate.Fingerprint()
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = config.DefaultClientConfig().Timeout
	}
	res := opts.Resolver
	if res == nil {
		res = &resolver.StaticResolver{Passthrough: true}
	}

	engine, err := qlock.NewEngine(qlock.EngineConfig{
		Cache:  qlock.NewCache(0),
		Window: cfg.SessionWindow,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	return &Client{
		identity:    opts.Identity,
		certificate: opts.Certificate,
		fingerprint: fp,
		serverKeys:  opts.ServerKeys,
		resolver:    res,
		rootCAs:     opts.RootCAs,
		engine:      engine,
		distance:    distance.NewValidator(cfg.Distance, logger),
		timeout:     timeout,
		logger:      logger,
		conns:       map[string]*Conn{},
	}, nil
}

// Do resolves logicalURL and sends an authenticated request over the
// endpoint's connection, dialing it when needed.
func (c *Client) Do(ctx context.Context, method, logicalURL string, body []byte) (*Response, error) {
	ep, err := c.resolver.Resolve(ctx, logicalURL)
	if err != nil {
		return nil, err
	}
	conn, err := c.connFor(ctx, ep)
	if err != nil {
		return nil, err
	}
	resp, err := conn.Do(ctx, method, ep.Logical.RequestURI(), body)
	if err != nil {
		c.drop(ep.Address(), conn)
		return nil, err
	}
	return resp, nil
}

// Dial opens a new connection to the endpoint behind logicalURL. The
// caller owns it.
func (c *Client) Dial(ctx context.Context, logicalURL string) (*Conn, error) {
	ep, err := c.resolver.Resolve(ctx, logicalURL)
	if err != nil {
		return nil, err
	}
	return c.dial(ctx, ep)
}

func (c *Client) Close() error {
	c.mu.Lock()
	conns := c.conns
	c.conns = map[string]*Conn{}
	c.closed = true
	c.mu.Unlock()

	var errs []error
	for _, conn := range conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Client) connFor(ctx context.Context, ep *resolver.Endpoint) (*Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if conn, ok := c.conns[ep.Address()]; ok && !conn.Expired() {
		return conn, nil
	} else if ok {
		conn.Close()
	}
	conn, err := c.dial(ctx, ep)
	if err != nil {
		return nil, err
	}
	c.conns[ep.Address()] = conn
	return conn, nil
}

func (c *Client) drop(addr string, conn *Conn) {
	c.mu.Lock()
	if c.conns[addr] == conn {
		delete(c.conns, addr)
	}
	c.mu.Unlock()
	conn.Close()
}

func (c *Client) dial(ctx context.Context, ep *resolver.Endpoint) (*Conn, error) {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: c.timeout},
		Config: &tls.Config{
			MinVersion: tls.VersionTLS13,
			ServerName: ep.Host,
			RootCAs:    c.rootCAs,
			NextProtos: []string{"http/1.1"},
		},
	}
	raw, err := dialer.DialContext(ctx, "tcp", ep.Address())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", ep.Address(), err)
	}
	tlsConn := raw.(*tls.Conn)
	state := tlsConn.ConnectionState()
	qctx, err := qlock.FromClientState(&state, ep.Host, ep.Port, time.Now())
	if err != nil {
		tlsConn.Close()
		return nil, err
	}
	c.logger.Printf("Connected to %s as %s (connection %s)", ep.Address(), c.identity.ID, qctx.ID)
	conn := newConn(c, tlsConn, sapi.BindIdentity(qctx, c.fingerprint, c.certificate.PublicKeys()), ep)
	if _, err := conn.Assess(ctx, false); err != nil && !errors.Is(err, distance.ErrDistanceBoundExceeded) {
		c.logger.Printf("distance measurement to %s failed: %v", ep.Address(), err)
	}
	return conn, nil
}
