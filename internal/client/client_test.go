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
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/kentakayama/qsafe-auth/internal/cert"
	"github.com/kentakayama/qsafe-auth/internal/config"
	"github.com/kentakayama/qsafe-auth/internal/distance"
	"github.com/kentakayama/qsafe-auth/internal/policy"
	"github.com/kentakayama/qsafe-auth/internal/qlock"
	"github.com/kentakayama/qsafe-auth/internal/resolver"
	"github.com/kentakayama/qsafe-auth/internal/sapi"
	"github.com/kentakayama/qsafe-auth/internal/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	serverDID   = "did:sapi:bank"
	logicalHost = "bank.example"
)

type testServer struct {
	srv      *server.Server
	tlsCert  tls.Certificate
	resolver *resolver.StaticResolver
}

func startServer(t *testing.T) *testServer {
	t.Helper()
	tlsCert, err := server.SelfSignedCertificate("127.0.0.1")
	require.NoError(t, err)

	cfg := config.DefaultServerConfig()
	cfg.DBPath = ":memory:"
	cfg.ServerDID = serverDID
	cfg.TLSCertificate = &tlsCert
	cfg.Logger = log.New(io.Discard, "", 0)

	srv, err := server.New(context.Background(), cfg)
	require.NoError(t, err)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		if err := srv.Serve(l); err != nil {
			t.Errorf("serve: %v", err)
		}
	}()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	res := resolver.NewStaticResolver()
	res.Add(logicalHost, resolver.Target{
		Host:      "127.0.0.1",
		Port:      l.Addr().(*net.TCPAddr).Port,
		ServerDID: serverDID,
	})
	return &testServer{srv: srv, tlsCert: tlsCert, resolver: res}
}

// newClient issues a certificate for did under the named policy.
func (ts *testServer) newClient(t *testing.T, did, policyName string, serverKeys *cert.PublicKeys) *Client {
	t.Helper()
	c, kp, err := ts.srv.Issue(context.Background(), did, policyName)
	require.NoError(t, err)

	if serverKeys == nil {
		keys := ts.srv.Manager().Authority().Keys.Public()
		serverKeys = &keys
	}
	pool := x509.NewCertPool()
	pool.AddCert(ts.tlsCert.Leaf)

	cfg := config.DefaultClientConfig()
	cfg.Logger = log.New(io.Discard, "", 0)
	cl, err := New(cfg, Options{
		Identity:    &sapi.Identity{ID: did, Keys: kp},
		Certificate: c,
		ServerKeys:  serverKeys,
		Resolver:    ts.resolver,
		RootCAs:     pool,
	})
	require.NoError(t, err)
	t.Cleanup(func() { cl.Close() })
	return cl
}

func (ts *testServer) dial(t *testing.T, cl *Client) *Conn {
	t.Helper()
	conn, err := cl.Dial(context.Background(), "httpcg://"+logicalHost+"/")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func register(t *testing.T, conn *Conn) {
	t.Helper()
	ext, err := conn.Register(context.Background())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	assert.Equal(t, conn.client.certificate.CertificateID, ext.CertificateID)
	assert.Equal(t, serverDID, ext.IssuerID)
	assert.NotEmpty(t, ext.AnchorRef)
}

func TestEndToEnd_Accounts(t *testing.T) {
	ts := startServer(t)
	cl := ts.newClient(t, "did:sapi:alice", "basic-default", nil)
	conn := ts.dial(t, cl)
	register(t, conn)
	ctx := context.Background()

	resp, err := conn.Do(ctx, http.MethodGet, "/accounts", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(resp.Body))
	require.NotNil(t, resp.Policy)
	assert.Equal(t, policy.LevelBasic, resp.Policy.Level)
	assert.Equal(t, 600, resp.Policy.RateLimit)

	var accounts []map[string]any
	require.NoError(t, json.Unmarshal(resp.Body, &accounts))
	require.Len(t, accounts, 2)
	assert.Equal(t, "did:sapi:alice", accounts[0]["owner"])

	// same window and route: the lock is reused
	again, err := conn.Do(ctx, http.MethodGet, "/accounts", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, again.StatusCode)
	if again.Session.TimeWindow == resp.Session.TimeWindow {
		assert.Equal(t, resp.Session.SessionID, again.Session.SessionID)
	}

	// the client level call dials its own connection, so its session differs
	viaClient, err := cl.Do(ctx, http.MethodGet, "httpcg://"+logicalHost+"/accounts", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, viaClient.StatusCode)
	assert.NotEqual(t, resp.Session.SessionID, viaClient.Session.SessionID)

	req, err := conn.NewRequest(ctx, http.MethodGet, server.StatsPath, nil)
	require.NoError(t, err)
	statsResp, err := conn.RoundTrip(req)
	require.NoError(t, err)
	defer statsResp.Body.Close()
	var stats qlock.Stats
	require.NoError(t, json.NewDecoder(statsResp.Body).Decode(&stats))
	assert.GreaterOrEqual(t, stats.Generated, uint64(2))
	assert.Zero(t, stats.ForwardingDetected)
}

func TestEndToEnd_Replay(t *testing.T) {
	ts := startServer(t)
	cl := ts.newClient(t, "did:sapi:alice", "basic-default", nil)
	conn := ts.dial(t, cl)
	register(t, conn)
	ctx := context.Background()

	resp, err := conn.Do(ctx, http.MethodGet, "/accounts", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	req, err := conn.NewRequest(ctx, http.MethodGet, "/accounts", nil)
	require.NoError(t, err)
	sapi.Attach(req, resp.Proof)
	replayed, err := conn.RoundTrip(req)
	require.NoError(t, err)
	defer replayed.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, replayed.StatusCode)
	body, _ := io.ReadAll(replayed.Body)
	assert.Equal(t, "authentication failed", string(body))
}

func TestEndToEnd_Forwarding(t *testing.T) {
	ts := startServer(t)
	cl := ts.newClient(t, "did:sapi:alice", "basic-default", nil)
	connA := ts.dial(t, cl)
	register(t, connA)
	ctx := context.Background()

	resp, err := connA.Do(ctx, http.MethodGet, "/accounts", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// a fresh proof on connection A's session relayed over connection B
	connB := ts.dial(t, cl)
	p, err := sapi.Generate(http.MethodGet, "/accounts", nil, resp.Session, cl.identity)
	require.NoError(t, err)
	req, err := connB.NewRequest(ctx, http.MethodGet, "/accounts", nil)
	require.NoError(t, err)
	sapi.Attach(req, p)
	forwarded, err := connB.RoundTrip(req)
	require.NoError(t, err)
	forwarded.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, forwarded.StatusCode)
	assert.Equal(t, uint64(1), ts.srv.Engine().Stats().ForwardingDetected)

	// the identity now needs step-up on every connection since the
	// reported distance is far beyond the bound
	require.NotNil(t, connB.Assessment())
	assert.False(t, connB.Assessment().WithinBound)
	own, err := connB.Do(ctx, http.MethodGet, "/accounts", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, own.StatusCode)
	again, err := connA.Do(ctx, http.MethodGet, "/accounts", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, again.StatusCode)

	// other identities are unaffected
	bob := ts.dial(t, ts.newClient(t, "did:sapi:bob", "basic-default", nil))
	register(t, bob)
	resp, err = bob.Do(ctx, http.MethodGet, "/accounts", nil)
	require.NoError(t, err)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status code for bob: %d", resp.StatusCode)
	}
}

func TestEndToEnd_Policy(t *testing.T) {
	ts := startServer(t)
	ctx := context.Background()
	transfer := []byte(`{"from":"acc-001","to":"acc-009","amount":500}`)

	basic := ts.dial(t, ts.newClient(t, "did:sapi:alice", "basic-default", nil))
	register(t, basic)
	resp, err := basic.Do(ctx, http.MethodPost, "/transfer", transfer)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "authentication failed", string(resp.Body))

	banking := ts.dial(t, ts.newClient(t, "did:sapi:treasury", "banking-default", nil))
	register(t, banking)
	resp, err = banking.Do(ctx, http.MethodPost, "/transfer", transfer)
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(resp.Body))
	assert.Equal(t, policy.LevelBanking, resp.Policy.Level)
	var out map[string]any
	require.NoError(t, json.Unmarshal(resp.Body, &out))
	assert.Equal(t, "accepted", out["status"])
	assert.Equal(t, resp.Session.SessionID, out["session"])

	// the proof covers the body
	s, err := banking.Session(http.MethodPost, "/transfer")
	require.NoError(t, err)
	p, err := sapi.Generate(http.MethodPost, "/transfer", transfer, s, banking.client.identity)
	require.NoError(t, err)
	req, err := banking.NewRequest(ctx, http.MethodPost, "/transfer", []byte(`{"from":"acc-001","to":"acc-666","amount":50000}`))
	require.NoError(t, err)
	sapi.Attach(req, p)
	tampered, err := banking.RoundTrip(req)
	require.NoError(t, err)
	tampered.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, tampered.StatusCode)
}

func TestEndToEnd_Unregistered(t *testing.T) {
	ts := startServer(t)
	conn := ts.dial(t, ts.newClient(t, "did:sapi:mallory", "basic-default", nil))

	resp, err := conn.Do(context.Background(), http.MethodGet, "/accounts", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Nil(t, resp.Policy)
}

func TestEndToEnd_Revoked(t *testing.T) {
	ts := startServer(t)
	cl := ts.newClient(t, "did:sapi:alice", "basic-default", nil)
	conn := ts.dial(t, cl)
	register(t, conn)
	ctx := context.Background()

	resp, err := conn.Do(ctx, http.MethodGet, "/accounts", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, ts.srv.Registry().Revoke(ctx, cl.certificate.CertificateID, "key compromise"))
	resp, err = conn.Do(ctx, http.MethodGet, "/accounts", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// a revoked certificate cannot be registered again
	_, err = conn.Register(ctx)
	assert.Error(t, err)
}

func TestEndToEnd_UntrustedServerKeys(t *testing.T) {
	ts := startServer(t)
	other, err := cert.GenerateKeyPair(cert.AlgorithmHybrid)
	require.NoError(t, err)
	otherKeys := other.Public()

	conn := ts.dial(t, ts.newClient(t, "did:sapi:alice", "basic-default", &otherKeys))
	register(t, conn)

	_, err = conn.Do(context.Background(), http.MethodGet, "/accounts", nil)
	assert.ErrorIs(t, err, ErrResponseUnverified)
}

func TestEndToEnd_Authority(t *testing.T) {
	ts := startServer(t)
	conn := ts.dial(t, ts.newClient(t, "did:sapi:alice", "basic-default", nil))

	root, err := conn.Authority(context.Background())
	require.NoError(t, err)
	assert.Equal(t, serverDID, root.SubjectID)
	assert.True(t, root.IsSelfIssued())
	assert.True(t, root.PublicKeys().Equal(ts.srv.Manager().Authority().Keys.Public()))
}

func TestEndToEnd_Distance(t *testing.T) {
	ts := startServer(t)
	conn := ts.dial(t, ts.newClient(t, "did:sapi:alice", "basic-default", nil))

	a, err := conn.Assess(context.Background(), false)
	if err != nil {
		// a loopback round trip is far slower than 50 m of light travel
		assert.ErrorIs(t, err, distance.ErrDistanceBoundExceeded)
	}
	require.NotNil(t, a)
	assert.Greater(t, a.RTT, time.Duration(0))
	assert.Equal(t, err == nil, a.WithinBound)
	assert.Same(t, a, conn.Assessment())
}

func TestNew_Validation(t *testing.T) {
	kp, err := cert.GenerateKeyPair(cert.AlgorithmClassical)
	require.NoError(t, err)
	other, err := cert.GenerateKeyPair(cert.AlgorithmClassical)
	require.NoError(t, err)
	c := &cert.Certificate{
		SubjectID:          "did:sapi:alice",
		Algorithm:          cert.AlgorithmClassical,
		ClassicalPublicKey: kp.Public().Classical,
	}

	_, err = New(config.DefaultClientConfig(), Options{Certificate: c})
	assert.Error(t, err)
	_, err = New(config.DefaultClientConfig(), Options{Identity: &sapi.Identity{ID: "did:sapi:bob", Keys: kp}, Certificate: c})
	assert.Error(t, err)
	_, err = New(config.DefaultClientConfig(), Options{Identity: &sapi.Identity{ID: "did:sapi:alice", Keys: other}, Certificate: c})
	assert.Error(t, err)
}
