/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package cert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kentakayama/qsafe-auth/internal/domain"
	"github.com/kentakayama/qsafe-auth/internal/domain/model"
	"github.com/kentakayama/qsafe-auth/internal/domain/service"
	"github.com/kentakayama/qsafe-auth/internal/infra/anchor"
	"github.com/kentakayama/qsafe-auth/internal/util"
)

const (
	DefaultMaxLifetime   = 90 * 24 * time.Hour
	DefaultRenewalWindow = 7 * 24 * time.Hour

	defaultAnchorTimeout = 10 * time.Second
)

// RevocationStore answers whether a certificate was revoked.
type RevocationStore interface {
	IsRevoked(ctx context.Context, certificateID string) (bool, error)
	Revoke(ctx context.Context, certificateID string, reason string) error
}

// Authority is the issuer the manager signs with.
type Authority struct {
	ID          string
	Keys        *KeyPair
	Certificate *Certificate
}

type ManagerConfig struct {
	Authority   *Authority
	Anchor      anchor.Service
	Revocations RevocationStore
	Store       service.CertificateRepository // optional

	// Algorithm of issued subject keys, AlgorithmHybrid when unset.
	Algorithm          Algorithm
	MaxLifetime        time.Duration
	RenewalWindow      time.Duration
	AnchorTimeout      time.Duration
	RequireQuantumSafe bool
	Now                func() time.Time
	Logger             *log.Logger
}

type Manager struct {
	authority          *Authority
	anchor             anchor.Service
	revocations        RevocationStore
	store              service.CertificateRepository
	algorithm          Algorithm
	maxLifetime        time.Duration
	renewalWindow      time.Duration
	anchorTimeout      time.Duration
	requireQuantumSafe bool
	now                func() time.Time
	logger             *log.Logger

	mu     sync.RWMutex
	roots  map[string]*Certificate
	rotate sync.Mutex
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Authority == nil || cfg.Authority.Keys == nil || cfg.Authority.Certificate == nil {
		return nil, errors.New("certificate authority is not configured")
	}
	if cfg.Anchor == nil {
		return nil, errors.New("anchor service is not configured")
	}
	if cfg.Revocations == nil {
		return nil, errors.New("revocation store is not configured")
	}

	m := &Manager{
		authority:          cfg.Authority,
		anchor:             cfg.Anchor,
		revocations:        cfg.Revocations,
		store:              cfg.Store,
		algorithm:          cfg.Algorithm,
		maxLifetime:        cfg.MaxLifetime,
		renewalWindow:      cfg.RenewalWindow,
		anchorTimeout:      cfg.AnchorTimeout,
		requireQuantumSafe: cfg.RequireQuantumSafe,
		now:                cfg.Now,
		logger:             cfg.Logger,
		roots:              map[string]*Certificate{},
	}
	if m.algorithm == AlgorithmUnknown {
		m.algorithm = AlgorithmHybrid
	}
	if m.maxLifetime == 0 {
		m.maxLifetime = DefaultMaxLifetime
	}
	if m.renewalWindow == 0 {
		m.renewalWindow = DefaultRenewalWindow
	}
	if m.anchorTimeout == 0 {
		m.anchorTimeout = defaultAnchorTimeout
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.logger == nil {
		m.logger = log.Default()
	}
	if err := cfg.Authority.Certificate.checkLifetime(m.maxLifetime); err != nil {
		return nil, fmt.Errorf("authority %s: %w", cfg.Authority.ID, err)
	}
	m.roots[cfg.Authority.ID] = cfg.Authority.Certificate
	return m, nil
}

// NewAuthority creates a self-signed, anchored root for id.
func NewAuthority(ctx context.Context, id string, alg Algorithm, svc anchor.Service, now time.Time, lifetime time.Duration) (*Authority, error) {
	keys, err := GenerateKeyPair(alg)
	if err != nil {
		return nil, err
	}
	return NewAuthorityWithKeys(ctx, id, keys, svc, now, lifetime)
}

// NewAuthorityWithKeys issues a fresh root over existing keys, so
// certificates signed by an earlier root for the same keys stay valid.
func NewAuthorityWithKeys(ctx context.Context, id string, keys *KeyPair, svc anchor.Service, now time.Time, lifetime time.Duration) (*Authority, error) {
	if keys == nil {
		return nil, errors.New("authority keys are nil")
	}
	if lifetime == 0 {
		lifetime = DefaultMaxLifetime
	}
	from := now.UTC().Truncate(time.Second)
	root := newUnsigned(id, id, keys.Public(), nil, from, from.Add(lifetime))
	if err := anchorCertificate(ctx, svc, root); err != nil {
		return nil, err
	}
	if err := signCertificate(root, keys); err != nil {
		return nil, err
	}
	return &Authority{ID: id, Keys: keys, Certificate: root}, nil
}

// AddTrustedRoot trusts a foreign self-issued root for Verify and BuildChain.
func (m *Manager) AddTrustedRoot(root *Certificate) error {
	if root == nil || !root.IsSelfIssued() {
		return fmt.Errorf("%w: trusted root must be self-issued", ErrBrokenChain)
	}
	if err := root.checkLifetime(m.maxLifetime); err != nil {
		return err
	}
	tbs, err := root.TBS()
	if err != nil {
		return err
	}
	if err := root.PublicKeys().Verify(tbs, root.Signature); err != nil {
		return err
	}
	m.mu.Lock()
	m.roots[root.SubjectID] = root
	m.mu.Unlock()
	return nil
}

// Authority is the current issuer. Its root changes when a self-issued
// root is reissued near expiry; the keys stay the same.
func (m *Manager) Authority() *Authority {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.authority
}

// refreshAuthority reissues a self-issued root over the same keys once it
// is inside the renewal window.
func (m *Manager) refreshAuthority(ctx context.Context) (*Authority, error) {
	a := m.Authority()
	now := m.now()
	if !a.Certificate.IsSelfIssued() || now.Before(a.Certificate.ValidUntil.Add(-m.renewalWindow)) {
		return a, nil
	}

	m.rotate.Lock()
	defer m.rotate.Unlock()
	if a = m.Authority(); now.Before(a.Certificate.ValidUntil.Add(-m.renewalWindow)) {
		return a, nil
	}
	anchorCtx, cancel := context.WithTimeout(ctx, m.anchorTimeout)
	defer cancel()
	next, err := NewAuthorityWithKeys(anchorCtx, a.ID, a.Keys, m.anchor, now, m.maxLifetime)
	if err != nil {
		return nil, fmt.Errorf("reissue authority %s: %w", a.ID, err)
	}
	m.mu.Lock()
	m.authority = next
	m.roots[next.ID] = next.Certificate
	m.mu.Unlock()
	m.logger.Printf("Reissued authority root %s as %s (until %s)", a.Certificate.CertificateID, next.Certificate.CertificateID, next.Certificate.ValidUntil.Format(time.RFC3339))
	return next, nil
}

// Issue creates a certificate for subjectID with fresh subject keys.
// Anchor failures are returned as ErrAnchorUnavailable and are not
// retried here.
func (m *Manager) Issue(ctx context.Context, subjectID string, policyHash []byte) (*Certificate, *KeyPair, error) {
	if subjectID == "" {
		return nil, nil, errors.New("subject id is empty")
	}
	authority, err := m.refreshAuthority(ctx)
	if err != nil {
		return nil, nil, err
	}
	keys, err := GenerateKeyPair(m.algorithm)
	if err != nil {
		return nil, nil, err
	}

	// never outlive the issuer
	from := m.now().UTC().Truncate(time.Second)
	until := from.Add(m.maxLifetime)
	if issuerUntil := authority.Certificate.ValidUntil; issuerUntil.Before(until) {
		until = issuerUntil
	}
	c := newUnsigned(subjectID, authority.ID, keys.Public(), policyHash, from, until)
	if err := c.checkLifetime(m.maxLifetime); err != nil {
		return nil, nil, fmt.Errorf("authority %s cannot issue: %w", authority.ID, err)
	}

	anchorCtx, cancel := context.WithTimeout(ctx, m.anchorTimeout)
	defer cancel()
	if err := anchorCertificate(anchorCtx, m.anchor, c); err != nil {
		return nil, nil, err
	}
	if err := signCertificate(c, authority.Keys); err != nil {
		return nil, nil, err
	}

	if m.store != nil {
		if err := m.persist(ctx, c); err != nil {
			return nil, nil, err
		}
	}

	m.logger.Printf("Issued certificate %s for %s (%s, until %s)", c.CertificateID, c.SubjectID, c.Algorithm, c.ValidUntil.Format(time.RFC3339))
	return c, keys, nil
}

// Verify returns nil only if the certificate is unrevoked, inside its
// validity window, anchored, and carries valid signatures from a known
// issuer.
func (m *Manager) Verify(ctx context.Context, c *Certificate) error {
	if c == nil {
		return ErrInvalidSignature
	}

	revoked, err := m.revocations.IsRevoked(ctx, c.CertificateID)
	if err != nil {
		return fmt.Errorf("check revocation of %s: %w", c.CertificateID, err)
	}
	if revoked {
		return ErrCertificateRevoked
	}

	if err := c.checkLifetime(m.maxLifetime); err != nil {
		return err
	}
	if err := c.CheckValidity(m.now()); err != nil {
		return err
	}
	if m.requireQuantumSafe && !c.Algorithm.QuantumSafe() {
		return ErrNotQuantumSafe
	}

	if err := m.checkAnchor(ctx, c); err != nil {
		return err
	}

	issuer, err := m.issuerKeys(c)
	if err != nil {
		return err
	}
	tbs, err := c.TBS()
	if err != nil {
		return fmt.Errorf("encode certificate: %w", err)
	}
	return issuer.Verify(tbs, c.Signature)
}

// Validate reports the outcome of Verify as a status.
func (m *Manager) Validate(ctx context.Context, c *Certificate) ValidationResult {
	err := m.Verify(ctx, c)
	res := ValidationResult{
		Status:      statusOf(err),
		ValidatedAt: m.now(),
		Err:         err,
	}
	if c != nil {
		res.CertificateID = c.CertificateID
		res.QuantumSafe = c.Algorithm.QuantumSafe()
	}
	return res
}

// Renew issues a successor for a valid certificate inside its renewal
// window.
func (m *Manager) Renew(ctx context.Context, c *Certificate) (*Certificate, *KeyPair, error) {
	if err := m.Verify(ctx, c); err != nil {
		return nil, nil, err
	}
	now := m.now()
	if now.Before(c.ValidUntil.Add(-m.renewalWindow)) {
		return nil, nil, ErrOutsideRenewalWindow
	}
	next, keys, err := m.Issue(ctx, c.SubjectID, c.PolicyHash)
	if err != nil {
		return nil, nil, err
	}
	m.logger.Printf("Renewed certificate %s as %s", c.CertificateID, next.CertificateID)
	return next, keys, nil
}

// Revoke permanently invalidates the certificate.
func (m *Manager) Revoke(ctx context.Context, certificateID string, reason string) error {
	if certificateID == "" {
		return errors.New("certificate id is empty")
	}
	if err := m.revocations.Revoke(ctx, certificateID, reason); err != nil {
		return err
	}
	m.logger.Printf("Revoked certificate %s: %s", certificateID, reason)
	return nil
}

func (m *Manager) IsRevoked(ctx context.Context, certificateID string) (bool, error) {
	return m.revocations.IsRevoked(ctx, certificateID)
}

// Get loads a stored certificate.
func (m *Manager) Get(ctx context.Context, certificateID string) (*Certificate, error) {
	if m.store == nil {
		return nil, domain.ErrNotFound
	}
	rec, err := m.store.FindByCertificateID(ctx, certificateID)
	if err != nil {
		return nil, err
	}
	return UnmarshalCertificate(rec.Encoded)
}

// List returns every stored certificate.
func (m *Manager) List(ctx context.Context) ([]*Certificate, error) {
	if m.store == nil {
		return nil, nil
	}
	recs, err := m.store.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	certs := make([]*Certificate, 0, len(recs))
	for _, rec := range recs {
		c, err := UnmarshalCertificate(rec.Encoded)
		if err != nil {
			return nil, fmt.Errorf("stored certificate %s: %w", rec.CertificateID, err)
		}
		certs = append(certs, c)
	}
	return certs, nil
}

// Describe renders a certificate as indented JSON for logs.
func Describe(c *Certificate) (string, error) {
	b, err := c.Marshal()
	if err != nil {
		return "", err
	}
	return util.RenderCBOR(b, certificateLabels)
}

var certificateLabels = map[uint64]string{
	1:  "certificate_id",
	2:  "subject_id",
	3:  "issuer_id",
	4:  "algorithm",
	5:  "classical_public_key",
	6:  "pq_public_key",
	7:  "policy_hash",
	8:  "anchor_ref",
	9:  "valid_from",
	10: "valid_until",
	11: "signature",
}

func (m *Manager) checkAnchor(ctx context.Context, c *Certificate) error {
	if c.AnchorRef == "" {
		return ErrAnchorMismatch
	}
	digest, err := c.AnchorDigest()
	if err != nil {
		return fmt.Errorf("digest certificate: %w", err)
	}

	lookupCtx, cancel := context.WithTimeout(ctx, m.anchorTimeout)
	defer cancel()
	rec, err := m.anchor.Lookup(lookupCtx, c.AnchorRef)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAnchorUnavailable, err)
	}
	if rec == nil || rec.Kind != anchor.KindCertificate || !bytes.Equal(rec.Digest, digest) {
		return ErrAnchorMismatch
	}
	return nil
}

func (m *Manager) issuerKeys(c *Certificate) (PublicKeys, error) {
	m.mu.RLock()
	root, ok := m.roots[c.IssuerID]
	m.mu.RUnlock()
	if !ok {
		return PublicKeys{}, fmt.Errorf("%w: %s", ErrUnknownIssuer, c.IssuerID)
	}
	return root.PublicKeys(), nil
}

func (m *Manager) persist(ctx context.Context, c *Certificate) error {
	encoded, err := c.Marshal()
	if err != nil {
		return fmt.Errorf("encode certificate: %w", err)
	}
	fp, err := c.Fingerprint()
	if err != nil {
		return err
	}
	rec := &model.Certificate{
		CertificateID: c.CertificateID,
		SubjectID:     c.SubjectID,
		IssuerID:      c.IssuerID,
		Encoded:       encoded,
		Fingerprint:   fp,
		ValidFrom:     c.ValidFrom,
		ValidUntil:    c.ValidUntil,
		CreatedAt:     m.now().UTC(),
	}
	if _, err := m.store.Create(ctx, rec); err != nil {
		return fmt.Errorf("store certificate %s: %w", c.CertificateID, err)
	}
	return nil
}

func newUnsigned(subjectID, issuerID string, pub PublicKeys, policyHash []byte, from, until time.Time) *Certificate {
	if policyHash == nil {
		policyHash = []byte{}
	}
	return &Certificate{
		CertificateID:      uuid.NewString(),
		SubjectID:          subjectID,
		IssuerID:           issuerID,
		Algorithm:          pub.Algorithm,
		ClassicalPublicKey: pub.Classical,
		PQPublicKey:        pub.PostQuantum,
		PolicyHash:         policyHash,
		ValidFrom:          from,
		ValidUntil:         until,
	}
}

func anchorCertificate(ctx context.Context, svc anchor.Service, c *Certificate) error {
	digest, err := c.AnchorDigest()
	if err != nil {
		return fmt.Errorf("digest certificate: %w", err)
	}
	ref, err := svc.Submit(ctx, digest, anchor.KindCertificate)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAnchorUnavailable, err)
	}
	c.AnchorRef = ref
	return nil
}

func signCertificate(c *Certificate, keys *KeyPair) error {
	tbs, err := c.TBS()
	if err != nil {
		return fmt.Errorf("encode certificate: %w", err)
	}
	sig, err := keys.Sign(tbs)
	if err != nil {
		return err
	}
	c.Signature = sig
	return nil
}
