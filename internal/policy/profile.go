/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/kentakayama/qsafe-auth/internal/domain"
	"github.com/kentakayama/qsafe-auth/internal/domain/model"
	"github.com/kentakayama/qsafe-auth/internal/domain/service"
	"github.com/kentakayama/qsafe-auth/resources"
)

type Level string

const (
	LevelBasic      Level = "basic"
	LevelEnhanced   Level = "enhanced"
	LevelGovernment Level = "government"
	LevelBanking    Level = "banking"
)

func ParseLevel(s string) (Level, error) {
	switch l := Level(s); l {
	case LevelBasic, LevelEnhanced, LevelGovernment, LevelBanking:
		return l, nil
	}
	return "", fmt.Errorf("unknown policy level %q", s)
}

// strict levels hard-fail on an exceeded distance bound.
func (l Level) strict() bool {
	return l == LevelGovernment || l == LevelBanking
}

// ErrUnknownPolicy is returned by a Source without a profile for the hash.
var ErrUnknownPolicy = errors.New("unknown policy")

type Profile struct {
	Name               string   `json:"name" cbor:"-"`
	PolicyHash         []byte   `json:"-" cbor:"-"`
	Level              Level    `json:"level" cbor:"1,keyasint"`
	Scopes             []string `json:"scopes" cbor:"2,keyasint"`
	RateLimit          int      `json:"rate_limit" cbor:"3,keyasint"`
	StepUpThreshold    float64  `json:"step_up_threshold" cbor:"4,keyasint"`
	RequireQuantumSafe bool     `json:"require_quantum_safe" cbor:"5,keyasint"`
}

var encMode, _ = cbor.CoreDetEncOptions().EncMode()

// Hash is the SHA-256 over the canonical CBOR encoding of the profile
// rules. Certificates carry it as their policy hash.
func (p *Profile) Hash() ([]byte, error) {
	rules := *p
	rules.Scopes = append([]string(nil), p.Scopes...)
	sort.Strings(rules.Scopes)
	b, err := encMode.Marshal(rules)
	if err != nil {
		return nil, fmt.Errorf("encode policy profile: %w", err)
	}
	sum := sha256.Sum256(b)
	return sum[:], nil
}

// Source finds the profile bound to a policy hash.
type Source interface {
	Lookup(ctx context.Context, policyHash []byte) (*Profile, error)
}

// StaticSource holds profiles in memory keyed by hex policy hash.
type StaticSource map[string]*Profile

func (s StaticSource) Lookup(ctx context.Context, policyHash []byte) (*Profile, error) {
	p, ok := s[hex.EncodeToString(policyHash)]
	if !ok {
		return nil, ErrUnknownPolicy
	}
	return p, nil
}

func (s StaticSource) Add(p *Profile) error {
	h, err := p.Hash()
	if err != nil {
		return err
	}
	p.PolicyHash = h
	s[hex.EncodeToString(h)] = p
	return nil
}

// ByName returns the profile with the given name.
func (s StaticSource) ByName(name string) (*Profile, bool) {
	for _, p := range s {
		if p.Name == name {
			return p, true
		}
	}
	return nil, false
}

// LoadDefaults parses the embedded default profiles.
func LoadDefaults() (StaticSource, error) {
	return ParseProfiles(resources.DefaultPolicies)
}

func ParseProfiles(data []byte) (StaticSource, error) {
	var profiles []*Profile
	if err := json.Unmarshal(data, &profiles); err != nil {
		return nil, fmt.Errorf("parse policy profiles: %w", err)
	}
	s := StaticSource{}
	for _, p := range profiles {
		if _, err := ParseLevel(string(p.Level)); err != nil {
			return nil, fmt.Errorf("profile %s: %w", p.Name, err)
		}
		if err := s.Add(p); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// RepositorySource reads profiles from the policy profile store.
type RepositorySource struct {
	repo service.PolicyProfileRepository
}

func NewRepositorySource(repo service.PolicyProfileRepository) *RepositorySource {
	return &RepositorySource{repo: repo}
}

func (r *RepositorySource) Lookup(ctx context.Context, policyHash []byte) (*Profile, error) {
	rec, err := r.repo.FindByPolicyHash(ctx, policyHash)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, ErrUnknownPolicy
		}
		return nil, err
	}
	level, err := ParseLevel(rec.Level)
	if err != nil {
		return nil, err
	}
	var scopes []string
	if rec.Scopes != "" {
		scopes = strings.Split(rec.Scopes, ",")
	}
	return &Profile{
		PolicyHash:         rec.PolicyHash,
		Level:              level,
		Scopes:             scopes,
		RateLimit:          rec.RateLimit,
		StepUpThreshold:    rec.StepUpThreshold,
		RequireQuantumSafe: rec.RequireQuantumSafe,
	}, nil
}

// Save stores p under its hash; an existing profile is left as is.
func (r *RepositorySource) Save(ctx context.Context, p *Profile) error {
	h, err := p.Hash()
	if err != nil {
		return err
	}
	p.PolicyHash = h
	_, err = r.repo.Create(ctx, &model.PolicyProfile{
		PolicyHash:         h,
		Level:              string(p.Level),
		Scopes:             strings.Join(p.Scopes, ","),
		RateLimit:          p.RateLimit,
		StepUpThreshold:    p.StepUpThreshold,
		RequireQuantumSafe: p.RequireQuantumSafe,
		CreatedAt:          time.Now().UTC(),
	})
	if err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
		return fmt.Errorf("save policy profile: %w", err)
	}
	return nil
}

// Sources tries each source in order.
type Sources []Source

func (s Sources) Lookup(ctx context.Context, policyHash []byte) (*Profile, error) {
	for _, src := range s {
		p, err := src.Lookup(ctx, policyHash)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrUnknownPolicy) {
			return nil, err
		}
	}
	return nil, ErrUnknownPolicy
}
