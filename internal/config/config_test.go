/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultServerConfig(t *testing.T) {
	cfg := DefaultServerConfig()
	assert.Equal(t, 60*time.Second, cfg.Session.Window)
	assert.Equal(t, 30*time.Second, cfg.Session.ClockSkew)
	assert.Equal(t, 30*time.Minute, cfg.Session.ConnectionMaxAge)
	assert.Equal(t, 15*time.Minute, cfg.Session.ForwardingMemory)
	assert.Equal(t, 90*24*time.Hour, cfg.Certificate.MaxLifetime)
	assert.Equal(t, 7*24*time.Hour, cfg.Certificate.RenewalWindow)
	assert.Equal(t, 50.0, cfg.Distance.MaxDistanceMeters)
}

func TestDefaultClientConfig(t *testing.T) {
	cfg := DefaultClientConfig()
	assert.Equal(t, DefaultSessionConfig().Window, cfg.SessionWindow)
	assert.Equal(t, 50.0, cfg.Distance.MaxDistanceMeters)
}

func TestFromEnv(t *testing.T) {
	t.Setenv("SAPI_ADDR", "127.0.0.1:9443")
	t.Setenv("SAPI_ANCHOR_URL", "https://anchor.example")
	t.Setenv("SAPI_ANCHOR_TIMEOUT", "3s")
	t.Setenv("SAPI_REDIS_DB", "2")
	t.Setenv("SAPI_REQUIRE_QUANTUM_SAFE", "true")
	t.Setenv("SAPI_MAX_DISTANCE_METERS", "25.5")
	t.Setenv("SAPI_CLOCK_SKEW", "not-a-duration")
	t.Setenv("SAPI_AUTHORITY_KEY_FILE", "/var/lib/sapi/authority.key")
	t.Setenv("SAPI_FORWARDING_MEMORY", "5m")

	cfg := FromEnv(DefaultServerConfig())
	assert.Equal(t, "127.0.0.1:9443", cfg.Addr)
	assert.Equal(t, "https://anchor.example", cfg.Anchor.BaseURL)
	assert.Equal(t, 3*time.Second, cfg.Anchor.Timeout)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.True(t, cfg.Certificate.RequireQuantumSafe)
	assert.Equal(t, 25.5, cfg.Distance.MaxDistanceMeters)
	assert.Equal(t, "/var/lib/sapi/authority.key", cfg.AuthorityKeyFile)
	assert.Equal(t, 5*time.Minute, cfg.Session.ForwardingMemory)
	// malformed values keep the default
	assert.Equal(t, 30*time.Second, cfg.Session.ClockSkew)
}
