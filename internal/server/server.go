/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package server

import (
	"context"
	"crypto/tls"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/kentakayama/qsafe-auth/internal/cert"
	"github.com/kentakayama/qsafe-auth/internal/config"
	"github.com/kentakayama/qsafe-auth/internal/infra/anchor"
	"github.com/kentakayama/qsafe-auth/internal/infra/cache"
	"github.com/kentakayama/qsafe-auth/internal/infra/ratelimit"
	"github.com/kentakayama/qsafe-auth/internal/infra/sqlite"
	"github.com/kentakayama/qsafe-auth/internal/policy"
	"github.com/kentakayama/qsafe-auth/internal/qlock"
	"github.com/kentakayama/qsafe-auth/internal/sapi"
	"github.com/redis/go-redis/v9"
)

// Server wires the TLS listener and request handling stack.
type Server struct {
	cfg      config.ServerConfig
	db       *sql.DB
	redis    *redis.Client
	handler  *handler
	http     *http.Server
	tlsCert  tls.Certificate
	manager  *cert.Manager
	registry *Registry
	engine   *qlock.Engine
	policies policy.StaticSource
	stop     context.CancelFunc
	logger   *log.Logger
}

// New constructs a Server using the provided configuration.
func New(ctx context.Context, cfg config.ServerConfig) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	db, err := sqlite.InitDB(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}
	s := &Server{cfg: cfg, db: db, logger: logger}
	if err := s.init(ctx); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func (s *Server) init(ctx context.Context) error {
	cfg, logger := s.cfg, s.logger

	client, err := cache.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		logger.Printf("Redis unavailable, using in-memory replay and rate limit stores: %v", err)
	}
	s.redis = client
	var replay cache.Cache = cache.NewMemoryCache()
	if client != nil {
		replay = cache.NewRedisCache(client)
	}
	var limiter ratelimit.Limiter = ratelimit.NewInMemory(cfg.Session.RateWindow)
	if client != nil {
		limiter = ratelimit.NewRedis(client, cfg.Session.RateWindow)
	}

	var (
		anchorSvc     anchor.Service
		anchorHandler http.Handler
	)
	if cfg.Anchor.BaseURL != "" {
		anchorCfg := cfg.Anchor
		if anchorCfg.Logger == nil {
			anchorCfg.Logger = logger
		}
		anchorSvc, err = anchor.NewClient(anchorCfg)
		if err != nil {
			return err
		}
	} else {
		ledger := anchor.NewLedger(sqlite.NewAnchorRecordRepository(s.db))
		anchorSvc = ledger
		anchorHandler = anchor.NewHandler(ledger, logger)
	}

	keys, err := loadAuthorityKeys(cfg.AuthorityKeyFile)
	if err != nil {
		return err
	}
	authority, err := cert.NewAuthorityWithKeys(ctx, cfg.ServerDID, keys, anchorSvc, time.Now(), cfg.Certificate.MaxLifetime)
	if err != nil {
		return fmt.Errorf("create authority %s: %w", cfg.ServerDID, err)
	}
	s.manager, err = cert.NewManager(cert.ManagerConfig{
		Authority:          authority,
		Anchor:             anchorSvc,
		Revocations:        sqlite.NewRevocationRepository(s.db),
		Store:              sqlite.NewCertificateRepository(s.db),
		MaxLifetime:        cfg.Certificate.MaxLifetime,
		RenewalWindow:      cfg.Certificate.RenewalWindow,
		AnchorTimeout:      cfg.Anchor.Timeout,
		RequireQuantumSafe: cfg.Certificate.RequireQuantumSafe,
		Logger:             logger,
	})
	if err != nil {
		return err
	}
	s.registry = NewRegistry(sqlite.NewIdentityRepository(s.db), s.manager, logger)

	s.engine, err = qlock.NewEngine(qlock.EngineConfig{
		Cache:            qlock.NewCache(cfg.Session.CacheCapacity),
		Window:           cfg.Session.Window,
		ConnectionMaxAge: cfg.Session.ConnectionMaxAge,
		Logger:           logger,
	})
	if err != nil {
		return err
	}
	validator, err := sapi.NewValidator(sapi.ValidatorConfig{
		Engine:    s.engine,
		Keys:      s.registry,
		Replay:    replay,
		ClockSkew: cfg.Session.ClockSkew,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	s.policies, err = policy.LoadDefaults()
	if err != nil {
		return err
	}
	stored := policy.NewRepositorySource(sqlite.NewPolicyProfileRepository(s.db))
	for _, p := range s.policies {
		if err := stored.Save(ctx, p); err != nil {
			return fmt.Errorf("seed policy %s: %w", p.Name, err)
		}
	}
	evaluator := policy.NewEvaluator(policy.Sources{stored, s.policies}, limiter, logger)

	s.tlsCert, err = loadTLSCertificate(cfg)
	if err != nil {
		return err
	}

	skew := cfg.Session.ClockSkew
	if skew <= 0 {
		skew = sapi.DefaultClockSkew
	}
	s.handler = &handler{
		serverID:  cfg.ServerDID,
		manager:   s.manager,
		signals:   newRiskSignals(replay, cfg.Session.ForwardingMemory, cfg.Distance.MaxDistanceMeters, logger),
		leaf:      s.tlsCert.Leaf,
		registry:  s.registry,
		engine:    s.engine,
		validator: validator,
		evaluator: evaluator,
		skew:      skew,
		now:       time.Now,
		logger:    logger,
	}
	s.handler.routes(anchorHandler)

	s.http = &http.Server{
		Addr:    cfg.Addr,
		Handler: s.handler,
		TLSConfig: &tls.Config{
			MinVersion:   tls.VersionTLS13,
			Certificates: []tls.Certificate{s.tlsCert},
			NextProtos:   []string{"http/1.1"},
		},
		ReadHeaderTimeout: 5 * time.Second,
		ConnContext:       connContext,
		ErrorLog:          logger,
	}

	cleanupCtx, stop := context.WithCancel(context.Background())
	s.stop = stop
	s.engine.StartCleanup(cleanupCtx, cfg.Session.CleanupInterval)
	return nil
}

// ListenAndServe starts the TLS server and blocks until it stops.
func (s *Server) ListenAndServe() error {
	s.logger.Printf("Run SAPI Server %s on %s.", s.cfg.ServerDID, s.http.Addr)

	err := s.http.ListenAndServeTLS("", "")
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Serve accepts TLS connections on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Printf("Run SAPI Server %s on %s.", s.cfg.ServerDID, l.Addr())

	err := s.http.ServeTLS(l, "", "")
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully takes down the server and releases its stores.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	s.close()
	return err
}

func (s *Server) close() {
	if s.stop != nil {
		s.stop()
	}
	if s.redis != nil {
		s.redis.Close()
	}
	if err := sqlite.CloseDB(s.db); err != nil {
		s.logger.Printf("failed to close database: %v", err)
	}
}

// Issue creates a certificate for subjectID bound to the named default
// policy.
func (s *Server) Issue(ctx context.Context, subjectID, policyName string) (*cert.Certificate, *cert.KeyPair, error) {
	p, ok := s.policies.ByName(policyName)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", policy.ErrUnknownPolicy, policyName)
	}
	return s.manager.Issue(ctx, subjectID, p.PolicyHash)
}

func (s *Server) Manager() *cert.Manager {
	return s.manager
}

func (s *Server) Registry() *Registry {
	return s.registry
}

func (s *Server) Engine() *qlock.Engine {
	return s.engine
}

// TLSCertificate is the certificate the listener presents.
func (s *Server) TLSCertificate() tls.Certificate {
	return s.tlsCert
}

// loadAuthorityKeys reads the issuing keys, creating the file on first
// use. An empty path gives ephemeral keys.
func loadAuthorityKeys(path string) (*cert.KeyPair, error) {
	if path == "" {
		return cert.GenerateKeyPair(cert.AlgorithmHybrid)
	}
	data, err := os.ReadFile(path)
	if err == nil {
		keys, err := cert.UnmarshalKeyPair(data)
		if err != nil {
			return nil, fmt.Errorf("load authority keys %s: %w", path, err)
		}
		return keys, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read authority keys: %w", err)
	}

	keys, err := cert.GenerateKeyPair(cert.AlgorithmHybrid)
	if err != nil {
		return nil, err
	}
	data, err = keys.MarshalBinary()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("write authority keys: %w", err)
	}
	return keys, nil
}
