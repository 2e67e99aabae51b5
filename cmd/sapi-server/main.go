/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

// Command sapi-server runs the SAPI authenticated TLS endpoint. The issue
// and revoke subcommands manage client certificates against the same
// database and authority keys.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kentakayama/qsafe-auth/internal/config"
	"github.com/kentakayama/qsafe-auth/internal/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg := config.FromEnv(config.DefaultServerConfig())
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 && (args[0] == "issue" || args[0] == "revoke" || args[0] == "serve") {
		cmd, args = args[0], args[1:]
	}

	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "Server listen address")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.ServerDID, "did", cfg.ServerDID, "Server DID")
	fs.StringVar(&cfg.AuthorityKeyFile, "authority-key", cfg.AuthorityKeyFile, "Authority key file (created when missing)")
	fs.StringVar(&cfg.TLSCertFile, "tls-cert", cfg.TLSCertFile, "TLS certificate file")
	fs.StringVar(&cfg.TLSKeyFile, "tls-key", cfg.TLSKeyFile, "TLS private key file")
	fs.StringVar(&cfg.Anchor.BaseURL, "anchor", cfg.Anchor.BaseURL, "Anchor service URL (local ledger when empty)")
	fs.StringVar(&cfg.Redis.Addr, "redis", cfg.Redis.Addr, "Redis address (in-memory stores when empty)")

	var err error
	switch cmd {
	case "issue":
		subject := fs.String("subject", "", "Subject DID")
		policyName := fs.String("policy", "basic-default", "Default policy profile")
		out := fs.String("out", "", "Output file prefix (<out>.cert, <out>.key)")
		fs.Parse(args)
		err = issue(cfg, *subject, *policyName, *out)
	case "revoke":
		id := fs.String("id", "", "Certificate ID")
		reason := fs.String("reason", "unspecified", "Revocation reason")
		fs.Parse(args)
		err = revoke(cfg, *id, *reason)
	default:
		fs.Parse(args)
		err = serve(cfg)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func serve(cfg config.ServerConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg)
	if err != nil {
		return err
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	log.Printf("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func issue(cfg config.ServerConfig, subject, policyName, out string) error {
	if subject == "" || out == "" {
		return fmt.Errorf("issue: -subject and -out are required")
	}
	if cfg.AuthorityKeyFile == "" {
		return fmt.Errorf("issue: -authority-key is required so the server can verify what it issued")
	}
	ctx := context.Background()
	srv, err := server.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer srv.Shutdown(ctx)

	c, keys, err := srv.Issue(ctx, subject, policyName)
	if err != nil {
		return err
	}
	encoded, err := c.Marshal()
	if err != nil {
		return err
	}
	secret, err := keys.MarshalBinary()
	if err != nil {
		return err
	}
	if err := os.WriteFile(out+".cert", encoded, 0o644); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}
	if err := os.WriteFile(out+".key", secret, 0o600); err != nil {
		return fmt.Errorf("write key pair: %w", err)
	}
	log.Printf("Issued %s for %s (policy %s, anchor %s)", c.CertificateID, subject, policyName, c.AnchorRef)
	return nil
}

func revoke(cfg config.ServerConfig, id, reason string) error {
	if id == "" {
		return fmt.Errorf("revoke: -id is required")
	}
	ctx := context.Background()
	srv, err := server.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer srv.Shutdown(ctx)

	if err := srv.Registry().Revoke(ctx, id, reason); err != nil {
		return err
	}
	log.Printf("Revoked %s: %s", id, reason)
	return nil
}
