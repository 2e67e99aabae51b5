/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// pragmas run once per InitDB. journal_mode persists in the file; the rest
// apply to the connection they ran on.
var pragmas = []string{
	"foreign_keys = ON",
	"journal_mode = WAL",
	"synchronous = NORMAL",
	"busy_timeout = 5000",
}

// InitDB initializes the SQLite database and creates necessary tables.
func InitDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Verify the connection
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Every connection to ":memory:" opens its own empty database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, "PRAGMA "+pragma+";"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set PRAGMA %s: %w", pragma, err)
		}
	}

	// Create tables and indexes
	if err := createSchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return db, nil
}

// createSchema creates all necessary database tables.
func createSchema(ctx context.Context, db *sql.DB) error {
	schema := `
	-- Enable foreign keys
	PRAGMA foreign_keys = ON;

	-- Signed SAPI certificates
	CREATE TABLE IF NOT EXISTS certificates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		certificate_id TEXT UNIQUE NOT NULL,
		subject_id TEXT NOT NULL,
		issuer_id TEXT NOT NULL,
		encoded BLOB NOT NULL,
		fingerprint BLOB NOT NULL,
		valid_from TIMESTAMP NOT NULL,
		valid_until TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_certificates_subject_id ON certificates(subject_id);
	CREATE INDEX IF NOT EXISTS idx_certificates_fingerprint ON certificates(fingerprint);

	-- Revocation list; certificates issued elsewhere may be revoked too,
	-- so there is no foreign key to certificates.
	CREATE TABLE IF NOT EXISTS revocations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		certificate_id TEXT UNIQUE NOT NULL,
		reason TEXT NOT NULL,
		revoked_at INTEGER NOT NULL
	);

	-- Local anchor ledger
	CREATE TABLE IF NOT EXISTS anchor_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ref TEXT UNIQUE NOT NULL,
		digest BLOB NOT NULL,
		kind TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_anchor_records_digest ON anchor_records(digest);

	-- Registered identities (DID -> certificate public keys)
	CREATE TABLE IF NOT EXISTS identities (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		did TEXT UNIQUE NOT NULL,
		certificate_id TEXT NOT NULL,
		fingerprint BLOB NOT NULL,
		public_keys BLOB NOT NULL,
		policy_hash BLOB NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		expired_at TIMESTAMP NOT NULL,
		revoked_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_identities_certificate_id ON identities(certificate_id);

	-- Policy profiles keyed by the hash of the policy document
	CREATE TABLE IF NOT EXISTS policy_profiles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		policy_hash BLOB UNIQUE NOT NULL,
		level TEXT NOT NULL,
		scopes TEXT NOT NULL,
		rate_limit INTEGER NOT NULL,
		step_up_threshold REAL NOT NULL,
		require_quantum_safe BOOLEAN NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	`

	// Execute schema using transaction
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// CloseDB closes the database connection.
func CloseDB(db *sql.DB) error {
	if db == nil {
		return nil
	}
	return db.Close()
}
