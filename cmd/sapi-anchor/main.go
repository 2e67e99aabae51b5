/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

// Command sapi-anchor serves a sqlite backed anchor ledger for SAPI
// servers configured with an anchor URL.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kentakayama/qsafe-auth/internal/infra/anchor"
	"github.com/kentakayama/qsafe-auth/internal/infra/sqlite"
)

func main() {
	addr := flag.String("addr", ":8081", "Anchor listen address")
	dbPath := flag.String("db", "anchor.db", "SQLite database path")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.InitDB(ctx, *dbPath)
	if err != nil {
		log.Fatal(err)
	}
	defer sqlite.CloseDB(db)

	ledger := anchor.NewLedger(sqlite.NewAnchorRecordRepository(db))
	srv := &http.Server{
		Addr:              *addr,
		Handler:           anchor.NewHandler(ledger, log.Default()),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("Run anchor ledger on %s (db %s).", *addr, *dbPath)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}
