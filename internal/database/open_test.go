// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
)

func TestPostgresConnStringFromSettings(t *testing.T) {
	t.Parallel()

	dsn, err := PostgresOptions{
		Host:           "db.internal",
		User:           "jobagent",
		Password:       `it's a \secret`,
		Database:       "jobs",
		ConnectTimeout: 15 * time.Second,
	}.connString()
	if err != nil {
		t.Fatalf("connString: %v", err)
	}

	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse built dsn %q: %v", dsn, err)
	}
	if cfg.Host != "db.internal" || cfg.Port != 5432 {
		t.Fatalf("unexpected host/port %s:%d", cfg.Host, cfg.Port)
	}
	if cfg.User != "jobagent" || cfg.Database != "jobs" {
		t.Fatalf("unexpected user/database %s/%s", cfg.User, cfg.Database)
	}
	if cfg.Password != `it's a \secret` {
		t.Fatalf("password not round-tripped: %q", cfg.Password)
	}
	if cfg.ConnectTimeout != 15*time.Second {
		t.Fatalf("unexpected connect timeout %s", cfg.ConnectTimeout)
	}
	if cfg.TLSConfig != nil {
		t.Fatalf("expected sslmode=disable to turn TLS off")
	}
}

func TestPostgresConnStringReportsMissingSettings(t *testing.T) {
	t.Parallel()

	_, err := PostgresOptions{User: "u"}.connString()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "host, database") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPostgresConnStringValidatesDSN(t *testing.T) {
	t.Parallel()

	dsn := "postgres://u:p@localhost:5432/jobs?sslmode=disable"
	got, err := PostgresOptions{DSN: "  " + dsn + " ", Host: "ignored"}.connString()
	if err != nil {
		t.Fatalf("connString: %v", err)
	}
	if got != dsn {
		t.Fatalf("expected DSN to win, got %q", got)
	}

	if _, err := (PostgresOptions{DSN: "postgres://u@localhost:notaport/jobs"}).connString(); err == nil {
		t.Fatal("expected invalid port to be rejected")
	}
}

func TestOpenRejectsUnknownEngine(t *testing.T) {
	t.Parallel()

	if _, err := Open(OpenOptions{Engine: "mysql"}); err == nil {
		t.Fatal("expected unsupported engine error")
	}
	if _, err := Open(OpenOptions{Engine: "sqlite"}); err == nil {
		t.Fatal("expected missing sqlite path error")
	}
}
