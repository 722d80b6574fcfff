// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nukleus/jobagent/internal/domain"
)

// OpenOptions selects and configures the primary store.
type OpenOptions struct {
	Engine     string
	SQLitePath string
	Postgres   PostgresOptions
}

// PostgresOptions describes a postgres server either as a full DSN or as
// discrete settings. DSN wins when both are present.
type PostgresOptions struct {
	DSN            string
	Host           string
	Port           int
	User           string
	Password       string
	Database       string
	SSLMode        string
	ConnectTimeout time.Duration
	Pool           PoolOptions
}

type PoolOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func Open(opts OpenOptions) (*DB, error) {
	dialect, err := parseDialect(opts.Engine)
	if err != nil {
		return nil, err
	}

	if dialect == DialectPostgres {
		dsn, err := opts.Postgres.connString()
		if err != nil {
			return nil, err
		}
		return newPostgres(dsn, opts.Postgres.Pool)
	}

	if strings.TrimSpace(opts.SQLitePath) == "" {
		return nil, errors.New("sqlite database path is required")
	}
	return New(opts.SQLitePath)
}

// OpenFromConfig opens the store described by cfg. sqlitePath is used when
// the engine is sqlite.
func OpenFromConfig(cfg *domain.Config, sqlitePath string) (*DB, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}

	return Open(OpenOptions{
		Engine:     cfg.DatabaseEngine,
		SQLitePath: sqlitePath,
		Postgres: PostgresOptions{
			DSN:            cfg.DatabaseDSN,
			Host:           cfg.DatabaseHost,
			Port:           cfg.DatabasePort,
			User:           cfg.DatabaseUser,
			Password:       cfg.DatabasePassword,
			Database:       cfg.DatabaseName,
			SSLMode:        cfg.DatabaseSSLMode,
			ConnectTimeout: time.Duration(cfg.DatabaseConnectTimeout) * time.Second,
			Pool: PoolOptions{
				MaxOpenConns:    cfg.DatabaseMaxOpenConns,
				MaxIdleConns:    cfg.DatabaseMaxIdleConns,
				ConnMaxLifetime: time.Duration(cfg.DatabaseConnMaxLifetime) * time.Second,
			},
		},
	})
}

// connString returns a connection string pgx accepts. A configured DSN is
// parsed up front so a typo fails at startup rather than on first use.
func (o PostgresOptions) connString() (string, error) {
	if dsn := strings.TrimSpace(o.DSN); dsn != "" {
		if _, err := pgx.ParseConfig(dsn); err != nil {
			return "", fmt.Errorf("invalid postgres dsn: %w", err)
		}
		return dsn, nil
	}

	var missing []string
	for _, field := range []struct{ name, value string }{
		{"host", o.Host},
		{"user", o.User},
		{"database", o.Database},
	} {
		if strings.TrimSpace(field.value) == "" {
			missing = append(missing, field.name)
		}
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("postgres settings missing: %s", strings.Join(missing, ", "))
	}

	port := o.Port
	if port <= 0 {
		port = 5432
	}
	sslMode := strings.TrimSpace(o.SSLMode)
	if sslMode == "" {
		sslMode = "disable"
	}
	timeout := o.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	pairs := []string{
		"host=" + quoteConnValue(strings.TrimSpace(o.Host)),
		"port=" + strconv.Itoa(port),
		"user=" + quoteConnValue(strings.TrimSpace(o.User)),
		"dbname=" + quoteConnValue(strings.TrimSpace(o.Database)),
		"sslmode=" + quoteConnValue(sslMode),
		"connect_timeout=" + strconv.Itoa(int(timeout/time.Second)),
	}
	if o.Password != "" {
		pairs = append(pairs, "password="+quoteConnValue(o.Password))
	}
	dsn := strings.Join(pairs, " ")

	if _, err := pgx.ParseConfig(dsn); err != nil {
		return "", fmt.Errorf("invalid postgres settings: %w", err)
	}
	return dsn, nil
}

// quoteConnValue quotes v for a libpq keyword/value connection string.
func quoteConnValue(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}
