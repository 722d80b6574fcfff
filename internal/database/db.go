// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package database provides the SQLite and Postgres storage layer.
//
// SQLite runs with a dedicated single-connection writer pool and a separate
// reader pool over the same WAL database. Writes issued through DB are routed
// to the writer by inspecting the leading keyword of the statement; write
// transactions always open on the writer. Callers holding a Tx must issue
// every statement through that Tx, never through DB, or they will wait on
// their own connection.
package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/rs/zerolog/log"
	"modernc.org/sqlite"

	"github.com/nukleus/jobagent/internal/dbinterface"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	defaultBusyTimeout       = 5 * time.Second
	defaultBusyTimeoutMillis = int(defaultBusyTimeout / time.Millisecond)
	connectionSetupTimeout   = 5 * time.Second
	sqliteReaderConns        = 4
)

var errDBClosing = errors.New("db stopping")

type DB struct {
	writerConn  *sql.DB
	readerPool  *sql.DB
	writerStmts *ttlcache.Cache[string, *sql.Stmt]
	readerStmts *ttlcache.Cache[string, *sql.Stmt]
	dialect     Dialect

	// sqlite has one writer; serializing in-process keeps busy errors out
	// of the driver. postgres handles concurrent writers itself.
	serializeWrites bool
	writeMu         sync.Mutex

	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Tx wraps sql.Tx so queries are rebound for the active dialect.
type Tx struct {
	tx *sql.Tx
	db *DB
}

func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.db.bindQuery(query), args...)
}

func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.db.bindQuery(query), args...)
}

func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.db.bindQuery(query), args...)
}

func (t *Tx) Commit() error {
	return t.tx.Commit()
}

func (t *Tx) Rollback() error {
	return t.tx.Rollback()
}

var driverInit sync.Once

type pragmaExecFn func(ctx context.Context, stmt string) error

func registerConnectionHook() {
	driverInit.Do(func() {
		sqlite.RegisterConnectionHook(func(conn sqlite.ExecQuerierContext, dsn string) error {
			ctx, cancel := context.WithTimeout(context.Background(), connectionSetupTimeout)
			defer cancel()

			return applyConnectionPragmas(ctx, func(ctx context.Context, stmt string) error {
				if _, err := conn.ExecContext(ctx, stmt, nil); err != nil {
					return fmt.Errorf("connection hook exec %q: %w", stmt, err)
				}
				return nil
			})
		})
	})
}

func applyConnectionPragmas(ctx context.Context, exec pragmaExecFn) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA busy_timeout = %d", defaultBusyTimeoutMillis),
		"PRAGMA analysis_limit = 400",
	}

	for _, pragma := range pragmas {
		if err := exec(ctx, pragma); err != nil {
			return fmt.Errorf("apply connection pragma %q: %w", pragma, err)
		}
	}
	return nil
}

// New opens (creating if needed) the SQLite database at databasePath and
// applies pending migrations.
func New(databasePath string) (*DB, error) {
	log.Info().Msgf("Initializing database at: %s", databasePath)

	dir := filepath.Dir(databasePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
	}

	registerConnectionHook()

	writerConn, err := sql.Open("sqlite", databasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database at %s: %w", databasePath, err)
	}
	writerConn.SetMaxOpenConns(1)
	writerConn.SetMaxIdleConns(1)
	writerConn.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), connectionSetupTimeout)
	defer cancel()
	if _, err := writerConn.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		_ = writerConn.Close()
		return nil, fmt.Errorf("apply wal checkpoint: %w", err)
	}

	db := &DB{
		writerConn:      writerConn,
		writerStmts:     newStmtCache(),
		readerStmts:     newStmtCache(),
		dialect:         DialectSQLite,
		serializeWrites: true,
	}

	if err := db.migrate(ctx); err != nil {
		_ = writerConn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	readerPool, err := sql.Open("sqlite", databasePath)
	if err != nil {
		_ = writerConn.Close()
		return nil, fmt.Errorf("failed to open reader pool: %w", err)
	}
	readerPool.SetMaxOpenConns(sqliteReaderConns)
	readerPool.SetMaxIdleConns(2)
	db.readerPool = readerPool

	if _, err := os.Stat(databasePath); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database file was not created at %s: %w", databasePath, err)
	}
	log.Info().Msgf("Database initialized successfully at: %s", databasePath)

	return db, nil
}

func newStmtCache() *ttlcache.Cache[string, *sql.Stmt] {
	opts := ttlcache.Options[string, *sql.Stmt]{}.SetDefaultTTL(5 * time.Minute).
		SetDeallocationFunc(func(_ string, s *sql.Stmt, _ ttlcache.DeallocationReason) {
			if s != nil {
				_ = s.Close()
			}
		})
	return ttlcache.New(opts)
}

// getStmt returns a cached prepared statement for query on pool, preparing
// it on a miss. Racing preparers converge on the last Set.
func getStmt(ctx context.Context, pool *sql.DB, cache *ttlcache.Cache[string, *sql.Stmt], query string) (*sql.Stmt, error) {
	if s, found := cache.Get(query); found && s != nil {
		return s, nil
	}

	s, err := pool.PrepareContext(ctx, query)
	if err != nil {
		recordStmtFallback()
		return nil, err
	}
	cache.Set(query, s, ttlcache.DefaultTTL)
	return s, nil
}

// isWriteQuery reports whether the first keyword of query mutates data.
func isWriteQuery(query string) bool {
	q := strings.TrimLeftFunc(query, unicode.IsSpace)
	if q == "" {
		return false
	}

	n := min(len(q), 8)
	upper := strings.ToUpper(q[:n])
	return strings.HasPrefix(upper, "INSERT") ||
		strings.HasPrefix(upper, "UPDATE") ||
		strings.HasPrefix(upper, "UPSERT") ||
		strings.HasPrefix(upper, "REPLACE") ||
		strings.HasPrefix(upper, "DELETE") ||
		strings.HasPrefix(upper, "WITH")
}

func (db *DB) lockWrites() func() {
	if !db.serializeWrites {
		return func() {}
	}
	db.writeMu.Lock()
	return db.writeMu.Unlock
}

func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if db.closing.Load() {
		return nil, errDBClosing
	}
	query = db.bindQuery(query)

	if !isWriteQuery(query) {
		stmt, err := getStmt(ctx, db.readerPool, db.readerStmts, query)
		if err != nil {
			return db.readerPool.ExecContext(ctx, query, args...)
		}
		return stmt.ExecContext(ctx, args...)
	}

	recordWrite()
	unlock := db.lockWrites()
	defer unlock()

	stmt, err := getStmt(ctx, db.writerConn, db.writerStmts, query)
	if err != nil {
		return db.writerConn.ExecContext(ctx, query, args...)
	}
	return stmt.ExecContext(ctx, args...)
}

// QueryContext reads from the reader pool. Statements with RETURNING that
// mutate data are sent to the writer.
func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if db.closing.Load() {
		return nil, errDBClosing
	}
	query = db.bindQuery(query)

	pool, cache := db.readerPool, db.readerStmts
	if isWriteQuery(query) {
		recordWrite()
		pool, cache = db.writerConn, db.writerStmts
	}

	stmt, err := getStmt(ctx, pool, cache, query)
	if err != nil {
		return pool.QueryContext(ctx, query, args...)
	}
	return stmt.QueryContext(ctx, args...)
}

func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	query = db.bindQuery(query)

	pool, cache := db.readerPool, db.readerStmts
	if isWriteQuery(query) {
		recordWrite()
		pool, cache = db.writerConn, db.writerStmts
	}

	stmt, err := getStmt(ctx, pool, cache, query)
	if err != nil {
		return pool.QueryRowContext(ctx, query, args...)
	}
	return stmt.QueryRowContext(ctx, args...)
}

// BeginTx starts a transaction. Read-only transactions run on the reader
// pool; everything else holds the writer until Commit or Rollback.
func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (dbinterface.TxQuerier, error) {
	if db.closing.Load() {
		return nil, errDBClosing
	}

	pool := db.writerConn
	if opts != nil && opts.ReadOnly {
		pool = db.readerPool
	}

	tx, err := pool.BeginTx(ctx, opts)
	if err != nil && db.dialect == DialectSQLite && strings.Contains(err.Error(), "cannot start a transaction within a transaction") {
		// A connection returned to the pool mid-transaction; clear it and retry once.
		recordBeginTxRecovery()
		log.Warn().Err(err).Msg("recovering sqlite connection left inside a transaction")
		_, _ = pool.ExecContext(ctx, "ROLLBACK")
		tx, err = pool.BeginTx(ctx, opts)
	}
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx, db: db}, nil
}

// WithTx runs fn inside a write transaction and commits when fn succeeds.
func (db *DB) WithTx(ctx context.Context, fn func(tx dbinterface.TxQuerier) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (db *DB) Ping(ctx context.Context) error {
	if db.closing.Load() {
		return errDBClosing
	}
	return db.readerPool.PingContext(ctx)
}

func (db *DB) Close() error {
	db.closeOnce.Do(func() {
		if db.dialect == DialectSQLite && db.writerConn != nil {
			ctx, cancel := context.WithTimeout(context.Background(), connectionSetupTimeout)
			if _, err := db.writerConn.ExecContext(ctx, "PRAGMA optimize"); err != nil {
				log.Warn().Err(err).Msg("failed to run PRAGMA optimize during close")
			}
			cancel()
		}

		db.closing.Store(true)

		unlock := db.lockWrites()
		defer unlock()

		db.writerStmts.Close()
		db.readerStmts.Close()

		var errs []error
		if db.readerPool != nil && db.readerPool != db.writerConn {
			errs = append(errs, db.readerPool.Close())
		}
		if db.writerConn != nil {
			errs = append(errs, db.writerConn.Close())
		}
		db.closeErr = errors.Join(errs...)
	})

	return db.closeErr
}

func (db *DB) migrate(ctx context.Context) error {
	if _, err := db.writerConn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			filename TEXT NOT NULL UNIQUE,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	files, err := migrationFiles(migrationsFS, "migrations")
	if err != nil {
		return err
	}

	var pending []string
	for _, filename := range files {
		var count int
		if err := db.writerConn.QueryRowContext(ctx, "SELECT COUNT(*) FROM migrations WHERE filename = ?", filename).Scan(&count); err != nil {
			return fmt.Errorf("failed to check migration status for %s: %w", filename, err)
		}
		if count == 0 {
			pending = append(pending, filename)
		}
	}

	if len(pending) == 0 {
		log.Debug().Msg("No pending migrations")
		return nil
	}

	tx, err := db.writerConn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, filename := range pending {
		content, err := migrationsFS.ReadFile("migrations/" + filename)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", filename, err)
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", filename, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO migrations (filename) VALUES (?)", filename); err != nil {
			return fmt.Errorf("failed to record migration %s: %w", filename, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migrations: %w", err)
	}

	log.Info().Msgf("Applied %d migrations successfully", len(pending))
	return nil
}

func migrationFiles(fsys embed.FS, dir string) ([]string, error) {
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s directory: %w", dir, err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ".sql" {
			files = append(files, entry.Name())
		}
	}
	slices.Sort(files)
	return files, nil
}

// AppliedMigrations lists recorded migration filenames in order.
func (db *DB) AppliedMigrations(ctx context.Context) ([]string, error) {
	rows, err := db.QueryContext(ctx, "SELECT filename FROM migrations ORDER BY filename")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}
