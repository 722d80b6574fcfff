// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// TransferOptions configures a copy of a SQLite store into Postgres.
type TransferOptions struct {
	SQLitePath  string
	PostgresDSN string
	// Apply performs the copy. When false only row counts are compared.
	Apply bool
}

type TableTransfer struct {
	Table        string
	SQLiteRows   int64
	PostgresRows int64
}

type TransferReport struct {
	Applied       bool
	Tables        []TableTransfer
	MissingTables []string
}

type tableDeps struct {
	name string
	deps []string
}

const transferBatchSize = 1_000

// TransferToPostgres copies every table of a SQLite store into Postgres in
// foreign-key order, replacing existing Postgres rows. The Postgres schema is
// migrated first.
func TransferToPostgres(ctx context.Context, opts TransferOptions) (*TransferReport, error) {
	sqlitePath := strings.TrimSpace(opts.SQLitePath)
	dsn := strings.TrimSpace(opts.PostgresDSN)
	if sqlitePath == "" {
		return nil, errors.New("sqlite path is required")
	}
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	if _, err := os.Stat(sqlitePath); err != nil {
		return nil, fmt.Errorf("stat sqlite file: %w", err)
	}

	src, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", sqlitePath))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	defer src.Close()

	tables, err := sqliteTablesInOrder(ctx, src)
	if err != nil {
		return nil, err
	}
	if len(tables) == 0 {
		return nil, errors.New("sqlite database has no tables to transfer")
	}

	counts := make(map[string]int64, len(tables))
	for _, table := range tables {
		var n int64
		if err := src.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quoteIdent(table)).Scan(&n); err != nil {
			return nil, fmt.Errorf("count sqlite rows for %s: %w", table, err)
		}
		counts[table] = n
	}

	if opts.Apply {
		dst, err := Open(OpenOptions{Engine: string(DialectPostgres), Postgres: PostgresOptions{DSN: dsn}})
		if err != nil {
			return nil, fmt.Errorf("prepare postgres schema: %w", err)
		}
		if err := dst.Close(); err != nil {
			return nil, fmt.Errorf("close postgres schema connection: %w", err)
		}
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	defer pool.Close()

	if !opts.Apply {
		return compareCounts(ctx, pool, tables, counts)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin postgres transfer: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", int64(migrationLockID+1)); err != nil {
		return nil, fmt.Errorf("acquire transfer lock: %w", err)
	}

	quoted := make([]string, len(tables))
	for i, table := range tables {
		quoted[i] = quoteIdent(table)
	}
	if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+strings.Join(quoted, ", ")+" RESTART IDENTITY CASCADE"); err != nil {
		return nil, fmt.Errorf("truncate postgres tables: %w", err)
	}

	report := &TransferReport{Applied: true}
	for _, table := range tables {
		copied, err := copyTable(ctx, src, tx, table)
		if err != nil {
			return nil, fmt.Errorf("copy table %s: %w", table, err)
		}
		if copied != counts[table] {
			return nil, fmt.Errorf("row count mismatch for %s: sqlite=%d copied=%d", table, counts[table], copied)
		}
		report.Tables = append(report.Tables, TableTransfer{Table: table, SQLiteRows: counts[table], PostgresRows: copied})
		log.Debug().Str("table", table).Int64("rows", copied).Msg("database: table transferred")
	}

	if err := resetSerials(ctx, tx, tables); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit postgres transfer: %w", err)
	}
	return report, nil
}

func compareCounts(ctx context.Context, pool *pgxpool.Pool, tables []string, counts map[string]int64) (*TransferReport, error) {
	existing := make(map[string]bool)
	rows, err := pool.Query(ctx, "SELECT table_name FROM information_schema.tables WHERE table_schema = 'public'")
	if err != nil {
		return nil, fmt.Errorf("list postgres tables: %w", err)
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan postgres table name: %w", err)
		}
		existing[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate postgres tables: %w", err)
	}

	report := &TransferReport{}
	for _, table := range tables {
		var pgRows int64
		if existing[table] {
			if err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+quoteIdent(table)).Scan(&pgRows); err != nil {
				return nil, fmt.Errorf("count postgres rows for %s: %w", table, err)
			}
		} else {
			report.MissingTables = append(report.MissingTables, table)
		}
		report.Tables = append(report.Tables, TableTransfer{Table: table, SQLiteRows: counts[table], PostgresRows: pgRows})
	}
	return report, nil
}

func sqliteTablesInOrder(ctx context.Context, src *sql.DB) ([]string, error) {
	rows, err := src.QueryContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%' AND name != 'migrations'
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list sqlite tables: %w", err)
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan sqlite table name: %w", err)
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sqlite tables: %w", err)
	}

	tables := make([]tableDeps, 0, len(names))
	for _, name := range names {
		deps, err := foreignKeyTargets(ctx, src, name)
		if err != nil {
			return nil, err
		}
		tables = append(tables, tableDeps{name: name, deps: deps})
	}
	return orderByDependencies(tables), nil
}

func foreignKeyTargets(ctx context.Context, src *sql.DB, table string) ([]string, error) {
	rows, err := src.QueryContext(ctx, fmt.Sprintf("SELECT DISTINCT \"table\" FROM pragma_foreign_key_list(%s)", quoteLiteral(table)))
	if err != nil {
		return nil, fmt.Errorf("list foreign keys for %s: %w", table, err)
	}
	defer rows.Close()

	var deps []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, fmt.Errorf("scan foreign key for %s: %w", table, err)
		}
		if ref != table {
			deps = append(deps, ref)
		}
	}
	return deps, rows.Err()
}

// orderByDependencies places every table after the tables it references.
// Ties and unresolvable cycles fall back to name order.
func orderByDependencies(tables []tableDeps) []string {
	known := make(map[string]bool, len(tables))
	for _, t := range tables {
		known[t.name] = true
	}

	placed := make(map[string]bool, len(tables))
	out := make([]string, 0, len(tables))
	for len(out) < len(tables) {
		var ready []string
		for _, t := range tables {
			if placed[t.name] {
				continue
			}
			ok := true
			for _, dep := range t.deps {
				if known[dep] && !placed[dep] {
					ok = false
					break
				}
			}
			if ok {
				ready = append(ready, t.name)
			}
		}
		if len(ready) == 0 {
			for _, t := range tables {
				if !placed[t.name] {
					ready = append(ready, t.name)
				}
			}
		}
		slices.Sort(ready)
		for _, name := range ready {
			placed[name] = true
		}
		out = append(out, ready...)
	}
	return out
}

func copyTable(ctx context.Context, src *sql.DB, tx pgx.Tx, table string) (int64, error) {
	columns, err := sqliteColumns(ctx, src, table)
	if err != nil {
		return 0, err
	}
	if len(columns) == 0 {
		return 0, nil
	}

	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = quoteIdent(c)
	}
	// #nosec G201 -- identifiers come from sqlite schema metadata and are quoted.
	rows, err := src.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM %s", strings.Join(quoted, ", "), quoteIdent(table)))
	if err != nil {
		return 0, fmt.Errorf("query sqlite table: %w", err)
	}
	defer rows.Close()

	var (
		copied int64
		batch  = make([][]any, 0, transferBatchSize)
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := tx.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(batch))
		if err != nil {
			return err
		}
		copied += n
		batch = batch[:0]
		return nil
	}

	for rows.Next() {
		values := make([]any, len(columns))
		dest := make([]any, len(columns))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return 0, fmt.Errorf("scan sqlite row: %w", err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		batch = append(batch, values)
		if len(batch) == transferBatchSize {
			if err := flush(); err != nil {
				return 0, err
			}
		}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate sqlite rows: %w", err)
	}
	if err := flush(); err != nil {
		return 0, err
	}
	return copied, nil
}

func sqliteColumns(ctx context.Context, src *sql.DB, table string) ([]string, error) {
	rows, err := src.QueryContext(ctx, fmt.Sprintf("SELECT name FROM pragma_table_info(%s) ORDER BY cid", quoteLiteral(table)))
	if err != nil {
		return nil, fmt.Errorf("list sqlite columns for %s: %w", table, err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan sqlite column for %s: %w", table, err)
		}
		columns = append(columns, name)
	}
	return columns, rows.Err()
}

// resetSerials moves BIGSERIAL sequences past the copied ids.
func resetSerials(ctx context.Context, tx pgx.Tx, tables []string) error {
	rows, err := tx.Query(ctx, `
		SELECT table_name FROM information_schema.columns
		WHERE table_schema = 'public' AND column_name = 'id' AND column_default LIKE 'nextval%'
	`)
	if err != nil {
		return fmt.Errorf("list serial columns: %w", err)
	}
	serial := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("scan serial column: %w", err)
		}
		serial[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate serial columns: %w", err)
	}

	for _, table := range tables {
		if !serial[table] {
			continue
		}
		query := fmt.Sprintf("SELECT setval(pg_get_serial_sequence($1, 'id'), COALESCE((SELECT MAX(id) FROM %s), 0) + 1, false)", quoteIdent(table))
		if _, err := tx.Exec(ctx, query, "public."+table); err != nil {
			return fmt.Errorf("reset sequence for %s: %w", table, err)
		}
	}
	return nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
