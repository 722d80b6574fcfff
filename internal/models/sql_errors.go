// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"

	"github.com/nukleus/jobagent/internal/reconcile"
)

var (
	ErrNotFound      = reconcile.ErrEntityNotFound
	ErrAlreadyExists = errors.New("already exists")
)

func isUniqueConstraintError(err error) bool {
	return constraintCode(err, sqlitelib.SQLITE_CONSTRAINT_UNIQUE, "23505") ||
		constraintCode(err, sqlitelib.SQLITE_CONSTRAINT_PRIMARYKEY, "23505")
}

func isForeignKeyConstraintError(err error) bool {
	return constraintCode(err, sqlitelib.SQLITE_CONSTRAINT_FOREIGNKEY, "23503")
}

// constraintCode matches a sqlite extended result code or a postgres
// SQLSTATE.
func constraintCode(err error, sqliteCode int, pgCode string) bool {
	if err == nil {
		return false
	}

	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		return sqlErr.Code() == sqliteCode
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgCode
	}
	return false
}
