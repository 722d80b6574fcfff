// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"database/sql"
	"math"
	"time"
)

// dbTime formats t the way sqlite's CURRENT_TIMESTAMP does, in UTC, so
// comparisons against stored values stay lexicographically correct on sqlite
// and are parsed as timestamps by postgres.
func dbTime(t time.Time) string {
	return t.UTC().Format(time.DateTime)
}

func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func sizeArg(size *uint64) any {
	if size == nil {
		return nil
	}
	return clampInt64(*size)
}

func clampInt64(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}

func nullSize(n sql.NullInt64) *uint64 {
	if !n.Valid {
		return nil
	}
	v := uint64(max(n.Int64, 0))
	return &v
}

func nullString(ns sql.NullString) string {
	if !ns.Valid {
		return ""
	}
	return ns.String
}

func stringArg(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
