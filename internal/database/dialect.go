// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"fmt"
	"strconv"
	"strings"
)

type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

func (d Dialect) String() string {
	return string(d)
}

func parseDialect(raw string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(DialectSQLite):
		return DialectSQLite, nil
	case string(DialectPostgres), "postgresql":
		return DialectPostgres, nil
	default:
		return "", fmt.Errorf("unsupported database engine %q", raw)
	}
}

func (db *DB) Dialect() string {
	if db == nil || db.dialect == "" {
		return string(DialectSQLite)
	}
	return db.dialect.String()
}

func (t *Tx) Dialect() string {
	if t == nil {
		return string(DialectSQLite)
	}
	return t.db.Dialect()
}

func (db *DB) bindQuery(query string) string {
	if db == nil || db.dialect != DialectPostgres {
		return query
	}
	return rebindQuestionToDollar(query)
}

type scanState int

const (
	stateCode scanState = iota
	stateSingleQuote
	stateDoubleQuote
	stateLineComment
	stateBlockComment
	stateDollarQuote
)

// rebindQuestionToDollar rewrites ? placeholders as $1..$n, leaving string
// literals, quoted identifiers, comments and dollar-quoted bodies intact.
func rebindQuestionToDollar(query string) string {
	if !strings.Contains(query, "?") {
		return query
	}

	var (
		out   strings.Builder
		state = stateCode
		param int
		tag   string
	)
	out.Grow(len(query) + 16)

	for i := 0; i < len(query); i++ {
		ch := query[i]
		next := byte(0)
		if i+1 < len(query) {
			next = query[i+1]
		}

		switch state {
		case stateSingleQuote, stateDoubleQuote:
			quote := byte('\'')
			if state == stateDoubleQuote {
				quote = '"'
			}
			out.WriteByte(ch)
			if ch == quote {
				if next == quote {
					out.WriteByte(next)
					i++
				} else {
					state = stateCode
				}
			}
		case stateLineComment:
			out.WriteByte(ch)
			if ch == '\n' {
				state = stateCode
			}
		case stateBlockComment:
			out.WriteByte(ch)
			if ch == '*' && next == '/' {
				out.WriteByte(next)
				i++
				state = stateCode
			}
		case stateDollarQuote:
			if strings.HasPrefix(query[i:], tag) {
				out.WriteString(tag)
				i += len(tag) - 1
				state = stateCode
				continue
			}
			out.WriteByte(ch)
		default:
			switch {
			case ch == '\'':
				state = stateSingleQuote
				out.WriteByte(ch)
			case ch == '"':
				state = stateDoubleQuote
				out.WriteByte(ch)
			case ch == '-' && next == '-':
				state = stateLineComment
				out.WriteString("--")
				i++
			case ch == '/' && next == '*':
				state = stateBlockComment
				out.WriteString("/*")
				i++
			case ch == '$' && dollarTag(query[i:]) != "":
				tag = dollarTag(query[i:])
				state = stateDollarQuote
				out.WriteString(tag)
				i += len(tag) - 1
			case ch == '?':
				param++
				out.WriteByte('$')
				out.WriteString(strconv.Itoa(param))
			default:
				out.WriteByte(ch)
			}
		}
	}

	return out.String()
}

// dollarTag returns the opening $tag$ at the start of s, or "".
func dollarTag(s string) string {
	if len(s) < 2 || s[0] != '$' {
		return ""
	}
	for i := 1; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch == '$':
			return s[:i+1]
		case ch == '_', ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
			continue
		default:
			return ""
		}
	}
	return ""
}
