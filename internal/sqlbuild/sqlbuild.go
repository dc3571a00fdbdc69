// Package sqlbuild constructs SQL statement text for the write path.
//
// Everything here is pure: functions take identifiers, column lists and row
// values and return statement text plus a positional argument slice. No
// function ever concatenates a row value into the text; values travel only
// through the args slice, bound to dialect placeholders.
//
// Supported dialects: Postgres ($N), SQLite (?), MSSQL (@pN).
package sqlbuild

import (
	"fmt"
	"strings"
)

// Dialect selects placeholder style and identifier quoting rules.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
	MSSQL    Dialect = "mssql"
)

// pgMaxIdentBytes is NAMEDATALEN-1. The server silently truncates longer
// identifiers, so a statement would target a different name than the caller
// wrote; erroring here keeps that from ever reaching the wire.
const pgMaxIdentBytes = 63

// QuoteIdent quotes one identifier for d.
//
// Postgres and SQLite wrap in double quotes with embedded quotes doubled;
// MSSQL wraps in brackets with embedded ']' doubled.
//
// Errors:
//   - empty identifier
//   - identifier containing a NUL byte
//   - postgres identifier over 63 bytes (error, never truncation)
//   - unknown dialect
func (d Dialect) QuoteIdent(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("sqlbuild: empty identifier")
	}
	if strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("sqlbuild: identifier contains NUL byte")
	}
	switch d {
	case Postgres:
		if len(name) > pgMaxIdentBytes {
			return "", fmt.Errorf("sqlbuild: identifier %q is %d bytes, postgres limit is %d", name, len(name), pgMaxIdentBytes)
		}
		return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`, nil
	case SQLite:
		return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`, nil
	case MSSQL:
		return "[" + strings.ReplaceAll(name, "]", "]]") + "]", nil
	default:
		return "", fmt.Errorf("sqlbuild: unknown dialect %q", string(d))
	}
}

// QualifyTable quotes an optionally schema-qualified table reference.
//
// Empty schema yields just the quoted table (the sqlite backend has no
// schema namespace).
func (d Dialect) QualifyTable(schema, table string) (string, error) {
	t, err := d.QuoteIdent(table)
	if err != nil {
		return "", fmt.Errorf("table: %w", err)
	}
	if schema == "" {
		return t, nil
	}
	s, err := d.QuoteIdent(schema)
	if err != nil {
		return "", fmt.Errorf("schema: %w", err)
	}
	return s + "." + t, nil
}

// Placeholder returns the bind marker for 1-based position n.
//
// SQLite binds positionally, so the marker is always "?" regardless of n.
func (d Dialect) Placeholder(n int) string {
	switch d {
	case SQLite:
		return "?"
	case MSSQL:
		return fmt.Sprintf("@p%d", n)
	default:
		return fmt.Sprintf("$%d", n)
	}
}

// quoteAll quotes every identifier in names, failing on the first bad one.
func (d Dialect) quoteAll(names []string) ([]string, error) {
	out := make([]string, len(names))
	for i, n := range names {
		q, err := d.QuoteIdent(n)
		if err != nil {
			return nil, err
		}
		out[i] = q
	}
	return out, nil
}
