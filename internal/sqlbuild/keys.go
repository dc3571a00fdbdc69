package sqlbuild

import (
	"fmt"
	"strings"
)

// SelectKeys builds a lookup returning the key columns of rows whose key
// tuple matches an entry in keys.
//
// Single-column keys render as a plain IN list on every dialect. Composite
// keys render as a row-value IN for postgres, IN (VALUES ...) for sqlite and
// a VALUES derived-table join for mssql (which has no row-value IN).
//
// Callers chunk the key set; this function binds one placeholder per key
// part and large key sets would blow dialect parameter limits.
func SelectKeys(d Dialect, schema, table string, keyColumns []string, keys [][]any) (string, []any, error) {
	if err := checkKeys(table, keyColumns, keys); err != nil {
		return "", nil, err
	}

	target, err := d.QualifyTable(schema, table)
	if err != nil {
		return "", nil, fmt.Errorf("sqlbuild: select keys: %w", err)
	}
	quoted, err := d.quoteAll(keyColumns)
	if err != nil {
		return "", nil, fmt.Errorf("sqlbuild: select keys from %s: %w", table, err)
	}

	var b strings.Builder
	var args []any

	if d == MSSQL && len(quoted) > 1 {
		b.WriteString("SELECT ")
		for i, k := range quoted {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("t.")
			b.WriteString(k)
		}
		b.WriteString(" FROM ")
		b.WriteString(target)
		b.WriteString(" t JOIN (VALUES ")
		args = writeTupleRows(&b, d, keys)
		b.WriteString(") AS v(")
		for i, k := range quoted {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(k)
		}
		b.WriteString(") ON ")
		writeAliasKeyEq(&b, quoted)
		return b.String(), args, nil
	}

	b.WriteString("SELECT ")
	for i, k := range quoted {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(k)
	}
	b.WriteString(" FROM ")
	b.WriteString(target)
	b.WriteString(" WHERE ")
	args = writeKeyPredicate(&b, d, quoted, keys)
	return b.String(), args, nil
}

// DeleteByKeys builds a delete for rows whose key tuple matches an entry in
// keys. Shapes mirror SelectKeys per dialect.
func DeleteByKeys(d Dialect, schema, table string, keyColumns []string, keys [][]any) (string, []any, error) {
	if err := checkKeys(table, keyColumns, keys); err != nil {
		return "", nil, err
	}

	target, err := d.QualifyTable(schema, table)
	if err != nil {
		return "", nil, fmt.Errorf("sqlbuild: delete keys: %w", err)
	}
	quoted, err := d.quoteAll(keyColumns)
	if err != nil {
		return "", nil, fmt.Errorf("sqlbuild: delete from %s: %w", table, err)
	}

	var b strings.Builder
	var args []any

	if d == MSSQL && len(quoted) > 1 {
		b.WriteString("DELETE t FROM ")
		b.WriteString(target)
		b.WriteString(" t JOIN (VALUES ")
		args = writeTupleRows(&b, d, keys)
		b.WriteString(") AS v(")
		for i, k := range quoted {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(k)
		}
		b.WriteString(") ON ")
		writeAliasKeyEq(&b, quoted)
		return b.String(), args, nil
	}

	b.WriteString("DELETE FROM ")
	b.WriteString(target)
	b.WriteString(" WHERE ")
	args = writeKeyPredicate(&b, d, quoted, keys)
	return b.String(), args, nil
}

func checkKeys(table string, keyColumns []string, keys [][]any) error {
	if len(keyColumns) == 0 {
		return fmt.Errorf("sqlbuild: %s: no key columns", table)
	}
	if len(keys) == 0 {
		return fmt.Errorf("sqlbuild: %s: no keys", table)
	}
	for i, k := range keys {
		if len(k) != len(keyColumns) {
			return fmt.Errorf("sqlbuild: %s: key %d has %d parts, want %d", table, i, len(k), len(keyColumns))
		}
	}
	return nil
}

// writeKeyPredicate renders the WHERE body for postgres/sqlite (and
// single-column mssql): an IN list for one key column, a row-value IN for
// composites. Returns the bound args.
func writeKeyPredicate(b *strings.Builder, d Dialect, quoted []string, keys [][]any) []any {
	args := make([]any, 0, len(keys)*len(quoted))
	p := 1

	if len(quoted) == 1 {
		b.WriteString(quoted[0])
		b.WriteString(" IN (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(d.Placeholder(p))
			args = append(args, k[0])
			p++
		}
		b.WriteString(")")
		return args
	}

	b.WriteString("(")
	for i, k := range quoted {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(k)
	}
	b.WriteString(") IN (")
	if d == SQLite {
		// sqlite only accepts row-value lists through a VALUES clause
		b.WriteString("VALUES ")
	}
	for i, key := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range quoted {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString(d.Placeholder(p))
			args = append(args, key[j])
			p++
		}
		b.WriteString(")")
	}
	b.WriteString(")")
	return args
}

// writeTupleRows renders the (...),(...) rows of a VALUES constructor and
// returns the bound args.
func writeTupleRows(b *strings.Builder, d Dialect, keys [][]any) []any {
	args := make([]any, 0, len(keys)*len(keys[0]))
	p := 1
	for i, key := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range key {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString(d.Placeholder(p))
			args = append(args, key[j])
			p++
		}
		b.WriteString(")")
	}
	return args
}

func writeAliasKeyEq(b *strings.Builder, quoted []string) {
	for i, k := range quoted {
		if i > 0 {
			b.WriteString(" AND ")
		}
		b.WriteString("t.")
		b.WriteString(k)
		b.WriteString(" = v.")
		b.WriteString(k)
	}
}
