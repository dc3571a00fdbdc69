package sqlbuild

import (
	"fmt"
	"strings"
)

// ConflictMode selects what an insert does when a key collision occurs.
type ConflictMode string

const (
	// ConflictNone inserts unconditionally; collisions surface as driver errors.
	ConflictNone ConflictMode = ""
	// ConflictDoNothing keeps the existing row untouched.
	ConflictDoNothing ConflictMode = "do_nothing"
	// ConflictUpdate overwrites the listed columns from the incoming row.
	ConflictUpdate ConflictMode = "update"
	// ConflictFillNull writes listed columns only where the existing value is NULL.
	ConflictFillNull ConflictMode = "fill_null"
)

// Conflict describes collision handling for Insert.
type Conflict struct {
	Mode ConflictMode

	// KeyColumns is the conflict target. Required for update and fill_null
	// (and for do_nothing on mssql, where the emulation compares keys);
	// empty for do_nothing elsewhere means "any unique constraint".
	KeyColumns []string

	// UpdateColumns are the SET targets for update and fill_null. They must
	// be a subset of the insert column list.
	UpdateColumns []string
}

func (c Conflict) validate(d Dialect, columns []string) error {
	switch c.Mode {
	case ConflictNone:
		return nil

	case ConflictDoNothing:
		if d == MSSQL && len(c.KeyColumns) == 0 {
			return fmt.Errorf("do_nothing on mssql needs key columns")
		}
		return nil

	case ConflictUpdate, ConflictFillNull:
		if d == MSSQL {
			return fmt.Errorf("mssql has no ON CONFLICT; pair a do_nothing insert with UpdateFromValues")
		}
		if len(c.KeyColumns) == 0 {
			return fmt.Errorf("conflict mode %q needs key columns", c.Mode)
		}
		if len(c.UpdateColumns) == 0 {
			return fmt.Errorf("conflict mode %q needs update columns", c.Mode)
		}
		for _, uc := range c.UpdateColumns {
			if _, ok := indexOfColumn(columns, uc); !ok {
				return fmt.Errorf("update column %q not in insert columns", uc)
			}
		}
		return nil

	default:
		return fmt.Errorf("unknown conflict mode %q", string(c.Mode))
	}
}

// Insert builds one multi-row parameterized INSERT for d.
//
// Rows bind positionally in row-major order; the statement never contains a
// value, only placeholders. Conflict handling renders as ON CONFLICT for
// postgres and sqlite. MSSQL has no ON CONFLICT: do_nothing renders as
// INSERT ... SELECT ... WHERE NOT EXISTS over a VALUES derived table, and
// update/fill_null are rejected (see UpdateFromValues).
//
// Errors: empty columns or rows, ragged rows, bad identifiers, conflict
// configurations the dialect cannot express.
func Insert(d Dialect, schema, table string, columns []string, rows [][]any, c Conflict) (string, []any, error) {
	if len(columns) == 0 {
		return "", nil, fmt.Errorf("sqlbuild: insert into %s: no columns", table)
	}
	if len(rows) == 0 {
		return "", nil, fmt.Errorf("sqlbuild: insert into %s: no rows", table)
	}
	for i, row := range rows {
		if len(row) != len(columns) {
			return "", nil, fmt.Errorf("sqlbuild: insert into %s: row %d has %d values, want %d", table, i, len(row), len(columns))
		}
	}
	if err := c.validate(d, columns); err != nil {
		return "", nil, fmt.Errorf("sqlbuild: insert into %s: %w", table, err)
	}

	if d == MSSQL && c.Mode == ConflictDoNothing {
		return insertNotExists(d, schema, table, columns, rows, c.KeyColumns)
	}

	target, err := d.QualifyTable(schema, table)
	if err != nil {
		return "", nil, fmt.Errorf("sqlbuild: insert: %w", err)
	}
	quoted, err := d.quoteAll(columns)
	if err != nil {
		return "", nil, fmt.Errorf("sqlbuild: insert into %s: %w", table, err)
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(target)
	b.WriteString(" (")
	for i, qc := range quoted {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(qc)
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString(d.Placeholder(p))
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}

	if err := writeConflict(&b, d, table, c); err != nil {
		return "", nil, fmt.Errorf("sqlbuild: insert into %s: %w", table, err)
	}

	b.WriteString(";")
	return b.String(), args, nil
}

// writeConflict appends the ON CONFLICT clause for postgres/sqlite inserts.
//
// Inside DO UPDATE both engines expose the existing row under the bare table
// name and the incoming row as EXCLUDED.
func writeConflict(b *strings.Builder, d Dialect, table string, c Conflict) error {
	if c.Mode == ConflictNone {
		return nil
	}

	keys, err := d.quoteAll(c.KeyColumns)
	if err != nil {
		return err
	}

	b.WriteString(" ON CONFLICT")
	if len(keys) > 0 {
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(k)
		}
		b.WriteString(")")
	}

	switch c.Mode {
	case ConflictDoNothing:
		b.WriteString(" DO NOTHING")
		return nil

	case ConflictUpdate:
		set, err := d.quoteAll(c.UpdateColumns)
		if err != nil {
			return err
		}
		b.WriteString(" DO UPDATE SET ")
		for i, sc := range set {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(sc)
			b.WriteString(" = EXCLUDED.")
			b.WriteString(sc)
		}
		return nil

	case ConflictFillNull:
		set, err := d.quoteAll(c.UpdateColumns)
		if err != nil {
			return err
		}
		tbl, err := d.QuoteIdent(table)
		if err != nil {
			return err
		}
		b.WriteString(" DO UPDATE SET ")
		for i, sc := range set {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(sc)
			b.WriteString(" = COALESCE(")
			b.WriteString(tbl)
			b.WriteString(".")
			b.WriteString(sc)
			b.WriteString(", EXCLUDED.")
			b.WriteString(sc)
			b.WriteString(")")
		}
		// Skip the update entirely when nothing is fillable; existing
		// non-null values must never be rewritten.
		b.WriteString(" WHERE ")
		for i, sc := range set {
			if i > 0 {
				b.WriteString(" OR ")
			}
			b.WriteString(tbl)
			b.WriteString(".")
			b.WriteString(sc)
			b.WriteString(" IS NULL")
		}
		return nil

	default:
		return fmt.Errorf("unknown conflict mode %q", string(c.Mode))
	}
}

// insertNotExists renders the mssql do_nothing emulation: insert the VALUES
// rows that have no key match in the target yet.
func insertNotExists(d Dialect, schema, table string, columns []string, rows [][]any, keyColumns []string) (string, []any, error) {
	target, err := d.QualifyTable(schema, table)
	if err != nil {
		return "", nil, fmt.Errorf("sqlbuild: insert: %w", err)
	}
	quoted, err := d.quoteAll(columns)
	if err != nil {
		return "", nil, fmt.Errorf("sqlbuild: insert into %s: %w", table, err)
	}
	keys, err := d.quoteAll(keyColumns)
	if err != nil {
		return "", nil, fmt.Errorf("sqlbuild: insert into %s: %w", table, err)
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(target)
	b.WriteString(" (")
	for i, qc := range quoted {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(qc)
	}
	b.WriteString(") SELECT ")
	for i, qc := range quoted {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("v.")
		b.WriteString(qc)
	}
	b.WriteString(" FROM (VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString(d.Placeholder(p))
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}

	b.WriteString(") AS v(")
	for i, qc := range quoted {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(qc)
	}
	b.WriteString(") WHERE NOT EXISTS (SELECT 1 FROM ")
	b.WriteString(target)
	b.WriteString(" t WHERE ")
	for i, k := range keys {
		if i > 0 {
			b.WriteString(" AND ")
		}
		b.WriteString("t.")
		b.WriteString(k)
		b.WriteString(" = v.")
		b.WriteString(k)
	}
	b.WriteString(");")

	return b.String(), args, nil
}

// UpdateFromValues builds an UPDATE joined to a VALUES derived table.
//
// Row layout is keyColumns followed by setColumns, in that order. With
// nullOnly set, each assignment keeps the existing value unless it is NULL
// and a guard clause restricts the statement to rows with at least one NULL
// target column.
//
// The mssql backend pairs this with a do_nothing Insert to emulate upserts.
// Postgres can use it too; sqlite cannot (no column aliases on derived
// tables), and its backend goes through Insert with a conflict clause.
func UpdateFromValues(d Dialect, schema, table string, keyColumns, setColumns []string, rows [][]any, nullOnly bool) (string, []any, error) {
	if d == SQLite {
		return "", nil, fmt.Errorf("sqlbuild: update %s: sqlite cannot alias VALUES columns; use Insert with a conflict mode", table)
	}
	if len(keyColumns) == 0 {
		return "", nil, fmt.Errorf("sqlbuild: update %s: no key columns", table)
	}
	if len(setColumns) == 0 {
		return "", nil, fmt.Errorf("sqlbuild: update %s: no set columns", table)
	}
	if len(rows) == 0 {
		return "", nil, fmt.Errorf("sqlbuild: update %s: no rows", table)
	}
	width := len(keyColumns) + len(setColumns)
	for i, row := range rows {
		if len(row) != width {
			return "", nil, fmt.Errorf("sqlbuild: update %s: row %d has %d values, want %d", table, i, len(row), width)
		}
	}

	target, err := d.QualifyTable(schema, table)
	if err != nil {
		return "", nil, fmt.Errorf("sqlbuild: update: %w", err)
	}
	keys, err := d.quoteAll(keyColumns)
	if err != nil {
		return "", nil, fmt.Errorf("sqlbuild: update %s: %w", table, err)
	}
	set, err := d.quoteAll(setColumns)
	if err != nil {
		return "", nil, fmt.Errorf("sqlbuild: update %s: %w", table, err)
	}
	all := append(append([]string{}, keys...), set...)

	var b strings.Builder
	b.WriteString("UPDATE ")
	if d == MSSQL {
		b.WriteString("t")
	} else {
		b.WriteString(target)
		b.WriteString(" AS t")
	}
	b.WriteString(" SET ")
	for i, sc := range set {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(sc)
		b.WriteString(" = ")
		if nullOnly {
			b.WriteString("COALESCE(t.")
			b.WriteString(sc)
			b.WriteString(", v.")
			b.WriteString(sc)
			b.WriteString(")")
		} else {
			b.WriteString("v.")
			b.WriteString(sc)
		}
	}
	b.WriteString(" FROM ")
	if d == MSSQL {
		b.WriteString(target)
		b.WriteString(" t JOIN ")
	}
	b.WriteString("(VALUES ")

	args := make([]any, 0, len(rows)*width)
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := 0; j < width; j++ {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString(d.Placeholder(p))
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}

	b.WriteString(") AS v(")
	for i, c := range all {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(c)
	}
	b.WriteString(")")

	joinWord := " WHERE "
	if d == MSSQL {
		joinWord = " ON "
	}
	b.WriteString(joinWord)
	for i, k := range keys {
		if i > 0 {
			b.WriteString(" AND ")
		}
		b.WriteString("t.")
		b.WriteString(k)
		b.WriteString(" = v.")
		b.WriteString(k)
	}

	if nullOnly {
		if d == MSSQL {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND (")
		}
		for i, sc := range set {
			if i > 0 {
				b.WriteString(" OR ")
			}
			b.WriteString("t.")
			b.WriteString(sc)
			b.WriteString(" IS NULL")
		}
		if d != MSSQL {
			b.WriteString(")")
		}
	}

	return b.String(), args, nil
}

// indexOfColumn returns the index of a column and whether it exists.
func indexOfColumn(columns []string, name string) (int, bool) {
	for i, c := range columns {
		if c == name {
			return i, true
		}
	}
	return -1, false
}
