// Package mssql is the SQL Server backend.
//
// SQL Server has no INSERT ... ON CONFLICT, so idempotent and upserting
// writes are emulated:
//   - "do nothing" becomes INSERT ... SELECT over a VALUES table guarded
//     by WHERE NOT EXISTS on the key columns.
//   - "update" and "fill null" become an UPDATE joined against a VALUES
//     table for rows whose key already exists, followed by the guarded
//     insert for the rest. Both statements run on the same transaction.
//
// The NOT EXISTS guard checks the target table, not the incoming batch.
// Two incoming rows with the same key would both pass it and either land
// twice or violate a unique index, so batches are deduplicated first,
// keeping the first row per key.
package mssql

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/microsoft/go-mssqldb"

	"writepath/internal/catalog"
	"writepath/internal/sqlbuild"
	"writepath/internal/storage"
)

const dialect = sqlbuild.MSSQL

// SQL Server has a hard limit of 2100 parameters per statement. We stay
// comfortably below that and derive rows-per-statement from the column
// count.
const (
	maxParams   = 2000
	lookupChunk = 1000
)

// Repository implements storage.Repository for Microsoft SQL Server.
type Repository struct {
	db dbConn
}

func init() {
	storage.Register("mssql", New)
}

func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}

	// Conservative defaults for bursty batch loads.
	maxOpen := cfg.PoolMax
	if maxOpen <= 0 {
		maxOpen = 64
	}
	raw.SetMaxOpenConns(maxOpen)
	raw.SetMaxIdleConns(maxOpen)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return &Repository{db: &sqlDB{db: raw}}, nil
}

func (r *Repository) Close() {
	if r == nil || r.db == nil {
		return
	}
	_ = r.db.Close()
}

func (r *Repository) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }

const columnsQuery = `SELECT COLUMN_NAME, DATA_TYPE, IS_NULLABLE, ORDINAL_POSITION
FROM INFORMATION_SCHEMA.COLUMNS
WHERE TABLE_SCHEMA = @p1 AND TABLE_NAME = @p2
ORDER BY ORDINAL_POSITION`

// TableColumns reads column metadata from INFORMATION_SCHEMA. An empty
// schema means dbo.
func (r *Repository) TableColumns(ctx context.Context, schema, table string) ([]catalog.Column, error) {
	if schema == "" {
		schema = "dbo"
	}
	rows, err := r.db.QueryContext(ctx, columnsQuery, schema, table)
	if err != nil {
		return nil, fmt.Errorf("mssql: columns %s.%s: %w", schema, table, err)
	}
	defer rows.Close()

	var out []catalog.Column
	for rows.Next() {
		var c catalog.Column
		var nullable string
		if err := rows.Scan(&c.Name, &c.DataType, &nullable, &c.OrdinalPosition); err != nil {
			return nil, fmt.Errorf("mssql: scan column: %w", err)
		}
		c.Nullable = nullable == "YES"
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mssql: columns %s.%s: %w", schema, table, err)
	}
	return out, nil
}

func (r *Repository) SelectExistingKeys(ctx context.Context, schema, table string, keyColumns []string, keys [][]any) (map[string]struct{}, error) {
	return selectExistingKeys(ctx, r.db, schema, table, keyColumns, keys)
}

func (r *Repository) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("mssql: begin: %w", err)
	}
	return &mssqlTx{tx: tx}, nil
}

// querier covers dbConn and txConn for the shared key lookup.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func selectExistingKeys(ctx context.Context, q querier, schema, table string, keyColumns []string, keys [][]any) (map[string]struct{}, error) {
	found := make(map[string]struct{}, len(keys))
	for start := 0; start < len(keys); start += lookupChunk {
		end := start + lookupChunk
		if end > len(keys) {
			end = len(keys)
		}

		sqlText, args, err := sqlbuild.SelectKeys(dialect, schema, table, keyColumns, keys[start:end])
		if err != nil {
			return nil, err
		}
		rows, err := q.QueryContext(ctx, sqlText, args...)
		if err != nil {
			return nil, fmt.Errorf("mssql: select keys %s: %w", table, err)
		}
		for rows.Next() {
			out := make([]any, len(keyColumns))
			dests := make([]any, len(keyColumns))
			for i := range out {
				dests[i] = &out[i]
			}
			if err := rows.Scan(dests...); err != nil {
				rows.Close()
				return nil, fmt.Errorf("mssql: scan key: %w", err)
			}
			found[storage.KeyString(out)] = struct{}{}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("mssql: select keys %s: %w", table, err)
		}
	}
	return found, nil
}

type mssqlTx struct {
	tx txConn
}

func (t *mssqlTx) InsertRows(ctx context.Context, schema, table string, columns []string, rows [][]any, conflict sqlbuild.Conflict) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	switch conflict.Mode {
	case sqlbuild.ConflictNone:
		return t.insertChunked(ctx, schema, table, columns, rows, conflict)
	case sqlbuild.ConflictDoNothing:
		deduped, err := dedupeRowsByKey(rows, columns, conflict.KeyColumns)
		if err != nil {
			return 0, err
		}
		return t.insertChunked(ctx, schema, table, columns, deduped, conflict)
	case sqlbuild.ConflictUpdate, sqlbuild.ConflictFillNull:
		return t.upsertEmulated(ctx, schema, table, columns, rows, conflict)
	default:
		return 0, fmt.Errorf("mssql: unsupported conflict mode %q", conflict.Mode)
	}
}

func (t *mssqlTx) insertChunked(ctx context.Context, schema, table string, columns []string, rows [][]any, conflict sqlbuild.Conflict) (int64, error) {
	maxRows := maxParams / max(1, len(columns))
	if maxRows < 1 {
		maxRows = 1
	}

	var total int64
	for start := 0; start < len(rows); start += maxRows {
		end := start + maxRows
		if end > len(rows) {
			end = len(rows)
		}

		sqlText, args, err := sqlbuild.Insert(dialect, schema, table, columns, rows[start:end], conflict)
		if err != nil {
			return total, err
		}
		res, err := t.tx.ExecContext(ctx, sqlText, args...)
		if err != nil {
			return total, fmt.Errorf("mssql: insert %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// upsertEmulated updates existing keys through a VALUES join, then inserts
// the rest through the NOT EXISTS guard. The combined affected count covers
// both statements.
func (t *mssqlTx) upsertEmulated(ctx context.Context, schema, table string, columns []string, rows [][]any, conflict sqlbuild.Conflict) (int64, error) {
	if len(conflict.KeyColumns) == 0 || len(conflict.UpdateColumns) == 0 {
		return 0, fmt.Errorf("mssql: conflict mode %q requires key and update columns", conflict.Mode)
	}
	deduped, err := dedupeRowsByKey(rows, columns, conflict.KeyColumns)
	if err != nil {
		return 0, err
	}

	wanted := make([]string, 0, len(conflict.KeyColumns)+len(conflict.UpdateColumns))
	wanted = append(wanted, conflict.KeyColumns...)
	wanted = append(wanted, conflict.UpdateColumns...)
	updRows, err := projectRows(columns, deduped, wanted)
	if err != nil {
		return 0, err
	}

	nullOnly := conflict.Mode == sqlbuild.ConflictFillNull
	maxRows := maxParams / max(1, len(wanted))
	if maxRows < 1 {
		maxRows = 1
	}

	var total int64
	for start := 0; start < len(updRows); start += maxRows {
		end := start + maxRows
		if end > len(updRows) {
			end = len(updRows)
		}

		sqlText, args, err := sqlbuild.UpdateFromValues(dialect, schema, table,
			conflict.KeyColumns, conflict.UpdateColumns, updRows[start:end], nullOnly)
		if err != nil {
			return total, err
		}
		res, err := t.tx.ExecContext(ctx, sqlText, args...)
		if err != nil {
			return total, fmt.Errorf("mssql: update %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}

	inserted, err := t.insertChunked(ctx, schema, table, columns, deduped,
		sqlbuild.Conflict{Mode: sqlbuild.ConflictDoNothing, KeyColumns: conflict.KeyColumns})
	if err != nil {
		return total, err
	}
	return total + inserted, nil
}

func (t *mssqlTx) DeleteByKeys(ctx context.Context, schema, table string, keyColumns []string, keys [][]any) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	var deleted int64
	for start := 0; start < len(keys); start += lookupChunk {
		end := start + lookupChunk
		if end > len(keys) {
			end = len(keys)
		}

		sqlText, args, err := sqlbuild.DeleteByKeys(dialect, schema, table, keyColumns, keys[start:end])
		if err != nil {
			return deleted, err
		}
		res, err := t.tx.ExecContext(ctx, sqlText, args...)
		if err != nil {
			return deleted, fmt.Errorf("mssql: delete %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		deleted += n
	}
	return deleted, nil
}

func (t *mssqlTx) SelectExistingKeys(ctx context.Context, schema, table string, keyColumns []string, keys [][]any) (map[string]struct{}, error) {
	return selectExistingKeys(ctx, t.tx, schema, table, keyColumns, keys)
}

func (t *mssqlTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("mssql: commit: %w", err)
	}
	return nil
}

func (t *mssqlTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return fmt.Errorf("mssql: rollback: %w", err)
	}
	return nil
}

// dedupeRowsByKey keeps the first row for each key tuple, preserving the
// order of first occurrences.
func dedupeRowsByKey(rows [][]any, columns, keyColumns []string) ([][]any, error) {
	if len(keyColumns) == 0 {
		return nil, fmt.Errorf("mssql: at least one key column is required")
	}
	idx := make([]int, len(keyColumns))
	for i, kc := range keyColumns {
		pos := indexOf(columns, kc)
		if pos < 0 {
			return nil, fmt.Errorf("mssql: key column %q not present in insert columns", kc)
		}
		idx[i] = pos
	}

	seen := make(map[string]struct{}, len(rows))
	out := make([][]any, 0, len(rows))
	for _, row := range rows {
		parts := make([]any, len(idx))
		for i, p := range idx {
			parts[i] = row[p]
		}
		k := storage.KeyString(parts)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, row)
	}
	return out, nil
}

// projectRows reorders each row down to the wanted columns.
func projectRows(columns []string, rows [][]any, wanted []string) ([][]any, error) {
	idx := make([]int, len(wanted))
	for i, w := range wanted {
		pos := indexOf(columns, w)
		if pos < 0 {
			return nil, fmt.Errorf("mssql: column %q not present in insert columns", w)
		}
		idx[i] = pos
	}
	out := make([][]any, len(rows))
	for r, row := range rows {
		proj := make([]any, len(idx))
		for i, p := range idx {
			proj[i] = row[p]
		}
		out[r] = proj
	}
	return out, nil
}

func indexOf(columns []string, name string) int {
	for i, c := range columns {
		if c == name {
			return i
		}
	}
	return -1
}

// ---- database/sql seam types ----

// dbConn is a small interface over *sql.DB used to make this package
// testable. It includes only the methods this file needs.
type dbConn interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error)
	PingContext(ctx context.Context) error
	Close() error
}

// txConn is a small interface over *sql.Tx.
type txConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	Commit() error
	Rollback() error
}

// sqlDB wraps *sql.DB to implement dbConn.
type sqlDB struct {
	db *sql.DB
}

func (s *sqlDB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

func (s *sqlDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *sqlDB) PingContext(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *sqlDB) Close() error { return s.db.Close() }

var _ dbConn = (*sqlDB)(nil)
var _ txConn = (*sql.Tx)(nil)
