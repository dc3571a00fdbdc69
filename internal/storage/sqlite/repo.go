// Package sqlite is the embedded backend used for local runs and tests.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"writepath/internal/catalog"
	"writepath/internal/sqlbuild"
	"writepath/internal/storage"
)

const dialect = sqlbuild.SQLite

const lookupChunk = 2000

// Repository implements storage.Repository for SQLite.
//
// Key design points vs Postgres:
//   - A DSN is a file path (or ":memory:"), so pool sizing and acquire
//     retry knobs in storage.Config are ignored.
//   - Schema names map onto attached databases. An empty schema targets
//     the main database, which is the common case.
type Repository struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlite", New)
}

func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() { _ = r.db.Close() }

func (r *Repository) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }

// TableColumns reads column metadata through the pragma_table_info
// table-valued function. A missing table yields zero rows, not an error;
// callers treat an empty result as table-not-found.
func (r *Repository) TableColumns(ctx context.Context, schema, table string) ([]catalog.Column, error) {
	var rows *sql.Rows
	var err error
	if schema == "" {
		rows, err = r.db.QueryContext(ctx,
			`SELECT "name", "type", "notnull", "cid" FROM pragma_table_info(?) ORDER BY "cid"`, table)
	} else {
		rows, err = r.db.QueryContext(ctx,
			`SELECT "name", "type", "notnull", "cid" FROM pragma_table_info(?, ?) ORDER BY "cid"`, table, schema)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: columns %s: %w", table, err)
	}
	defer rows.Close()

	var out []catalog.Column
	for rows.Next() {
		var c catalog.Column
		var notNull, cid int
		if err := rows.Scan(&c.Name, &c.DataType, &notNull, &cid); err != nil {
			return nil, fmt.Errorf("sqlite: scan column: %w", err)
		}
		c.Nullable = notNull == 0
		c.OrdinalPosition = cid + 1
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: columns %s: %w", table, err)
	}
	return out, nil
}

func (r *Repository) SelectExistingKeys(ctx context.Context, schema, table string, keyColumns []string, keys [][]any) (map[string]struct{}, error) {
	return selectExistingKeys(ctx, r.db, schema, table, keyColumns, keys)
}

func (r *Repository) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin: %w", err)
	}
	return &sqliteTx{tx: tx}, nil
}

// querier covers *sql.DB and *sql.Tx for the shared key lookup.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func selectExistingKeys(ctx context.Context, q querier, schema, table string, keyColumns []string, keys [][]any) (map[string]struct{}, error) {
	found := make(map[string]struct{}, len(keys))
	for start := 0; start < len(keys); start += lookupChunk {
		end := min(start+lookupChunk, len(keys))

		sqlText, args, err := sqlbuild.SelectKeys(dialect, schema, table, keyColumns, keys[start:end])
		if err != nil {
			return nil, err
		}
		rows, err := q.QueryContext(ctx, sqlText, args...)
		if err != nil {
			return nil, fmt.Errorf("sqlite: select keys %s: %w", table, err)
		}
		for rows.Next() {
			out := make([]any, len(keyColumns))
			dests := make([]any, len(keyColumns))
			for i := range out {
				dests[i] = &out[i]
			}
			if err := rows.Scan(dests...); err != nil {
				rows.Close()
				return nil, fmt.Errorf("sqlite: scan key: %w", err)
			}
			found[storage.KeyString(out)] = struct{}{}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("sqlite: select keys %s: %w", table, err)
		}
	}
	return found, nil
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) InsertRows(ctx context.Context, schema, table string, columns []string, rows [][]any, conflict sqlbuild.Conflict) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	sqlText, args, err := sqlbuild.Insert(dialect, schema, table, columns, rows, conflict)
	if err != nil {
		return 0, err
	}
	res, err := t.tx.ExecContext(ctx, sqlText, args...)
	if err != nil {
		return 0, fmt.Errorf("sqlite: insert %s: %w", table, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (t *sqliteTx) DeleteByKeys(ctx context.Context, schema, table string, keyColumns []string, keys [][]any) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	var deleted int64
	for start := 0; start < len(keys); start += lookupChunk {
		end := min(start+lookupChunk, len(keys))

		sqlText, args, err := sqlbuild.DeleteByKeys(dialect, schema, table, keyColumns, keys[start:end])
		if err != nil {
			return deleted, err
		}
		res, err := t.tx.ExecContext(ctx, sqlText, args...)
		if err != nil {
			return deleted, fmt.Errorf("sqlite: delete %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		deleted += n
	}
	return deleted, nil
}

func (t *sqliteTx) SelectExistingKeys(ctx context.Context, schema, table string, keyColumns []string, keys [][]any) (map[string]struct{}, error) {
	return selectExistingKeys(ctx, t.tx, schema, table, keyColumns, keys)
}

func (t *sqliteTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

func (t *sqliteTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("sqlite: rollback: %w", err)
	}
	return nil
}
