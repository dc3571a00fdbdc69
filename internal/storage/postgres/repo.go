// Package postgres is the primary warehouse backend, on pgx/v5.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"writepath/internal/catalog"
	"writepath/internal/pgpool"
	"writepath/internal/sqlbuild"
	"writepath/internal/storage"
)

const dialect = sqlbuild.Postgres

// lookupChunk bounds IN-list size for existing-key lookups. Large batches
// split into several round trips instead of one giant statement.
const lookupChunk = 2000

// Repository implements storage.Repository on a pgpool.Pool.
type Repository struct {
	pool *pgpool.Pool
}

// New builds the pool (fail-fast ping included) and wraps it.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pool, err := pgpool.New(ctx, pgpool.Config{
		DSN:            cfg.DSN,
		MinConns:       cfg.PoolMin,
		MaxConns:       cfg.PoolMax,
		AcquireTimeout: cfg.AcquireTimeout,
		RetryMax:       cfg.RetryMax,
		RetryBackoff:   cfg.RetryBackoff,
	})
	if err != nil {
		return nil, err
	}
	return &Repository{pool: pool}, nil
}

// NewWithPool wraps an existing pool. The caller keeps ownership of pool
// lifetime; Close still closes it.
func NewWithPool(pool *pgpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Close() { r.pool.Close() }

func (r *Repository) Ping(ctx context.Context) error { return r.pool.HealthCheck(ctx) }

const columnsQuery = `SELECT column_name, data_type, is_nullable, ordinal_position
FROM information_schema.columns
WHERE table_schema = $1 AND table_name = $2
ORDER BY ordinal_position`

func (r *Repository) TableColumns(ctx context.Context, schema, table string) ([]catalog.Column, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer r.pool.Release(conn)

	rows, err := conn.Query(ctx, columnsQuery, schema, table)
	if err != nil {
		return nil, fmt.Errorf("postgres: columns %s.%s: %w", schema, table, err)
	}
	defer rows.Close()

	var out []catalog.Column
	for rows.Next() {
		var c catalog.Column
		var nullable string
		if err := rows.Scan(&c.Name, &c.DataType, &nullable, &c.OrdinalPosition); err != nil {
			return nil, fmt.Errorf("postgres: scan column: %w", err)
		}
		c.Nullable = nullable == "YES"
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: columns %s.%s: %w", schema, table, err)
	}
	return out, nil
}

func (r *Repository) SelectExistingKeys(ctx context.Context, schema, table string, keyColumns []string, keys [][]any) (map[string]struct{}, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer r.pool.Release(conn)
	return selectExistingKeys(ctx, conn, schema, table, keyColumns, keys)
}

func (r *Repository) Begin(ctx context.Context) (storage.Tx, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := conn.Begin(ctx)
	if err != nil {
		r.pool.Release(conn)
		return nil, fmt.Errorf("postgres: begin: %w", err)
	}
	return &pgTx{pool: r.pool, conn: conn, tx: tx}, nil
}

// querier lets the existing-key lookup run on a pooled connection or inside
// a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func selectExistingKeys(ctx context.Context, q querier, schema, table string, keyColumns []string, keys [][]any) (map[string]struct{}, error) {
	found := make(map[string]struct{}, len(keys))
	for start := 0; start < len(keys); start += lookupChunk {
		end := min(start+lookupChunk, len(keys))

		sqlText, args, err := sqlbuild.SelectKeys(dialect, schema, table, keyColumns, keys[start:end])
		if err != nil {
			return nil, err
		}
		rows, err := q.Query(ctx, sqlText, args...)
		if err != nil {
			return nil, fmt.Errorf("postgres: select keys %s.%s: %w", schema, table, err)
		}
		for rows.Next() {
			out := make([]any, len(keyColumns))
			dests := make([]any, len(keyColumns))
			for i := range out {
				dests[i] = &out[i]
			}
			if err := rows.Scan(dests...); err != nil {
				rows.Close()
				return nil, fmt.Errorf("postgres: scan key: %w", err)
			}
			found[storage.KeyString(out)] = struct{}{}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("postgres: select keys %s.%s: %w", schema, table, err)
		}
	}
	return found, nil
}

type pgTx struct {
	pool *pgpool.Pool
	conn *pgxpool.Conn
	tx   pgx.Tx

	released bool
}

func (t *pgTx) InsertRows(ctx context.Context, schema, table string, columns []string, rows [][]any, conflict sqlbuild.Conflict) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	sqlText, args, err := sqlbuild.Insert(dialect, schema, table, columns, rows, conflict)
	if err != nil {
		return 0, err
	}
	tag, err := t.tx.Exec(ctx, sqlText, args...)
	if err != nil {
		return 0, fmt.Errorf("postgres: insert %s.%s: %w", schema, table, err)
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) DeleteByKeys(ctx context.Context, schema, table string, keyColumns []string, keys [][]any) (int64, error) {
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
		tag, err := t.tx.Exec(ctx, sqlText, args...)
		if err != nil {
			return deleted, fmt.Errorf("postgres: delete %s.%s: %w", schema, table, err)
		}
		deleted += tag.RowsAffected()
	}
	return deleted, nil
}

func (t *pgTx) SelectExistingKeys(ctx context.Context, schema, table string, keyColumns []string, keys [][]any) (map[string]struct{}, error) {
	return selectExistingKeys(ctx, t.tx, schema, table, keyColumns, keys)
}

func (t *pgTx) Commit(ctx context.Context) error {
	err := t.tx.Commit(ctx)
	t.release()
	if err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	t.release()
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("postgres: rollback: %w", err)
	}
	return nil
}

func (t *pgTx) release() {
	if !t.released {
		t.released = true
		t.pool.Release(t.conn)
	}
}
