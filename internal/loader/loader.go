// Package loader writes a fact batch to its warehouse table inside one
// transaction. A failure on any chunk rolls back every chunk, so callers
// never observe a partially loaded batch.
package loader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"writepath/internal/backfill"
	"writepath/internal/catalog"
	"writepath/internal/metrics"
	"writepath/internal/sqlbuild"
	"writepath/internal/storage"
	"writepath/pkg/records"
)

// Load modes and upsert styles.
const (
	ModeInsert = "insert"
	ModeUpsert = "upsert"

	StyleDeleteInsert     = "delete_insert"
	StyleOnConflictUpdate = "on_conflict_update"
)

const defaultChunkSize = 1000

// Options selects the target table and write mode for one Load call.
type Options struct {
	Schema       string
	Table        string
	Mode         string // "insert" | "upsert"
	UpsertStyle  string // "delete_insert" | "on_conflict_update", upsert only
	ConflictKeys []string
	ChunkSize    int // rows per statement, default 1000
}

func (o Options) qualified() string {
	if o.Schema == "" {
		return o.Table
	}
	return o.Schema + "." + o.Table
}

func (o Options) validate() error {
	if o.Table == "" {
		return errors.New("loader: table is required")
	}
	switch o.Mode {
	case ModeInsert:
		return nil
	case ModeUpsert:
		if len(o.ConflictKeys) == 0 {
			return fmt.Errorf("loader: upsert into %s requires conflict_keys", o.qualified())
		}
		switch o.UpsertStyle {
		case StyleDeleteInsert, StyleOnConflictUpdate:
			return nil
		default:
			return fmt.Errorf("loader: unknown upsert_style %q", o.UpsertStyle)
		}
	default:
		return fmt.Errorf("loader: unknown mode %q", o.Mode)
	}
}

func (o Options) op() string {
	if o.Mode == ModeUpsert {
		return "upsert_" + o.UpsertStyle
	}
	return "insert"
}

// ErrorDetail is one audit-friendly failure entry on a LoadResult.
type ErrorDetail struct {
	Op      string `json:"op"`
	Table   string `json:"table"`
	Chunk   int    `json:"chunk,omitempty"`
	Message string `json:"message"`
}

// LoadResult is returned populated on success and failure alike. Counts
// are zero on failure because the transaction rolled back.
type LoadResult struct {
	ExecutionID  string        `json:"execution_id"`
	Success      bool          `json:"success"`
	RowsInserted int64         `json:"rows_inserted"`
	RowsUpdated  int64         `json:"rows_updated"`
	Duration     time.Duration `json:"duration_ns"`
	Errors       []ErrorDetail `json:"errors,omitempty"`
}

// ChunkError reports which chunk of the batch failed. Unwrap exposes the
// backend error.
type ChunkError struct {
	Chunk  int // 1-based
	Chunks int
	Op     string
	Table  string
	Err    error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("loader: %s %s: chunk %d/%d: %v", e.Op, e.Table, e.Chunk, e.Chunks, e.Err)
}

func (e *ChunkError) Unwrap() error { return e.Err }

// Logger is the minimal logging seam. A nil Logger discards output.
type Logger interface {
	Printf(format string, v ...any)
}

// Catalog is the slice of the schema introspector the loader needs.
type Catalog interface {
	Project(ctx context.Context, schema, table string, batch []records.Record) (*catalog.Projection, error)
	AllowedColumns(ctx context.Context, schema, table string) (map[string]struct{}, error)
}

// Loader writes projected batches. Not safe for concurrent use; create
// one per logical run. The repository it holds may be shared.
type Loader struct {
	Repo    storage.Repository
	Catalog Catalog
	Log     Logger

	now func() time.Time
}

// Load verifies the gate token, projects the batch, and writes it in
// chunks inside a single transaction. The result is populated in both
// outcomes; the error is non-nil whenever Success is false.
func (l *Loader) Load(ctx context.Context, gate backfill.Token, batch []records.Record, opts Options) (*LoadResult, error) {
	now := l.now
	if now == nil {
		now = time.Now
	}
	start := now()

	res := &LoadResult{ExecutionID: uuid.NewString()}
	qualified := opts.qualified()

	fail := func(op string, chunk int, err error) (*LoadResult, error) {
		res.Duration = now().Sub(start)
		res.Errors = append(res.Errors, ErrorDetail{Op: op, Table: qualified, Chunk: chunk, Message: err.Error()})
		l.logf("stage=load level=warn table=%s op=%s err=%v", qualified, op, err)
		metrics.IncCounter("writepath_stage_total", 1, metrics.Labels{"stage": "load", "status": "error"})
		metrics.ObserveHistogram("writepath_stage_duration_seconds", res.Duration.Seconds(), metrics.Labels{"stage": "load", "status": "error"})
		return res, err
	}

	if !gate.Authorizes(qualified) {
		return fail("gate", 0, fmt.Errorf("%w: token for %q does not cover %q",
			backfill.ErrGateNotSatisfied, gate.FactTable(), qualified))
	}
	if err := opts.validate(); err != nil {
		return fail("config", 0, err)
	}
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}

	proj, err := l.Catalog.Project(ctx, opts.Schema, opts.Table, batch)
	if err != nil {
		return fail("project", 0, err)
	}
	if len(proj.Records) == 0 {
		res.Success = true
		res.Duration = now().Sub(start)
		l.logf("stage=load table=%s records=0 duration=%s", qualified, res.Duration)
		metrics.IncCounter("writepath_stage_total", 1, metrics.Labels{"stage": "load", "status": "ok"})
		return res, nil
	}
	if len(proj.Columns) == 0 {
		return fail("project", 0, fmt.Errorf("loader: no batch column matches %s", qualified))
	}

	if opts.Mode == ModeUpsert {
		allowed, err := l.Catalog.AllowedColumns(ctx, opts.Schema, opts.Table)
		if err != nil {
			return fail("project", 0, err)
		}
		projected := make(map[string]struct{}, len(proj.Columns))
		for _, c := range proj.Columns {
			projected[c] = struct{}{}
		}
		for _, k := range opts.ConflictKeys {
			if _, ok := allowed[k]; !ok {
				return fail("config", 0, fmt.Errorf("loader: %s has no conflict key column %q", qualified, k))
			}
			if _, ok := projected[k]; !ok {
				return fail("config", 0, fmt.Errorf("loader: batch carries no values for conflict key %q", k))
			}
		}
	}

	chunks := (len(proj.Records) + chunkSize - 1) / chunkSize

	tx, err := l.Repo.Begin(ctx)
	if err != nil {
		return fail("begin", 0, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var inserted, updated int64
	for ci := 0; ci < chunks; ci++ {
		lo := ci * chunkSize
		hi := min(lo+chunkSize, len(proj.Records))
		rows := records.Rows(proj.Records[lo:hi], proj.Columns)

		ins, upd, err := l.writeChunk(ctx, tx, opts, proj.Columns, rows)
		if err != nil {
			return fail(opts.op(), ci+1, &ChunkError{
				Chunk:  ci + 1,
				Chunks: chunks,
				Op:     opts.op(),
				Table:  qualified,
				Err:    err,
			})
		}
		inserted += ins
		updated += upd
		metrics.IncCounter("writepath_chunks_total", 1, nil)
	}

	if err := tx.Commit(ctx); err != nil {
		return fail("commit", 0, err)
	}

	res.Success = true
	res.RowsInserted = inserted
	res.RowsUpdated = updated
	res.Duration = now().Sub(start)

	l.logf("stage=load table=%s records=%d chunks=%d inserted=%d updated=%d duration=%s",
		qualified, len(proj.Records), chunks, inserted, updated, res.Duration)
	metrics.IncCounter("writepath_stage_total", 1, metrics.Labels{"stage": "load", "status": "ok"})
	metrics.ObserveHistogram("writepath_stage_duration_seconds", res.Duration.Seconds(), metrics.Labels{"stage": "load", "status": "ok"})
	metrics.IncCounter("writepath_rows_total", float64(inserted), metrics.Labels{"kind": "load_inserted"})
	metrics.IncCounter("writepath_rows_total", float64(updated), metrics.Labels{"kind": "load_updated"})
	return res, nil
}

// writeChunk dispatches one chunk by mode. For upserts it first looks up
// which keys already exist on the same transaction, so the returned
// inserted/updated split is exact.
func (l *Loader) writeChunk(ctx context.Context, tx storage.Tx, opts Options, columns []string, rows [][]any) (inserted, updated int64, err error) {
	if opts.Mode == ModeInsert {
		n, err := tx.InsertRows(ctx, opts.Schema, opts.Table, columns, rows, sqlbuild.Conflict{})
		return n, 0, err
	}

	keys := keyTuples(columns, rows, opts.ConflictKeys)
	existing, err := tx.SelectExistingKeys(ctx, opts.Schema, opts.Table, opts.ConflictKeys, keys)
	if err != nil {
		return 0, 0, err
	}
	var preexisting int64
	for _, k := range keys {
		if _, ok := existing[storage.KeyString(k)]; ok {
			preexisting++
		}
	}

	switch opts.UpsertStyle {
	case StyleDeleteInsert:
		if _, err := tx.DeleteByKeys(ctx, opts.Schema, opts.Table, opts.ConflictKeys, keys); err != nil {
			return 0, 0, err
		}
		n, err := tx.InsertRows(ctx, opts.Schema, opts.Table, columns, rows, sqlbuild.Conflict{})
		if err != nil {
			return 0, 0, err
		}
		return n - preexisting, preexisting, nil

	default: // StyleOnConflictUpdate, validated up front
		updateCols := nonKeyColumns(columns, opts.ConflictKeys)
		conflict := sqlbuild.Conflict{
			Mode:          sqlbuild.ConflictUpdate,
			KeyColumns:    opts.ConflictKeys,
			UpdateColumns: updateCols,
		}
		if len(updateCols) == 0 {
			// key-only table: nothing to update on conflict
			conflict = sqlbuild.Conflict{Mode: sqlbuild.ConflictDoNothing, KeyColumns: opts.ConflictKeys}
		}
		n, err := tx.InsertRows(ctx, opts.Schema, opts.Table, columns, rows, conflict)
		if err != nil {
			return 0, 0, err
		}
		if len(updateCols) == 0 {
			return n, 0, nil
		}
		return n - preexisting, preexisting, nil
	}
}

func (l *Loader) logf(format string, v ...any) {
	if l.Log != nil {
		l.Log.Printf(format, v...)
	}
}

func keyTuples(columns []string, rows [][]any, keyCols []string) [][]any {
	idx := make([]int, len(keyCols))
	for i, kc := range keyCols {
		for j, c := range columns {
			if c == kc {
				idx[i] = j
				break
			}
		}
	}
	keys := make([][]any, len(rows))
	for r, row := range rows {
		k := make([]any, len(idx))
		for i, p := range idx {
			k[i] = row[p]
		}
		keys[r] = k
	}
	return keys
}

func nonKeyColumns(columns, keyCols []string) []string {
	isKey := make(map[string]struct{}, len(keyCols))
	for _, k := range keyCols {
		isKey[k] = struct{}{}
	}
	var out []string
	for _, c := range columns {
		if _, ok := isKey[c]; !ok {
			out = append(out, c)
		}
	}
	return out
}
