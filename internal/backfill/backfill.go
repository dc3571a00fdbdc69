// Package backfill derives reference rows from a fact batch and writes the
// ones missing from their target tables, so that every foreign key the fact
// rows carry resolves before the fact load runs.
//
// Entries execute strictly in declared order because later targets may
// reference rows inserted by earlier ones. Each entry runs in its own
// transaction; one table's failure does not block independent tables.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"writepath/internal/metrics"
	"writepath/internal/sqlbuild"
	"writepath/internal/storage"
	"writepath/pkg/records"
)

// Conflict policies an Entry may declare.
const (
	// PolicyInsertMissing inserts candidate keys absent from the target
	// and leaves existing rows untouched.
	PolicyInsertMissing = "insert_missing"

	// PolicyFillNullOnly additionally updates existing rows, setting
	// currently-null attribute columns from the candidate's derived
	// values. Non-null values are never overwritten.
	PolicyFillNullOnly = "fill_null_only"
)

// trackingColumns are appended to derived rows when an entry opts in and
// the target table actually has them, each checked independently.
var trackingColumns = []string{"source", "needs_review", "derived_from_domain", "derived_at"}

// ErrGateNotSatisfied reports a load attempted without a valid token for
// its fact table.
var ErrGateNotSatisfied = errors.New("backfill gate not satisfied")

// Token proves a backfill run completed successfully for one fact table.
// The zero Token authorizes nothing, and callers outside this package
// cannot construct an authorizing one.
type Token struct {
	factTable string
	ok        bool
}

// Authorizes reports whether the token covers factTable.
func (t Token) Authorizes(factTable string) bool {
	return t.ok && t.factTable == factTable
}

// FactTable returns the table the token was issued for.
func (t Token) FactTable() string { return t.factTable }

// Entry declares one foreign-key relationship: which fact columns feed
// which reference table, and what to do when a candidate key already
// exists there.
type Entry struct {
	TargetSchema     string            `json:"target_schema" yaml:"target_schema"`
	TargetTable      string            `json:"target_table" yaml:"target_table"`
	SourceColumns    []string          `json:"source_columns" yaml:"source_columns"`
	TargetKeyColumns []string          `json:"target_key_columns" yaml:"target_key_columns"`
	ConflictPolicy   string            `json:"conflict_policy" yaml:"conflict_policy"` // "insert_missing" | "fill_null_only"
	ExtraColumns     map[string]string `json:"extra_columns,omitempty" yaml:"extra_columns,omitempty"` // target column -> source column
	TrackingFields   bool              `json:"tracking_fields,omitempty" yaml:"tracking_fields,omitempty"`
	SkipValues       []string          `json:"skip_values,omitempty" yaml:"skip_values,omitempty"`
	Optional         bool              `json:"optional,omitempty" yaml:"optional,omitempty"`
}

func (e Entry) qualified() string {
	if e.TargetSchema == "" {
		return e.TargetTable
	}
	return e.TargetSchema + "." + e.TargetTable
}

func (e Entry) validate() error {
	if e.TargetTable == "" {
		return errors.New("backfill: target_table is required")
	}
	if len(e.SourceColumns) == 0 {
		return fmt.Errorf("backfill: %s: source_columns must not be empty", e.qualified())
	}
	if len(e.SourceColumns) != len(e.TargetKeyColumns) {
		return fmt.Errorf("backfill: %s: %d source_columns vs %d target_key_columns",
			e.qualified(), len(e.SourceColumns), len(e.TargetKeyColumns))
	}
	switch e.ConflictPolicy {
	case PolicyInsertMissing, PolicyFillNullOnly:
		return nil
	default:
		return fmt.Errorf("backfill: %s: unknown conflict_policy %q", e.qualified(), e.ConflictPolicy)
	}
}

// TableResult is the outcome for a single entry.
type TableResult struct {
	Schema       string `json:"schema,omitempty"`
	Table        string `json:"table"`
	RowsInserted int64  `json:"rows_inserted"`
	RowsUpdated  int64  `json:"rows_updated"`
	RowsSkipped  int64  `json:"rows_skipped"`
	Error        string `json:"error,omitempty"`
	Err          error  `json:"-"`
}

// Result aggregates all entries of one run, in declared order.
type Result struct {
	ExecutionID string        `json:"execution_id"`
	FactTable   string        `json:"fact_table"`
	Success     bool          `json:"success"`
	Duration    time.Duration `json:"duration_ns"`
	Tables      []TableResult `json:"tables"`
}

// Token returns the gate token for this run. It authorizes loading the
// fact table only when every non-optional entry succeeded.
func (r *Result) Token() Token {
	if r == nil || !r.Success {
		return Token{}
	}
	return Token{factTable: r.FactTable, ok: true}
}

// Logger is the minimal logging seam. A nil Logger discards output.
type Logger interface {
	Printf(format string, v ...any)
}

// Catalog is the slice of the schema introspector the engine needs.
type Catalog interface {
	AllowedColumns(ctx context.Context, schema, table string) (map[string]struct{}, error)
}

// Engine runs the configured entries against one fact batch.
//
// Concurrency: an Engine is not safe for concurrent use; create one per
// logical run. The repository it holds may be shared.
type Engine struct {
	Repo    storage.Repository
	Catalog Catalog
	Entries []Entry
	Log     Logger

	now func() time.Time
}

// Run executes every entry in declared order and returns the aggregated
// result. The returned error is non-nil only when a non-optional entry
// failed; the result is populated either way.
func (e *Engine) Run(ctx context.Context, batch []records.Record, factTable string) (*Result, error) {
	now := e.now
	if now == nil {
		now = time.Now
	}
	start := now()

	res := &Result{
		ExecutionID: uuid.NewString(),
		FactTable:   factTable,
		Tables:      make([]TableResult, 0, len(e.Entries)),
	}

	var failed []string
	for _, entry := range e.Entries {
		tr := e.runEntry(ctx, entry, batch, factTable, now)
		res.Tables = append(res.Tables, tr)
		if tr.Err != nil && !entry.Optional {
			failed = append(failed, entry.qualified())
		}
	}

	res.Duration = now().Sub(start)
	res.Success = len(failed) == 0

	status := "ok"
	if !res.Success {
		status = "error"
	}
	metrics.IncCounter("writepath_stage_total", 1, metrics.Labels{"stage": "backfill", "status": status})
	metrics.ObserveHistogram("writepath_stage_duration_seconds", res.Duration.Seconds(), metrics.Labels{"stage": "backfill", "status": status})

	if !res.Success {
		return res, fmt.Errorf("backfill: required entries failed: %s", strings.Join(failed, ", "))
	}
	return res, nil
}

func (e *Engine) runEntry(ctx context.Context, entry Entry, batch []records.Record, factTable string, now func() time.Time) TableResult {
	tr := TableResult{Schema: entry.TargetSchema, Table: entry.TargetTable}
	started := now()

	if err := e.backfillTable(ctx, entry, batch, factTable, now, &tr); err != nil {
		tr.Err = err
		tr.Error = err.Error()
		e.logf("stage=backfill level=warn table=%s optional=%v err=%v", entry.qualified(), entry.Optional, err)
		return tr
	}

	e.logf("stage=backfill table=%s inserted=%d updated=%d skipped=%d duration=%s",
		entry.qualified(), tr.RowsInserted, tr.RowsUpdated, tr.RowsSkipped, now().Sub(started))
	metrics.IncCounter("writepath_rows_total", float64(tr.RowsInserted), metrics.Labels{"kind": "backfill_inserted"})
	metrics.IncCounter("writepath_rows_total", float64(tr.RowsUpdated), metrics.Labels{"kind": "backfill_updated"})
	metrics.IncCounter("writepath_rows_total", float64(tr.RowsSkipped), metrics.Labels{"kind": "backfill_skipped"})
	return tr
}

// backfillTable runs one entry inside its own transaction: derive
// candidates, look up which already exist, insert the missing ones, and
// for fill_null_only update the rest.
func (e *Engine) backfillTable(ctx context.Context, entry Entry, batch []records.Record, factTable string, now func() time.Time, tr *TableResult) error {
	if err := entry.validate(); err != nil {
		return err
	}

	cands := deriveCandidates(entry, batch)
	if len(cands) == 0 {
		return nil
	}

	allowed, err := e.Catalog.AllowedColumns(ctx, entry.TargetSchema, entry.TargetTable)
	if err != nil {
		return err
	}
	for _, kc := range entry.TargetKeyColumns {
		if _, ok := allowed[kc]; !ok {
			return fmt.Errorf("backfill: %s has no key column %q", entry.qualified(), kc)
		}
	}
	extraCols := sortedExtraColumns(entry)
	for _, ec := range extraCols {
		if _, ok := allowed[ec]; !ok {
			return fmt.Errorf("backfill: %s has no column %q", entry.qualified(), ec)
		}
	}
	var tracking []string
	if entry.TrackingFields {
		for _, tc := range trackingColumns {
			if _, ok := allowed[tc]; ok {
				tracking = append(tracking, tc)
			}
		}
	}

	tx, err := e.Repo.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	keys := make([][]any, len(cands))
	for i, c := range cands {
		keys[i] = c.key
	}
	existing, err := tx.SelectExistingKeys(ctx, entry.TargetSchema, entry.TargetTable, entry.TargetKeyColumns, keys)
	if err != nil {
		return err
	}

	var missing, present []candidate
	for _, c := range cands {
		if _, ok := existing[c.keyString]; ok {
			present = append(present, c)
		} else {
			missing = append(missing, c)
		}
	}

	insertCols := make([]string, 0, len(entry.TargetKeyColumns)+len(extraCols)+len(tracking))
	insertCols = append(insertCols, entry.TargetKeyColumns...)
	insertCols = append(insertCols, extraCols...)
	insertCols = append(insertCols, tracking...)

	derivedAt := now().UTC()
	insertRows := make([][]any, len(missing))
	for i, c := range missing {
		row := make([]any, 0, len(insertCols))
		row = append(row, c.key...)
		row = append(row, c.extra...)
		for _, tc := range tracking {
			switch tc {
			case "source":
				row = append(row, "backfill")
			case "needs_review":
				row = append(row, true)
			case "derived_from_domain":
				row = append(row, factTable)
			case "derived_at":
				row = append(row, derivedAt)
			}
		}
		insertRows[i] = row
	}

	inserted, err := tx.InsertRows(ctx, entry.TargetSchema, entry.TargetTable, insertCols, insertRows,
		sqlbuild.Conflict{Mode: sqlbuild.ConflictDoNothing, KeyColumns: entry.TargetKeyColumns})
	if err != nil {
		return err
	}

	var updated int64
	if entry.ConflictPolicy == PolicyFillNullOnly && len(present) > 0 && len(extraCols) > 0 {
		fillCols := make([]string, 0, len(entry.TargetKeyColumns)+len(extraCols))
		fillCols = append(fillCols, entry.TargetKeyColumns...)
		fillCols = append(fillCols, extraCols...)

		fillRows := make([][]any, len(present))
		for i, c := range present {
			row := make([]any, 0, len(fillCols))
			row = append(row, c.key...)
			row = append(row, c.extra...)
			fillRows[i] = row
		}
		updated, err = tx.InsertRows(ctx, entry.TargetSchema, entry.TargetTable, fillCols, fillRows,
			sqlbuild.Conflict{
				Mode:          sqlbuild.ConflictFillNull,
				KeyColumns:    entry.TargetKeyColumns,
				UpdateColumns: extraCols,
			})
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	tr.RowsInserted = inserted
	tr.RowsUpdated = updated
	tr.RowsSkipped = int64(len(cands)) - inserted - updated
	return nil
}

func (e *Engine) logf(format string, v ...any) {
	if e.Log != nil {
		e.Log.Printf(format, v...)
	}
}

// candidate is one distinct key tuple plus its derivable attribute values.
type candidate struct {
	key       []any
	keyString string
	extra     []any
}

// deriveCandidates projects the batch onto the entry's source columns,
// drops null, empty, and skip-listed values, keeps the first occurrence
// per normalized key tuple, and orders the survivors by key string so the
// generated statements are deterministic.
func deriveCandidates(entry Entry, batch []records.Record) []candidate {
	skip := make(map[string]struct{}, len(entry.SkipValues))
	for _, s := range entry.SkipValues {
		skip[storage.NormalizeKey(s)] = struct{}{}
	}
	extraCols := sortedExtraColumns(entry)

	seen := make(map[string]struct{}, len(batch))
	var out []candidate
	for _, rec := range batch {
		key := make([]any, len(entry.SourceColumns))
		ok := true
		for i, sc := range entry.SourceColumns {
			v := rec[sc]
			nk := storage.NormalizeKey(v)
			if nk == "" {
				ok = false
				break
			}
			if _, skipped := skip[nk]; skipped {
				ok = false
				break
			}
			key[i] = v
		}
		if !ok {
			continue
		}
		ks := storage.KeyString(key)
		if _, dup := seen[ks]; dup {
			continue
		}
		seen[ks] = struct{}{}

		extra := make([]any, len(extraCols))
		for i, ec := range extraCols {
			extra[i] = rec[entry.ExtraColumns[ec]]
		}
		out = append(out, candidate{key: key, keyString: ks, extra: extra})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].keyString < out[j].keyString })
	return out
}

func sortedExtraColumns(entry Entry) []string {
	if len(entry.ExtraColumns) == 0 {
		return nil
	}
	cols := make([]string, 0, len(entry.ExtraColumns))
	for c := range entry.ExtraColumns {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}
