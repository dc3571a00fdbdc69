// Package catalog resolves what the warehouse will actually accept: the live
// column set of each target table, and the projection of upstream records
// onto it.
//
// Upstream schemas drift ahead of warehouse DDL. The projector drops record
// keys the target does not have (loudly, never silently), so a renamed or
// added upstream field shows up in logs and metrics instead of failing a
// batch halfway through.
package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"writepath/internal/metrics"
	"writepath/pkg/records"
)

// Column is one column of a target table, as reported by the backend's
// information schema.
type Column struct {
	Name            string
	DataType        string
	Nullable        bool
	OrdinalPosition int
}

// Source introspects live table schemas. Every storage backend satisfies it.
type Source interface {
	TableColumns(ctx context.Context, schema, table string) ([]Column, error)
}

// Logger is the minimal logging seam. *log.Logger satisfies it.
type Logger interface {
	Printf(format string, v ...any)
}

// TableNotFoundError reports a target table with no columns in the
// information schema: either the table is missing or the configured name is
// wrong. This is schema drift, a hard failure, never a data error.
type TableNotFoundError struct {
	Schema string
	Table  string
}

func (e *TableNotFoundError) Error() string {
	return fmt.Sprintf("catalog: table %s.%s not found", e.Schema, e.Table)
}

// removedWarnThreshold is where a projection stops being routine: dropping
// this many distinct keys usually means an upstream schema change, not a
// stray extra field.
const removedWarnThreshold = 5

// Introspector caches table columns per (schema, table) for its lifetime.
//
// The zero value with a Source is ready to use. Responses are cached on
// first introspection and never refreshed, so DDL applied mid-run is not
// observed.
//
// Concurrency:
//   - Not safe for concurrent use. Each run builds its own Introspector.
type Introspector struct {
	Source Source
	Log    Logger

	cache map[string][]Column
}

// Columns returns the live columns of schema.table in ordinal order,
// introspecting at most once per table per Introspector.
//
// Errors:
//   - *TableNotFoundError when the backend reports no columns
//   - wrapped backend error otherwise
func (i *Introspector) Columns(ctx context.Context, schema, table string) ([]Column, error) {
	key := schema + "." + table
	if cols, ok := i.cache[key]; ok {
		return cols, nil
	}

	cols, err := i.Source.TableColumns(ctx, schema, table)
	if err != nil {
		return nil, fmt.Errorf("catalog: introspect %s: %w", key, err)
	}
	if len(cols) == 0 {
		return nil, &TableNotFoundError{Schema: schema, Table: table}
	}
	sort.SliceStable(cols, func(a, b int) bool {
		return cols[a].OrdinalPosition < cols[b].OrdinalPosition
	})

	if i.cache == nil {
		i.cache = map[string][]Column{}
	}
	i.cache[key] = cols
	i.logf("stage=catalog table=%s columns=%d", key, len(cols))
	return cols, nil
}

// AllowedColumns returns the set of column names the table accepts.
func (i *Introspector) AllowedColumns(ctx context.Context, schema, table string) (map[string]struct{}, error) {
	cols, err := i.Columns(ctx, schema, table)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(cols))
	for _, c := range cols {
		set[c.Name] = struct{}{}
	}
	return set, nil
}

// Projection is a batch narrowed to what the target table accepts.
type Projection struct {
	// Columns are the catalog columns present somewhere in the batch, in
	// catalog ordinal order. Loaders insert exactly these, so table
	// defaults still apply to columns the batch never mentioned.
	Columns []string

	// Records hold only allowed keys, renamed to the catalog spelling.
	Records []records.Record

	// Removed are the distinct record keys that were dropped, sorted, in
	// their original upstream spelling.
	Removed []string
}

// Project narrows batch to the columns of schema.table.
//
// Keys match their catalog column under NFC normalization, so composed and
// decomposed spellings of the same name are one column. Dropped keys are
// reported: more than five distinct removals logs at level=warn with the
// full list, one to five at level=info, zero logs nothing.
func (i *Introspector) Project(ctx context.Context, schema, table string, batch []records.Record) (*Projection, error) {
	cols, err := i.Columns(ctx, schema, table)
	if err != nil {
		return nil, err
	}

	byNorm := make(map[string]string, len(cols))
	for _, c := range cols {
		byNorm[norm.NFC.String(c.Name)] = c.Name
	}

	present := make(map[string]struct{}, len(cols))
	removedSet := map[string]struct{}{}
	out := make([]records.Record, len(batch))
	for n, rec := range batch {
		pr := make(records.Record, len(rec))
		for k, v := range rec {
			canon, ok := byNorm[norm.NFC.String(k)]
			if !ok {
				removedSet[k] = struct{}{}
				continue
			}
			pr[canon] = v
			present[canon] = struct{}{}
		}
		out[n] = pr
	}

	projected := make([]string, 0, len(present))
	for _, c := range cols {
		if _, ok := present[c.Name]; ok {
			projected = append(projected, c.Name)
		}
	}

	removed := make([]string, 0, len(removedSet))
	for k := range removedSet {
		removed = append(removed, k)
	}
	sort.Strings(removed)

	i.reportRemoved(schema, table, removed)

	return &Projection{Columns: projected, Records: out, Removed: removed}, nil
}

func (i *Introspector) reportRemoved(schema, table string, removed []string) {
	if len(removed) == 0 {
		return
	}
	metrics.IncCounter("writepath_removed_columns_total", float64(len(removed)),
		metrics.Labels{"table": schema + "." + table})

	level := "info"
	if len(removed) > removedWarnThreshold {
		level = "warn"
	}
	i.logf("stage=project level=%s table=%s.%s removed=%d columns=%s",
		level, schema, table, len(removed), strings.Join(removed, ","))
}

func (i *Introspector) logf(format string, v ...any) {
	if i.Log != nil {
		i.Log.Printf(format, v...)
	}
}
