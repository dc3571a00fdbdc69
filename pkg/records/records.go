// Package records defines the handoff contract between upstream extraction
// and the warehouse write path: untyped records keyed by source column name.
package records

import "sort"

// Record is one upstream row, keyed by source column name.
//
// Values are whatever the decoder produced (string, bool, nil, json.Number
// for numerics). The write path does not re-type values; binding is left to
// the database driver.
type Record map[string]any

// Columns returns the sorted union of keys across the batch.
//
// Edge cases:
//   - empty batch returns nil
//   - key order inside individual records is irrelevant; output is sorted
func Columns(batch []Record) []string {
	if len(batch) == 0 {
		return nil
	}
	seen := make(map[string]struct{})
	for _, rec := range batch {
		for k := range rec {
			seen[k] = struct{}{}
		}
	}
	cols := make([]string, 0, len(seen))
	for k := range seen {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

// Rows flattens batch into positional rows aligned with columns.
//
// Missing keys become nil. Values are referenced, not copied.
func Rows(batch []Record, columns []string) [][]any {
	rows := make([][]any, len(batch))
	for i, rec := range batch {
		row := make([]any, len(columns))
		for j, col := range columns {
			if v, ok := rec[col]; ok {
				row[j] = v
			}
		}
		rows[i] = row
	}
	return rows
}
