package records

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
)

// ReadCSV decodes a batch of records from a headed CSV stream.
//
// The first row is the header. Header cells are normalized into source
// column names: a leading UTF-8 BOM is stripped, edge whitespace trimmed,
// then lowercased with spaces replaced by underscores ("Plan Code" becomes
// "plan_code"). Two headers normalizing to the same name is an error, not a
// silent overwrite.
//
// Every value stays a string; CSV carries no types and binding is left to
// the database driver. Empty fields decode as nil so they land as NULL.
// Ragged rows are tolerated: short rows fill the missing columns with nil,
// extra fields past the header are dropped.
//
// Edge cases:
//   - empty input returns an empty batch, same as ReadNDJSON
//   - a header-only file returns an empty batch
func ReadCSV(r io.Reader) ([]Record, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true
	cr.FieldsPerRecord = -1

	hdr, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("csv: read header: %w", err)
	}

	columns := make([]string, len(hdr))
	seen := make(map[string]struct{}, len(hdr))
	for i, h := range hdr {
		if i == 0 {
			h = strings.TrimPrefix(h, "﻿")
		}
		h = strings.TrimSpace(h)
		h = strings.ReplaceAll(strings.ToLower(h), " ", "_")
		if _, dup := seen[h]; dup {
			return nil, fmt.Errorf("csv: duplicate column %q after header normalization", h)
		}
		seen[h] = struct{}{}
		columns[i] = h
	}

	var out []Record
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("csv: %w", err)
		}

		row := make(Record, len(columns))
		for i, col := range columns {
			if i >= len(rec) {
				row[col] = nil
				continue
			}
			v := strings.TrimSpace(rec[i])
			if v == "" {
				row[col] = nil
			} else {
				row[col] = v
			}
		}
		out = append(out, row)
	}
}
