package records

import (
	"encoding/json"
	"fmt"
	"io"
)

// ReadNDJSON decodes a batch of records from r.
//
// Accepted shapes:
//   - newline-delimited JSON: one object per line (blank lines are fine)
//   - a single root array of objects (export-file form)
//   - a root array followed by trailing standalone objects
//
// Numbers decode as json.Number so integer keys survive without float
// rounding. nil array elements are skipped. A non-object value is an error
// naming the 1-based record ordinal.
func ReadNDJSON(r io.Reader) ([]Record, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var out []Record
	n := 0
	for {
		var raw any
		if err := dec.Decode(&raw); err != nil {
			if err == io.EOF {
				return out, nil
			}
			return nil, fmt.Errorf("ndjson: after record %d: %w", n, err)
		}

		switch v := raw.(type) {
		case map[string]any:
			n++
			out = append(out, Record(v))

		case []any:
			for _, el := range v {
				if el == nil {
					continue
				}
				obj, ok := el.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("ndjson: record %d: array element is %T, want object", n+1, el)
				}
				n++
				out = append(out, Record(obj))
			}

		case nil:
			// bare "null" between records; ignore

		default:
			return nil, fmt.Errorf("ndjson: record %d: top-level %T, want object or array", n+1, raw)
		}
	}
}
