package storage

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// NormalizeKey converts a key value to a canonical string form, suitable for
// in-memory lookup sets and dedupe maps (e.g. "P001" or "8429529").
//
// Backends must not assume a particular underlying type for keys: the same
// logical key arrives as json.Number from decoded records and as int64 or
// string from a database scan. This helper keeps both sides of a lookup
// consistent.
func NormalizeKey(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case []byte:
		return strings.TrimSpace(string(t))
	case json.Number:
		// Route through the numeric formats so "12" and int64(12) agree,
		// and "10.50" and float64(10.5) agree.
		if i, err := t.Int64(); err == nil {
			return strconv.FormatInt(i, 10)
		}
		if f, err := t.Float64(); err == nil {
			return strconv.FormatFloat(f, 'g', -1, 64)
		}
		return strings.TrimSpace(t.String())
	case bool:
		if t {
			return "true"
		}
		return "false"
	case int:
		return strconv.Itoa(t)
	case int8:
		return strconv.FormatInt(int64(t), 10)
	case int16:
		return strconv.FormatInt(int64(t), 10)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint:
		return strconv.FormatUint(uint64(t), 10)
	case uint32:
		return strconv.FormatUint(uint64(t), 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case float32:
		return strconv.FormatFloat(float64(t), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// keySep separates tuple parts in KeyString.
const keySep = "\x1f"

// KeyString builds the canonical lookup key for a key tuple. Single-part
// tuples collapse to the bare normalized value.
func KeyString(parts []any) string {
	if len(parts) == 1 {
		return NormalizeKey(parts[0])
	}
	ss := make([]string, len(parts))
	for i, p := range parts {
		ss[i] = NormalizeKey(p)
	}
	return strings.Join(ss, keySep)
}
