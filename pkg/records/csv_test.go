package records

import (
	"strings"
	"testing"
)

func TestReadCSVBasic(t *testing.T) {
	t.Parallel()

	in := "plan_code,units,note\nP1,12,first\nP2,7,\n"
	recs, err := ReadCSV(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("len(recs) = %d, want 2", len(recs))
	}
	// CSV is untyped: numerics arrive as strings and stay that way.
	if got, ok := recs[0]["units"].(string); !ok || got != "12" {
		t.Fatalf("units = %v (%T), want string \"12\"", recs[0]["units"], recs[0]["units"])
	}
	// Empty field decodes as nil, with the key present.
	if v, ok := recs[1]["note"]; !ok || v != nil {
		t.Fatalf("note = %v (present=%v), want present nil", v, ok)
	}
}

func TestReadCSVHeaderNormalization(t *testing.T) {
	t.Parallel()

	in := "﻿Plan Code, Units \nP1,3\n"
	recs, err := ReadCSV(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if recs[0]["plan_code"] != "P1" {
		t.Fatalf("plan_code missing after normalization: %v", recs[0])
	}
	if recs[0]["units"] != "3" {
		t.Fatalf("units missing after normalization: %v", recs[0])
	}
}

func TestReadCSVQuotedFields(t *testing.T) {
	t.Parallel()

	in := "name,desc\r\n\"Fund, Global\",\"line one\nline two\"\r\n"
	recs, err := ReadCSV(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if recs[0]["name"] != "Fund, Global" {
		t.Fatalf("name = %v", recs[0]["name"])
	}
	if recs[0]["desc"] != "line one\nline two" {
		t.Fatalf("desc = %v", recs[0]["desc"])
	}
}

func TestReadCSVRaggedRows(t *testing.T) {
	t.Parallel()

	in := "a,b,c\n1\n1,2,3,4\n"
	recs, err := ReadCSV(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if recs[0]["a"] != "1" || recs[0]["b"] != nil || recs[0]["c"] != nil {
		t.Fatalf("short row not nil-filled: %v", recs[0])
	}
	if len(recs[1]) != 3 {
		t.Fatalf("extra field should be dropped, got %v", recs[1])
	}
}

func TestReadCSVEmptyAndHeaderOnly(t *testing.T) {
	t.Parallel()

	recs, err := ReadCSV(strings.NewReader(""))
	if err != nil || len(recs) != 0 {
		t.Fatalf("empty input: recs=%v err=%v", recs, err)
	}
	recs, err = ReadCSV(strings.NewReader("a,b\n"))
	if err != nil || len(recs) != 0 {
		t.Fatalf("header-only input: recs=%v err=%v", recs, err)
	}
}

func TestReadCSVDuplicateHeader(t *testing.T) {
	t.Parallel()

	_, err := ReadCSV(strings.NewReader("Plan Code,plan code\nx,y\n"))
	if err == nil {
		t.Fatal("expected duplicate-column error")
	}
	if !strings.Contains(err.Error(), `"plan_code"`) {
		t.Fatalf("error should name the colliding column: %v", err)
	}
}

func TestReadCSVMalformed(t *testing.T) {
	t.Parallel()

	_, err := ReadCSV(strings.NewReader("a,b\n\"unterminated\n"))
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !strings.Contains(err.Error(), "csv:") {
		t.Fatalf("error should carry the csv prefix: %v", err)
	}
}
