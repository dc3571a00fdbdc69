package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"writepath/internal/backfill"
	"writepath/internal/catalog"
	"writepath/internal/config"
	"writepath/internal/storage"
)

type fakeRepo struct {
	columns map[string][]catalog.Column
	closed  bool
}

func (r *fakeRepo) setColumns(schema, table string, names ...string) {
	cols := make([]catalog.Column, len(names))
	for i, n := range names {
		cols[i] = catalog.Column{Name: n, DataType: "text", OrdinalPosition: i + 1}
	}
	if r.columns == nil {
		r.columns = map[string][]catalog.Column{}
	}
	r.columns[qual(schema, table)] = cols
}

func (r *fakeRepo) Close() { r.closed = true }

func (r *fakeRepo) Ping(context.Context) error { return nil }

func (r *fakeRepo) TableColumns(_ context.Context, schema, table string) ([]catalog.Column, error) {
	return r.columns[qual(schema, table)], nil
}

func (r *fakeRepo) SelectExistingKeys(context.Context, string, string, []string, [][]any) (map[string]struct{}, error) {
	return nil, errors.New("schemacheck never reads keys")
}

func (r *fakeRepo) Begin(context.Context) (storage.Tx, error) {
	return nil, errors.New("schemacheck never writes")
}

var _ storage.Repository = (*fakeRepo)(nil)

func plansEntry() backfill.Entry {
	return backfill.Entry{
		TargetSchema:     "ref",
		TargetTable:      "plans",
		SourceColumns:    []string{"plan_code"},
		TargetKeyColumns: []string{"plan_code"},
		ConflictPolicy:   backfill.PolicyInsertMissing,
		ExtraColumns:     map[string]string{"plan_name": "plan_name"},
	}
}

func checkedConfig() *config.Config {
	return &config.Config{
		Storage: config.Storage{Kind: "postgres", DSN: "postgres://warehouse/test"},
		Tables: map[string]config.TableConfig{
			"raw.fact_holdings": {
				Mode:         "upsert",
				UpsertStyle:  "on_conflict_update",
				ConflictKeys: []string{"plan_code", "period"},
				FKs:          []backfill.Entry{plansEntry()},
			},
		},
	}
}

func checkedRepo() *fakeRepo {
	repo := &fakeRepo{}
	repo.setColumns("raw", "fact_holdings", "plan_code", "period", "plan_name", "units")
	repo.setColumns("ref", "plans", "plan_code", "plan_name")
	return repo
}

func runCheck(t *testing.T, args []string, cfg *config.Config, repo *fakeRepo) (int, string, string) {
	t.Helper()

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, deps{
		Stdout:     &stdout,
		Stderr:     &stderr,
		LoadConfig: func(string) (*config.Config, error) { return cfg, nil },
		NewRepository: func(context.Context, storage.Config) (storage.Repository, error) {
			return repo, nil
		},
	})
	return code, stdout.String(), stderr.String()
}

func TestRun_UsageErrors(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), nil, deps{
		Stdout: &stdout,
		Stderr: &stderr,
		LoadConfig: func(string) (*config.Config, error) {
			t.Fatalf("LoadConfig must not be called on usage errors")
			return nil, nil
		},
	})
	if code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
	if !strings.Contains(stderr.String(), "missing -config") {
		t.Fatalf("stderr = %q, want missing -config", stderr.String())
	}

	stderr.Reset()
	if code := run(context.Background(), []string{"-nope"}, deps{Stderr: &stderr}); code != 2 {
		t.Fatalf("exit code = %d, want 2 for unknown flag", code)
	}
	if !strings.Contains(stderr.String(), "flag provided but not defined") {
		t.Fatalf("stderr = %q, want flag error", stderr.String())
	}
}

func TestRun_CleanSchema(t *testing.T) {
	t.Parallel()

	repo := checkedRepo()
	code, stdout, stderr := runCheck(t, []string{"-config", "cfg.json"}, checkedConfig(), repo)

	if code != 0 {
		t.Fatalf("exit code = %d, want 0; stderr=%q", code, stderr)
	}
	if !strings.Contains(stdout, "raw.fact_holdings: plan_code, period, plan_name, units") {
		t.Fatalf("stdout = %q, want fact table columns in ordinal order", stdout)
	}
	if !strings.Contains(stdout, "ref.plans: plan_code, plan_name") {
		t.Fatalf("stdout = %q, want reference table columns", stdout)
	}
	if stderr != "" {
		t.Fatalf("stderr = %q, want empty", stderr)
	}
	if !repo.closed {
		t.Fatalf("repository was not closed")
	}
}

func TestRun_ReportsDrift(t *testing.T) {
	t.Parallel()

	// period is gone from the fact table and ref.plans does not exist.
	repo := &fakeRepo{}
	repo.setColumns("raw", "fact_holdings", "plan_code", "plan_name", "units")

	code, stdout, stderr := runCheck(t, []string{"-config", "cfg.json"}, checkedConfig(), repo)

	if code != 1 {
		t.Fatalf("exit code = %d, want 1; stderr=%q", code, stderr)
	}
	if !strings.Contains(stdout, "raw.fact_holdings:") {
		t.Fatalf("stdout = %q, want surviving table still listed", stdout)
	}
	if !strings.Contains(stderr, `raw.fact_holdings: missing conflict key "period"`) {
		t.Fatalf("stderr = %q, want missing conflict key", stderr)
	}
	if !strings.Contains(stderr, "catalog: table ref.plans not found") {
		t.Fatalf("stderr = %q, want missing reference table", stderr)
	}
	if !strings.Contains(stderr, "schema drift: 2 problem(s)") {
		t.Fatalf("stderr = %q, want drift summary", stderr)
	}
}

func twoTableConfig() *config.Config {
	cfg := checkedConfig()
	cfg.Tables["raw.fact_trades"] = config.TableConfig{Mode: "insert", FKs: []backfill.Entry{plansEntry()}}
	return cfg
}

func twoTableRepo() *fakeRepo {
	repo := checkedRepo()
	repo.setColumns("raw", "fact_trades", "plan_code", "qty")
	return repo
}

func TestRun_TableFilter(t *testing.T) {
	t.Parallel()

	t.Run("limits_to_one_table", func(t *testing.T) {
		t.Parallel()

		code, stdout, stderr := runCheck(t, []string{"-config", "cfg.json", "-table", "raw.fact_trades"}, twoTableConfig(), twoTableRepo())
		if code != 0 {
			t.Fatalf("exit code = %d, want 0; stderr=%q", code, stderr)
		}
		if !strings.Contains(stdout, "raw.fact_trades:") {
			t.Fatalf("stdout = %q, want selected table", stdout)
		}
		if strings.Contains(stdout, "raw.fact_holdings:") {
			t.Fatalf("stdout = %q, want other tables omitted", stdout)
		}
	})

	t.Run("unknown_table", func(t *testing.T) {
		t.Parallel()

		code, _, stderr := runCheck(t, []string{"-config", "cfg.json", "-table", "raw.nope"}, twoTableConfig(), twoTableRepo())
		if code != 1 {
			t.Fatalf("exit code = %d, want 1", code)
		}
		if !strings.Contains(stderr, `table "raw.nope" not in config`) {
			t.Fatalf("stderr = %q, want unknown table message", stderr)
		}
	})
}

func TestRun_SharedReferenceListedOnce(t *testing.T) {
	t.Parallel()

	code, stdout, stderr := runCheck(t, []string{"-config", "cfg.json"}, twoTableConfig(), twoTableRepo())
	if code != 0 {
		t.Fatalf("exit code = %d, want 0; stderr=%q", code, stderr)
	}
	if got := strings.Count(stdout, "ref.plans:"); got != 1 {
		t.Fatalf("ref.plans listed %d times, want once\nstdout=%q", got, stdout)
	}
}

func TestRun_InvalidConfigShortCircuits(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-config", "cfg.json"}, deps{
		Stdout:     &stdout,
		Stderr:     &stderr,
		LoadConfig: func(string) (*config.Config, error) { return &config.Config{}, nil },
		NewRepository: func(context.Context, storage.Config) (storage.Repository, error) {
			t.Fatalf("NewRepository must not be called for invalid config")
			return nil, nil
		},
	})

	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "storage.kind") {
		t.Fatalf("stderr = %q, want storage.kind issue", stderr.String())
	}
	if !strings.Contains(stderr.String(), "configuration invalid") {
		t.Fatalf("stderr = %q, want invalidity verdict", stderr.String())
	}
}

func TestRun_StorageErrorFails(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	code := run(context.Background(), []string{"-config", "cfg.json"}, deps{
		Stderr:     &stderr,
		LoadConfig: func(string) (*config.Config, error) { return checkedConfig(), nil },
		NewRepository: func(context.Context, storage.Config) (storage.Repository, error) {
			return nil, errors.New("connection refused")
		},
	})

	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "open storage: connection refused") {
		t.Fatalf("stderr = %q, want storage error", stderr.String())
	}
}
