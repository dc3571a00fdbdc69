// Package config loads and validates the declarative run configuration.
//
// JSON is the primary format; paths ending in .yaml or .yml decode with
// yaml.v3. ${VAR} references inside the DSN expand from the environment at
// load time, and WRITEPATH_* variables override pool and batch defaults
// after the file is read, so deployment tweaks never require editing the
// file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"writepath/internal/backfill"
	"writepath/internal/loader"
	"writepath/internal/sqlbuild"
	"writepath/internal/storage"
)

// Applied where the file leaves a knob unset.
const (
	DefaultPoolMin        = 2
	DefaultPoolMax        = 10
	DefaultBatchSize      = 1000
	DefaultAcquireTimeout = 30 * time.Second
	DefaultRetryMax       = 3
	DefaultRetryBackoff   = 200 * time.Millisecond
)

// Config is one run configuration: a storage target plus per-table rules.
type Config struct {
	Storage  Storage                `json:"storage" yaml:"storage"`
	Defaults Defaults               `json:"defaults" yaml:"defaults"`
	Tables   map[string]TableConfig `json:"tables" yaml:"tables"`
}

// Storage selects the warehouse backend.
type Storage struct {
	Kind string `json:"kind" yaml:"kind"` // "postgres" | "sqlite" | "mssql"
	DSN  string `json:"dsn" yaml:"dsn"`
}

// Defaults hold pool and batch knobs. Durations are strings in
// time.ParseDuration syntax.
type Defaults struct {
	PoolMin        int    `json:"pool_min" yaml:"pool_min"`
	PoolMax        int    `json:"pool_max" yaml:"pool_max"`
	BatchSize      int    `json:"batch_size" yaml:"batch_size"`
	AcquireTimeout string `json:"acquire_timeout" yaml:"acquire_timeout"` // e.g. "30s"
	RetryMax       int    `json:"retry_max" yaml:"retry_max"`
	RetryBackoff   string `json:"retry_backoff" yaml:"retry_backoff"` // e.g. "200ms"
}

// TableConfig is the write rule for one qualified target table. The map key
// in Config.Tables is the qualified name ("raw.fact_holdings"; no dot means
// no schema).
type TableConfig struct {
	Mode         string           `json:"mode" yaml:"mode"` // "insert" | "upsert"
	ConflictKeys []string         `json:"conflict_keys,omitempty" yaml:"conflict_keys,omitempty"`
	UpsertStyle  string           `json:"upsert_style,omitempty" yaml:"upsert_style,omitempty"` // "delete_insert" | "on_conflict_update"
	FKs          []backfill.Entry `json:"fks,omitempty" yaml:"fks,omitempty"`
}

// Load reads and decodes path, expands the DSN, and applies environment
// overrides.
//
// Errors:
//   - unreadable file
//   - undecodable content (the format follows the file extension)
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.Storage.DSN = os.ExpandEnv(cfg.Storage.DSN)
	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyEnv overrides Defaults from WRITEPATH_POOL_MIN, WRITEPATH_POOL_MAX,
// WRITEPATH_BATCH_SIZE, WRITEPATH_ACQUIRE_TIMEOUT, WRITEPATH_RETRY_MAX and
// WRITEPATH_RETRY_BACKOFF. Load calls this; it is exported for callers that
// build a Config in memory. A variable that does not parse is ignored.
func (c *Config) ApplyEnv() {
	if v, ok := intEnv("WRITEPATH_POOL_MIN"); ok {
		c.Defaults.PoolMin = v
	}
	if v, ok := intEnv("WRITEPATH_POOL_MAX"); ok {
		c.Defaults.PoolMax = v
	}
	if v, ok := intEnv("WRITEPATH_BATCH_SIZE"); ok {
		c.Defaults.BatchSize = v
	}
	if v, ok := intEnv("WRITEPATH_RETRY_MAX"); ok {
		c.Defaults.RetryMax = v
	}
	if v := os.Getenv("WRITEPATH_ACQUIRE_TIMEOUT"); v != "" {
		if _, err := time.ParseDuration(v); err == nil {
			c.Defaults.AcquireTimeout = v
		}
	}
	if v := os.Getenv("WRITEPATH_RETRY_BACKOFF"); v != "" {
		if _, err := time.ParseDuration(v); err == nil {
			c.Defaults.RetryBackoff = v
		}
	}
}

func intEnv(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// StorageConfig resolves the backend construction parameters with defaults
// applied.
func (c *Config) StorageConfig() storage.Config {
	d := c.Defaults
	out := storage.Config{
		Kind:           c.Storage.Kind,
		DSN:            c.Storage.DSN,
		PoolMin:        d.PoolMin,
		PoolMax:        d.PoolMax,
		AcquireTimeout: DefaultAcquireTimeout,
		RetryMax:       d.RetryMax,
		RetryBackoff:   DefaultRetryBackoff,
	}
	if out.PoolMin == 0 {
		out.PoolMin = DefaultPoolMin
	}
	if out.PoolMax == 0 {
		out.PoolMax = DefaultPoolMax
	}
	if out.RetryMax == 0 {
		out.RetryMax = DefaultRetryMax
	}
	if t, err := time.ParseDuration(d.AcquireTimeout); err == nil && d.AcquireTimeout != "" {
		out.AcquireTimeout = t
	}
	if t, err := time.ParseDuration(d.RetryBackoff); err == nil && d.RetryBackoff != "" {
		out.RetryBackoff = t
	}
	return out
}

// BatchSize resolves the loader chunk size.
func (c *Config) BatchSize() int {
	if c.Defaults.BatchSize > 0 {
		return c.Defaults.BatchSize
	}
	return DefaultBatchSize
}

// Table returns the rule for a qualified table name.
func (c *Config) Table(name string) (TableConfig, bool) {
	tc, ok := c.Tables[name]
	return tc, ok
}

// SplitTable splits a qualified table name at the first dot. A name with no
// dot has no schema.
func SplitTable(name string) (schema, table string) {
	if s, t, ok := strings.Cut(name, "."); ok {
		return s, t
	}
	return "", name
}

// Issue severities.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// Issue is one validation finding. Error severity blocks a run; warnings
// print and proceed.
type Issue struct {
	Severity string `json:"severity"`
	Path     string `json:"path"`
	Message  string `json:"message"`
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message)
}

// HasErrors reports whether any issue is error severity.
func HasErrors(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Validate checks the configuration without touching the database. Issues
// come back in a stable order: storage and defaults first, then tables by
// name. Identifiers are checked against the configured backend's quoting
// rules, so a postgres name over 63 bytes is an error here instead of a
// silently truncated statement later.
func (c *Config) Validate() []Issue {
	var issues []Issue
	fail := func(path, format string, v ...any) {
		issues = append(issues, Issue{Severity: SeverityError, Path: path, Message: fmt.Sprintf(format, v...)})
	}
	warn := func(path, format string, v ...any) {
		issues = append(issues, Issue{Severity: SeverityWarning, Path: path, Message: fmt.Sprintf(format, v...)})
	}

	if c.Storage.Kind == "" {
		fail("storage.kind", "storage kind is required")
	}
	if c.Storage.DSN == "" {
		fail("storage.dsn", "storage dsn is required")
	}
	if c.Defaults.PoolMin < 0 || c.Defaults.PoolMax < 0 || c.Defaults.BatchSize < 0 || c.Defaults.RetryMax < 0 {
		fail("defaults", "pool and batch knobs must not be negative")
	}
	if v := c.Defaults.AcquireTimeout; v != "" {
		if _, err := time.ParseDuration(v); err != nil {
			fail("defaults.acquire_timeout", "not a duration: %q", v)
		}
	}
	if v := c.Defaults.RetryBackoff; v != "" {
		if _, err := time.ParseDuration(v); err != nil {
			fail("defaults.retry_backoff", "not a duration: %q", v)
		}
	}

	if len(c.Tables) == 0 {
		warn("tables", "no tables configured")
	}

	dialect := dialectFor(c.Storage.Kind)
	names := make([]string, 0, len(c.Tables))
	for name := range c.Tables {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		tc := c.Tables[name]
		path := fmt.Sprintf("tables[%s]", name)

		schema, table := SplitTable(name)
		if schema != "" {
			checkIdent(&issues, dialect, path, schema)
		}
		checkIdent(&issues, dialect, path, table)

		switch tc.Mode {
		case loader.ModeInsert:
		case loader.ModeUpsert:
			if len(tc.ConflictKeys) == 0 {
				fail(path+".conflict_keys", "upsert mode requires conflict_keys")
			}
			switch tc.UpsertStyle {
			case loader.StyleDeleteInsert, loader.StyleOnConflictUpdate:
			default:
				fail(path+".upsert_style", "unknown upsert_style %q", tc.UpsertStyle)
			}
		default:
			fail(path+".mode", "unknown mode %q", tc.Mode)
		}
		for _, k := range tc.ConflictKeys {
			checkIdent(&issues, dialect, path+".conflict_keys", k)
		}

		if len(tc.FKs) == 0 {
			warn(path+".fks", "no backfill entries configured")
		}
		for n, e := range tc.FKs {
			validateEntry(&issues, dialect, fmt.Sprintf("%s.fks[%d]", path, n), e)
		}
	}
	return issues
}

func validateEntry(issues *[]Issue, dialect sqlbuild.Dialect, path string, e backfill.Entry) {
	fail := func(suffix, format string, v ...any) {
		*issues = append(*issues, Issue{Severity: SeverityError, Path: path + suffix, Message: fmt.Sprintf(format, v...)})
	}

	if e.TargetTable == "" {
		fail(".target_table", "target_table is required")
	} else {
		if e.TargetSchema != "" {
			checkIdent(issues, dialect, path+".target_schema", e.TargetSchema)
		}
		checkIdent(issues, dialect, path+".target_table", e.TargetTable)
	}

	switch e.ConflictPolicy {
	case backfill.PolicyInsertMissing, backfill.PolicyFillNullOnly:
	default:
		fail(".conflict_policy", "unknown conflict_policy %q", e.ConflictPolicy)
	}

	if len(e.SourceColumns) == 0 || len(e.TargetKeyColumns) == 0 {
		fail("", "source_columns and target_key_columns must not be empty")
	} else if len(e.SourceColumns) != len(e.TargetKeyColumns) {
		fail("", "source_columns (%d) and target_key_columns (%d) differ in length", len(e.SourceColumns), len(e.TargetKeyColumns))
	}
	for _, k := range e.TargetKeyColumns {
		checkIdent(issues, dialect, path+".target_key_columns", k)
	}
	targets := make([]string, 0, len(e.ExtraColumns))
	for target := range e.ExtraColumns {
		targets = append(targets, target)
	}
	sort.Strings(targets)
	for _, target := range targets {
		if target == "" || e.ExtraColumns[target] == "" {
			fail(".extra_columns", "empty column name in mapping")
			continue
		}
		checkIdent(issues, dialect, path+".extra_columns", target)
	}
}

func checkIdent(issues *[]Issue, dialect sqlbuild.Dialect, path, name string) {
	if _, err := dialect.QuoteIdent(name); err != nil {
		*issues = append(*issues, Issue{Severity: SeverityError, Path: path, Message: err.Error()})
	}
}

func dialectFor(kind string) sqlbuild.Dialect {
	switch kind {
	case "sqlite":
		return sqlbuild.SQLite
	case "mssql":
		return sqlbuild.MSSQL
	default:
		return sqlbuild.Postgres
	}
}
