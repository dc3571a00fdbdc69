// Command schemacheck is the preflight for a write-path config: it
// validates the file and, when the warehouse is reachable, verifies
// that every configured table exists and carries the columns the
// config relies on.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"writepath/internal/catalog"
	"writepath/internal/config"
	"writepath/internal/storage"

	// register all storage backends with the factory; config decides
	// which one a run uses.
	_ "writepath/internal/storage/all"
)

const usageLine = "usage: schemacheck -config <file> [-table <schema.table>]"

// deps are external seams for testability.
type deps struct {
	Stdout io.Writer
	Stderr io.Writer

	LoadConfig    func(path string) (*config.Config, error)
	NewRepository func(ctx context.Context, cfg storage.Config) (storage.Repository, error)
}

// main wires the real dependencies and exits with the run's code.
func main() {
	os.Exit(run(context.Background(), os.Args[1:], deps{
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}))
}

// run executes the check and returns an exit code.
//
// Exit codes:
//   - 0: config valid, every checked table matches the live schema.
//   - 1: invalid config, unreachable warehouse, or schema drift.
//   - 2: flag/usage error.
func run(ctx context.Context, args []string, d deps) int {
	if d.Stdout == nil {
		d.Stdout = io.Discard
	}
	if d.Stderr == nil {
		d.Stderr = io.Discard
	}
	if d.LoadConfig == nil {
		d.LoadConfig = config.Load
	}
	if d.NewRepository == nil {
		d.NewRepository = storage.New
	}

	fs := flag.NewFlagSet("schemacheck", flag.ContinueOnError)
	var usageBuf strings.Builder
	fs.SetOutput(&usageBuf)
	fs.Usage = func() {
		fmt.Fprintln(&usageBuf, usageLine)
		fs.PrintDefaults()
	}

	cfgPath := fs.String("config", "", "write-path config path (.json or .yaml)")
	only := fs.String("table", "", "check only this fact table (default: all configured)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(d.Stderr, usageBuf.String())
			return 2
		}
		fmt.Fprintf(d.Stderr, "%v\n\n%s", err, usageBuf.String())
		return 2
	}
	if strings.TrimSpace(*cfgPath) == "" {
		fmt.Fprintf(d.Stderr, "%s: missing -config\n", usageLine)
		return 2
	}

	cfg, err := d.LoadConfig(*cfgPath)
	if err != nil {
		fmt.Fprintf(d.Stderr, "%v\n", err)
		return 1
	}

	issues := cfg.Validate()
	for _, iss := range issues {
		fmt.Fprintln(d.Stderr, iss.String())
	}
	if config.HasErrors(issues) {
		fmt.Fprintf(d.Stderr, "configuration invalid: %s\n", *cfgPath)
		return 1
	}

	var tables []string
	if *only != "" {
		if _, ok := cfg.Table(*only); !ok {
			fmt.Fprintf(d.Stderr, "table %q not in config\n", *only)
			return 1
		}
		tables = []string{*only}
	} else {
		for name := range cfg.Tables {
			tables = append(tables, name)
		}
		sort.Strings(tables)
	}

	repo, err := d.NewRepository(ctx, cfg.StorageConfig())
	if err != nil {
		fmt.Fprintf(d.Stderr, "open storage: %v\n", err)
		return 1
	}
	defer repo.Close()

	chk := &checker{
		intro:  &catalog.Introspector{Source: repo},
		out:    d.Stdout,
		errw:   d.Stderr,
		listed: map[string]map[string]struct{}{},
	}

	for _, name := range tables {
		tc, _ := cfg.Table(name)
		schema, table := config.SplitTable(name)

		allowed := chk.describe(ctx, schema, table)
		for _, key := range tc.ConflictKeys {
			chk.require(allowed, name, "conflict key", key)
		}

		for _, entry := range tc.FKs {
			target := chk.describe(ctx, entry.TargetSchema, entry.TargetTable)
			ref := qual(entry.TargetSchema, entry.TargetTable)
			for _, key := range entry.TargetKeyColumns {
				chk.require(target, ref, "key column", key)
			}
			for _, col := range sortedKeys(entry.ExtraColumns) {
				chk.require(target, ref, "column", col)
			}
		}
	}

	if chk.drift > 0 {
		fmt.Fprintf(d.Stderr, "schema drift: %d problem(s)\n", chk.drift)
		return 1
	}
	return 0
}

// checker accumulates drift problems while walking the configured tables.
type checker struct {
	intro *catalog.Introspector
	out   io.Writer
	errw  io.Writer

	// listed caches described tables so a reference table shared by two
	// fact tables is printed once.
	listed map[string]map[string]struct{}
	drift  int
}

// describe introspects one table, prints its live columns in ordinal
// order, and returns the allowed set. A missing table counts as drift
// and returns nil.
func (c *checker) describe(ctx context.Context, schema, table string) map[string]struct{} {
	q := qual(schema, table)
	if set, ok := c.listed[q]; ok {
		return set
	}

	cols, err := c.intro.Columns(ctx, schema, table)
	if err != nil {
		fmt.Fprintf(c.errw, "%v\n", err)
		c.drift++
		c.listed[q] = nil
		return nil
	}

	names := make([]string, len(cols))
	set := make(map[string]struct{}, len(cols))
	for i, col := range cols {
		names[i] = col.Name
		set[col.Name] = struct{}{}
	}
	fmt.Fprintf(c.out, "%s: %s\n", q, strings.Join(names, ", "))

	c.listed[q] = set
	return set
}

// require counts a drift problem when the table lacks column. A nil
// allowed set means the table itself was already reported missing.
func (c *checker) require(allowed map[string]struct{}, table, role, column string) {
	if allowed == nil {
		return
	}
	if _, ok := allowed[column]; !ok {
		fmt.Fprintf(c.errw, "%s: missing %s %q\n", table, role, column)
		c.drift++
	}
}

func qual(schema, table string) string {
	if schema == "" {
		return table
	}
	return schema + "." + table
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
