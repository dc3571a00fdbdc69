// Command writepath loads one batch of fact records into the warehouse:
// backfill missing reference rows, then the transactional fact load.
//
// The batch arrives as NDJSON (or a single JSON array) on a file or
// stdin, or as headed CSV when the file name ends in .csv; the combined
// backfill+load result is printed as JSON on stdout.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"writepath/internal/config"
	"writepath/internal/metrics"
	"writepath/internal/metrics/datadog"
	"writepath/internal/metrics/prompush"
	"writepath/internal/writepath"
	"writepath/pkg/records"

	// register all storage backends with the factory; config decides
	// which one a run uses.
	_ "writepath/internal/storage/all"
)

// runner is the slice of the write-path Runner this command drives.
type runner interface {
	Run(ctx context.Context, cfg *config.Config, factTable string, batch []records.Record) (*writepath.Result, error)
}

// metricsOptions selects and configures the process metrics backend.
type metricsOptions struct {
	Backend    string // "none" | "pushgateway" | "datadog"
	GatewayURL string
	TagsCSV    string
}

// deps are external seams for testability.
//
// When to use:
//   - Unit tests: inject a fake runner and capture stdout/stderr.
//   - Alternate runtimes: swap config loading or metrics wiring.
type deps struct {
	Stdout io.Writer
	Stderr io.Writer
	Stdin  io.Reader

	LoadConfig  func(path string) (*config.Config, error)
	NewRunner   func(lg writepath.Logger) runner
	InitMetrics func(ctx context.Context, opts metricsOptions, errw io.Writer) (func(), error)
}

// runConfig holds the parsed flags and derived values for one invocation.
type runConfig struct {
	ConfigPath   string
	RecordsPath  string
	Table        string
	ValidateOnly bool
	Verbose      bool

	Metrics metricsOptions
}

// main wires the real dependencies and exits with the run's code.
func main() {
	os.Exit(run(context.Background(), os.Args[1:], deps{
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		Stdin:  os.Stdin,
	}))
}

// run executes the command and returns an exit code.
//
// Exit codes:
//   - 0: success (or -validate with a clean config).
//   - 1: invalid configuration, bad input, or a failed run.
//   - 2: flag/usage error.
func run(ctx context.Context, args []string, d deps) int {
	if d.Stdout == nil {
		d.Stdout = io.Discard
	}
	if d.Stderr == nil {
		d.Stderr = io.Discard
	}
	if d.Stdin == nil {
		d.Stdin = strings.NewReader("")
	}
	if d.LoadConfig == nil {
		d.LoadConfig = config.Load
	}
	if d.NewRunner == nil {
		d.NewRunner = func(lg writepath.Logger) runner {
			r := writepath.NewDefaultRunner()
			r.Log = lg
			return r
		}
	}
	if d.InitMetrics == nil {
		d.InitMetrics = initMetrics
	}

	rc, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(d.Stderr, err.Error())
		return 2
	}

	cfg, err := d.LoadConfig(rc.ConfigPath)
	if err != nil {
		fmt.Fprintf(d.Stderr, "%v\n", err)
		return 1
	}

	issues := cfg.Validate()
	for _, iss := range issues {
		fmt.Fprintln(d.Stderr, iss.String())
	}
	if config.HasErrors(issues) {
		fmt.Fprintf(d.Stderr, "configuration invalid: %s\n", rc.ConfigPath)
		return 1
	}
	if rc.ValidateOnly {
		fmt.Fprintf(d.Stderr, "configuration valid: %s\n", rc.ConfigPath)
		return 0
	}

	batch, err := readRecords(rc.RecordsPath, d.Stdin)
	if err != nil {
		fmt.Fprintf(d.Stderr, "read records: %v\n", err)
		return 1
	}

	cleanup, err := d.InitMetrics(ctx, rc.Metrics, d.Stderr)
	if err != nil {
		fmt.Fprintf(d.Stderr, "init metrics: %v\n", err)
		return 1
	}
	defer cleanup()

	var lg writepath.Logger
	if rc.Verbose {
		lg = log.New(d.Stderr, "", log.LstdFlags)
	}

	start := time.Now()
	res, runErr := d.NewRunner(lg).Run(ctx, cfg, rc.Table, batch)

	// The result is the machine-readable outcome; print it for failed
	// runs too so callers can see which stage broke.
	if res != nil {
		enc := json.NewEncoder(d.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			fmt.Fprintf(d.Stderr, "encode result: %v\n", err)
			return 1
		}
	}
	if runErr != nil {
		fmt.Fprintf(d.Stderr, "run: %v\n", runErr)
		return 1
	}

	if rc.Verbose {
		lg.Printf("completed in %s", time.Since(start).Truncate(time.Millisecond))
	}
	return 0
}

// parseFlags parses command arguments into a validated runConfig.
//
// Errors:
//   - Returns an error for invalid/missing required flags.
//   - Does not exit the process (caller decides exit code).
func parseFlags(args []string) (runConfig, error) {
	fs := flag.NewFlagSet("writepath", flag.ContinueOnError)

	// Capture help/usage text instead of writing to stdout.
	var usageBuf strings.Builder
	fs.SetOutput(&usageBuf)
	fs.Usage = func() {
		fmt.Fprintln(&usageBuf, usageLine)
		fs.PrintDefaults()
	}

	var cfg runConfig
	fs.StringVar(&cfg.ConfigPath, "config", "", "write-path config path (.json or .yaml)")
	fs.StringVar(&cfg.RecordsPath, "records", "", "fact records as NDJSON, or CSV by .csv extension; - reads NDJSON from stdin")
	fs.StringVar(&cfg.Table, "table", "", "fact table to load (schema.table)")
	fs.BoolVar(&cfg.ValidateOnly, "validate", false, "validate the configuration and exit")
	fs.StringVar(&cfg.Metrics.Backend, "metrics-backend", "", "metrics backend: none|pushgateway|datadog (default env METRICS_BACKEND or none)")
	fs.StringVar(&cfg.Metrics.GatewayURL, "pushgateway-url", "", "Pushgateway base URL (default env PUSHGATEWAY_URL or http://localhost:9091)")
	fs.StringVar(&cfg.Metrics.TagsCSV, "metrics-tags", "", "extra metrics tags CSV, e.g. env:prod,team:dwh (default env METRICS_TAGS)")
	fs.BoolVar(&cfg.Verbose, "v", false, "verbose stage logging")

	if err := fs.Parse(args); err != nil {
		// When -h / -help is passed, flag.Parse returns flag.ErrHelp.
		if errors.Is(err, flag.ErrHelp) {
			return runConfig{}, errors.New(usageBuf.String())
		}
		return runConfig{}, fmt.Errorf("%v\n\n%s", err, usageBuf.String())
	}

	if strings.TrimSpace(cfg.ConfigPath) == "" {
		return runConfig{}, fmt.Errorf("%s: missing -config", usageLine)
	}
	if !cfg.ValidateOnly {
		if strings.TrimSpace(cfg.Table) == "" {
			return runConfig{}, fmt.Errorf("%s: missing -table", usageLine)
		}
		if strings.TrimSpace(cfg.RecordsPath) == "" {
			return runConfig{}, fmt.Errorf("%s: missing -records", usageLine)
		}
	}

	// Flag wins, then environment, then the default.
	if cfg.Metrics.Backend == "" {
		cfg.Metrics.Backend = os.Getenv("METRICS_BACKEND")
	}
	if cfg.Metrics.Backend == "" {
		cfg.Metrics.Backend = "none"
	}
	if cfg.Metrics.GatewayURL == "" {
		cfg.Metrics.GatewayURL = os.Getenv("PUSHGATEWAY_URL")
	}
	if cfg.Metrics.GatewayURL == "" {
		cfg.Metrics.GatewayURL = "http://localhost:9091"
	}
	if cfg.Metrics.TagsCSV == "" {
		cfg.Metrics.TagsCSV = os.Getenv("METRICS_TAGS")
	}

	return cfg, nil
}

const usageLine = "usage: writepath -config <file> -table <schema.table> -records <file|->"

// readRecords decodes the batch from path, or from stdin when path is
// "-". Files named *.csv decode as headed CSV; everything else, stdin
// included, decodes as NDJSON.
func readRecords(path string, stdin io.Reader) ([]records.Record, error) {
	if path == "-" {
		return records.ReadNDJSON(stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if strings.HasSuffix(strings.ToLower(path), ".csv") {
		return records.ReadCSV(f)
	}
	return records.ReadNDJSON(f)
}

// initMetrics wires the selected backend into the process metrics facade
// and returns a cleanup that flushes buffered points. The cleanup is
// always non-nil and safe to call; flush failures are logged to errw,
// never fatal.
func initMetrics(ctx context.Context, opts metricsOptions, errw io.Writer) (func(), error) {
	nop := func() {}

	switch opts.Backend {
	case "", "none":
		return nop, nil

	case "pushgateway":
		b, err := prompush.NewBackend("writepath", opts.GatewayURL)
		if err != nil {
			return nop, err
		}
		metrics.SetBackend(b)
		return func() {
			if err := metrics.Flush(); err != nil {
				fmt.Fprintf(errw, "metrics: flush error: %v\n", err)
			}
		}, nil

	case "datadog":
		b, err := datadog.NewBackend(ctx, datadog.Options{
			JobName: "writepath",
			Tags:    datadog.ParseTagsCSV(opts.TagsCSV),
		})
		if err != nil {
			return nop, err
		}
		metrics.SetBackend(b)
		return func() {
			if err := b.Close(); err != nil {
				fmt.Fprintf(errw, "metrics: datadog close error: %v\n", err)
			}
		}, nil

	default:
		return nop, fmt.Errorf("unknown metrics backend %q (none|pushgateway|datadog)", opts.Backend)
	}
}
