// Package writepath wires the write path end to end: configuration,
// storage, schema introspection, foreign-key backfill, and the batch
// loader. A Runner executes one fact batch per Run call.
package writepath

import (
	"context"
	"fmt"
	"time"

	"writepath/internal/backfill"
	"writepath/internal/catalog"
	"writepath/internal/config"
	"writepath/internal/loader"
	"writepath/internal/storage"
	"writepath/pkg/records"
)

// Logger is the minimal logging seam. A nil Logger discards output.
type Logger interface {
	Printf(format string, v ...any)
}

// Result combines the outcomes of both write stages for one batch.
// Load is nil when backfill failed and the load was never attempted.
type Result struct {
	Backfill *backfill.Result   `json:"backfill,omitempty"`
	Load     *loader.LoadResult `json:"load,omitempty"`
}

// Runner executes the write path for one fact batch: backfill missing
// reference rows first, then load the fact rows behind the gate token
// the backfill run minted.
//
// Concurrency: Run is safe for concurrent calls. When Repo is set it is
// the only object shared between them; the engine, introspector, and
// loader are created fresh per call.
type Runner struct {
	// Repo, when non-nil, serves every Run call and is never closed by
	// the Runner; the caller owns its lifecycle. When nil, each Run
	// builds a repository via NewRepository and closes it on return.
	Repo storage.Repository

	// NewRepository builds a repository from config when Repo is nil.
	// Nil falls back to the storage factory.
	NewRepository func(ctx context.Context, cfg storage.Config) (storage.Repository, error)

	Log Logger
}

// NewDefaultRunner returns a Runner wired to the storage factory. The
// chosen backend must have been registered (blank import).
func NewDefaultRunner() *Runner {
	return &Runner{
		NewRepository: func(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
			return storage.New(ctx, cfg)
		},
	}
}

// Run executes backfill and load for one batch of fact records destined
// for factTable ("schema.table"). The table must be present in cfg.
//
// The returned Result carries whatever stages ran, populated in both
// outcomes; the error is non-nil when either stage failed.
func (r *Runner) Run(ctx context.Context, cfg *config.Config, factTable string, batch []records.Record) (*Result, error) {
	tc, ok := cfg.Table(factTable)
	if !ok {
		return nil, fmt.Errorf("writepath: no configuration for table %q", factTable)
	}

	repo := r.Repo
	if repo == nil {
		newRepo := r.NewRepository
		if newRepo == nil {
			newRepo = storage.New
		}
		var err error
		repo, err = newRepo(ctx, cfg.StorageConfig())
		if err != nil {
			return nil, fmt.Errorf("writepath: open storage: %w", err)
		}
		defer repo.Close()
	}

	start := time.Now()
	r.logf("stage=run table=%s records=%d fks=%d", factTable, len(batch), len(tc.FKs))

	intro := &catalog.Introspector{Source: repo, Log: r.Log}

	engine := &backfill.Engine{Repo: repo, Catalog: intro, Entries: tc.FKs, Log: r.Log}
	bres, err := engine.Run(ctx, batch, factTable)
	res := &Result{Backfill: bres}
	if err != nil {
		r.logf("stage=run level=warn table=%s err=%v", factTable, err)
		return res, err
	}

	schema, table := config.SplitTable(factTable)
	ld := &loader.Loader{Repo: repo, Catalog: intro, Log: r.Log}
	lres, err := ld.Load(ctx, bres.Token(), batch, loader.Options{
		Schema:       schema,
		Table:        table,
		Mode:         tc.Mode,
		UpsertStyle:  tc.UpsertStyle,
		ConflictKeys: tc.ConflictKeys,
		ChunkSize:    cfg.BatchSize(),
	})
	res.Load = lres
	if err != nil {
		r.logf("stage=run level=warn table=%s err=%v", factTable, err)
		return res, err
	}

	r.logf("stage=run table=%s inserted=%d updated=%d duration=%s",
		factTable, lres.RowsInserted, lres.RowsUpdated, time.Since(start).Truncate(time.Millisecond))
	return res, nil
}

func (r *Runner) logf(format string, v ...any) {
	if r.Log != nil {
		r.Log.Printf(format, v...)
	}
}
