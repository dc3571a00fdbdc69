package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"writepath/internal/catalog"
	"writepath/internal/sqlbuild"
)

// Config is the minimal configuration needed to construct a Repository.
//
// When to use:
//   - Use Config when constructing a Repository via New.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
//   - Pool knobs apply where the backend pools (postgres, mssql); sqlite
//     ignores them. Zero values take backend defaults.
//
// Errors:
//   - New returns an error if Kind is empty or unsupported.
type Config struct {
	Kind string
	DSN  string

	PoolMin        int
	PoolMax        int
	AcquireTimeout time.Duration
	RetryMax       int
	RetryBackoff   time.Duration
}

// Repository is a backend-agnostic interface for warehouse writes.
//
// IMPORTANT: This interface is intentionally minimal and focused on the
// operations the backfill engine and the batch loader need. Each backend
// implements the semantics in its own idiomatic way (Postgres ON CONFLICT,
// SQLite conflict clauses, MSSQL NOT EXISTS emulation).
type Repository interface {
	// Close releases any backend resources (connections, prepared statements, etc).
	//
	// When to use:
	//   - Always call Close when you are done with the repository to avoid leaks.
	//
	// Edge cases:
	//   - Implementations should be safe to call once at process shutdown.
	//   - Repeated calls may be a no-op or may panic, depending on backend; callers
	//     should treat Close as "call once".
	Close()

	// Ping verifies the backend is reachable. Constructors already ping once;
	// this is for health checks after construction.
	Ping(ctx context.Context) error

	// TableColumns introspects the live schema of one table, in ordinal order.
	// An empty result means the table does not exist for this backend.
	TableColumns(ctx context.Context, schema, table string) ([]catalog.Column, error)

	// SelectExistingKeys returns which of the given key tuples already exist
	// in the table. The result is keyed by storage.KeyString of the tuple.
	//
	// Edge cases:
	//   - Backends chunk the lookup, so len(keys) may exceed dialect
	//     parameter limits safely.
	//   - Key values are matched as stored; callers normalize before dedupe,
	//     not before lookup.
	SelectExistingKeys(ctx context.Context, schema, table string, keyColumns []string, keys [][]any) (map[string]struct{}, error)

	// Begin opens a transaction. All write-path mutations happen inside one.
	Begin(ctx context.Context) (Tx, error)
}

// Tx is one warehouse transaction.
//
// Concurrency:
//   - A Tx is bound to a single connection; use it from one goroutine.
//
// Edge cases:
//   - Rollback after Commit is a no-op error that callers may ignore, so
//     `defer tx.Rollback(ctx)` is always safe.
type Tx interface {
	// InsertRows inserts a batch in one multi-row statement and reports rows
	// actually written (conflict-skipped rows are not counted).
	InsertRows(ctx context.Context, schema, table string, columns []string, rows [][]any, conflict sqlbuild.Conflict) (int64, error)

	// DeleteByKeys removes rows matching the key tuples and reports how many went.
	DeleteByKeys(ctx context.Context, schema, table string, keyColumns []string, keys [][]any) (int64, error)

	// SelectExistingKeys mirrors Repository.SelectExistingKeys but sees the
	// transaction's own uncommitted writes.
	SelectExistingKeys(ctx context.Context, schema, table string, keyColumns []string, keys [][]any) (map[string]struct{}, error)

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// ---- backend factories ----

type factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//   - The `kind` string becomes the lookup key used by New.
//
// Edge cases:
//   - kind must be non-empty.
//   - f must be non-nil.
//   - Registering the same kind more than once panics. This is intentional to
//     fail fast and avoid ambiguous backend selection.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered.
func Register(kind string, f factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// New constructs a Repository using the registered backend factory.
//
// When to use:
//   - Call New when starting a write-path run and you need a repository for
//     the configured backend kind.
//
// Edge cases:
//   - If cfg.Kind is empty, New returns an error.
//   - If cfg.Kind is not registered, New returns an error.
//
// Concurrency:
//   - Safe for concurrent use with Register. New takes a read lock while
//     selecting the factory.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns.
func New(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing storage.kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage.kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}
