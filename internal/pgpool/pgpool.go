// Package pgpool manages the PostgreSQL connection pool for the write path.
//
// It wraps pgxpool with the acquire policy the loaders rely on: a per-attempt
// timeout, exponential backoff on transient failures and a typed exhaustion
// error once the retry budget is spent. Non-transient failures (bad
// credentials, unknown database, unknown host) surface immediately so a
// misconfigured run dies on the first statement instead of grinding through
// retries.
package pgpool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Logger is the minimal logging seam. *log.Logger satisfies it.
type Logger interface {
	Printf(format string, v ...any)
}

// ErrPoolExhausted reports that every acquire attempt failed on a transient
// error. Callers branch on it with errors.Is.
var ErrPoolExhausted = errors.New("pgpool: pool exhausted")

const (
	DefaultMinConns       = 2
	DefaultMaxConns       = 10
	DefaultAcquireTimeout = 30 * time.Second
	DefaultRetryMax       = 3
	DefaultRetryBackoff   = 200 * time.Millisecond

	// maxBackoff caps the doubling so a generous retry budget cannot grow
	// sleeps past the point of usefulness.
	maxBackoff = 30 * time.Second
)

// Config carries pool construction settings. Zero fields take the package
// defaults; a zero DSN is an error.
type Config struct {
	DSN            string
	MinConns       int
	MaxConns       int
	AcquireTimeout time.Duration
	RetryMax       int // retries after the first attempt
	RetryBackoff   time.Duration
	Logger         Logger
}

func (c *Config) applyDefaults() {
	if c.MinConns <= 0 {
		c.MinConns = DefaultMinConns
	}
	if c.MaxConns <= 0 {
		c.MaxConns = DefaultMaxConns
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = DefaultAcquireTimeout
	}
	if c.RetryMax <= 0 {
		c.RetryMax = DefaultRetryMax
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
}

// Pool is a pgxpool.Pool with the write-path acquire policy on top.
type Pool struct {
	pool *pgxpool.Pool
	cfg  Config

	sleep func(time.Duration) // test seam
}

// New parses the DSN, builds the pool and verifies it with a ping.
//
// The ping makes construction fail fast: a pool that cannot reach the
// database is closed and never returned.
func New(ctx context.Context, cfg Config) (*Pool, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("pgpool: empty dsn")
	}
	cfg.applyDefaults()
	if cfg.MinConns > cfg.MaxConns {
		return nil, fmt.Errorf("pgpool: min_conns %d exceeds max_conns %d", cfg.MinConns, cfg.MaxConns)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgpool: parsing dsn: %w", err)
	}
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("pgpool: creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgpool: pinging database: %w", err)
	}

	return &Pool{pool: pool, cfg: cfg, sleep: time.Sleep}, nil
}

// Acquire checks a connection out of the pool.
//
// Each attempt is bounded by AcquireTimeout. Transient failures retry up to
// RetryMax times with doubling backoff; after that the error wraps
// ErrPoolExhausted together with the last attempt error. Non-transient
// failures and parent-context cancellation return immediately.
func (p *Pool) Acquire(ctx context.Context) (*pgxpool.Conn, error) {
	return p.acquireRetry(ctx, p.pool.Acquire)
}

// acquireFn is the checkout the retry loop drives; tests stub it.
type acquireFn func(ctx context.Context) (*pgxpool.Conn, error)

func (p *Pool) acquireRetry(ctx context.Context, acquire acquireFn) (*pgxpool.Conn, error) {
	var lastErr error
	for attempt := 0; attempt <= p.cfg.RetryMax; attempt++ {
		if attempt > 0 {
			d := backoff(p.cfg.RetryBackoff, attempt)
			p.logf("stage=pool op=acquire retry=%d backoff=%s err=%v", attempt, d, lastErr)
			p.sleep(d)
		}
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("pgpool: acquire: %w", err)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		conn, err := acquire(attemptCtx)
		cancel()
		if err == nil {
			return conn, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, fmt.Errorf("pgpool: acquire: %w", ctx.Err())
		}
		if !transient(err) {
			return nil, fmt.Errorf("pgpool: acquire: %w", err)
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrPoolExhausted, p.cfg.RetryMax+1, lastErr)
}

// Release returns a connection to the pool. nil is a no-op so callers can
// release unconditionally on error paths.
func (p *Pool) Release(conn *pgxpool.Conn) {
	if conn != nil {
		conn.Release()
	}
}

// HealthCheck verifies a full round trip, not just pool liveness.
func (p *Pool) HealthCheck(ctx context.Context) error {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("pgpool: health: %w", err)
	}
	defer conn.Release()

	var one int
	if err := conn.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("pgpool: health: %w", err)
	}
	return nil
}

// Stat exposes pool counters for stage logging.
func (p *Pool) Stat() *pgxpool.Stat {
	return p.pool.Stat()
}

// Close closes the underlying pool and blocks until checkouts return.
func (p *Pool) Close() {
	p.pool.Close()
}

func (p *Pool) logf(format string, v ...any) {
	if p.cfg.Logger != nil {
		p.cfg.Logger.Printf(format, v...)
	}
}

func backoff(base time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}

// transient reports whether an acquire failure is worth retrying.
//
// Retryable: acquire timeouts, network timeouts and resets, server states
// that clear on their own (too many connections, starting up, connection
// exceptions), and protocol states pgconn marks safe to retry.
//
// Not retryable: parent cancellation, authentication failures, unknown
// database, unknown host. Those never heal within a retry budget.
func transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		code := pgErr.Code
		switch {
		case strings.HasPrefix(code, "28"): // invalid_authorization_specification, invalid_password
			return false
		case code == "3D000": // invalid_catalog_name
			return false
		case code == "53300": // too_many_connections
			return true
		case code == "57P03": // cannot_connect_now
			return true
		case strings.HasPrefix(code, "08"): // connection exceptions
			return true
		}
		return false
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTimeout || dnsErr.IsTemporary
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return pgconn.SafeToRetry(err)
}
