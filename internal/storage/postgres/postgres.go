package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"tokenrail/internal/observability"
)

// Pool wraps pgxpool.Pool for dependency injection. With metrics attached it
// records per-operation query latency and error counts.
type Pool struct {
	*pgxpool.Pool
	metrics *observability.Metrics // may be nil
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithMetrics attaches query instrumentation.
func WithMetrics(m *observability.Metrics) PoolOption {
	return func(p *Pool) {
		p.metrics = m
	}
}

// NewPool creates a new Postgres connection pool.
func NewPool(ctx context.Context, dsn string, opts ...PoolOption) (*Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	p := &Pool{Pool: pool}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Exec shadows the embedded pool's Exec to record query metrics.
func (p *Pool) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	start := time.Now()
	tag, err := p.Pool.Exec(ctx, sql, args...)
	p.record("exec", start, err)
	return tag, err
}

// Query shadows the embedded pool's Query to record query metrics.
func (p *Pool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	start := time.Now()
	rows, err := p.Pool.Query(ctx, sql, args...)
	p.record("query", start, err)
	return rows, err
}

// QueryRow shadows the embedded pool's QueryRow to record query metrics.
// Row errors only surface at Scan, so only the duration is recorded here.
func (p *Pool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	start := time.Now()
	row := p.Pool.QueryRow(ctx, sql, args...)
	p.record("query_row", start, nil)
	return row
}

func (p *Pool) record(operation string, start time.Time, err error) {
	if p.metrics == nil {
		return
	}
	p.metrics.RecordDBQuery("postgres", operation, time.Since(start).Seconds(), err)
}

// Close closes the connection pool.
func (p *Pool) Close() {
	p.Pool.Close()
}

// PostgreSQL error codes
const (
	pgErrUniqueViolation = "23505" // unique_violation
)

// isDuplicateKeyError checks if error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgErrUniqueViolation
	}

	return false
}

// isNotFoundError checks if error indicates no rows found.
func isNotFoundError(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// parseNumeric converts a NUMERIC column read as text into a big.Int.
func parseNumeric(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("parse numeric %q", s)
	}
	return v, nil
}

// numericArg renders a big.Int as the text argument for a NUMERIC parameter.
// Nil is rendered as zero.
func numericArg(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
