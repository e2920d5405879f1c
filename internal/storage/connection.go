package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	// The four supported engines register their database/sql drivers here
	// so callers only import this package.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/microsoft/go-mssqldb"
	_ "modernc.org/sqlite"
)

// Pool settings. Stage loads are bursty; a modest pool avoids exhausting
// server connections when many files arrive at once.
const (
	maxOpenConns    = 20
	maxIdleConns    = 5
	connMaxLifetime = 30 * time.Minute
	pingTimeout     = 10 * time.Second
)

// DB wraps the connection pool with the resolved dialect, a per-call
// timeout and transient-error retry. All statement execution in the
// package goes through Exec / QueryRow.
type DB struct {
	pool    *sql.DB
	dialect Dialect
	timeout time.Duration
	logger  *slog.Logger
}

// Connect resolves the dialect from the URL scheme, opens the pool and
// verifies connectivity.
func Connect(ctx context.Context, rawURL string, callTimeout time.Duration, logger *slog.Logger) (*DB, error) {
	dialect, dsn, err := FromURL(rawURL)
	if err != nil {
		return nil, err
	}

	pool, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pool.SetMaxOpenConns(maxOpenConns)
	pool.SetMaxIdleConns(maxIdleConns)
	pool.SetConnMaxLifetime(connMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := pool.PingContext(pingCtx); err != nil {
		_ = pool.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Connected to database", "dialect", dialect.Name())

	return &DB{
		pool:    pool,
		dialect: dialect,
		timeout: callTimeout,
		logger:  logger,
	}, nil
}

// Dialect returns the resolved SQL dialect.
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// Close releases the connection pool.
func (db *DB) Close() error {
	return db.pool.Close()
}

// Exec runs a statement with the per-call timeout and transient retry.
func (db *DB) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var result sql.Result

	err := withRetry(ctx, db.logger, "exec", func(ctx context.Context) error {
		callCtx, cancel := db.callContext(ctx)
		defer cancel()

		var err error
		result, err = db.pool.ExecContext(callCtx, query, args...)

		return err
	})

	return result, err
}

// QueryRowScan runs a single-row query and scans it into dest.
func (db *DB) QueryRowScan(ctx context.Context, query string, args []any, dest ...any) error {
	return withRetry(ctx, db.logger, "query_row", func(ctx context.Context) error {
		callCtx, cancel := db.callContext(ctx)
		defer cancel()

		return db.pool.QueryRowContext(callCtx, query, args...).Scan(dest...)
	})
}

// Query runs a multi-row query. Rows iteration is bounded by the returned
// context's timeout; callers must Close the rows and call cancel.
func (db *DB) Query(ctx context.Context, query string, args ...any) (*sql.Rows, context.CancelFunc, error) {
	callCtx, cancel := db.callContext(ctx)

	rows, err := db.pool.QueryContext(callCtx, query, args...) //nolint:sqlclosecheck // closed by caller
	if err != nil {
		cancel()

		return nil, nil, err
	}

	return rows, cancel, nil
}

func (db *DB) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if db.timeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, db.timeout)
}
