package storage

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
)

// Retry policy for transient database failures: exponential backoff with a
// fixed attempt budget. Non-transient errors fail immediately.
const (
	retryAttempts       = 5
	retryInitialBackoff = 200 * time.Millisecond
	retryMaxBackoff     = 5 * time.Second
	retryMultiplier     = 2
)

// withRetry runs op, retrying transient failures with exponential backoff.
// The parent context bounds the whole sequence, backoff sleeps included.
func withRetry(ctx context.Context, logger *slog.Logger, name string, op func(context.Context) error) error {
	backoff := retryInitialBackoff

	var err error

	for attempt := 1; attempt <= retryAttempts; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}

		if !IsTransient(err) || attempt == retryAttempts {
			return err
		}

		logger.Warn("Transient database error, retrying",
			"operation", name,
			"attempt", attempt,
			"backoff", backoff.String(),
			"error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= retryMultiplier
		if backoff > retryMaxBackoff {
			backoff = retryMaxBackoff
		}
	}

	return err
}

// IsTransient classifies an error as worth retrying: connection loss,
// timeouts, deadlocks and serialization failures. Constraint violations and
// SQL errors are permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// Class 08: connection exceptions. 40001 serialization failure,
		// 40P01 deadlock, 55P03 lock not available.
		code := string(pqErr.Code)

		return strings.HasPrefix(code, "08") ||
			code == "40001" || code == "40P01" || code == "55P03"
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		// 1213 deadlock, 1205 lock wait timeout.
		return myErr.Number == 1213 || myErr.Number == 1205
	}

	return false
}
