package database

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

// retryAttempts is the number of tries for a retryable database operation
// before giving up.
const retryAttempts = 3

// retryBaseDelay is the delay before the first retry; each subsequent retry
// doubles it (50ms, 100ms, 200ms).
const retryBaseDelay = 50 * time.Millisecond

// isRetryable reports whether err looks like a transient sqlite contention
// error (the WAL writer lock, or a busy/locked database) rather than a
// logic or constraint error that retrying cannot fix.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, sub := range []string{"database is locked", "SQLITE_BUSY", "SQLITE_LOCKED", "busy"} {
		if strings.Contains(msg, sub) {
			return true
		}
	}
	return false
}

// withRetry runs op up to retryAttempts times with exponential backoff,
// returning early on success or on a non-retryable error.
func withRetry(ctx context.Context, op func() error) error {
	var lastErr error
	delay := retryBaseDelay
	for attempt := 0; attempt < retryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil || !isRetryable(lastErr) {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return lastErr
}

// ExecRetry runs ExecContext with retry-on-contention semantics.
func (db *DB) ExecRetry(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var res sql.Result
	err := withRetry(ctx, func() error {
		var opErr error
		res, opErr = db.conn.ExecContext(ctx, query, args...)
		return opErr
	})
	return res, err
}

// FetchOneRetry runs QueryRowContext.Scan with retry-on-contention semantics.
func (db *DB) FetchOneRetry(ctx context.Context, dest func(*sql.Row) error, query string, args ...interface{}) error {
	return withRetry(ctx, func() error {
		row := db.conn.QueryRowContext(ctx, query, args...)
		return dest(row)
	})
}

// FetchAllRetry runs a query and passes the resulting *sql.Rows to scan,
// with retry-on-contention semantics. scan is responsible for closing
// nothing; FetchAllRetry closes rows itself once scan returns.
func (db *DB) FetchAllRetry(ctx context.Context, scan func(*sql.Rows) error, query string, args ...interface{}) error {
	return withRetry(ctx, func() error {
		rows, err := db.conn.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		return scan(rows)
	})
}
