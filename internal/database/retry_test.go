package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRetryable(t *testing.T) {
	assert.True(t, isRetryable(errors.New("database is locked")))
	assert.True(t, isRetryable(errors.New("SQLITE_BUSY: database is busy")))
	assert.False(t, isRetryable(errors.New("UNIQUE constraint failed: users.user_id")))
	assert.False(t, isRetryable(nil))
}

func TestWithRetry_StopsOnNonRetryableError(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), func() error {
		calls++
		return errors.New("syntax error")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetry_ExhaustsAttemptsOnRetryableError(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), func() error {
		calls++
		return errors.New("database is locked")
	})
	assert.Error(t, err)
	assert.Equal(t, retryAttempts, calls)
}

func TestWithRetry_SucceedsAfterTransientError(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), func() error {
		calls++
		if calls < 2 {
			return errors.New("database is locked")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestExecRetry(t *testing.T) {
	db := newTestDB(t, "core")
	require.NoError(t, db.Migrate())

	_, err := db.ExecRetry(context.Background(), `INSERT INTO users (user_id, display_name, contact_phone) VALUES (?, ?, ?)`, "u1", "Name", "010-1111-2222")
	require.NoError(t, err)

	var count int
	require.NoError(t, db.FetchOneRetry(context.Background(), func(row *sql.Row) error {
		return row.Scan(&count)
	}, `SELECT COUNT(*) FROM users`))
	assert.Equal(t, 1, count)
}
