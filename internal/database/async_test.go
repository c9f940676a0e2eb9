package database

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsyncPool_ExecAsync(t *testing.T) {
	db := newTestDB(t, "core")
	require.NoError(t, db.Migrate())

	pool := NewAsyncPool(2)
	defer pool.Close()

	ch := db.ExecAsync(pool, context.Background(), `INSERT INTO users (user_id, display_name, contact_phone) VALUES (?, ?, ?)`, "u1", "Name", "010-3333-4444")

	select {
	case res := <-ch:
		require.NoError(t, res.Err)
		rows, err := res.Result.RowsAffected()
		require.NoError(t, err)
		assert.Equal(t, int64(1), rows)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for async exec")
	}
}

func TestAsyncPool_FetchAllAsync(t *testing.T) {
	db := newTestDB(t, "core")
	require.NoError(t, db.Migrate())
	_, err := db.Exec(`INSERT INTO users (user_id, display_name, contact_phone) VALUES (?, ?, ?)`, "u1", "Name", "010-5555-6666")
	require.NoError(t, err)

	pool := NewAsyncPool(2)
	defer pool.Close()

	var ids []string
	ch := db.FetchAllAsync(pool, context.Background(), func(rows *sql.Rows) error {
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	}, `SELECT user_id FROM users`)

	select {
	case err := <-ch:
		require.NoError(t, err)
		assert.Equal(t, []string{"u1"}, ids)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for async fetch")
	}
}
