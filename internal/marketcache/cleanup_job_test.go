package marketcache

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func TestNewCleanupJob(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	repo := NewRepository(db)
	job := NewCleanupJob(repo, zerolog.Nop())

	assert.NotNil(t, job)
}

func TestCleanupJobName(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	repo := NewRepository(db)
	job := NewCleanupJob(repo, zerolog.Nop())

	assert.Equal(t, "market_cache_cleanup", job.Name())
}

func TestCleanupJobRun(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	repo := NewRepository(db)
	job := NewCleanupJob(repo, zerolog.Nop())

	now := time.Now()
	expiredAt := now.Add(-time.Hour).Unix()
	freshAt := now.Add(time.Hour).Unix()

	insertExpiredAndFresh(t, db, "kis_price_quotes", expiredAt, freshAt)
	insertExpiredAndFresh(t, db, "dart_filing_pages", expiredAt, freshAt)

	var countBefore int
	db.QueryRow("SELECT (SELECT COUNT(*) FROM kis_price_quotes) + (SELECT COUNT(*) FROM dart_filing_pages)").Scan(&countBefore)
	assert.Equal(t, 4, countBefore) // 2 per table (1 expired + 1 fresh)

	err := job.Run(context.Background())
	require.NoError(t, err)

	var countAfter int
	db.QueryRow("SELECT (SELECT COUNT(*) FROM kis_price_quotes) + (SELECT COUNT(*) FROM dart_filing_pages)").Scan(&countAfter)
	assert.Equal(t, 2, countAfter) // 1 fresh per table
}

func TestCleanupJobRunEmptyTables(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	repo := NewRepository(db)
	job := NewCleanupJob(repo, zerolog.Nop())

	err := job.Run(context.Background())
	require.NoError(t, err)
}

func TestCleanupJobRunAllExpired(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	repo := NewRepository(db)
	job := NewCleanupJob(repo, zerolog.Nop())

	expiredAt := time.Now().Add(-time.Hour).Unix()

	_, err := db.Exec("INSERT INTO kis_price_quotes (cache_key, data, expires_at) VALUES (?, ?, ?)", "005930", `{}`, expiredAt)
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO kis_price_quotes (cache_key, data, expires_at) VALUES (?, ?, ?)", "000660", `{}`, expiredAt)
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO dart_filing_pages (cache_key, data, expires_at) VALUES (?, ?, ?)", "00126380:1", `{}`, expiredAt)
	require.NoError(t, err)

	err = job.Run(context.Background())
	require.NoError(t, err)

	var count int
	db.QueryRow("SELECT COUNT(*) FROM kis_price_quotes").Scan(&count)
	assert.Equal(t, 0, count)
	db.QueryRow("SELECT COUNT(*) FROM dart_filing_pages").Scan(&count)
	assert.Equal(t, 0, count)
}

func TestCleanupJobRunAllFresh(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	repo := NewRepository(db)
	job := NewCleanupJob(repo, zerolog.Nop())

	freshAt := time.Now().Add(time.Hour).Unix()

	_, err := db.Exec("INSERT INTO kis_price_quotes (cache_key, data, expires_at) VALUES (?, ?, ?)", "005930", `{}`, freshAt)
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO kis_price_quotes (cache_key, data, expires_at) VALUES (?, ?, ?)", "000660", `{}`, freshAt)
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO dart_filing_pages (cache_key, data, expires_at) VALUES (?, ?, ?)", "00126380:1", `{}`, freshAt)
	require.NoError(t, err)

	err = job.Run(context.Background())
	require.NoError(t, err)

	var count int
	db.QueryRow("SELECT COUNT(*) FROM kis_price_quotes").Scan(&count)
	assert.Equal(t, 2, count)
	db.QueryRow("SELECT COUNT(*) FROM dart_filing_pages").Scan(&count)
	assert.Equal(t, 1, count)
}

// insertExpiredAndFresh inserts one expired and one fresh entry into table.
func insertExpiredAndFresh(t *testing.T, db *sql.DB, table string, expiredAt, freshAt int64) {
	t.Helper()

	_, err := db.Exec(
		"INSERT INTO "+table+" (cache_key, data, expires_at) VALUES (?, ?, ?)",
		"EXPIRED_"+table, `{"status":"expired"}`, expiredAt,
	)
	require.NoError(t, err)

	_, err = db.Exec(
		"INSERT INTO "+table+" (cache_key, data, expires_at) VALUES (?, ?, ?)",
		"FRESH_"+table, `{"status":"fresh"}`, freshAt,
	)
	require.NoError(t, err)
}
