package dedup

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperasset/sentinel/internal/testutil"
)

func newTestFilter(t *testing.T) (*Filter, string) {
	db := testutil.NewTestDB(t, "core")
	logPath := filepath.Join(t.TempDir(), "duplicates.csv")
	return New(db.Conn(), DefaultHammingThreshold, DefaultTTLHours, logPath, zerolog.Nop()), logPath
}

func TestFingerprint_EmptyTextIsZero(t *testing.T) {
	assert.Equal(t, uint64(0), Fingerprint(""))
	assert.Equal(t, uint64(0), Fingerprint("   "))
}

func TestFingerprint_IdenticalTextSameFingerprint(t *testing.T) {
	a := Fingerprint("삼성전자 실적 발표 영업이익 급증")
	b := Fingerprint("삼성전자 실적 발표 영업이익 급증")
	assert.Equal(t, a, b)
}

func TestHammingDistance_ZeroForIdentical(t *testing.T) {
	fp := Fingerprint("golden cross signal detected on stock")
	assert.Equal(t, 0, hammingDistance(fp, fp))
}

func TestCheckAndInsert_EmptyTextIsNonDuplicateNoInsert(t *testing.T) {
	ctx := context.Background()
	f, _ := newTestFilter(t)

	isDup, match := f.CheckAndInsert(ctx, "005930", "", "", "")
	assert.False(t, isDup)
	assert.Nil(t, match)

	var count int
	require.NoError(t, f.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM simhash_cache").Scan(&count))
	assert.Equal(t, 0, count)
}

func TestCheckAndInsert_FirstSeenIsNotDuplicate(t *testing.T) {
	ctx := context.Background()
	f, _ := newTestFilter(t)

	isDup, match := f.CheckAndInsert(ctx, "005930", "삼성전자 실적 발표", "영업이익이 전년 대비 크게 증가했다", "https://example.com/a")
	assert.False(t, isDup)
	assert.Nil(t, match)

	var count int
	require.NoError(t, f.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM simhash_cache").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestCheckAndInsert_NearIdenticalTextIsDuplicate(t *testing.T) {
	ctx := context.Background()
	f, logPath := newTestFilter(t)

	title := "삼성전자 실적 발표 영업이익 급증 반도체 호황"
	content := "3분기 영업이익이 시장 예상치를 크게 상회했다 반도체 업황 개선"

	isDup, match := f.CheckAndInsert(ctx, "005930", title, content, "https://example.com/a")
	require.False(t, isDup)
	require.Nil(t, match)

	isDup, match = f.CheckAndInsert(ctx, "005930", title, content, "https://example.com/b")
	assert.True(t, isDup)
	require.NotNil(t, match)
	assert.Equal(t, 0, match.Distance)
	assert.Equal(t, "https://example.com/a", match.MatchedURL)

	_, err := os.Stat(logPath)
	assert.NoError(t, err, "duplicate log should have been created")
}

func TestCheckAndInsert_UnrelatedTextIsNotDuplicate(t *testing.T) {
	ctx := context.Background()
	f, _ := newTestFilter(t)

	_, _ = f.CheckAndInsert(ctx, "005930", "삼성전자 반도체 실적", "영업이익 증가", "https://example.com/a")

	isDup, match := f.CheckAndInsert(ctx, "005930", "완전히 다른 주제의 기사입니다", "전혀 관련 없는 내용입니다", "https://example.com/c")
	assert.False(t, isDup)
	assert.Nil(t, match)
}

func TestCheckAndInsert_SameTextDifferentStockIsNotDuplicate(t *testing.T) {
	ctx := context.Background()
	f, _ := newTestFilter(t)

	title := "실적 발표 영업이익 급증"
	_, _ = f.CheckAndInsert(ctx, "005930", title, "본문 내용", "https://example.com/a")

	isDup, match := f.CheckAndInsert(ctx, "000660", title, "본문 내용", "https://example.com/b")
	assert.False(t, isDup)
	assert.Nil(t, match)
}

func TestVacuum_DeletesOnlyExpiredRows(t *testing.T) {
	ctx := context.Background()
	f, _ := newTestFilter(t)

	_, err := f.db.ExecContext(ctx,
		`INSERT INTO simhash_cache (stock_code, fingerprint, title_snippet, url, created_ts) VALUES (?, ?, ?, ?, ?)`,
		"005930", int64(123), "old item", "https://example.com/old", "2000-01-01 00:00:00",
	)
	require.NoError(t, err)

	_, _ = f.CheckAndInsert(ctx, "005930", "최신 기사", "본문", "https://example.com/new")

	deleted, err := f.Vacuum(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	var count int
	require.NoError(t, f.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM simhash_cache").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestFilterName(t *testing.T) {
	f, _ := newTestFilter(t)
	assert.Equal(t, "simhash_vacuum", f.Name())
}
