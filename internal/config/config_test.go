package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t, "DATA_DIR", "PORT", "DATA_RETENTION_DAYS", "MARKET_TIMEZONE", "NEWS_IMPACT_THRESHOLD")

	cfg, err := Load(filepath.Join(t.TempDir(), "data"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 30, cfg.DataRetentionDays)
	assert.Equal(t, "Asia/Seoul", cfg.MarketTimezone)
	assert.Equal(t, 0.5, cfg.News.ImpactThreshold)
	assert.Equal(t, int64(10_000_000), cfg.Chart.VolumeThreshold)
	assert.Equal(t, 0.10, cfg.Chart.PriceChangeThreshold)
	assert.Equal(t, "Markdown", cfg.Telegram.ParseMode)
	assert.True(t, filepath.IsAbs(cfg.DataDir))
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t, "PORT", "NEWS_IMPACT_THRESHOLD", "MARKET_TIMEZONE")
	os.Setenv("PORT", "9090")
	os.Setenv("NEWS_IMPACT_THRESHOLD", "0.75")
	os.Setenv("MARKET_TIMEZONE", "America/New_York")

	cfg, err := Load(filepath.Join(t.TempDir(), "data"))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 0.75, cfg.News.ImpactThreshold)
	assert.Equal(t, "America/New_York", cfg.MarketTimezone)
}

func TestLoad_InvalidTimezoneRejected(t *testing.T) {
	clearEnv(t, "MARKET_TIMEZONE")
	os.Setenv("MARKET_TIMEZONE", "Not/A/Zone")

	_, err := Load(filepath.Join(t.TempDir(), "data"))
	assert.Error(t, err)
}

func TestLoad_NegativeRetentionRejected(t *testing.T) {
	clearEnv(t, "DATA_RETENTION_DAYS")
	os.Setenv("DATA_RETENTION_DAYS", "-1")

	_, err := Load(filepath.Join(t.TempDir(), "data"))
	assert.Error(t, err)
}

func TestDBPath(t *testing.T) {
	cfg := &Config{DataDir: "/data"}
	assert.Equal(t, "/data/core.db", cfg.DBPath("core"))
	assert.Equal(t, "/data/core.db", cfg.DBPath("core.db"))
}

func TestMarketLocation_FallsBackToUTC(t *testing.T) {
	cfg := &Config{MarketTimezone: "Definitely/Invalid"}
	assert.Equal(t, "UTC", cfg.MarketLocation().String())
}
