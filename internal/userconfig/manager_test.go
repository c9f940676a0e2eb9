package userconfig

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperasset/sentinel/internal/testutil"
)

func newTestManager(t *testing.T) *Manager {
	db := testutil.NewTestDB(t, "core")
	return NewManager(db.Conn())
}

func seedUser(t *testing.T, m *Manager, userID string) {
	t.Helper()
	_, err := m.db.ExecContext(context.Background(),
		`INSERT INTO users (user_id, display_name, contact_phone) VALUES (?, ?, ?)`,
		userID, "Test User", userID+"-phone",
	)
	require.NoError(t, err)
}

func TestGetUserConfig_DefaultsWhenFieldsAbsent(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	seedUser(t, m, "u1")

	cfg, err := m.GetUserConfig(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, DefaultModelTag, cfg.ModelTag)
	assert.Equal(t, DefaultNewsSimilarityThreshold, cfg.NewsSimilarityThreshold)
	assert.Equal(t, DefaultNewsImpactThreshold, cfg.NewsImpactThreshold)
	assert.Empty(t, cfg.Stocks)
}

func TestGetUserConfig_UnknownUserReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	_, err := m.GetUserConfig(ctx, "ghost")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestGetUserConfig_CachesWithinTTL(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	seedUser(t, m, "u1")

	cfg1, err := m.GetUserConfig(ctx, "u1")
	require.NoError(t, err)

	_, err = m.db.ExecContext(ctx, `UPDATE users SET display_name = 'Changed' WHERE user_id = 'u1'`)
	require.NoError(t, err)

	cfg2, err := m.GetUserConfig(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, cfg1.DisplayName, cfg2.DisplayName, "cached value should not reflect the direct DB write")
}

func TestSetModel_InvalidatesCache(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	seedUser(t, m, "u1")

	_, err := m.GetUserConfig(ctx, "u1")
	require.NoError(t, err)

	require.NoError(t, m.SetModel(ctx, "u1", "claude"))

	cfg, err := m.GetUserConfig(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "claude", cfg.ModelTag)
}

func TestUpdateStocks_ReplacesWatchlist(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	seedUser(t, m, "u1")

	require.NoError(t, m.UpdateStocks(ctx, "u1", map[string]string{"005930": "Samsung Electronics"}))

	assert.True(t, m.IsUserInterestedInStock(ctx, "u1", "005930"))
	assert.False(t, m.IsUserInterestedInStock(ctx, "u1", "000660"))

	require.NoError(t, m.UpdateStocks(ctx, "u1", map[string]string{"000660": "SK Hynix"}))
	assert.False(t, m.IsUserInterestedInStock(ctx, "u1", "005930"))
	assert.True(t, m.IsUserInterestedInStock(ctx, "u1", "000660"))
}

func TestIsUserInterestedInStock_UnknownUserIsFalse(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	assert.False(t, m.IsUserInterestedInStock(ctx, "ghost", "005930"))
}

func TestUpdateUserConfig_FansOutAndInvalidatesOnce(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	seedUser(t, m, "u1")

	impact := 0.9
	err := m.UpdateUserConfig(ctx, "u1", UpdateUserConfigRequest{
		ModelTag:        "gemini",
		Stocks:          map[string]string{"005930": "Samsung Electronics"},
		ImpactThreshold: &impact,
	})
	require.NoError(t, err)

	cfg, err := m.GetUserConfig(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "gemini", cfg.ModelTag)
	assert.True(t, cfg.Stocks["005930"])
	assert.Equal(t, 0.9, cfg.NewsImpactThreshold)
	assert.Equal(t, DefaultNewsSimilarityThreshold, cfg.NewsSimilarityThreshold, "untouched field keeps its prior value")
}

func TestModelTag_SatisfiesLLMGatewayCapability(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	seedUser(t, m, "u1")
	require.NoError(t, m.SetModel(ctx, "u1", "grok"))

	tag, err := m.ModelTag(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "grok", tag)
}
