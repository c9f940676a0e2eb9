// Package userconfig implements the C5 user configuration manager: the
// authoritative in-process view of users, composed from profile,
// watchlist, and model-tag rows in core.db, with a 5-minute TTL cache
// keyed by user_id that every mutation explicitly invalidates.
package userconfig

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/google/uuid"

	"github.com/hyperasset/sentinel/internal/apperr"
)

// Documented defaults (spec §4.5 / §9 config table).
const (
	DefaultModelTag               = "hyperclova"
	DefaultNewsSimilarityThreshold = 0.7
	DefaultNewsImpactThreshold     = 0.8

	cacheTTL = 5 * time.Minute
)

// UserConfig composes a user's profile, watchlist, and model selection —
// the unit returned by GetUserConfig and cached under user_id.
type UserConfig struct {
	UserID                  string
	DisplayName             string
	ContactPhone            string
	NewsSimilarityThreshold float64
	NewsImpactThreshold     float64
	ModelTag                string
	Stocks                  map[string]bool // stock_code -> enabled
	Services                ServiceSubscriptions
}

// ServiceSubscriptions is the per-user worker opt-in/opt-out set.
type ServiceSubscriptions struct {
	News       bool
	Disclosure bool
	Chart      bool
	Report     bool
	Flow       bool
}

// ErrUserNotFound is returned when no user row exists for the given id.
var ErrUserNotFound = errors.New("userconfig: user not found")

// Manager is the C5 user configuration manager.
type Manager struct {
	db    *sql.DB
	cache *lru.LRU[string, UserConfig]
}

// NewManager builds a user config manager over core.db's user tables.
func NewManager(db *sql.DB) *Manager {
	return &Manager{
		db:    db,
		cache: lru.NewLRU[string, UserConfig](1024, nil, cacheTTL),
	}
}

// CreateUser registers a new profile with a generated user_id, per the
// onboarding scenario's POST /users/profile. Watchlist, model, and
// service-subscription rows are left unset; loadUserConfig's existing
// zero-row fallbacks (all five services enabled, hyperclova) apply until
// the caller sets them explicitly through the other /api/user/* routes.
func (m *Manager) CreateUser(ctx context.Context, displayName, contactPhone string, similarityThreshold, impactThreshold float64) (string, error) {
	userID := uuid.NewString()
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO users (user_id, display_name, contact_phone, news_similarity_threshold, news_impact_threshold)
		 VALUES (?, ?, ?, ?, ?)`,
		userID, displayName, contactPhone, similarityThreshold, impactThreshold,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return "", apperr.Wrap(apperr.KindValidation, "userconfig.CreateUser", "phone number already registered", err)
		}
		return "", fmt.Errorf("create user: %w", err)
	}
	return userID, nil
}

// GetUserConfig composes a user's config from profile, watchlist, and model
// tables. Cache hits within the 5-minute TTL skip all four queries.
func (m *Manager) GetUserConfig(ctx context.Context, userID string) (UserConfig, error) {
	if cfg, ok := m.cache.Get(userID); ok {
		return cfg, nil
	}

	cfg, err := m.loadUserConfig(ctx, userID)
	if err != nil {
		return UserConfig{}, err
	}

	m.cache.Add(userID, cfg)
	return cfg, nil
}

func (m *Manager) loadUserConfig(ctx context.Context, userID string) (UserConfig, error) {
	var cfg UserConfig
	cfg.UserID = userID
	cfg.ModelTag = DefaultModelTag
	cfg.NewsSimilarityThreshold = DefaultNewsSimilarityThreshold
	cfg.NewsImpactThreshold = DefaultNewsImpactThreshold
	cfg.Stocks = make(map[string]bool)
	cfg.Services = ServiceSubscriptions{News: true, Disclosure: true, Chart: true, Report: true, Flow: true}

	row := m.db.QueryRowContext(ctx,
		`SELECT display_name, contact_phone, news_similarity_threshold, news_impact_threshold
		 FROM users WHERE user_id = ?`, userID)
	if err := row.Scan(&cfg.DisplayName, &cfg.ContactPhone, &cfg.NewsSimilarityThreshold, &cfg.NewsImpactThreshold); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return UserConfig{}, ErrUserNotFound
		}
		return UserConfig{}, fmt.Errorf("load user profile: %w", err)
	}

	var modelTag sql.NullString
	err := m.db.QueryRowContext(ctx, `SELECT model_tag FROM model_selections WHERE user_id = ?`, userID).Scan(&modelTag)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return UserConfig{}, fmt.Errorf("load model selection: %w", err)
	}
	if modelTag.Valid && modelTag.String != "" {
		cfg.ModelTag = modelTag.String
	}

	rows, err := m.db.QueryContext(ctx, `SELECT stock_code, enabled FROM watchlist_entries WHERE user_id = ?`, userID)
	if err != nil {
		return UserConfig{}, fmt.Errorf("load watchlist: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var stockCode string
		var enabled bool
		if err := rows.Scan(&stockCode, &enabled); err != nil {
			return UserConfig{}, fmt.Errorf("scan watchlist row: %w", err)
		}
		if enabled {
			cfg.Stocks[stockCode] = true
		}
	}
	if err := rows.Err(); err != nil {
		return UserConfig{}, fmt.Errorf("iterate watchlist: %w", err)
	}

	var news, disclosure, chart, report, flow sql.NullBool
	err = m.db.QueryRowContext(ctx,
		`SELECT news, disclosure, chart, report, flow FROM service_subscriptions WHERE user_id = ?`, userID,
	).Scan(&news, &disclosure, &chart, &report, &flow)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return UserConfig{}, fmt.Errorf("load service subscriptions: %w", err)
	}
	if err == nil {
		cfg.Services = ServiceSubscriptions{
			News: news.Valid && news.Bool, Disclosure: disclosure.Valid && disclosure.Bool,
			Chart: chart.Valid && chart.Bool, Report: report.Valid && report.Bool, Flow: flow.Valid && flow.Bool,
		}
	}

	return cfg, nil
}

// ModelTag satisfies the llm.UserConfig capability the gateway depends on.
func (m *Manager) ModelTag(ctx context.Context, userID string) (string, error) {
	cfg, err := m.GetUserConfig(ctx, userID)
	if err != nil {
		return "", err
	}
	return cfg.ModelTag, nil
}

// IsUserInterestedInStock reports whether userID has an enabled watchlist
// entry for stockCode; an unknown user yields false.
func (m *Manager) IsUserInterestedInStock(ctx context.Context, userID, stockCode string) bool {
	cfg, err := m.GetUserConfig(ctx, userID)
	if err != nil {
		return false
	}
	return cfg.Stocks[stockCode]
}

// UsersWatchingStock returns the ids of every user with an enabled
// watchlist entry for stockCode.
func (m *Manager) UsersWatchingStock(ctx context.Context, stockCode string) ([]string, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT user_id FROM watchlist_entries WHERE stock_code = ? AND enabled = 1`, stockCode)
	if err != nil {
		return nil, fmt.Errorf("users watching stock: %w", err)
	}
	defer rows.Close()

	var userIDs []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("users watching stock: scan: %w", err)
		}
		userIDs = append(userIDs, userID)
	}
	return userIDs, rows.Err()
}

// Candidate pairs a watching user with the display name they registered
// for a stock (names are recorded per-user since users may title their own
// watchlist entries independently).
type Candidate struct {
	UserID    string
	StockName string
}

// StockWatchers returns every user with an enabled watchlist entry for
// stockCode, with the name they registered for it. Used by the
// notification dispatcher (C6) to enumerate candidate recipients and
// render their stock's display name without a second lookup.
func (m *Manager) StockWatchers(ctx context.Context, stockCode string) ([]Candidate, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT user_id, stock_name FROM watchlist_entries WHERE stock_code = ? AND enabled = 1`, stockCode)
	if err != nil {
		return nil, fmt.Errorf("stock watchers: %w", err)
	}
	defer rows.Close()

	var candidates []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.UserID, &c.StockName); err != nil {
			return nil, fmt.Errorf("stock watchers: scan: %w", err)
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

// AllUserIDs returns every registered user id, used by the dispatcher to
// broadcast stock-less events (system, error).
func (m *Manager) AllUserIDs(ctx context.Context) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT user_id FROM users`)
	if err != nil {
		return nil, fmt.Errorf("all user ids: %w", err)
	}
	defer rows.Close()

	var userIDs []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("all user ids: scan: %w", err)
		}
		userIDs = append(userIDs, userID)
	}
	return userIDs, rows.Err()
}

// SetModel upserts a user's selected model tag and invalidates their cache
// entry.
func (m *Manager) SetModel(ctx context.Context, userID, modelTag string) error {
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO model_selections (user_id, model_tag) VALUES (?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET model_tag = excluded.model_tag`,
		userID, modelTag,
	)
	if err != nil {
		return fmt.Errorf("set model: %w", err)
	}
	m.invalidate(userID)
	return nil
}

// UpdateStocks replaces a user's watchlist with the given stock-code ->
// display-name map, all enabled, and invalidates their cache entry.
func (m *Manager) UpdateStocks(ctx context.Context, userID string, stocks map[string]string) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update stocks: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM watchlist_entries WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("update stocks: clear watchlist: %w", err)
	}
	for code, name := range stocks {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO watchlist_entries (user_id, stock_code, stock_name, enabled) VALUES (?, ?, ?, 1)`,
			userID, code, name,
		); err != nil {
			return fmt.Errorf("update stocks: insert %s: %w", code, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("update stocks: commit: %w", err)
	}
	m.invalidate(userID)
	return nil
}

// UpdateThresholds sets a user's news similarity/impact thresholds and
// invalidates their cache entry.
func (m *Manager) UpdateThresholds(ctx context.Context, userID string, similarityThreshold, impactThreshold float64) error {
	_, err := m.db.ExecContext(ctx,
		`UPDATE users SET news_similarity_threshold = ?, news_impact_threshold = ? WHERE user_id = ?`,
		similarityThreshold, impactThreshold, userID,
	)
	if err != nil {
		return fmt.Errorf("update thresholds: %w", err)
	}
	m.invalidate(userID)
	return nil
}

// UpdateUserConfigRequest bundles the fan-out fields of a single
// updateUserConfig gateway mutation; zero-value fields are left unchanged
// except ModelTag, which is always applied when non-empty, and Stocks,
// which is always applied when non-nil.
type UpdateUserConfigRequest struct {
	ModelTag             string
	Stocks               map[string]string
	SimilarityThreshold  *float64
	ImpactThreshold      *float64
}

// UpdateUserConfig fans a single gateway mutation out to the per-field
// setters, sharing one invalidation at the end rather than one per setter.
func (m *Manager) UpdateUserConfig(ctx context.Context, userID string, req UpdateUserConfigRequest) error {
	if req.ModelTag != "" {
		if _, err := m.db.ExecContext(ctx,
			`INSERT INTO model_selections (user_id, model_tag) VALUES (?, ?)
			 ON CONFLICT(user_id) DO UPDATE SET model_tag = excluded.model_tag`,
			userID, req.ModelTag,
		); err != nil {
			return fmt.Errorf("update user config: set model: %w", err)
		}
	}

	if req.Stocks != nil {
		tx, err := m.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("update user config: begin tx: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM watchlist_entries WHERE user_id = ?`, userID); err != nil {
			tx.Rollback()
			return fmt.Errorf("update user config: clear watchlist: %w", err)
		}
		for code, name := range req.Stocks {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO watchlist_entries (user_id, stock_code, stock_name, enabled) VALUES (?, ?, ?, 1)`,
				userID, code, name,
			); err != nil {
				tx.Rollback()
				return fmt.Errorf("update user config: insert %s: %w", code, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("update user config: commit: %w", err)
		}
	}

	if req.SimilarityThreshold != nil || req.ImpactThreshold != nil {
		current, err := m.loadUserConfig(ctx, userID)
		if err != nil {
			return fmt.Errorf("update user config: load current thresholds: %w", err)
		}
		sim, impact := current.NewsSimilarityThreshold, current.NewsImpactThreshold
		if req.SimilarityThreshold != nil {
			sim = *req.SimilarityThreshold
		}
		if req.ImpactThreshold != nil {
			impact = *req.ImpactThreshold
		}
		if _, err := m.db.ExecContext(ctx,
			`UPDATE users SET news_similarity_threshold = ?, news_impact_threshold = ? WHERE user_id = ?`,
			sim, impact, userID,
		); err != nil {
			return fmt.Errorf("update user config: set thresholds: %w", err)
		}
	}

	m.invalidate(userID)
	return nil
}

func (m *Manager) invalidate(userID string) {
	m.cache.Remove(userID)
}
