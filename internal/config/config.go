// Package config provides configuration management functionality.
//
// This package handles loading configuration from environment variables (.env
// file) and typed, defaulted getters for every downstream component: the
// relational store (C1), the LLM gateway (C4), the notification dispatcher
// (C6), the chart/flow engines (C7/C8), and the request gateway (C12).
//
// Configuration Loading Order:
// 1. Load from .env file (if present)
// 2. Read environment variables with per-field defaults
// 3. Validate
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/hyperasset/sentinel/internal/utils"
)

// Config holds application configuration shared by cmd/gateway and cmd/worker.
type Config struct {
	DataDir  string // base directory for the sqlite stores, always absolute
	Port     int    // HTTP port for the running binary
	LogLevel string
	DevMode  bool

	DataRetentionDays int
	MarketTimezone    string

	Telegram    TelegramConfig
	LLMKeys     LLMKeyConfig
	DART        DARTConfig
	KIS         KISConfig
	News        NewsConfig
	Chart       ChartConfig
	Disclosure  DisclosureConfig
	Market      MarketConfig
	Redis       RedisConfig
	HyperAsset  HyperAssetConfig
	Dedup       DedupConfig
	Gateway     GatewayConfig
	Backup      BackupConfig
}

// BackupConfig configures the optional S3-compatible weekly backup
// (internal/reliability). Bucket empty disables it entirely.
type BackupConfig struct {
	Bucket        string // BACKUP_S3_BUCKET, default "" (disabled)
	RetentionDays int    // BACKUP_RETENTION_DAYS, default 14
}

// GatewayConfig tunes the request gateway (C12): where each worker kind
// listens, which origins may call the gateway cross-origin, and the
// leaky-bucket defaults applied per (user_id, service).
type GatewayConfig struct {
	NewsServiceURL       string // NEWS_SERVICE_URL, default http://localhost:8001
	DisclosureServiceURL string // DISCLOSURE_SERVICE_URL, default http://localhost:8002
	ChartServiceURL      string // CHART_SERVICE_URL, default http://localhost:8003
	ReportServiceURL     string // REPORT_SERVICE_URL, default http://localhost:8004
	FlowServiceURL       string // FLOW_SERVICE_URL, default http://localhost:8010
	UserServiceURL       string // USER_SERVICE_URL, default http://localhost:8005

	CORSAllowedOrigins []string // CORS_ALLOWED_ORIGINS, comma-separated, default "*"

	RateLimitRPS   float64 // RATE_LIMIT_RPS, sustained requests/sec per (user_id, service), default 5
	RateLimitBurst int     // RATE_LIMIT_BURST, bucket depth, default 10

	WorkerBinaryPath string // WORKER_BINARY_PATH, default ./bin/worker — spawned by the C11 supervisor
}

// TelegramConfig configures the notify.Transport implementation backing C6.
type TelegramConfig struct {
	BotToken  string
	ChatID    string
	ParseMode string // "Markdown", "MarkdownV2", "HTML"
}

// LLMKeyConfig holds the API key for each C4 provider. A provider with an
// empty key reports Available() == false and is skipped by the gateway.
type LLMKeyConfig struct {
	HyperCLOVA string
	OpenAI     string
	Claude     string
	Gemini     string
	Grok       string
}

// DARTConfig configures the external.FilingsClient (Korean DART disclosure API).
type DARTConfig struct {
	APIKey string
}

// KISConfig configures the external.PriceFeed (Korea Investment & Securities).
type KISConfig struct {
	AppKey    string
	AppSecret string
	WSURL     string // KIS_WS_URL, default wss://ops.koreainvestment.com:21000
}

// NewsConfig tunes the news pipeline (C9) and C5 defaults.
type NewsConfig struct {
	ImpactThreshold  float64 // NEWS_IMPACT_THRESHOLD, default 0.5
	FetchIntervalMin int     // NEWS_FETCH_INTERVAL_MINUTES, default 10

	APIBaseURL string // NEWS_API_BASE_URL, default https://openapi.naver.com/v1/search/news.json
	APIKeyID   string // NEWS_API_KEY_ID
	APISecret  string // NEWS_API_SECRET
}

// ChartConfig tunes the chart condition engine (C7).
type ChartConfig struct {
	VolumeThreshold      int64   // CHART_VOLUME_THRESHOLD, default 10_000_000
	PriceChangeThreshold float64 // CHART_PRICE_CHANGE_THRESHOLD, default 0.10
}

// DisclosureConfig tunes the disclosure pipeline.
type DisclosureConfig struct {
	PollIntervalMin int // DISCLOSURE_POLL_INTERVAL_MINUTES, default 15
}

// MarketConfig tunes market-hours gating shared by C7/C8/C10.
type MarketConfig struct {
	OpenTime  string // MARKET_OPEN_TIME, "HH:MM", default "09:00"
	CloseTime string // MARKET_CLOSE_TIME, "HH:MM", default "15:30"
}

// RedisConfig configures the C4 shared cache tier.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// HyperAssetConfig carries the per-user identity the supervisor (C11) injects
// into spawned worker processes.
type HyperAssetConfig struct {
	UserID string // HYPERASSET_USER_ID
}

// DedupConfig tunes the SimHash duplicate filter (C3).
type DedupConfig struct {
	HammingThreshold int    // HAMMING_THRESHOLD, default 3
	TTLHours         int    // TTL_HOURS, default 48
	LogPath          string // DEDUP_LOG_PATH, default "<data_dir>/simhash_duplicates.csv"
}

// Load reads configuration from environment variables, resolving the data
// directory to an absolute path and creating it if necessary.
func Load(dataDirOverride ...string) (*Config, error) {
	_ = godotenv.Load()

	var dataDir string
	if len(dataDirOverride) > 0 && dataDirOverride[0] != "" {
		dataDir = dataDirOverride[0]
	} else {
		dataDir = getEnv("DATA_DIR", "")
		if dataDir == "" {
			dataDir = "./data"
		}
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("resolve data directory: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:           absDataDir,
		Port:              getEnvAsInt("PORT", 8080),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		DevMode:           getEnvAsBool("DEV_MODE", false),
		DataRetentionDays: getEnvAsInt("DATA_RETENTION_DAYS", 30),
		MarketTimezone:    getEnv("MARKET_TIMEZONE", "Asia/Seoul"),
		Telegram: TelegramConfig{
			BotToken:  getEnv("TELEGRAM_BOT_TOKEN", ""),
			ChatID:    getEnv("TELEGRAM_CHAT_ID", ""),
			ParseMode: getEnv("TELEGRAM_PARSE_MODE", "Markdown"),
		},
		LLMKeys: LLMKeyConfig{
			HyperCLOVA: getEnv("HYPERCLOVA_API_KEY", ""),
			OpenAI:     getEnv("OPENAI_API_KEY", ""),
			Claude:     getEnv("CLAUDE_API_KEY", ""),
			Gemini:     getEnv("GEMINI_API_KEY", ""),
			Grok:       getEnv("GROK_API_KEY", ""),
		},
		DART: DARTConfig{
			APIKey: getEnv("DART_API_KEY", ""),
		},
		KIS: KISConfig{
			AppKey:    getEnv("KIS_APP_KEY", ""),
			AppSecret: getEnv("KIS_APP_SECRET", ""),
			WSURL:     getEnv("KIS_WS_URL", "wss://ops.koreainvestment.com:21000"),
		},
		News: NewsConfig{
			ImpactThreshold:  getEnvAsFloat("NEWS_IMPACT_THRESHOLD", 0.5),
			FetchIntervalMin: getEnvAsInt("NEWS_FETCH_INTERVAL_MINUTES", 10),
			APIBaseURL:       getEnv("NEWS_API_BASE_URL", "https://openapi.naver.com/v1/search/news.json"),
			APIKeyID:         getEnv("NEWS_API_KEY_ID", ""),
			APISecret:        getEnv("NEWS_API_SECRET", ""),
		},
		Chart: ChartConfig{
			VolumeThreshold:      getEnvAsInt64("CHART_VOLUME_THRESHOLD", 10_000_000),
			PriceChangeThreshold: getEnvAsFloat("CHART_PRICE_CHANGE_THRESHOLD", 0.10),
		},
		Disclosure: DisclosureConfig{
			PollIntervalMin: getEnvAsInt("DISCLOSURE_POLL_INTERVAL_MINUTES", 15),
		},
		Market: MarketConfig{
			OpenTime:  getEnv("MARKET_OPEN_TIME", "09:00"),
			CloseTime: getEnv("MARKET_CLOSE_TIME", "15:30"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		HyperAsset: HyperAssetConfig{
			UserID: getEnv("HYPERASSET_USER_ID", ""),
		},
		Dedup: DedupConfig{
			HammingThreshold: getEnvAsInt("HAMMING_THRESHOLD", 3),
			TTLHours:         getEnvAsInt("TTL_HOURS", 48),
			LogPath:          getEnv("DEDUP_LOG_PATH", filepath.Join(absDataDir, "simhash_duplicates.csv")),
		},
		Gateway: GatewayConfig{
			NewsServiceURL:       getEnv("NEWS_SERVICE_URL", "http://localhost:8001"),
			DisclosureServiceURL: getEnv("DISCLOSURE_SERVICE_URL", "http://localhost:8002"),
			ChartServiceURL:      getEnv("CHART_SERVICE_URL", "http://localhost:8003"),
			ReportServiceURL:     getEnv("REPORT_SERVICE_URL", "http://localhost:8004"),
			FlowServiceURL:       getEnv("FLOW_SERVICE_URL", "http://localhost:8010"),
			UserServiceURL:       getEnv("USER_SERVICE_URL", "http://localhost:8005"),
			CORSAllowedOrigins:   utils.ParseCSV(getEnv("CORS_ALLOWED_ORIGINS", "*")),
			RateLimitRPS:         getEnvAsFloat("RATE_LIMIT_RPS", 5),
			RateLimitBurst:       getEnvAsInt("RATE_LIMIT_BURST", 10),
			WorkerBinaryPath:     getEnv("WORKER_BINARY_PATH", "./bin/worker"),
		},
		Backup: BackupConfig{
			Bucket:        getEnv("BACKUP_S3_BUCKET", ""),
			RetentionDays: getEnvAsInt("BACKUP_RETENTION_DAYS", 14),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// MarketLocation resolves MarketTimezone to a *time.Location, falling back
// to UTC if the zone name is unknown (e.g. no tzdata installed).
func (c *Config) MarketLocation() *time.Location {
	loc, err := time.LoadLocation(c.MarketTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Validate checks configuration for internal consistency. Provider and
// broker credentials are optional: a deployment may run with only a subset
// of LLM providers configured, and the gateway degrades Available() per
// provider rather than failing startup.
func (c *Config) Validate() error {
	if c.DataRetentionDays < 0 {
		return fmt.Errorf("DATA_RETENTION_DAYS must be >= 0, got %d", c.DataRetentionDays)
	}
	if _, err := time.LoadLocation(c.MarketTimezone); err != nil {
		return fmt.Errorf("invalid MARKET_TIMEZONE %q: %w", c.MarketTimezone, err)
	}
	return nil
}

// DBPath joins the configured data directory with a store's filename.
func (c *Config) DBPath(name string) string {
	return filepath.Join(c.DataDir, strings.TrimSuffix(name, ".db")+".db")
}

// ==========================================
// Helper functions
// ==========================================

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
