package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// 保存先の種類。
const (
	StoreBackendFile     = "file"
	StoreBackendPostgres = "postgres"
)

// 画像類似度の実装。
const (
	ImageMatcherStem  = "stem"
	ImageMatcherPHash = "phash"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Store
	StoreBackend string
	DatabaseURL  string
	SnapshotPath string
	ItemTTL      time.Duration

	// Server
	ServerPort        string
	BaseURL           string
	CORSAllowedOrigin string
	AdminToken        string

	// Logging
	LogLevel string

	// Rate Limit（req/min/IP）
	RateLimitGeneral int
	RateLimitReport  int

	// Matching
	MatchTextWeight     float64
	MatchCategoryWeight float64
	MatchLocationWeight float64
	MatchImageWeight    float64
	MatchThreshold      float64
	MatchMaxResults     int
	MatchTimeout        time.Duration

	// Image
	ImageMatcher      string
	ImageFetchTimeout time.Duration
	ImageMaxSize      int64

	// Rerank
	RerankEndpoint   string
	RerankAPIKey     string
	RerankModel      string
	RerankTimeout    time.Duration
	RerankTopK       int
	RerankRatePerSec float64

	// Sweep
	SweepInterval time.Duration
}

// RerankEnabled は外部再順位付けが有効かを返す。
func (c *Config) RerankEnabled() bool {
	return c.RerankEndpoint != ""
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合、または値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.StoreBackend = getEnvString("STORE_BACKEND", StoreBackendFile)
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.SnapshotPath = getEnvString("SNAPSHOT_PATH", "data/items.json")
	cfg.ItemTTL = getEnvDuration("ITEM_TTL", 30*24*time.Hour)

	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.BaseURL = getEnvString("BASE_URL", "http://localhost:8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.AdminToken = os.Getenv("ADMIN_TOKEN")

	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitReport = getEnvInt("RATE_LIMIT_REPORT", 10)

	cfg.MatchTextWeight = getEnvFloat("MATCH_TEXT_WEIGHT", 0.4)
	cfg.MatchCategoryWeight = getEnvFloat("MATCH_CATEGORY_WEIGHT", 0.3)
	cfg.MatchLocationWeight = getEnvFloat("MATCH_LOCATION_WEIGHT", 0.2)
	cfg.MatchImageWeight = getEnvFloat("MATCH_IMAGE_WEIGHT", 0.1)
	cfg.MatchThreshold = getEnvFloat("MATCH_THRESHOLD", 0.3)
	cfg.MatchMaxResults = getEnvInt("MATCH_MAX_RESULTS", 10)
	cfg.MatchTimeout = getEnvDuration("MATCH_TIMEOUT", 10*time.Second)

	cfg.ImageMatcher = getEnvString("IMAGE_MATCHER", ImageMatcherStem)
	cfg.ImageFetchTimeout = getEnvDuration("IMAGE_FETCH_TIMEOUT", 5*time.Second)
	cfg.ImageMaxSize = getEnvInt64("IMAGE_MAX_SIZE", 5242880)

	cfg.RerankEndpoint = os.Getenv("RERANK_ENDPOINT")
	cfg.RerankAPIKey = os.Getenv("RERANK_API_KEY")
	cfg.RerankModel = getEnvString("RERANK_MODEL", "gpt-4o-mini")
	cfg.RerankTimeout = getEnvDuration("RERANK_TIMEOUT", 5*time.Second)
	cfg.RerankTopK = getEnvInt("RERANK_TOP_K", 6)
	cfg.RerankRatePerSec = getEnvFloat("RERANK_RATE_PER_SEC", 5)

	cfg.SweepInterval = getEnvDuration("SWEEP_INTERVAL", 0)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate は値の組み合わせを検証する。
func (c *Config) validate() error {
	// Required fields
	var missing []string
	if c.StoreBackend == StoreBackendPostgres && c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("required environment variables are not set: %v", missing)
	}

	switch c.StoreBackend {
	case StoreBackendFile, StoreBackendPostgres:
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q: %q", StoreBackendFile, StoreBackendPostgres, c.StoreBackend)
	}

	switch c.ImageMatcher {
	case ImageMatcherStem, ImageMatcherPHash:
	default:
		return fmt.Errorf("IMAGE_MATCHER must be %q or %q: %q", ImageMatcherStem, ImageMatcherPHash, c.ImageMatcher)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error: %q", c.LogLevel)
	}

	if c.ItemTTL <= 0 {
		return fmt.Errorf("ITEM_TTL must be positive: %v", c.ItemTTL)
	}
	if c.RateLimitGeneral <= 0 || c.RateLimitReport <= 0 {
		return fmt.Errorf("rate limits must be positive: general=%d report=%d", c.RateLimitGeneral, c.RateLimitReport)
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("SWEEP_INTERVAL must not be negative: %v", c.SweepInterval)
	}
	return nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
