// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ストアドライバー
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMongo    = "mongo"
	StoreDriverMemory   = "memory"
)

// 通知方式
const (
	NotifierLog      = "log"
	NotifierMailtrap = "mailtrap"
	NotifierRabbitMQ = "rabbitmq"
)

// EnvDevelopment は開発環境を表すAPP_ENVの値。.envを読み込む。
const EnvDevelopment = "development"

// bcryptのコスト範囲（golang.org/x/crypto/bcryptのMinCost/MaxCost）。
const (
	minBcryptCost = 4
	maxBcryptCost = 31
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Server
	ServerPort  string
	Environment string
	FrontendURL string

	// Store
	StoreDriver   string
	DatabaseURL   string
	MongoDatabase string

	// JWT
	JWTSecret           string
	JWTRefreshSecret    string
	JWTExpiresIn        time.Duration
	JWTRefreshExpiresIn time.Duration
	JWTIssuer           string

	// Password
	BcryptCost           int
	ResetTokenTTL        time.Duration
	ResetCleanupInterval time.Duration

	// Rate Limit
	RateLimitWindow          time.Duration
	RateLimitMaxRequests     int
	AuthRateLimitMaxRequests int
	RedisURL                 string
	// TrustedProxyHops はX-Forwarded-Forを信頼するプロキシの段数。0ならRemoteAddrのみ使う。
	TrustedProxyHops int

	// CORS
	CORSAllowedOrigins []string

	// Notification
	Notifier             string
	MailtrapAPIKey       string
	MailtrapAPIURL       string
	MailtrapFromEmail    string
	MailtrapFromName     string
	MailtrapTemplateUUID string
	RabbitMQURL          string
	RabbitMQQueue        string

	// Google
	GoogleVerifyTokens bool
	GoogleUserInfoURL  string

	// Observability
	SentryDSN        string
	SentrySampleRate float64
	LogLevel         string
}

// IsProduction は本番環境で動作しているかを返す。
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Load は環境変数からConfigを読み込む。
// 開発環境ではカレントディレクトリの.envを先に読み込む（既存の環境変数は上書きしない）。
// 必須環境変数が未設定、または値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	env := getEnvString("APP_ENV", EnvDevelopment)
	if env == EnvDevelopment {
		// .envがなくてもエラーにしない
		_ = godotenv.Load()
	}

	cfg := &Config{Environment: getEnvString("APP_ENV", EnvDevelopment)}

	// Required fields
	var missing []string

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}

	cfg.JWTRefreshSecret = os.Getenv("JWT_REFRESH_SECRET")
	if cfg.JWTRefreshSecret == "" {
		missing = append(missing, "JWT_REFRESH_SECRET")
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.StoreDriver = getEnvString("STORE_DRIVER", inferStoreDriver(cfg.DatabaseURL))
	if cfg.DatabaseURL == "" && cfg.StoreDriver != StoreDriverMemory {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.Notifier = strings.ToLower(getEnvString("NOTIFIER", NotifierLog))
	cfg.MailtrapAPIKey = os.Getenv("MAILTRAP_API_KEY")
	cfg.MailtrapFromEmail = os.Getenv("MAILTRAP_FROM_EMAIL")
	cfg.RabbitMQURL = os.Getenv("RABBITMQ_URL")
	switch cfg.Notifier {
	case NotifierMailtrap:
		if cfg.MailtrapAPIKey == "" {
			missing = append(missing, "MAILTRAP_API_KEY")
		}
		if cfg.MailtrapFromEmail == "" {
			missing = append(missing, "MAILTRAP_FROM_EMAIL")
		}
	case NotifierRabbitMQ:
		if cfg.RabbitMQURL == "" {
			missing = append(missing, "RABBITMQ_URL")
		}
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.ServerPort = getEnvString("SERVER_PORT", "5000")
	cfg.FrontendURL = getEnvString("FRONTEND_URL", "http://localhost:3000")
	cfg.MongoDatabase = getEnvString("MONGO_DATABASE", "sangha")
	cfg.JWTExpiresIn = getEnvDuration("JWT_EXPIRES_IN", 30*time.Minute)
	cfg.JWTRefreshExpiresIn = getEnvDuration("JWT_REFRESH_EXPIRES_IN", 7*24*time.Hour)
	cfg.JWTIssuer = getEnvString("JWT_ISSUER", "sangha")
	cfg.BcryptCost = getEnvInt("BCRYPT_COST", 12)
	cfg.ResetTokenTTL = getEnvDuration("RESET_TOKEN_TTL", 10*time.Minute)
	cfg.ResetCleanupInterval = getEnvDuration("RESET_CLEANUP_INTERVAL", 15*time.Minute)
	cfg.RateLimitWindow = getEnvDuration("RATE_LIMIT_WINDOW", 15*time.Minute)
	cfg.RateLimitMaxRequests = getEnvInt("RATE_LIMIT_MAX_REQUESTS", 100)
	cfg.AuthRateLimitMaxRequests = getEnvInt("AUTH_RATE_LIMIT_MAX_REQUESTS", 5)
	cfg.RedisURL = os.Getenv("REDIS_URL")
	cfg.TrustedProxyHops = getEnvInt("TRUSTED_PROXY_HOPS", 0)
	cfg.CORSAllowedOrigins = getEnvList("CORS_ALLOWED_ORIGINS", defaultOrigins(cfg.FrontendURL))
	cfg.MailtrapAPIURL = os.Getenv("MAILTRAP_API_URL")
	cfg.MailtrapFromName = getEnvString("MAILTRAP_FROM_NAME", "Sangha")
	cfg.MailtrapTemplateUUID = os.Getenv("MAILTRAP_TEMPLATE_UUID")
	cfg.RabbitMQQueue = os.Getenv("RABBITMQ_QUEUE")
	cfg.GoogleVerifyTokens = getEnvBool("GOOGLE_VERIFY_TOKENS", false)
	cfg.GoogleUserInfoURL = os.Getenv("GOOGLE_USERINFO_URL")
	cfg.SentryDSN = os.Getenv("SENTRY_DSN")
	cfg.SentrySampleRate = getEnvFloat("SENTRY_SAMPLE_RATE", 1.0)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate は値同士の整合性を検証する。
func (c *Config) validate() error {
	var errs []error
	if c.JWTSecret == c.JWTRefreshSecret {
		errs = append(errs, errors.New("JWT_SECRET and JWT_REFRESH_SECRET must differ"))
	}
	switch c.StoreDriver {
	case StoreDriverPostgres, StoreDriverMongo, StoreDriverMemory:
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be one of postgres, mongo, memory: %q", c.StoreDriver))
	}
	switch c.Notifier {
	case NotifierLog, NotifierMailtrap, NotifierRabbitMQ:
	default:
		errs = append(errs, fmt.Errorf("NOTIFIER must be one of log, mailtrap, rabbitmq: %q", c.Notifier))
	}
	if c.BcryptCost < minBcryptCost || c.BcryptCost > maxBcryptCost {
		errs = append(errs, fmt.Errorf("BCRYPT_COST must be between %d and %d: %d", minBcryptCost, maxBcryptCost, c.BcryptCost))
	}
	if c.JWTExpiresIn <= 0 || c.JWTRefreshExpiresIn <= 0 {
		errs = append(errs, errors.New("JWT_EXPIRES_IN and JWT_REFRESH_EXPIRES_IN must be positive"))
	}
	if c.ResetTokenTTL <= 0 || c.ResetCleanupInterval <= 0 {
		errs = append(errs, errors.New("RESET_TOKEN_TTL and RESET_CLEANUP_INTERVAL must be positive"))
	}
	if c.RateLimitWindow <= 0 || c.RateLimitMaxRequests <= 0 || c.AuthRateLimitMaxRequests <= 0 {
		errs = append(errs, errors.New("rate limit window and maximums must be positive"))
	}
	if c.TrustedProxyHops < 0 {
		errs = append(errs, fmt.Errorf("TRUSTED_PROXY_HOPS must not be negative: %d", c.TrustedProxyHops))
	}
	if c.SentrySampleRate < 0 || c.SentrySampleRate > 1 {
		errs = append(errs, fmt.Errorf("SENTRY_SAMPLE_RATE must be between 0 and 1: %v", c.SentrySampleRate))
	}
	return errors.Join(errs...)
}

// inferStoreDriver はDATABASE_URLのスキームからストアドライバーを推定する。
func inferStoreDriver(databaseURL string) string {
	if strings.HasPrefix(databaseURL, "mongodb://") || strings.HasPrefix(databaseURL, "mongodb+srv://") {
		return StoreDriverMongo
	}
	return StoreDriverPostgres
}

// defaultOrigins はフロントエンドURLと開発用のローカルオリジンを返す。
func defaultOrigins(frontendURL string) []string {
	origins := []string{frontendURL}
	for _, o := range []string{"http://localhost:3000", "http://localhost:5173", "http://localhost:5174"} {
		if o != frontendURL {
			origins = append(origins, o)
		}
	}
	return origins
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

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
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

// getEnvList はカンマ区切りの値を空要素を除いて返す。
func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
