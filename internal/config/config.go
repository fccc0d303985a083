package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
// envタグは検証エラーの報告に使う環境変数名。
type Config struct {
	// Database
	DatabaseURL       string        `env:"DATABASE_URL" validate:"required,url"`
	DBMaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS" validate:"gte=1"`
	DBMaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS" validate:"gte=0"`
	DBConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME"`

	// Google OAuth (ログイン)
	GoogleClientID     string `env:"GOOGLE_CLIENT_ID" validate:"required"`
	GoogleClientSecret string `env:"GOOGLE_CLIENT_SECRET" validate:"required"`
	GoogleRedirectURL  string `env:"GOOGLE_REDIRECT_URL" validate:"required,url"`

	// Session
	SessionMaxAge int `env:"SESSION_MAX_AGE" validate:"gte=60"`

	// Token sealing
	TokenEncryptionKey string `env:"TOKEN_ENCRYPTION_KEY" validate:"required"`

	// Platforms
	Twitter PlatformConfig
	Reddit  PlatformConfig

	// Adapter HTTP
	AdapterTimeout time.Duration `env:"ADAPTER_TIMEOUT" validate:"gte=1s"`
	AdapterMaxSize int64         `env:"ADAPTER_MAX_RESPONSE_SIZE" validate:"gte=1024"`

	// Connection flow
	OAuthStateTTL      time.Duration `env:"OAUTH_STATE_TTL" validate:"gte=1m"`
	InitiateLimit      int           `env:"RATE_LIMIT_INITIATE" validate:"gte=1"`
	InitiateWindow     time.Duration `env:"RATE_LIMIT_INITIATE_WINDOW" validate:"gte=1s"`
	RateLimitBackend   string        `env:"RATE_LIMIT_BACKEND" validate:"oneof=postgres redis"`
	RedisURL           string        `env:"REDIS_URL" validate:"required_if=RateLimitBackend redis"`
	RateLimitGeneral   int           `env:"RATE_LIMIT_GENERAL" validate:"gte=1"`
	RateLimitAction    int           `env:"RATE_LIMIT_ACTION" validate:"gte=1"`
	StateRetention     time.Duration `env:"STATE_RETENTION"`
	RateLimitRetention time.Duration `env:"RATE_LIMIT_RETENTION"`
	CleanupInterval    time.Duration `env:"CLEANUP_INTERVAL" validate:"gte=1s"`
	ReconcileInterval  time.Duration `env:"RECONCILE_INTERVAL" validate:"gte=1s"`
	// ReconcileGrace は実行中のアクションを返金しないようACTION_TIMEOUTより長くする。
	ReconcileGrace      time.Duration `env:"RECONCILE_GRACE" validate:"gte=1s,gtfield=ActionTimeout"`
	ReconcileBatchLimit int           `env:"RECONCILE_BATCH_LIMIT" validate:"gte=1"`

	// Credits
	SignupBonus       int64         `env:"SIGNUP_BONUS" validate:"gte=0"`
	PostCostTwitter   int64         `env:"POST_COST_TWITTER" validate:"gte=1"`
	PostCostReddit    int64         `env:"POST_COST_REDDIT" validate:"gte=1"`
	ActionTimeout     time.Duration `env:"ACTION_TIMEOUT" validate:"gte=1s"`
	RefundMaxAttempts int           `env:"REFUND_MAX_ATTEMPTS" validate:"gte=1"`

	// Logging
	LogLevel string `env:"LOG_LEVEL" validate:"oneof=debug info warn error"`

	// Server
	ServerPort  string `env:"SERVER_PORT" validate:"required,numeric"`
	BaseURL     string `env:"BASE_URL" validate:"required,url"`
	APIBaseURL  string `env:"API_BASE_URL" validate:"required,url"`
	FrontendURL string `env:"FRONTEND_URL" validate:"required,url"`

	// Cookie
	CookieSecure bool
	CookieDomain string `env:"COOKIE_DOMAIN"`

	// CORS
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" validate:"dive,url"`
}

// PlatformConfig は外部プラットフォームのOAuthクライアント設定。
// ClientIDが空のプラットフォームはアダプターを登録しない。
type PlatformConfig struct {
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET" validate:"required_with=ClientID"`
	AuthURL      string `env:"AUTH_URL" validate:"omitempty,url"`
	TokenURL     string `env:"TOKEN_URL" validate:"omitempty,url"`
	RevokeURL    string `env:"REVOKE_URL" validate:"omitempty,url"`
	APIBaseURL   string `env:"API_BASE_URL" validate:"omitempty,url"`
}

// Enabled はクライアントIDが設定されているかを返す。
func (p PlatformConfig) Enabled() bool {
	return p.ClientID != ""
}

// CallbackURL は外部プラットフォームからのリダイレクト先。
func (c *Config) CallbackURL() string {
	return strings.TrimRight(c.APIBaseURL, "/") + "/auth/callback"
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに .env があれば先に読み込む（既存の環境変数は上書きしない）。
// 必須環境変数が未設定、または値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		DBMaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 20),
		DBMaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),

		GoogleClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
		GoogleClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
		GoogleRedirectURL:  os.Getenv("GOOGLE_REDIRECT_URL"),

		SessionMaxAge:      getEnvInt("SESSION_MAX_AGE", 86400),
		TokenEncryptionKey: os.Getenv("TOKEN_ENCRYPTION_KEY"),

		Twitter: loadPlatform("TWITTER"),
		Reddit:  loadPlatform("REDDIT"),

		AdapterTimeout: getEnvDuration("ADAPTER_TIMEOUT", 15*time.Second),
		AdapterMaxSize: getEnvInt64("ADAPTER_MAX_RESPONSE_SIZE", 1<<20),

		OAuthStateTTL:       getEnvDuration("OAUTH_STATE_TTL", 15*time.Minute),
		InitiateLimit:       getEnvInt("RATE_LIMIT_INITIATE", 5),
		InitiateWindow:      getEnvDuration("RATE_LIMIT_INITIATE_WINDOW", 15*time.Minute),
		RateLimitBackend:    strings.ToLower(getEnvString("RATE_LIMIT_BACKEND", "postgres")),
		RedisURL:            os.Getenv("REDIS_URL"),
		RateLimitGeneral:    getEnvInt("RATE_LIMIT_GENERAL", 120),
		RateLimitAction:     getEnvInt("RATE_LIMIT_ACTION", 30),
		StateRetention:      getEnvDuration("STATE_RETENTION", 24*time.Hour),
		RateLimitRetention:  getEnvDuration("RATE_LIMIT_RETENTION", 24*time.Hour),
		CleanupInterval:     getEnvDuration("CLEANUP_INTERVAL", 10*time.Minute),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", time.Minute),
		ReconcileGrace:      getEnvDuration("RECONCILE_GRACE", 5*time.Minute),
		ReconcileBatchLimit: getEnvInt("RECONCILE_BATCH_LIMIT", 100),

		SignupBonus:       getEnvInt64("SIGNUP_BONUS", 100),
		PostCostTwitter:   getEnvInt64("POST_COST_TWITTER", 5),
		PostCostReddit:    getEnvInt64("POST_COST_REDDIT", 5),
		ActionTimeout:     getEnvDuration("ACTION_TIMEOUT", 30*time.Second),
		RefundMaxAttempts: getEnvInt("REFUND_MAX_ATTEMPTS", 3),

		LogLevel: strings.ToLower(getEnvString("LOG_LEVEL", "info")),

		ServerPort: getEnvString("SERVER_PORT", "8080"),
		BaseURL:    os.Getenv("BASE_URL"),
		APIBaseURL: os.Getenv("API_BASE_URL"),

		CookieDomain: getEnvString("COOKIE_DOMAIN", ""),
	}
	cfg.FrontendURL = getEnvString("FRONTEND_URL", cfg.BaseURL)
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CORSAllowedOrigins = getEnvList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"})

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadPlatform(prefix string) PlatformConfig {
	return PlatformConfig{
		ClientID:     os.Getenv(prefix + "_CLIENT_ID"),
		ClientSecret: os.Getenv(prefix + "_CLIENT_SECRET"),
		AuthURL:      os.Getenv(prefix + "_AUTH_URL"),
		TokenURL:     os.Getenv(prefix + "_TOKEN_URL"),
		RevokeURL:    os.Getenv(prefix + "_REVOKE_URL"),
		APIBaseURL:   os.Getenv(prefix + "_API_BASE_URL"),
	}
}

// validate はvalidatorタグで設定値を検証し、未設定の必須項目と不正な項目を環境変数名で報告する。
func validate(cfg *Config) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		if name := f.Tag.Get("env"); name != "" {
			return name
		}
		return f.Name
	})

	err := v.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("failed to validate config: %w", err)
	}

	var missing, invalid []string
	for _, fe := range verrs {
		name := envName(fe.Namespace())
		if strings.HasPrefix(fe.Tag(), "required") {
			missing = append(missing, name)
		} else {
			invalid = append(invalid, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("required environment variables are not set: %v", missing)
	}
	return fmt.Errorf("invalid environment variables: %v", invalid)
}

// envName は "Config.Twitter.CLIENT_SECRET" のような名前空間を "TWITTER_CLIENT_SECRET" に変換する。
func envName(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	if i := strings.IndexByte(parts[len(parts)-1], '['); i >= 0 {
		parts[len(parts)-1] = parts[len(parts)-1][:i]
	}
	return strings.ToUpper(strings.Join(parts, "_"))
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
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
