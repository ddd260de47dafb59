package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL       string
	DBMaxOpenConns    int
	DBConnMaxLifetime time.Duration

	// Token
	JWTSecret         string
	JWTPrivateKeyFile string
	JWTIssuer         string
	TokenTTL          time.Duration
	RefreshTokenTTL   time.Duration

	// Revocation
	RevocationBackend string // "postgres" または "memory"

	// Messenger
	MessengerQueues       []string
	MessengerChannel      string
	MessengerPollInterval time.Duration
	MessengerLeaseTimeout time.Duration
	MessengerMaxRetries   int
	MessengerRetention    time.Duration

	// Webhook（空の場合は転送しない）
	UserEventsWebhookURL string
	WebhookTimeout       time.Duration

	// Rate Limit（req/min/client）
	RateLimitAuth int

	// Logging
	LogLevel string

	// Server
	ServerPort     string
	MaxConnections int

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	// JWT_PRIVATE_KEY_FILE が指定されていればRS256で署名するため、JWT_SECRETは不要
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	cfg.JWTPrivateKeyFile = os.Getenv("JWT_PRIVATE_KEY_FILE")
	if cfg.JWTSecret == "" && cfg.JWTPrivateKeyFile == "" {
		missing = append(missing, "JWT_SECRET")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.DBMaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", 20)
	cfg.DBConnMaxLifetime = getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute)
	cfg.JWTIssuer = getEnvString("JWT_ISSUER", "usercore")
	cfg.TokenTTL = getEnvDuration("TOKEN_TTL", time.Hour)
	cfg.RefreshTokenTTL = getEnvDuration("REFRESH_TOKEN_TTL", 30*24*time.Hour)
	cfg.RevocationBackend = getEnvString("REVOCATION_BACKEND", "postgres")
	cfg.MessengerQueues = getEnvList("MESSENGER_QUEUES", []string{"user.created", "user.updated"})
	cfg.MessengerChannel = getEnvString("MESSENGER_CHANNEL", "messenger_messages")
	cfg.MessengerPollInterval = getEnvDuration("MESSENGER_POLL_INTERVAL", 5*time.Second)
	cfg.MessengerLeaseTimeout = getEnvDuration("MESSENGER_LEASE_TIMEOUT", 5*time.Minute)
	cfg.MessengerMaxRetries = getEnvInt("MESSENGER_MAX_RETRIES", 0)
	cfg.MessengerRetention = getEnvDuration("MESSENGER_RETENTION", 7*24*time.Hour)
	cfg.UserEventsWebhookURL = getEnvString("USER_EVENTS_WEBHOOK_URL", "")
	cfg.WebhookTimeout = getEnvDuration("WEBHOOK_TIMEOUT", 10*time.Second)
	cfg.RateLimitAuth = getEnvInt("RATE_LIMIT_AUTH", 30)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.MaxConnections = getEnvInt("MAX_CONNECTIONS", 1000)
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	if cfg.RevocationBackend != "postgres" && cfg.RevocationBackend != "memory" {
		return nil, fmt.Errorf("unsupported REVOCATION_BACKEND: %s", cfg.RevocationBackend)
	}

	return cfg, nil
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

// getEnvList はカンマ区切りの環境変数を読み込む。空要素は無視する。
func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
