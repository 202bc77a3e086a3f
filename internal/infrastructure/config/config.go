package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// HTTP
	HTTPAddr          string
	BaseURL           string
	ReturnURL         string
	TrustedUserHeader string

	// Google OAuth
	GoogleClientID        string
	GoogleClientSecret    string
	GoogleRedirectURL     string
	GoogleCredentialsFile string
	StateSecret           string

	// Caller authentication
	OIDCIssuerURL string
	OIDCClientID  string

	// Database
	DatabaseDriver     string
	DatabaseURL        string
	TokenEncryptionKey string

	// Connection status
	SessionTTL         time.Duration
	SharedTTL          time.Duration
	StatusThrottle     time.Duration
	RevalidateInterval time.Duration
	RevalidateWorkers  int

	// Send guards
	SendBudget       int
	SendBudgetWindow time.Duration
	DedupWindow      time.Duration
	SendTimeout      time.Duration

	// Google Cloud
	GoogleCloudProject       string
	InvalidationTopic        string
	InvalidationSubscription string

	PrometheusEnabled bool
	LogLevel          string
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using environment variables")
	}

	baseURL := strings.TrimRight(getEnv("APP_BASE_URL", "http://localhost:8080"), "/")

	cfg := &Config{
		HTTPAddr:          getEnv("HTTP_ADDR", ":8080"),
		BaseURL:           baseURL,
		ReturnURL:         getEnv("APP_RETURN_URL", baseURL+"/"),
		TrustedUserHeader: getEnv("TRUSTED_USER_HEADER", "X-User-ID"),

		GoogleClientID:        getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret:    getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURL:     getEnv("GOOGLE_REDIRECT_URL", baseURL+"/oauth/google/callback"),
		GoogleCredentialsFile: getEnv("GOOGLE_CREDENTIALS_FILE", ""),
		StateSecret:           getEnv("STATE_SECRET", ""),

		OIDCIssuerURL: getEnv("OIDC_ISSUER_URL", ""),
		OIDCClientID:  getEnv("OIDC_CLIENT_ID", ""),

		DatabaseDriver:     strings.ToLower(getEnv("DATABASE_DRIVER", "sqlite")),
		DatabaseURL:        getEnv("DATABASE_URL", "outreach.db"),
		TokenEncryptionKey: getEnv("TOKEN_ENCRYPTION_KEY", ""),

		SessionTTL:         getDuration("SESSION_TTL", 30*time.Minute),
		SharedTTL:          getDuration("SHARED_TTL", 2*time.Hour),
		StatusThrottle:     getDuration("STATUS_THROTTLE", 5*time.Minute),
		RevalidateInterval: getDuration("REVALIDATE_INTERVAL", 6*time.Hour),
		RevalidateWorkers:  getInt("REVALIDATE_WORKERS", 2),

		SendBudget:       getInt("SEND_BUDGET", 10),
		SendBudgetWindow: getDuration("SEND_BUDGET_WINDOW", time.Minute),
		DedupWindow:      getDuration("DEDUP_WINDOW", 10*time.Second),
		SendTimeout:      getDuration("SEND_TIMEOUT", 60*time.Second),

		GoogleCloudProject:       getEnv("GOOGLE_CLOUD_PROJECT", ""),
		InvalidationTopic:        getEnv("INVALIDATION_TOPIC", ""),
		InvalidationSubscription: getEnv("INVALIDATION_SUBSCRIPTION", ""),

		PrometheusEnabled: getBool("PROMETHEUS_ENABLED", false),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
	}

	// Validate required fields
	switch cfg.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("DATABASE_DRIVER must be sqlite or postgres, got %q", cfg.DatabaseDriver)
	}
	if (cfg.OIDCIssuerURL == "") != (cfg.OIDCClientID == "") {
		return nil, fmt.Errorf("OIDC_ISSUER_URL and OIDC_CLIENT_ID must be set together")
	}
	if cfg.InvalidationTopic != "" && cfg.GoogleCloudProject == "" {
		return nil, fmt.Errorf("GOOGLE_CLOUD_PROJECT is required when INVALIDATION_TOPIC is set")
	}

	return cfg, nil
}

// OAuthConfigured reports whether the Gmail integration has client credentials.
// A missing client is reported to callers, not treated as a startup failure.
func (c *Config) OAuthConfigured() bool {
	return (c.GoogleClientID != "" && c.GoogleClientSecret != "") || c.GoogleCredentialsFile != ""
}

func (c *Config) InvalidationEnabled() bool {
	return c.GoogleCloudProject != "" && c.InvalidationTopic != ""
}

func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		slog.Warn("invalid duration, using default", "key", key, "value", value, "default", defaultValue)
		return defaultValue
	}
	return d
}

func getInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		slog.Warn("invalid integer, using default", "key", key, "value", value, "default", defaultValue)
		return defaultValue
	}
	return n
}

func getBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return b
}
