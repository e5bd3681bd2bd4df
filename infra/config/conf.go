package config

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

type Config struct {
	Validator *validator.Validate
}

// AppConfig represents the application configuration
type AppConfig struct {
	Port        string
	Environment string
	APIKey      string

	OpenSearchURL      string
	OpenSearchUser     string
	OpenSearchPass     string
	OpenSearchInsecure bool
	EnableLogging      bool
	LoggingLevel       string
	LogRetentionDays   int

	JournalPath   string
	EnableJournal bool
	EnableMetrics bool

	QueryCacheSize int
	QueryCacheTTL  time.Duration

	RateLimitPerMinute int
	RateLimitBurst     int
	AllowedOrigins     []string
	WebhookAllowedIPs  []string
	ShutdownTimeout    time.Duration
}

var (
	instance          *Config
	instanceOnce      sync.Once
	appConfigInstance *AppConfig
)

func App() *Config {
	instanceOnce.Do(func() {
		instance = &Config{Validator: validator.New()}
	})
	return instance
}

// GetAppConfig returns the application configuration
func GetAppConfig() *AppConfig {
	if appConfigInstance == nil {
		appConfigInstance = &AppConfig{
			Port:               GetEnv("APP_PORT", "9999"),
			Environment:        GetEnv("ENVIRONMENT", "development"),
			APIKey:             GetEnv("API_KEY", ""),
			OpenSearchURL:      GetEnv("OPENSEARCH_URL", "http://localhost:9200"),
			OpenSearchUser:     GetEnv("OPENSEARCH_USER", ""),
			OpenSearchPass:     GetEnv("OPENSEARCH_PASSWORD", ""),
			OpenSearchInsecure: GetBoolEnv("OPENSEARCH_INSECURE", false),
			EnableLogging:      GetBoolEnv("ENABLE_OPENSEARCH_LOGGING", false),
			LoggingLevel:       GetEnv("LOGGING_LEVEL", "info"),
			LogRetentionDays:   GetIntEnv("LOG_RETENTION_DAYS", 30),
			JournalPath:        GetEnv("JOURNAL_PATH", "./data/journal.db"),
			EnableJournal:      GetBoolEnv("ENABLE_JOURNAL", true),
			EnableMetrics:      GetBoolEnv("ENABLE_METRICS", true),
			QueryCacheSize:     GetIntEnv("QUERY_CACHE_SIZE", 1000),
			QueryCacheTTL:      GetDurationEnv("QUERY_CACHE_TTL", 30*time.Second),
			RateLimitPerMinute: GetIntEnv("RATE_LIMIT_PER_MINUTE", 120),
			RateLimitBurst:     GetIntEnv("RATE_LIMIT_BURST", 20),
			AllowedOrigins:     GetListEnv("CORS_ALLOWED_ORIGINS", []string{"*"}),
			WebhookAllowedIPs:  GetListEnv("WEBHOOK_ALLOWED_IPS", nil),
			ShutdownTimeout:    GetDurationEnv("SHUTDOWN_TIMEOUT", 15*time.Second),
		}
	}
	return appConfigInstance
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetBoolEnv returns the boolean value of an environment variable or a default value
func GetBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetIntEnv returns the integer value of an environment variable or a default value
func GetIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetDurationEnv accepts Go durations ("5m") or plain seconds ("300").
func GetDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

// GetListEnv splits a comma separated variable, dropping empty items.
func GetListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
