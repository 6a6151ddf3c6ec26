package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Source backends.
const (
	SourceMemory = "memory"
	SourceSheets = "sheets"
	SourceHTTP   = "http"
)

type Config struct {
	// HTTP Server
	Port string

	// Logging
	LogLevel  string
	LogFormat string

	// Ledger source
	SourceBackend          string
	SourceSeedFile         string
	SourcePageSize         int
	SourceHTTPBaseURL      string
	SourceHTTPToken        string
	SourceHTTPIdentityPath string
	SourceHTTPPagePath     string
	SourceHTTPTimeout      time.Duration

	// Google Sheets
	GoogleSpreadsheetID      string
	GoogleServiceAccountJSON string
	GoogleServiceAccountFile string

	// Run history; empty disables it
	SQLiteDBPath string

	// AMQP; empty URL disables it
	AMQPURL       string
	AMQPExchange  string
	AMQPQueue     string
	AMQPEventsKey string

	// Engine
	DrainTick         time.Duration
	RetryDelay        time.Duration
	RateLimitCooldown time.Duration
	MaxRetries        int

	// Sessions
	SessionCacheSize int
	SessionTTL       time.Duration

	// API rate limiting
	APIRateLimitRPS   float64
	APIRateLimitBurst int

	// Telemetry
	OTELEndpoint    string
	OTELServiceName string
	OTELInsecure    bool
}

func Load() *Config {
	cfg := &Config{
		Port:      getEnv("PORT", "8081"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),

		SourceBackend:          getEnv("SOURCE_BACKEND", SourceMemory),
		SourceSeedFile:         getEnv("SOURCE_SEED_FILE", "./data/seed_ledger.json"),
		SourcePageSize:         getEnvInt("SOURCE_PAGE_SIZE", 100),
		SourceHTTPBaseURL:      getEnv("SOURCE_HTTP_BASE_URL", ""),
		SourceHTTPToken:        getEnv("SOURCE_HTTP_TOKEN", ""),
		SourceHTTPIdentityPath: getEnv("SOURCE_HTTP_IDENTITY_PATH", "/users/authenticated"),
		SourceHTTPPagePath:     getEnv("SOURCE_HTTP_PAGE_PATH", "/users/{user}/transactions?transactionType={task}"),
		SourceHTTPTimeout:      getEnvDuration("SOURCE_HTTP_TIMEOUT", 30*time.Second),

		GoogleSpreadsheetID:      getEnv("GOOGLE_SPREADSHEET_ID", ""),
		GoogleServiceAccountJSON: getEnv("GOOGLE_SERVICE_ACCOUNT_JSON", ""),
		GoogleServiceAccountFile: getEnv("GOOGLE_SERVICE_ACCOUNT_FILE", ""),

		SQLiteDBPath: getEnvAllowEmpty("SQLITE_DB_PATH", "./data/ledger.db"),

		AMQPURL:       getEnv("AMQP_URL", ""),
		AMQPExchange:  getEnv("AMQP_EXCHANGE", "ledger"),
		AMQPQueue:     getEnv("AMQP_QUEUE", "ledger_commands"),
		AMQPEventsKey: getEnv("AMQP_EVENTS_KEY", "ledger_events"),

		DrainTick:         getEnvDuration("DRAIN_TICK", 20*time.Millisecond),
		RetryDelay:        getEnvDuration("RETRY_DELAY", time.Second),
		RateLimitCooldown: getEnvDuration("RATE_LIMIT_COOLDOWN", 5*time.Second),
		MaxRetries:        getEnvInt("MAX_RETRIES", 5),

		SessionCacheSize: getEnvInt("SESSION_CACHE_SIZE", 256),
		SessionTTL:       getEnvDuration("SESSION_TTL", 2*time.Hour),

		APIRateLimitRPS:   getEnvFloat("API_RATE_LIMIT_RPS", 10),
		APIRateLimitBurst: getEnvInt("API_RATE_LIMIT_BURST", 30),

		OTELEndpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELServiceName: getEnv("OTEL_SERVICE_NAME", "ledger"),
		OTELInsecure:    getEnvBool("OTEL_INSECURE", false),
	}

	return cfg
}

// HistoryEnabled reports whether finished runs are recorded.
func (c *Config) HistoryEnabled() bool { return c.SQLiteDBPath != "" }

// AMQPEnabled reports whether the message broker is configured.
func (c *Config) AMQPEnabled() bool { return c.AMQPURL != "" }

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var errors []string

	// Validate port
	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	validLevels := []string{"debug", "info", "warn", "warning", "error"}
	if !slices.Contains(validLevels, strings.ToLower(c.LogLevel)) {
		errors = append(errors, fmt.Sprintf("invalid log level '%s': must be one of %v", c.LogLevel, validLevels[:3]))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errors = append(errors, fmt.Sprintf("invalid log format '%s': must be 'text' or 'json'", c.LogFormat))
	}

	// Validate source backend
	validBackends := []string{SourceMemory, SourceSheets, SourceHTTP}
	if !slices.Contains(validBackends, c.SourceBackend) {
		errors = append(errors, fmt.Sprintf("invalid source backend '%s': must be one of %v", c.SourceBackend, validBackends))
	}
	if c.SourcePageSize < 1 || c.SourcePageSize > 1000 {
		errors = append(errors, fmt.Sprintf("invalid source page size %d: must be between 1 and 1000", c.SourcePageSize))
	}

	switch c.SourceBackend {
	case SourceHTTP:
		if c.SourceHTTPBaseURL == "" {
			errors = append(errors, "source base URL is required when using http source")
		} else if u, err := url.Parse(c.SourceHTTPBaseURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid source base URL '%s': %v", c.SourceHTTPBaseURL, err))
		} else if u.Scheme != "http" && u.Scheme != "https" {
			errors = append(errors, fmt.Sprintf("invalid source base URL scheme '%s': must be 'http' or 'https'", u.Scheme))
		}
		if !strings.Contains(c.SourceHTTPPagePath, "{task}") {
			errors = append(errors, "source page path must contain the {task} placeholder")
		}
		if c.SourceHTTPTimeout <= 0 {
			errors = append(errors, fmt.Sprintf("invalid source timeout %v: must be positive", c.SourceHTTPTimeout))
		}
	case SourceSheets:
		if c.GoogleSpreadsheetID == "" {
			errors = append(errors, "Google Spreadsheet ID is required when using sheets source")
		}
		if c.GoogleServiceAccountJSON == "" && c.GoogleServiceAccountFile == "" && os.Getenv("GOOGLE_APPLICATION_CREDENTIALS") == "" {
			errors = append(errors, "either GOOGLE_SERVICE_ACCOUNT_JSON or GOOGLE_SERVICE_ACCOUNT_FILE must be provided for sheets source")
		}
		if c.GoogleServiceAccountFile != "" {
			if _, err := os.Stat(c.GoogleServiceAccountFile); os.IsNotExist(err) {
				errors = append(errors, fmt.Sprintf("Google service account file does not exist: %s", c.GoogleServiceAccountFile))
			}
		}
	}

	// Check if the history directory exists or can be created
	if c.SQLiteDBPath != "" {
		dir := filepath.Dir(c.SQLiteDBPath)
		if dir != "." && dir != "" {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				if err := os.MkdirAll(dir, 0755); err != nil {
					errors = append(errors, fmt.Sprintf("cannot create SQLite database directory '%s': %v", dir, err))
				}
			}
		}
	}

	// Validate AMQP URL if provided
	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPQueue == "" {
			errors = append(errors, "AMQP queue name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPEventsKey == "" {
			errors = append(errors, "AMQP events routing key cannot be empty when AMQP URL is provided")
		}
	}

	// Validate engine timing
	if c.DrainTick <= 0 || c.DrainTick > time.Second {
		errors = append(errors, fmt.Sprintf("invalid drain tick %v: must be between 1ns and 1s", c.DrainTick))
	}
	if c.RetryDelay <= 0 {
		errors = append(errors, fmt.Sprintf("invalid retry delay %v: must be positive", c.RetryDelay))
	}
	if c.RateLimitCooldown <= 0 {
		errors = append(errors, fmt.Sprintf("invalid rate limit cooldown %v: must be positive", c.RateLimitCooldown))
	}
	if c.MaxRetries < 1 {
		errors = append(errors, fmt.Sprintf("invalid max retries %d: must be at least 1", c.MaxRetries))
	}

	if c.SessionCacheSize < 1 {
		errors = append(errors, fmt.Sprintf("invalid session cache size %d: must be at least 1", c.SessionCacheSize))
	}
	if c.SessionTTL < time.Minute {
		errors = append(errors, fmt.Sprintf("invalid session TTL %v: must be at least 1 minute", c.SessionTTL))
	}

	if c.APIRateLimitRPS <= 0 {
		errors = append(errors, fmt.Sprintf("invalid API rate limit %v: must be positive", c.APIRateLimitRPS))
	}
	if c.APIRateLimitBurst < 1 {
		errors = append(errors, fmt.Sprintf("invalid API rate limit burst %d: must be at least 1", c.APIRateLimitBurst))
	}

	// Return combined errors
	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAllowEmpty treats an explicitly empty variable as a value.
func getEnvAllowEmpty(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(value)
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
