// Package config loads the session daemon configuration from environment
// variables with sensible defaults and validates it before startup.
//
// Environment Variables:
//
// Backend:
//   - API_BASE_URL: backend root (default: https://florafind-aau6a.ondigitalocean.app)
//   - HTTP_TIMEOUT: per-request timeout of the API client (default: 15s)
//   - REFRESH_TIMEOUT: timeout of one refresh exchange (default: 15s)
//   - REFRESH_TOKEN_MODE: "body" or "query" (default: body)
//
// Token lifecycle:
//   - REFRESH_SAFETY_MARGIN: renew this long before access expiry (default: 60s)
//   - REFRESH_MIN_DELAY: smallest delay the scheduler will arm (default: 5s)
//   - DEFAULT_EXPIRES_IN: access lifetime in seconds when the backend omits it (default: 1800)
//   - DEFAULT_REFRESH_EXPIRES_IN: refresh lifetime in seconds for rotated tokens (default: 604800)
//
// Token storage:
//   - TOKEN_STORE: memory, sqlite, redis or postgres (default: sqlite)
//   - TOKEN_KEY_PREFIX: prefix of the persisted keys (default: flora_)
//   - DATABASE_PATH: SQLite database file path (default: ./flora_session.db)
//   - POSTGRES_DSN: PostgreSQL connection string (required for postgres)
//   - TOKEN_ENCRYPTION_KEY: encrypt persisted values when set
//
// Redis:
//   - REDIS_ADDRESS: Redis server address (default: localhost:6379)
//   - REDIS_PASSWORD: Redis password
//   - REDIS_DB: Redis database number 0-15 (default: 0)
//   - REDIS_POOL_SIZE: Redis connection pool size (default: 10)
//   - REDIS_EVENTS_CHANNEL: bridge credential changes over this channel when set
//
// Application:
//   - LISTEN_ADDR: local daemon address (default: 127.0.0.1:8787)
//   - LOG_LEVEL: logging level (default: info)
//   - LOG_FILE: log file path, stderr when empty
//
// Example usage:
//
//	cfg := config.Load()
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Invalid configuration: %v", err)
//	}
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StoreRedis    = "redis"
	StorePostgres = "postgres"

	RefreshModeBody  = "body"
	RefreshModeQuery = "query"
)

// Config holds all configuration values for the session daemon.
//
// Durations and counts are parsed during Load; malformed values are kept as
// their defaults and reported by Validate.
type Config struct {
	// Backend
	APIBaseURL       string
	HTTPTimeout      time.Duration
	RefreshTimeout   time.Duration
	RefreshTokenMode string

	// Token lifecycle
	SafetyMargin            time.Duration
	MinDelay                time.Duration
	DefaultExpiresIn        time.Duration
	DefaultRefreshExpiresIn time.Duration

	// Token storage
	TokenStore    string
	KeyPrefix     string
	DatabasePath  string
	PostgresDSN   string
	EncryptionKey string

	// Redis configuration for the redis store and the event bridge
	RedisAddress       string
	RedisPassword      string
	RedisDB            int
	RedisPoolSize      int
	RedisEventsChannel string

	// Application settings
	ListenAddr string
	LogLevel   string
	LogFile    string

	parseErrors []string
}

// Load creates a Config from the environment. It does not validate; call
// Validate on the result.
func Load() *Config {
	c := &Config{
		APIBaseURL:       strings.TrimRight(getEnv("API_BASE_URL", "https://florafind-aau6a.ondigitalocean.app"), "/"),
		RefreshTokenMode: strings.ToLower(getEnv("REFRESH_TOKEN_MODE", RefreshModeBody)),

		TokenStore:    strings.ToLower(getEnv("TOKEN_STORE", StoreSQLite)),
		KeyPrefix:     getEnv("TOKEN_KEY_PREFIX", "flora_"),
		DatabasePath:  getEnv("DATABASE_PATH", "./flora_session.db"),
		PostgresDSN:   getEnv("POSTGRES_DSN", ""),
		EncryptionKey: getEnv("TOKEN_ENCRYPTION_KEY", ""),

		RedisAddress:       getEnv("REDIS_ADDRESS", "localhost:6379"),
		RedisPassword:      getEnv("REDIS_PASSWORD", ""),
		RedisEventsChannel: getEnv("REDIS_EVENTS_CHANNEL", ""),

		ListenAddr: getEnv("LISTEN_ADDR", "127.0.0.1:8787"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		LogFile:    getEnv("LOG_FILE", ""),
	}

	c.HTTPTimeout = c.durationEnv("HTTP_TIMEOUT", 15*time.Second)
	c.RefreshTimeout = c.durationEnv("REFRESH_TIMEOUT", 15*time.Second)
	c.SafetyMargin = c.durationEnv("REFRESH_SAFETY_MARGIN", 60*time.Second)
	c.MinDelay = c.durationEnv("REFRESH_MIN_DELAY", 5*time.Second)
	c.DefaultExpiresIn = time.Duration(c.intEnv("DEFAULT_EXPIRES_IN", 1800)) * time.Second
	c.DefaultRefreshExpiresIn = time.Duration(c.intEnv("DEFAULT_REFRESH_EXPIRES_IN", 604800)) * time.Second
	c.RedisDB = c.intEnv("REDIS_DB", 0)
	c.RedisPoolSize = c.intEnv("REDIS_POOL_SIZE", 10)

	return c
}

// getEnv retrieves an environment variable value or returns a default value if not set.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func (c *Config) durationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		c.parseErrors = append(c.parseErrors, fmt.Sprintf("%s must be a valid duration (e.g., '15s', '1m')", key))
		return defaultValue
	}
	return parsed
}

func (c *Config) intEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		c.parseErrors = append(c.parseErrors, fmt.Sprintf("%s must be a number", key))
		return defaultValue
	}
	return parsed
}

// Validate checks formats, ranges and cross-field requirements.
func (c *Config) Validate() error {
	if len(c.parseErrors) > 0 {
		return fmt.Errorf("%s", c.parseErrors[0])
	}

	u, err := url.Parse(c.APIBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("API_BASE_URL must be an absolute http(s) URL")
	}

	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("HTTP_TIMEOUT must be positive")
	}
	if c.RefreshTimeout <= 0 {
		return fmt.Errorf("REFRESH_TIMEOUT must be positive")
	}

	switch c.RefreshTokenMode {
	case RefreshModeBody, RefreshModeQuery:
	default:
		return fmt.Errorf("REFRESH_TOKEN_MODE must be 'body' or 'query'")
	}

	if c.SafetyMargin <= 0 {
		return fmt.Errorf("REFRESH_SAFETY_MARGIN must be positive")
	}
	if c.MinDelay <= 0 {
		return fmt.Errorf("REFRESH_MIN_DELAY must be positive")
	}
	if c.DefaultExpiresIn <= 0 {
		return fmt.Errorf("DEFAULT_EXPIRES_IN must be a positive number of seconds")
	}
	if c.DefaultRefreshExpiresIn <= 0 {
		return fmt.Errorf("DEFAULT_REFRESH_EXPIRES_IN must be a positive number of seconds")
	}

	if c.KeyPrefix == "" {
		return fmt.Errorf("TOKEN_KEY_PREFIX cannot be empty")
	}

	switch c.TokenStore {
	case StoreMemory:
	case StoreSQLite:
		if c.DatabasePath == "" {
			return fmt.Errorf("DATABASE_PATH is required when TOKEN_STORE is sqlite")
		}
	case StorePostgres, "postgresql":
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required when TOKEN_STORE is postgres")
		}
		c.TokenStore = StorePostgres
	case StoreRedis:
		if c.RedisAddress == "" {
			return fmt.Errorf("REDIS_ADDRESS is required when TOKEN_STORE is redis")
		}
	default:
		return fmt.Errorf("TOKEN_STORE must be 'memory', 'sqlite', 'redis' or 'postgres'")
	}

	if c.UsesRedis() {
		if c.RedisDB < 0 || c.RedisDB > 15 {
			return fmt.Errorf("REDIS_DB must be a number between 0 and 15")
		}
		if c.RedisPoolSize < 1 {
			return fmt.Errorf("REDIS_POOL_SIZE must be a positive number")
		}
	}

	if c.EncryptionKey != "" && len(c.EncryptionKey) < 16 {
		return fmt.Errorf("TOKEN_ENCRYPTION_KEY must be at least 16 characters when provided")
	}

	if c.ListenAddr == "" {
		return fmt.Errorf("LISTEN_ADDR cannot be empty")
	}

	return nil
}

// UsesRedis reports whether any component needs a Redis connection.
func (c *Config) UsesRedis() bool {
	return c.TokenStore == StoreRedis || c.RedisEventsChannel != ""
}
