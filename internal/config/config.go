// internal/config/config.go
// Centralized configuration management
// Loads from environment variables with sensible defaults

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/imadgeboyega/kiekky-realtime/internal/changefeed"
	"github.com/imadgeboyega/kiekky-realtime/internal/common/utils"
	"github.com/imadgeboyega/kiekky-realtime/internal/messaging"
	"github.com/imadgeboyega/kiekky-realtime/internal/presence"
	"github.com/imadgeboyega/kiekky-realtime/internal/rateguard"
)

// Config holds all application configuration
type Config struct {
	// Server
	Port        string `validate:"required"`
	Environment string `validate:"oneof=development staging production test"`
	BaseURL     string
	LogLevel    string `validate:"oneof=debug info warn error"`

	// Store is "postgres" or "memory"
	Store         string `validate:"oneof=postgres memory"`
	DatabaseURL   string
	RunMigrations bool
	RedisURL      string

	// FeedTransport is "postgres" (LISTEN/NOTIFY), "redis" (pub/sub) or "memory"
	FeedTransport string `validate:"oneof=postgres redis memory"`

	// Storage
	UseS3              bool
	AWSRegion          string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	S3BucketName       string
	CDNURL             string
	LocalUploadDir     string
	MaxUploadSize      int64 `validate:"gt=0"`

	// Rate guard
	MaxMessageLength   int           `validate:"gt=0"`
	BurstLimit         int           `validate:"gt=0"`
	BurstWindow        time.Duration `validate:"gt=0"`
	SustainedLimit     int           `validate:"gt=0"`
	SustainedWindow    time.Duration `validate:"gt=0"`
	MinSendInterval    time.Duration
	DuplicateThreshold int           `validate:"min=2"`
	BaseCooldown       time.Duration `validate:"gt=0"`
	GuardIdleTTL       time.Duration `validate:"gt=0"`

	// Change feed
	FeedBackoffStep       time.Duration `validate:"gt=0"`
	FeedMaxRetries        int           `validate:"min=0"`
	FeedPollInterval      time.Duration `validate:"gt=0"`
	FeedHeartbeatInterval time.Duration `validate:"gt=0"`
	FeedRecoveryInterval  time.Duration

	// Message sync
	PageSize          int           `validate:"min=1,max=500"`
	CorrelationWindow time.Duration `validate:"gt=0"`
	UploadConcurrency int           `validate:"min=1,max=32"`
	WriteTimeout      time.Duration `validate:"gt=0"`

	// Presence
	PresenceStaleAfter time.Duration `validate:"gt=0"`
}

// Load reads configuration from environment variables
func Load() *Config {
	cfg := &Config{
		// Server
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "development"),
		BaseURL:     getEnv("BASE_URL", ""),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		// Stores
		Store:         getEnv("STORE", "postgres"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		RunMigrations: getEnvBool("RUN_MIGRATIONS", true),
		RedisURL:      getEnv("REDIS_URL", ""),
		FeedTransport: getEnv("FEED_TRANSPORT", "postgres"),

		// Storage
		UseS3:              getEnvBool("USE_S3", false),
		AWSRegion:          getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
		S3BucketName:       getEnv("S3_BUCKET_NAME", "kiekky-message-attachments"),
		CDNURL:             getEnv("CDN_URL", ""),
		LocalUploadDir:     getEnv("LOCAL_UPLOAD_DIR", "./uploads"),
		MaxUploadSize:      getEnvInt64("MAX_UPLOAD_SIZE", 25<<20),

		// Rate guard
		MaxMessageLength:   getEnvInt("MAX_MESSAGE_LENGTH", 2000),
		BurstLimit:         getEnvInt("RATE_BURST_LIMIT", 3),
		BurstWindow:        getEnvDuration("RATE_BURST_WINDOW", "5s"),
		SustainedLimit:     getEnvInt("RATE_SUSTAINED_LIMIT", 20),
		SustainedWindow:    getEnvDuration("RATE_SUSTAINED_WINDOW", "1m"),
		MinSendInterval:    getEnvDuration("RATE_MIN_INTERVAL", "500ms"),
		DuplicateThreshold: getEnvInt("RATE_DUPLICATE_THRESHOLD", 3),
		BaseCooldown:       getEnvDuration("RATE_BASE_COOLDOWN", "10s"),
		GuardIdleTTL:       getEnvDuration("RATE_IDLE_TTL", "10m"),

		// Change feed
		FeedBackoffStep:       getEnvDuration("FEED_BACKOFF_STEP", "2s"),
		FeedMaxRetries:        getEnvInt("FEED_MAX_RETRIES", 3),
		FeedPollInterval:      getEnvDuration("FEED_POLL_INTERVAL", "10s"),
		FeedHeartbeatInterval: getEnvDuration("FEED_HEARTBEAT_INTERVAL", "30s"),
		FeedRecoveryInterval:  getEnvDuration("FEED_RECOVERY_INTERVAL", "5m"),

		// Message sync
		PageSize:          getEnvInt("MESSAGE_PAGE_SIZE", 50),
		CorrelationWindow: getEnvDuration("CORRELATION_WINDOW", "10s"),
		UploadConcurrency: getEnvInt("UPLOAD_CONCURRENCY", 4),
		WriteTimeout:      getEnvDuration("WRITE_TIMEOUT", "15s"),

		// Presence
		PresenceStaleAfter: getEnvDuration("PRESENCE_STALE_AFTER", "5m"),
	}

	// Set BaseURL if not provided
	if cfg.BaseURL == "" {
		if cfg.Environment == "production" {
			cfg.BaseURL = "https://api.kiekky.com"
		} else {
			cfg.BaseURL = fmt.Sprintf("http://localhost:%s", cfg.Port)
		}
	}
	if cfg.CDNURL == "" && cfg.UseS3 {
		cfg.CDNURL = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.S3BucketName, cfg.AWSRegion)
	}

	return cfg
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := utils.ValidateStruct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Stores
	if c.Store == "postgres" && c.DatabaseURL == "" {
		return fmt.Errorf("database URL is required")
	}
	if c.Store == "memory" && c.FeedTransport != "memory" {
		return fmt.Errorf("the memory store only supports the memory feed transport")
	}
	if c.Store == "memory" && c.IsProduction() {
		return fmt.Errorf("memory store cannot be used in production")
	}
	switch c.FeedTransport {
	case "postgres":
		if c.Store != "postgres" {
			return fmt.Errorf("postgres feed transport requires the postgres store")
		}
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("redis URL is required for the redis feed transport")
		}
	}

	// Storage validation
	if c.UseS3 {
		if c.AWSAccessKeyID == "" || c.AWSSecretAccessKey == "" || c.S3BucketName == "" {
			return fmt.Errorf("S3 configuration incomplete")
		}
	}

	if c.SustainedWindow < c.BurstWindow {
		return fmt.Errorf("sustained window must not be shorter than burst window")
	}

	return nil
}

// IsProduction returns true if running in production
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// IsDevelopment returns true if running in development
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// GuardConfig returns the rate guard limits
func (c *Config) GuardConfig() rateguard.Config {
	cfg := rateguard.DefaultConfig()
	cfg.MaxContentLength = c.MaxMessageLength
	cfg.BurstLimit = c.BurstLimit
	cfg.BurstWindow = c.BurstWindow
	cfg.SustainedLimit = c.SustainedLimit
	cfg.SustainedWindow = c.SustainedWindow
	cfg.MinInterval = c.MinSendInterval
	if c.MinSendInterval == 0 {
		// zero in the environment turns the spacing rule off
		cfg.MinInterval = -1
	}
	cfg.DuplicateThreshold = c.DuplicateThreshold
	cfg.BaseCooldown = c.BaseCooldown
	cfg.IdleTTL = c.GuardIdleTTL
	return cfg
}

// FeedConfig returns the change feed tunables
func (c *Config) FeedConfig() changefeed.Config {
	cfg := changefeed.DefaultConfig()
	cfg.BackoffStep = c.FeedBackoffStep
	cfg.MaxRetries = c.FeedMaxRetries
	cfg.PollInterval = c.FeedPollInterval
	cfg.HeartbeatInterval = c.FeedHeartbeatInterval
	cfg.RecoveryInterval = c.FeedRecoveryInterval
	if c.FeedRecoveryInterval == 0 {
		cfg.RecoveryInterval = -1
	}
	return cfg
}

// EngineConfig returns the message sync tunables
func (c *Config) EngineConfig() messaging.Config {
	return messaging.Config{
		PageSize:          c.PageSize,
		CorrelationWindow: c.CorrelationWindow,
		UploadConcurrency: c.UploadConcurrency,
		WriteTimeout:      c.WriteTimeout,
	}
}

// PresenceConfig returns the presence tunables
func (c *Config) PresenceConfig() presence.Config {
	return presence.Config{StaleAfter: c.PresenceStaleAfter}
}

// Helper functions

// getEnv gets a string value from environment with a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer value from environment with a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 gets a 64-bit integer value from environment with a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration gets a duration value from environment with a default
func getEnvDuration(key string, defaultValue string) time.Duration {
	value := getEnv(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		// If parsing fails, try to parse the default
		duration, _ = time.ParseDuration(defaultValue)
	}
	return duration
}

// getEnvBool gets a boolean value from environment with a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
