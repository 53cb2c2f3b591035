package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the PinHawk server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Twitter  TwitterConfig
	Sync     SyncConfig
	Breaker  BreakerConfig
	Health   HealthConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// TwitterConfig configures the external bookmarks API client.
type TwitterConfig struct {
	BaseURL         string
	ClientID        string
	ClientSecret    string
	Timeout         time.Duration
	RateLimitBuffer int // calls held in reserve before sleeping until reset
}

// SyncConfig tunes the scheduler and worker pipeline.
type SyncConfig struct {
	WorkerConcurrency int
	BatchSize         int
	MaxPagesFull      int
	MaxPagesIncrement int
	PageSize          int
	RetryAttempts     int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	PacingInterval    time.Duration // base delay between page fetches
	MemoryThresholdMB int           // heap size that pauses the fetch loop
	ProgressCacheTTL  time.Duration
}

// BreakerConfig tunes the circuit breaker protecting the external API.
type BreakerConfig struct {
	FailureThreshold uint32
	SuccessThreshold uint32
	Timeout          time.Duration // open -> half-open
	MonitoringPeriod time.Duration // closed-state counter reset interval
}

// HealthConfig holds the queue thresholds that flip /health to degraded.
type HealthConfig struct {
	MaxWaiting int
	MaxActive  int
	MaxFailed  int
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("PINHAWK_PORT", 8080),
			Env:  envString("PINHAWK_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Twitter: TwitterConfig{
			BaseURL:         envString("TWITTER_BASE_URL", "https://api.twitter.com"),
			ClientID:        os.Getenv("TWITTER_CLIENT_ID"),
			ClientSecret:    os.Getenv("TWITTER_CLIENT_SECRET"),
			Timeout:         envDuration("TWITTER_TIMEOUT", 30*time.Second),
			RateLimitBuffer: envInt("TWITTER_RATE_LIMIT_BUFFER", 2),
		},
		Sync: SyncConfig{
			WorkerConcurrency: envInt("SYNC_WORKER_CONCURRENCY", 3),
			BatchSize:         envInt("SYNC_BATCH_SIZE", 50),
			MaxPagesFull:      envInt("SYNC_MAX_PAGES_FULL", 200),
			MaxPagesIncrement: envInt("SYNC_MAX_PAGES_INCREMENTAL", 10),
			PageSize:          envInt("SYNC_PAGE_SIZE", 100),
			RetryAttempts:     envInt("SYNC_RETRY_ATTEMPTS", 3),
			RetryBaseDelay:    envDuration("SYNC_RETRY_BASE_DELAY", 2*time.Second),
			RetryMaxDelay:     envDuration("SYNC_RETRY_MAX_DELAY", 30*time.Second),
			PacingInterval:    envDuration("SYNC_PACING_INTERVAL", 500*time.Millisecond),
			MemoryThresholdMB: envInt("SYNC_MEMORY_THRESHOLD_MB", 512),
			ProgressCacheTTL:  envDuration("SYNC_PROGRESS_CACHE_TTL", 30*time.Minute),
		},
		Breaker: BreakerConfig{
			FailureThreshold: uint32(envInt("BREAKER_FAILURE_THRESHOLD", 5)),
			SuccessThreshold: uint32(envInt("BREAKER_SUCCESS_THRESHOLD", 2)),
			Timeout:          envDuration("BREAKER_TIMEOUT", time.Minute),
			MonitoringPeriod: envDuration("BREAKER_MONITORING_PERIOD", time.Minute),
		},
		Health: HealthConfig{
			MaxWaiting: envInt("HEALTH_MAX_WAITING", 10),
			MaxActive:  envInt("HEALTH_MAX_ACTIVE", 10),
			MaxFailed:  envInt("HEALTH_MAX_FAILED", 5),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if !strings.HasPrefix(c.Twitter.BaseURL, "http://") && !strings.HasPrefix(c.Twitter.BaseURL, "https://") {
		return fmt.Errorf("TWITTER_BASE_URL must start with http:// or https://, got %q", c.Twitter.BaseURL)
	}
	if c.Twitter.ClientID == "" {
		return fmt.Errorf("TWITTER_CLIENT_ID is required")
	}
	if c.Twitter.ClientSecret == "" {
		return fmt.Errorf("TWITTER_CLIENT_SECRET is required")
	}

	if c.Sync.WorkerConcurrency < 1 {
		return fmt.Errorf("SYNC_WORKER_CONCURRENCY must be at least 1, got %d", c.Sync.WorkerConcurrency)
	}
	if c.Sync.BatchSize < 1 {
		return fmt.Errorf("SYNC_BATCH_SIZE must be at least 1, got %d", c.Sync.BatchSize)
	}
	if c.Sync.PageSize < 1 || c.Sync.PageSize > 100 {
		return fmt.Errorf("SYNC_PAGE_SIZE must be between 1 and 100, got %d", c.Sync.PageSize)
	}

	if c.Breaker.FailureThreshold == 0 {
		return fmt.Errorf("BREAKER_FAILURE_THRESHOLD must be at least 1")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
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

func envDuration(key string, defaultVal time.Duration) time.Duration {
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
