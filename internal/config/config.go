// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	SessionTTL  time.Duration

	Quota     QuotaConfig
	Assistant AssistantConfig
	Reward    RewardConfig
	Stream    StreamConfig
	RateLimit RateLimitConfig
	SSE       SSEConfig
}

// QuotaConfig controls the free-tier message allowance.
type QuotaConfig struct {
	FreeDailyLimit int
	ResetCron      string
	SyncInterval   time.Duration
	Backend        string // "memory" or "redis"
	RedisAddr      string
	RedisPassword  string
}

// AssistantConfig points at the upstream model service.
type AssistantConfig struct {
	URL            string
	APIKey         string
	RequestTimeout time.Duration
}

// RewardConfig controls the reward unlock collaborator.
type RewardConfig struct {
	URL         string
	HistorySize int
}

// StreamConfig controls incremental reply consumption.
type StreamConfig struct {
	IdleTimeout time.Duration
}

// RateLimitConfig controls per-user send throttling.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// SSEConfig controls the server-sent event feed to the browser.
type SSEConfig struct {
	KeepaliveInterval  time.Duration
	RetryDelay         time.Duration
	ReplayQueueSize    int
	MaxRequestBodySize int64
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/selah.db"),
		SessionTTL:  getEnvDuration("SESSION_TTL", 30*24*time.Hour),
		Quota: QuotaConfig{
			FreeDailyLimit: getEnvInt("FREE_DAILY_LIMIT", 10),
			ResetCron:      getEnv("QUOTA_RESET_CRON", "0 0 * * *"),
			SyncInterval:   getEnvDuration("QUOTA_SYNC_INTERVAL", 5*time.Minute),
			Backend:        getEnv("QUOTA_BACKEND", "memory"),
			RedisAddr:      getEnv("REDIS_ADDR", "localhost:6379"),
			RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		},
		Assistant: AssistantConfig{
			URL:            getEnv("ASSISTANT_URL", ""),
			APIKey:         getEnv("ASSISTANT_API_KEY", ""),
			RequestTimeout: getEnvDuration("ASSISTANT_TIMEOUT", 120*time.Second),
		},
		Reward: RewardConfig{
			URL:         getEnv("REWARD_URL", ""),
			HistorySize: getEnvInt("REWARD_HISTORY_SIZE", 50),
		},
		Stream: StreamConfig{
			IdleTimeout: getEnvDuration("STREAM_IDLE_TIMEOUT", 30*time.Second),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 20),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		SSE: SSEConfig{
			KeepaliveInterval:  getEnvDuration("SSE_KEEPALIVE_INTERVAL", 10*time.Second),
			RetryDelay:         getEnvDuration("SSE_RETRY_DELAY", 5*time.Second),
			ReplayQueueSize:    getEnvInt("SSE_REPLAY_QUEUE_SIZE", 100),
			MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_SIZE", 1<<20)),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Quota.FreeDailyLimit <= 0 {
		return fmt.Errorf("FREE_DAILY_LIMIT must be > 0")
	}
	if c.Quota.Backend != "memory" && c.Quota.Backend != "redis" {
		return fmt.Errorf("QUOTA_BACKEND must be \"memory\" or \"redis\"")
	}
	if c.Quota.Backend == "redis" && c.Quota.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR cannot be empty when QUOTA_BACKEND=redis")
	}
	if c.Stream.IdleTimeout <= 0 {
		return fmt.Errorf("STREAM_IDLE_TIMEOUT must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.SSE.ReplayQueueSize <= 0 {
		return fmt.Errorf("SSE_REPLAY_QUEUE_SIZE must be > 0")
	}
	if c.Reward.HistorySize <= 0 {
		return fmt.Errorf("REWARD_HISTORY_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
