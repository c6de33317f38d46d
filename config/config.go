package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Server configuration
	Port        string `yaml:"port"`
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`

	// Storage configuration
	StorageDriver string `yaml:"storage_driver"` // memory, redis, sqlite
	RedisURL      string `yaml:"redis_url"`
	SQLitePath    string `yaml:"sqlite_path"`

	// PubNub configuration
	PubNubPublishKey   string `yaml:"pubnub_publish_key"`
	PubNubSubscribeKey string `yaml:"pubnub_subscribe_key"`
	PubNubUserID       string `yaml:"pubnub_user_id"`

	// Authorization
	AdminAddresses []string `yaml:"admin_addresses"`

	// Verification
	VerificationKey string `yaml:"verification_key"`

	// Holds and minting
	HoldTTL           time.Duration `yaml:"hold_ttl"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	MintTimeout       time.Duration `yaml:"mint_timeout"`

	// Mint circuit breaker
	MintBreakerMinRequests  int           `yaml:"mint_breaker_min_requests"`
	MintBreakerFailureRatio float64       `yaml:"mint_breaker_failure_ratio"`
	MintBreakerOpenTimeout  time.Duration `yaml:"mint_breaker_open_timeout"`

	// Monitoring
	EnableMetrics bool `yaml:"enable_metrics"`

	// Rate limiting on request submission
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
}

func Defaults() *Config {
	return &Config{
		Port:                    "8090",
		Environment:             "development",
		LogLevel:                "info",
		StorageDriver:           "memory",
		SQLitePath:              "data/tickets.db",
		PubNubUserID:            "ticket-mint",
		HoldTTL:                 24 * time.Hour,
		ReconcileInterval:       time.Minute,
		MintTimeout:             30 * time.Second,
		MintBreakerMinRequests:  10,
		MintBreakerFailureRatio: 0.6,
		MintBreakerOpenTimeout:  30 * time.Second,
		EnableMetrics:           true,
		RateLimitPerMinute:      30,
	}
}

// LoadConfig builds the configuration from defaults, then the YAML file at
// path when path is non-empty, then environment variables.
func LoadConfig(path string) (*Config, error) {
	base := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, base); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		// Server
		Port:        getEnv("PORT", base.Port),
		Environment: getEnv("ENVIRONMENT", base.Environment),
		LogLevel:    getEnv("LOG_LEVEL", base.LogLevel),

		// Storage
		StorageDriver: strings.ToLower(getEnv("STORAGE_DRIVER", base.StorageDriver)),
		RedisURL:      getEnv("REDIS_URL", base.RedisURL),
		SQLitePath:    getEnv("SQLITE_PATH", base.SQLitePath),

		// PubNub
		PubNubPublishKey:   getEnv("PUBNUB_PUBLISH_KEY", base.PubNubPublishKey),
		PubNubSubscribeKey: getEnv("PUBNUB_SUBSCRIBE_KEY", base.PubNubSubscribeKey),
		PubNubUserID:       getEnv("PUBNUB_USER_ID", base.PubNubUserID),

		AdminAddresses:  getEnvAsList("ADMIN_ADDRESSES", base.AdminAddresses),
		VerificationKey: getEnv("VERIFICATION_KEY", base.VerificationKey),

		// Holds and minting
		HoldTTL:           getEnvAsDuration("HOLD_TTL", base.HoldTTL),
		ReconcileInterval: getEnvAsDuration("RECONCILE_INTERVAL", base.ReconcileInterval),
		MintTimeout:       getEnvAsDuration("MINT_TIMEOUT", base.MintTimeout),

		MintBreakerMinRequests:  getEnvAsInt("MINT_BREAKER_MIN_REQUESTS", base.MintBreakerMinRequests),
		MintBreakerFailureRatio: getEnvAsFloat("MINT_BREAKER_FAILURE_RATIO", base.MintBreakerFailureRatio),
		MintBreakerOpenTimeout:  getEnvAsDuration("MINT_BREAKER_OPEN_TIMEOUT", base.MintBreakerOpenTimeout),

		// Monitoring
		EnableMetrics: getEnvAsBool("ENABLE_METRICS", base.EnableMetrics),

		RateLimitPerMinute: getEnvAsInt("RATE_LIMIT_PER_MINUTE", base.RateLimitPerMinute),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) Validate() error {
	switch c.StorageDriver {
	case "memory", "sqlite":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("config: REDIS_URL is required for the redis storage driver")
		}
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.StorageDriver)
	}

	if c.IsProduction() {
		if c.VerificationKey == "" {
			return fmt.Errorf("config: VERIFICATION_KEY is required in production")
		}
		if len(c.AdminAddresses) == 0 {
			return fmt.Errorf("config: ADMIN_ADDRESSES is required in production")
		}
	}

	if c.HoldTTL < 0 {
		return fmt.Errorf("config: HOLD_TTL must not be negative")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if duration, err := time.ParseDuration(valueStr); err == nil {
		return duration
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
