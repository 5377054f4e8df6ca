// Package config loads the HelixBus configuration from an optional YAML file
// with environment variable overrides. Environment always wins.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"dev.helix.bus/internal/broker"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Broker    BrokerConfig    `yaml:"broker"`
	Redis     RedisConfig     `yaml:"redis"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         string        `yaml:"port"`
	Mode         string        `yaml:"mode"` // "debug" or "release"
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	MetricsPath  string        `yaml:"metrics_path"`
}

type BrokerConfig struct {
	Quotas              broker.Quotas `yaml:"quotas"`
	MaxMessageSizeBytes int           `yaml:"max_message_size_bytes"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
	SnapshotInterval    time.Duration `yaml:"snapshot_interval"`
}

type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Host     string        `yaml:"host"`
	Port     string        `yaml:"port"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"pool_size"`
	Timeout  time.Duration `yaml:"timeout"`
	// KeyPrefix namespaces the snapshot and log keys.
	KeyPrefix string `yaml:"key_prefix"`
}

// Addr renders the host:port dial address.
func (r RedisConfig) Addr() string {
	return r.Host + ":" + r.Port
}

type RateLimitConfig struct {
	Enabled bool `yaml:"enabled"`
	// RatePerSecond refills each entity's bucket at this rate.
	RatePerSecond float64 `yaml:"rate_per_second"`
	// Burst caps the bucket.
	Burst int `yaml:"burst"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// Load builds the configuration from defaults and environment variables.
func Load() *Config {
	cfg := Default()
	applyEnv(cfg)
	return cfg
}

// LoadFile reads a YAML file over the defaults, then applies environment
// overrides.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}
	applyEnv(cfg)
	return cfg, nil
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         "7062",
			Mode:         "release",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			MetricsPath:  "/metrics",
		},
		Broker: BrokerConfig{
			Quotas:              broker.DefaultQuotas(),
			MaxMessageSizeBytes: broker.DefaultMaxMessageSizeBytes,
			MaintenanceInterval: broker.DefaultMaintenanceInterval,
			SnapshotInterval:    time.Minute,
		},
		Redis: RedisConfig{
			Host:      "localhost",
			Port:      "6379",
			PoolSize:  10,
			Timeout:   5 * time.Second,
			KeyPrefix: "helixbus",
		},
		RateLimit: RateLimitConfig{
			RatePerSecond: 1000,
			Burst:         2000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func applyEnv(cfg *Config) {
	cfg.Server.Host = getEnv("HELIXBUS_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnv("HELIXBUS_PORT", cfg.Server.Port)
	cfg.Server.Mode = getEnv("GIN_MODE", cfg.Server.Mode)
	cfg.Server.ReadTimeout = getDurationEnv("HELIXBUS_READ_TIMEOUT", cfg.Server.ReadTimeout)
	cfg.Server.WriteTimeout = getDurationEnv("HELIXBUS_WRITE_TIMEOUT", cfg.Server.WriteTimeout)
	cfg.Server.MetricsPath = getEnv("HELIXBUS_METRICS_PATH", cfg.Server.MetricsPath)

	cfg.Broker.Quotas.MaxQueues = getIntEnv("HELIXBUS_MAX_QUEUES", cfg.Broker.Quotas.MaxQueues)
	cfg.Broker.Quotas.MaxTopics = getIntEnv("HELIXBUS_MAX_TOPICS", cfg.Broker.Quotas.MaxTopics)
	cfg.Broker.Quotas.MaxSubscriptionsPerTopic = getIntEnv("HELIXBUS_MAX_SUBSCRIPTIONS_PER_TOPIC", cfg.Broker.Quotas.MaxSubscriptionsPerTopic)
	cfg.Broker.Quotas.MaxRulesPerSubscription = getIntEnv("HELIXBUS_MAX_RULES_PER_SUBSCRIPTION", cfg.Broker.Quotas.MaxRulesPerSubscription)
	cfg.Broker.MaxMessageSizeBytes = getIntEnv("HELIXBUS_MAX_MESSAGE_SIZE", cfg.Broker.MaxMessageSizeBytes)
	cfg.Broker.MaintenanceInterval = getDurationEnv("HELIXBUS_MAINTENANCE_INTERVAL", cfg.Broker.MaintenanceInterval)
	cfg.Broker.SnapshotInterval = getDurationEnv("HELIXBUS_SNAPSHOT_INTERVAL", cfg.Broker.SnapshotInterval)

	cfg.Redis.Enabled = getBoolEnv("HELIXBUS_REDIS_ENABLED", cfg.Redis.Enabled)
	cfg.Redis.Host = getEnv("REDIS_HOST", cfg.Redis.Host)
	cfg.Redis.Port = getEnv("REDIS_PORT", cfg.Redis.Port)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getIntEnv("REDIS_DB", cfg.Redis.DB)
	cfg.Redis.PoolSize = getIntEnv("REDIS_POOL_SIZE", cfg.Redis.PoolSize)
	cfg.Redis.Timeout = getDurationEnv("REDIS_TIMEOUT", cfg.Redis.Timeout)
	cfg.Redis.KeyPrefix = getEnv("HELIXBUS_REDIS_KEY_PREFIX", cfg.Redis.KeyPrefix)

	cfg.RateLimit.Enabled = getBoolEnv("HELIXBUS_RATE_LIMIT_ENABLED", cfg.RateLimit.Enabled)
	cfg.RateLimit.RatePerSecond = getFloatEnv("HELIXBUS_RATE_PER_SECOND", cfg.RateLimit.RatePerSecond)
	cfg.RateLimit.Burst = getIntEnv("HELIXBUS_RATE_BURST", cfg.RateLimit.Burst)

	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("LOG_FORMAT", cfg.Logging.Format)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}
