// Package config provides environment-based configuration for the build farm services.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultOverrunFallback is the remaining time assumed for a running job that
// has exceeded its estimated duration.
const DefaultOverrunFallback = 120 * time.Second

// Config holds all configuration for the build farm services.
type Config struct {
	// Database configuration
	DatabaseDSN string `yaml:"database_dsn"`

	// Authentication
	JWTSecret string        `yaml:"jwt_secret"`
	JWTExpiry time.Duration `yaml:"jwt_expiry"`

	// Server configuration
	APIHost  string `yaml:"api_host"`
	APIPort  int    `yaml:"api_port"`
	GRPCPort int    `yaml:"grpc_port"`

	// Graceful shutdown timeout
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Logging
	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	// External feeds and telemetry. Empty disables the integration.
	NATSURL      string `yaml:"nats_url"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	Scheduler SchedulerConfig `yaml:"scheduler"`
	Cache     CacheConfig     `yaml:"cache"`
}

// SchedulerConfig holds dispatcher and estimator configuration.
type SchedulerConfig struct {
	// Interval between dispatch passes.
	Interval time.Duration `yaml:"interval"`
	// RescoreInterval is how often every waiting entry is rescored, not only unscored ones.
	RescoreInterval time.Duration `yaml:"rescore_interval"`
	// HealthThreshold is the heartbeat age after which a builder is unhealthy.
	HealthThreshold time.Duration `yaml:"health_threshold"`
	// HealthCheckInterval is how often builder heartbeats are checked.
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	// OverrunFallback replaces negative remaining time for jobs running past their estimate.
	OverrunFallback time.Duration `yaml:"overrun_fallback"`
	// DefaultEstimate is used when neither the submitter nor history provide a duration.
	DefaultEstimate time.Duration `yaml:"default_estimate"`
	// HistorySamples bounds how many past durations feed an estimate.
	HistorySamples int `yaml:"history_samples"`
}

// CacheConfig holds the estimate cache configuration.
type CacheConfig struct {
	SizeBytes int           `yaml:"size_bytes"`
	TTL       time.Duration `yaml:"ttl"`
}

// Load reads configuration from an optional YAML file named by BUILDFARM_CONFIG
// and then from environment variables, which take precedence.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("BUILDFARM_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadWithDefaults loads configuration without validating required fields.
// Useful for tests and for the dispatcher, which does not serve authenticated requests.
func LoadWithDefaults() *Config {
	cfg := Defaults()
	if path := os.Getenv("BUILDFARM_CONFIG"); path != "" {
		_ = cfg.loadFile(path)
	}
	cfg.applyEnv()
	return cfg
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		DatabaseDSN:     "postgres://localhost:5432/buildfarm?sslmode=disable",
		JWTExpiry:       24 * time.Hour,
		APIHost:         "0.0.0.0",
		APIPort:         8080,
		GRPCPort:        9090,
		ShutdownTimeout: 30 * time.Second,
		LogLevel:        "info",
		LogJSON:         true,
		Scheduler: SchedulerConfig{
			Interval:            5 * time.Second,
			RescoreInterval:     5 * time.Minute,
			HealthThreshold:     2 * time.Minute,
			HealthCheckInterval: 30 * time.Second,
			OverrunFallback:     DefaultOverrunFallback,
			DefaultEstimate:     10 * time.Minute,
			HistorySamples:      20,
		},
		Cache: CacheConfig{
			SizeBytes: 4 << 20,
			TTL:       5 * time.Second,
		},
	}
}

// Validate checks that required configuration values are set.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}
	if c.Scheduler.OverrunFallback <= 0 {
		return fmt.Errorf("SCHEDULER_OVERRUN_FALLBACK must be positive")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("SCHEDULER_INTERVAL must be positive")
	}
	return nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.DatabaseDSN = getEnv("DATABASE_URL", c.DatabaseDSN)
	c.JWTSecret = getEnv("JWT_SECRET", c.JWTSecret)
	c.JWTExpiry = getDurationEnv("JWT_EXPIRY", c.JWTExpiry)
	c.APIHost = getEnv("API_HOST", c.APIHost)
	c.APIPort = getIntEnv("API_PORT", c.APIPort)
	c.GRPCPort = getIntEnv("GRPC_PORT", c.GRPCPort)
	c.ShutdownTimeout = getDurationEnv("SHUTDOWN_TIMEOUT", c.ShutdownTimeout)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogJSON = getBoolEnv("LOG_JSON", c.LogJSON)
	c.NATSURL = getEnv("NATS_URL", c.NATSURL)
	c.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.OTLPEndpoint)

	s := &c.Scheduler
	s.Interval = getDurationEnv("SCHEDULER_INTERVAL", s.Interval)
	s.RescoreInterval = getDurationEnv("SCHEDULER_RESCORE_INTERVAL", s.RescoreInterval)
	s.HealthThreshold = getDurationEnv("SCHEDULER_HEALTH_THRESHOLD", s.HealthThreshold)
	s.HealthCheckInterval = getDurationEnv("SCHEDULER_HEALTH_CHECK_INTERVAL", s.HealthCheckInterval)
	s.OverrunFallback = getDurationEnv("SCHEDULER_OVERRUN_FALLBACK", s.OverrunFallback)
	s.DefaultEstimate = getDurationEnv("SCHEDULER_DEFAULT_ESTIMATE", s.DefaultEstimate)
	s.HistorySamples = getIntEnv("SCHEDULER_HISTORY_SAMPLES", s.HistorySamples)

	c.Cache.SizeBytes = getIntEnv("ESTIMATE_CACHE_SIZE", c.Cache.SizeBytes)
	c.Cache.TTL = getDurationEnv("ESTIMATE_CACHE_TTL", c.Cache.TTL)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
