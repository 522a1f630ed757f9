// Package config loads service configuration from defaults, an optional
// YAML file, and environment overrides, in that order. Environment
// variables win so operators can tune a deployment without editing files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration for the service.
type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	DataDir  string `yaml:"data_dir"`

	LogLevel string `yaml:"log_level"`
	LogDev   bool   `yaml:"log_dev"`

	// Sharding
	ShardCount        int   `yaml:"shard_count"`
	MaxShardSizeBytes int64 `yaml:"max_shard_size_bytes"`

	// Cache windows used when a table policy is silent.
	DefaultCacheTTL time.Duration `yaml:"default_cache_ttl"`
	DefaultCacheSWR time.Duration `yaml:"default_cache_swr"`

	// Auth
	JWTSecret string `yaml:"jwt_secret"`

	// Gateway
	MaxConnectionsPerShard int           `yaml:"max_connections_per_shard"`
	SessionTTL             time.Duration `yaml:"session_ttl"`
	SessionSweepInterval   time.Duration `yaml:"session_sweep_interval"`
	RequestTimeout         time.Duration `yaml:"request_timeout"`
	BreakerFailureThreshold int          `yaml:"breaker_failure_threshold"`
	BreakerCooldown        time.Duration `yaml:"breaker_cooldown"`

	// Router
	HealthInterval time.Duration `yaml:"health_interval"`

	// Shard engine
	CapacityRecheckInterval time.Duration `yaml:"capacity_recheck_interval"`
	TxnInactivityTimeout    time.Duration `yaml:"txn_inactivity_timeout"`
	StatementCacheSize      int           `yaml:"statement_cache_size"`

	// Split orchestration
	BackfillPageSize int           `yaml:"backfill_page_size"`
	TailBatchSize    int           `yaml:"tail_batch_size"`
	GraceWindow      time.Duration `yaml:"split_grace_window"`

	// Event bus
	BusBatchSize   int           `yaml:"bus_batch_size"`
	BusMaxWait     time.Duration `yaml:"bus_max_wait"`
	BusMaxAttempts int           `yaml:"bus_max_attempts"`
	ProcessedTTL   time.Duration `yaml:"processed_marker_ttl"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		HTTPAddr: ":8080",
		DataDir:  "data",
		LogLevel: "info",

		ShardCount:        4,
		MaxShardSizeBytes: 10 << 30, // 10 GiB

		DefaultCacheTTL: 60 * time.Second,
		DefaultCacheSWR: 300 * time.Second,

		MaxConnectionsPerShard:  32,
		SessionTTL:              10 * time.Minute,
		SessionSweepInterval:    60 * time.Second,
		RequestTimeout:          10 * time.Second,
		BreakerFailureThreshold: 5,
		BreakerCooldown:         30 * time.Second,

		HealthInterval: 30 * time.Second,

		CapacityRecheckInterval: 60 * time.Second,
		TxnInactivityTimeout:    60 * time.Second,
		StatementCacheSize:      200,

		BackfillPageSize: 200,
		TailBatchSize:    750,
		GraceWindow:      5 * time.Minute,

		BusBatchSize:   50,
		BusMaxWait:     2 * time.Second,
		BusMaxAttempts: 5,
		ProcessedTTL:   10 * time.Minute,
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// non-empty), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv applies recognized environment overrides.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		c.HTTPAddr = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("SHARD_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.ShardCount = n
		}
	}
	if v := os.Getenv("MAX_SHARD_SIZE_GB"); v != "" {
		// Fractional and zero values are allowed; tests use 0 to force
		// SHARD_CAPACITY on the first insert.
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			c.MaxShardSizeBytes = int64(f * float64(1<<30))
		}
	}
	if v := os.Getenv("DEFAULT_CACHE_TTL"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms > 0 {
			c.DefaultCacheTTL = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("DEFAULT_CACHE_SWR"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms > 0 {
			c.DefaultCacheSWR = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.JWTSecret = v
	}
	if v := os.Getenv("SPLIT_GRACE_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			c.GraceWindow = d
		}
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.ShardCount < 1 {
		return fmt.Errorf("shard_count must be >= 1, got %d", c.ShardCount)
	}
	if c.MaxShardSizeBytes < 0 {
		return fmt.Errorf("max_shard_size_bytes must be >= 0")
	}
	if c.DefaultCacheSWR <= c.DefaultCacheTTL {
		return fmt.Errorf("default_cache_swr (%s) must exceed default_cache_ttl (%s)",
			c.DefaultCacheSWR, c.DefaultCacheTTL)
	}
	if c.MaxConnectionsPerShard < 1 {
		return fmt.Errorf("max_connections_per_shard must be >= 1")
	}
	if c.BackfillPageSize < 1 || c.TailBatchSize < 1 {
		return fmt.Errorf("backfill_page_size and tail_batch_size must be >= 1")
	}
	return nil
}
