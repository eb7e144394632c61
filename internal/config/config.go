// Package config provides configuration management for the lookup store.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/hlameta/hlameta/internal/model"
	"github.com/spf13/viper"
)

// Backend names accepted by tables.backend and pointers.backend
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendPebble   = "pebble"
	BackendRedis    = "redis"
)

// Config holds all configuration for the lookup store.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Tables   TablesConfig   `mapstructure:"tables"`
	Pointers PointersConfig `mapstructure:"pointers"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Pebble   PebbleConfig   `mapstructure:"pebble"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Source   SourceConfig   `mapstructure:"source"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// TablesConfig holds generation table storage and write settings.
type TablesConfig struct {
	Backend          string        `mapstructure:"backend"`
	MaxColumnSize    int           `mapstructure:"max_column_size"`
	WriteParallelism int           `mapstructure:"write_parallelism"`
	WritesPerSecond  float64       `mapstructure:"writes_per_second"`
	WriteBurst       int           `mapstructure:"write_burst"`
	BatchTimeout     time.Duration `mapstructure:"batch_timeout"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryMinBackoff  time.Duration `mapstructure:"retry_min_backoff"`
	RetryMaxBackoff  time.Duration `mapstructure:"retry_max_backoff"`
	PageSize         int           `mapstructure:"page_size"`
	PageTimeout      time.Duration `mapstructure:"page_timeout"`
	StrictDecode     bool          `mapstructure:"strict_decode"`
	OrphanGrace      time.Duration `mapstructure:"orphan_grace"`
}

// PointersConfig holds pointer store settings.
type PointersConfig struct {
	Backend             string `mapstructure:"backend"`
	ResolutionCacheSize int    `mapstructure:"resolution_cache_size"`
	KeyPrefix           string `mapstructure:"key_prefix"`
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MinConnections int    `mapstructure:"min_connections"`
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// SQLiteConfig holds the SQLite database path.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PebbleConfig holds the Pebble data directory.
type PebbleConfig struct {
	Dir string `mapstructure:"dir"`
}

// CacheConfig holds lookup cache settings.
type CacheConfig struct {
	LoadTimeout   time.Duration `mapstructure:"load_timeout"`
	WarmUp        []string      `mapstructure:"warm_up"`
	WarmUpWorkers int           `mapstructure:"warm_up_workers"`
}

// SourceConfig holds settings for reading matched-typing records.
type SourceConfig struct {
	Format         string `mapstructure:"format"`
	S3Region       string `mapstructure:"s3_region"`
	S3Endpoint     string `mapstructure:"s3_endpoint"`
	S3UsePathStyle bool   `mapstructure:"s3_use_path_style"`
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("hlameta")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/hlameta/")
	}

	// Read environment variables
	v.SetEnvPrefix("HLAMETA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found, use defaults/env)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers every key with DefaultConfig's value so that
// environment overrides resolve for all of them.
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	// Server defaults
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	// Table defaults
	v.SetDefault("tables.backend", d.Tables.Backend)
	v.SetDefault("tables.max_column_size", d.Tables.MaxColumnSize)
	v.SetDefault("tables.write_parallelism", d.Tables.WriteParallelism)
	v.SetDefault("tables.writes_per_second", d.Tables.WritesPerSecond)
	v.SetDefault("tables.write_burst", d.Tables.WriteBurst)
	v.SetDefault("tables.batch_timeout", d.Tables.BatchTimeout)
	v.SetDefault("tables.max_retries", d.Tables.MaxRetries)
	v.SetDefault("tables.retry_min_backoff", d.Tables.RetryMinBackoff)
	v.SetDefault("tables.retry_max_backoff", d.Tables.RetryMaxBackoff)
	v.SetDefault("tables.page_size", d.Tables.PageSize)
	v.SetDefault("tables.page_timeout", d.Tables.PageTimeout)
	v.SetDefault("tables.strict_decode", d.Tables.StrictDecode)
	v.SetDefault("tables.orphan_grace", d.Tables.OrphanGrace)

	// Pointer defaults
	v.SetDefault("pointers.backend", d.Pointers.Backend)
	v.SetDefault("pointers.resolution_cache_size", d.Pointers.ResolutionCacheSize)
	v.SetDefault("pointers.key_prefix", d.Pointers.KeyPrefix)

	// Database defaults
	v.SetDefault("database.host", d.Database.Host)
	v.SetDefault("database.port", d.Database.Port)
	v.SetDefault("database.database", d.Database.Database)
	v.SetDefault("database.user", d.Database.User)
	v.SetDefault("database.password", d.Database.Password)
	v.SetDefault("database.max_connections", d.Database.MaxConnections)
	v.SetDefault("database.min_connections", d.Database.MinConnections)

	// Redis defaults
	v.SetDefault("redis.host", d.Redis.Host)
	v.SetDefault("redis.port", d.Redis.Port)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)

	// Embedded store defaults
	v.SetDefault("sqlite.path", d.SQLite.Path)
	v.SetDefault("pebble.dir", d.Pebble.Dir)

	// Cache defaults
	v.SetDefault("cache.load_timeout", d.Cache.LoadTimeout)
	v.SetDefault("cache.warm_up", d.Cache.WarmUp)
	v.SetDefault("cache.warm_up_workers", d.Cache.WarmUpWorkers)

	// Source defaults
	v.SetDefault("source.format", d.Source.Format)
	v.SetDefault("source.s3_region", d.Source.S3Region)
	v.SetDefault("source.s3_endpoint", d.Source.S3Endpoint)
	v.SetDefault("source.s3_use_path_style", d.Source.S3UsePathStyle)

	// Metrics defaults
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.port", d.Metrics.Port)
	v.SetDefault("metrics.path", d.Metrics.Path)

	// Logging defaults
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Tables: TablesConfig{
			Backend:          BackendSQLite,
			MaxColumnSize:    32000,
			WriteParallelism: 6,
			WritesPerSecond:  200,
			WriteBurst:       20,
			BatchTimeout:     30 * time.Second,
			MaxRetries:       5,
			RetryMinBackoff:  100 * time.Millisecond,
			RetryMaxBackoff:  10 * time.Second,
			PageSize:         1000,
			PageTimeout:      30 * time.Second,
			StrictDecode:     false,
			OrphanGrace:      24 * time.Hour,
		},
		Pointers: PointersConfig{
			Backend:             BackendSQLite,
			ResolutionCacheSize: 256,
			KeyPrefix:           "hlameta:pointer:",
		},
		Database: DatabaseConfig{
			Host:           "localhost",
			Port:           5432,
			Database:       "hlameta",
			User:           "hlameta",
			Password:       "",
			MaxConnections: 20,
			MinConnections: 2,
		},
		Redis: RedisConfig{
			Host:     "localhost",
			Port:     6379,
			Password: "",
			DB:       0,
		},
		SQLite: SQLiteConfig{
			Path: "data/hlameta.db",
		},
		Pebble: PebbleConfig{
			Dir: "data/pebble",
		},
		Cache: CacheConfig{
			LoadTimeout:   5 * time.Minute,
			WarmUp:        []string{},
			WarmUpWorkers: 4,
		},
		Source: SourceConfig{
			Format: "jsonl",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Tables.Backend {
	case BackendMemory, BackendSQLite, BackendPostgres, BackendPebble:
	default:
		return fmt.Errorf("tables.backend must be one of: memory, sqlite, postgres, pebble (got %q)", c.Tables.Backend)
	}
	switch c.Pointers.Backend {
	case BackendMemory, BackendSQLite, BackendPostgres, BackendPebble, BackendRedis:
	default:
		return fmt.Errorf("pointers.backend must be one of: memory, sqlite, postgres, pebble, redis (got %q)", c.Pointers.Backend)
	}
	if c.Tables.Backend == BackendMemory && c.Pointers.Backend != BackendMemory {
		return fmt.Errorf("an in-memory table store requires an in-memory pointer store")
	}

	if c.Tables.MaxColumnSize <= 0 {
		return fmt.Errorf("tables.max_column_size must be positive")
	}
	if c.Tables.WriteParallelism <= 0 {
		return fmt.Errorf("tables.write_parallelism must be positive")
	}
	if c.Tables.WritesPerSecond <= 0 {
		return fmt.Errorf("tables.writes_per_second must be positive")
	}
	if c.Tables.WriteBurst <= 0 {
		return fmt.Errorf("tables.write_burst must be positive")
	}
	if c.Tables.BatchTimeout <= 0 || c.Tables.PageTimeout <= 0 {
		return fmt.Errorf("tables.batch_timeout and tables.page_timeout must be positive")
	}
	if c.Tables.MaxRetries < 0 {
		return fmt.Errorf("tables.max_retries cannot be negative")
	}
	if c.Tables.PageSize <= 0 {
		return fmt.Errorf("tables.page_size must be positive")
	}
	if c.Pointers.ResolutionCacheSize <= 0 {
		return fmt.Errorf("pointers.resolution_cache_size must be positive")
	}
	if c.Cache.LoadTimeout <= 0 {
		return fmt.Errorf("cache.load_timeout must be positive")
	}
	if _, err := c.Cache.WarmUpTargets(); err != nil {
		return err
	}

	switch c.Source.Format {
	case "jsonl", "yaml":
	default:
		return fmt.Errorf("source.format must be jsonl or yaml (got %q)", c.Source.Format)
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			return fmt.Errorf("invalid metrics port: %d", c.Metrics.Port)
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// WarmUpTargets parses the "dataset@version" warm-up entries
func (c CacheConfig) WarmUpTargets() ([]model.DatasetVersion, error) {
	targets := make([]model.DatasetVersion, 0, len(c.WarmUp))
	for _, raw := range c.WarmUp {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		dataset, version, ok := strings.Cut(raw, "@")
		if !ok || dataset == "" || version == "" {
			return nil, fmt.Errorf("cache.warm_up entry %q must be dataset@version", raw)
		}
		targets = append(targets, model.DatasetVersion{Dataset: dataset, Version: version})
	}
	return targets, nil
}
