package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Store backends for committed records.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	StoreBackend string `mapstructure:"STORE_BACKEND"`

	WorkerCount int `mapstructure:"WORKER_COUNT"`
	BatchSize   int `mapstructure:"BATCH_SIZE"`
	MaxRetries  int `mapstructure:"MAX_RETRIES"`

	QueuePath      string `mapstructure:"QUEUE_PATH"`
	QueueDepthWarn int    `mapstructure:"QUEUE_DEPTH_WARN"`

	MonitorIntervalSeconds int `mapstructure:"MONITOR_INTERVAL_SECONDS"`
	DrainTimeoutSeconds    int `mapstructure:"DRAIN_TIMEOUT_SECONDS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("STORE_BACKEND", StorePostgres)
	v.SetDefault("WORKER_COUNT", 4)
	v.SetDefault("BATCH_SIZE", 10)
	v.SetDefault("MAX_RETRIES", 3)
	v.SetDefault("QUEUE_DEPTH_WARN", 1000)
	v.SetDefault("MONITOR_INTERVAL_SECONDS", 60)
	v.SetDefault("DRAIN_TIMEOUT_SECONDS", 30)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("STORE_BACKEND")
	v.BindEnv("WORKER_COUNT")
	v.BindEnv("BATCH_SIZE")
	v.BindEnv("MAX_RETRIES")
	v.BindEnv("QUEUE_PATH")
	v.BindEnv("QUEUE_DEPTH_WARN")
	v.BindEnv("MONITOR_INTERVAL_SECONDS")
	v.BindEnv("DRAIN_TIMEOUT_SECONDS")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.StoreBackend == StorePostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is %q", StorePostgres)
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// MonitorInterval returns the monitor reporting period.
func (c *Config) MonitorInterval() time.Duration {
	return time.Duration(c.MonitorIntervalSeconds) * time.Second
}

// DrainTimeout returns the shutdown window for in-flight worker batches.
func (c *Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// Validate checks that the configuration is safe to run. The durable queue
// requires an on-disk path, and the in-memory store is refused in production
// since committed records would not survive a restart.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StorePostgres, StoreMemory:
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", StorePostgres, StoreMemory, c.StoreBackend)
	}
	if c.IsProduction() && c.StoreBackend == StoreMemory {
		return fmt.Errorf("STORE_BACKEND=%s is not allowed in production", StoreMemory)
	}
	if c.IsProduction() && c.QueuePath == "" {
		return fmt.Errorf("QUEUE_PATH is required in production so queued jobs survive restarts")
	}
	if c.WorkerCount <= 0 {
		return fmt.Errorf("WORKER_COUNT must be positive, got %d", c.WorkerCount)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.BatchSize)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must not be negative, got %d", c.MaxRetries)
	}
	return nil
}
