package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Tracking    TrackingConfig    `mapstructure:"tracking"`
	Settlement  SettlementConfig  `mapstructure:"settlement"`
	Reconcile   ReconcileConfig   `mapstructure:"reconcile"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Remote      RedisConfig       `mapstructure:"remote"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

// TrackingConfig defines the foreground poller settings
type TrackingConfig struct {
	PollInterval  string `mapstructure:"poll_interval"`
	BucketPolicy  string `mapstructure:"bucket_policy"` // "daily" or "window"
	BucketMinutes int    `mapstructure:"bucket_minutes"`
	ResetTime     string `mapstructure:"reset_time"` // HH:MM, daily policy only
	MinSegment    string `mapstructure:"min_segment"`
}

// SettlementConfig defines the settlement engine schedule
type SettlementConfig struct {
	Interval string `mapstructure:"interval"`
}

// ReconcileConfig defines the reconciliation engine settings
type ReconcileConfig struct {
	Interval  string `mapstructure:"interval"`
	BatchSize int    `mapstructure:"batch_size"`
}

// StorageConfig defines the local store settings
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig defines the remote store connection
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig defines the metrics endpoint
type MetricsConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Port        int    `mapstructure:"port"`
	BindAddress string `mapstructure:"bind_address"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("SCREENPACT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
		// Config file not found, use defaults and environment variables
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Tracking defaults
	v.SetDefault("tracking.poll_interval", "1m")
	v.SetDefault("tracking.bucket_policy", "daily")
	v.SetDefault("tracking.bucket_minutes", 180)
	v.SetDefault("tracking.reset_time", "00:00")
	v.SetDefault("tracking.min_segment", "5s")

	// Settlement defaults
	v.SetDefault("settlement.interval", "24h")

	// Reconcile defaults
	v.SetDefault("reconcile.interval", "3h")
	v.SetDefault("reconcile.batch_size", 200)

	// Storage defaults
	v.SetDefault("storage.path", "/var/lib/screenpact/screenpact.bolt")

	// Remote store defaults
	v.SetDefault("remote.host", "127.0.0.1")
	v.SetDefault("remote.port", 6379)
	v.SetDefault("remote.db", 0)
	v.SetDefault("remote.pool_size", 10)
	v.SetDefault("remote.min_idle_conns", 2)
	v.SetDefault("remote.dial_timeout", "5s")
	v.SetDefault("remote.read_timeout", "3s")
	v.SetDefault("remote.write_timeout", "3s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.bind_address", "0.0.0.0")
}

// validate validates the configuration
func validate(cfg *Config) error {
	switch cfg.Tracking.BucketPolicy {
	case "daily", "window":
	default:
		return fmt.Errorf("invalid bucket policy: %q (must be daily or window)", cfg.Tracking.BucketPolicy)
	}

	if cfg.Tracking.BucketPolicy == "window" && cfg.Tracking.BucketMinutes <= 0 {
		return fmt.Errorf("bucket_minutes must be positive for window policy")
	}

	if cfg.Reconcile.BatchSize <= 0 {
		return fmt.Errorf("reconcile batch_size must be positive")
	}

	if cfg.Storage.Path == "" {
		return fmt.Errorf("storage path is required")
	}

	storageDir := filepath.Dir(cfg.Storage.Path)
	if err := os.MkdirAll(storageDir, 0755); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}

	return nil
}
