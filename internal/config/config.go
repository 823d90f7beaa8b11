package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rewired-gh/spendwatch/internal/anomaly"
	"github.com/rewired-gh/spendwatch/internal/logger"
)

// Config represents the complete application configuration
type Config struct {
	Detection DetectionConfig `mapstructure:"detection"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// DetectionConfig holds detector thresholds and model parameters
type DetectionConfig struct {
	MinTransactions        int     `mapstructure:"min_transactions"`
	ModelMinRows           int     `mapstructure:"model_min_rows"`
	Trees                  int     `mapstructure:"trees"`
	MaxSamples             int     `mapstructure:"max_samples"`
	Seed                   uint64  `mapstructure:"seed"`
	Workers                int     `mapstructure:"workers"`
	ContaminationNumerator float64 `mapstructure:"contamination_numerator"`
	ContaminationMin       float64 `mapstructure:"contamination_min"`
	ContaminationMax       float64 `mapstructure:"contamination_max"`
	StdMultiplier          float64 `mapstructure:"std_multiplier"`
	RatioThreshold         float64 `mapstructure:"ratio_threshold"`
	RecencyHorizonDays     float64 `mapstructure:"recency_horizon_days"`
	DefaultAgeDays         int     `mapstructure:"default_age_days"`
	WindowSize             int     `mapstructure:"window_size"`
	WindowMin              int     `mapstructure:"window_min"`
	WindowStdMultiplier    float64 `mapstructure:"window_std_multiplier"`
}

// StorageConfig holds preference and history persistence configuration
type StorageConfig struct {
	Backend    string `mapstructure:"backend"` // sqlite or file
	DBPath     string `mapstructure:"db_path"`
	DataDir    string `mapstructure:"data_dir"`
	MaxHistory int    `mapstructure:"max_history"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// MetricsConfig holds metrics export configuration
type MetricsConfig struct {
	TextfilePath string `mapstructure:"textfile_path"` // empty disables export
}

// Load reads configuration from file and environment variables.
// An empty path uses defaults and environment variables only.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Enable environment variable override, e.g. SPENDWATCH_STORAGE_BACKEND
	v.SetEnvPrefix("SPENDWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Unmarshal into Config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Detection defaults
	v.SetDefault("detection.min_transactions", 5)
	v.SetDefault("detection.model_min_rows", 5)
	v.SetDefault("detection.trees", 100)
	v.SetDefault("detection.max_samples", 256)
	v.SetDefault("detection.seed", 42)
	v.SetDefault("detection.workers", 0) // 0 = GOMAXPROCS
	v.SetDefault("detection.contamination_numerator", 3.0)
	v.SetDefault("detection.contamination_min", 0.05)
	v.SetDefault("detection.contamination_max", 0.2)
	v.SetDefault("detection.std_multiplier", 2.0)
	v.SetDefault("detection.ratio_threshold", 1.5)
	v.SetDefault("detection.recency_horizon_days", 60.0)
	v.SetDefault("detection.default_age_days", 30)
	v.SetDefault("detection.window_size", 10)
	v.SetDefault("detection.window_min", 5)
	v.SetDefault("detection.window_std_multiplier", 2.5)

	// Storage defaults
	v.SetDefault("storage.backend", "sqlite")
	v.SetDefault("storage.db_path", "./data/spendwatch.db")
	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("storage.max_history", 1000)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)
	v.SetDefault("logging.compress", true)

	// Telegram defaults
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	// Metrics defaults
	v.SetDefault("metrics.textfile_path", "")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate Detection config
	d := c.Detection
	if d.MinTransactions < 2 {
		return fmt.Errorf("detection.min_transactions must be at least 2")
	}
	if d.ModelMinRows < 2 {
		return fmt.Errorf("detection.model_min_rows must be at least 2")
	}
	if d.Trees < 1 || d.Trees > 1000 {
		return fmt.Errorf("detection.trees must be between 1 and 1000")
	}
	if d.MaxSamples < 2 {
		return fmt.Errorf("detection.max_samples must be at least 2")
	}
	if d.Workers < 0 {
		return fmt.Errorf("detection.workers must not be negative")
	}
	if d.ContaminationNumerator <= 0 {
		return fmt.Errorf("detection.contamination_numerator must be positive")
	}
	if d.ContaminationMin <= 0 || d.ContaminationMin > 0.5 {
		return fmt.Errorf("detection.contamination_min must be in (0, 0.5]")
	}
	if d.ContaminationMax < d.ContaminationMin || d.ContaminationMax > 0.5 {
		return fmt.Errorf("detection.contamination_max must be between contamination_min and 0.5")
	}
	if d.StdMultiplier <= 0 {
		return fmt.Errorf("detection.std_multiplier must be positive")
	}
	if d.RatioThreshold <= 1 {
		return fmt.Errorf("detection.ratio_threshold must be greater than 1")
	}
	if d.RecencyHorizonDays <= 0 {
		return fmt.Errorf("detection.recency_horizon_days must be positive")
	}
	if d.DefaultAgeDays < 0 {
		return fmt.Errorf("detection.default_age_days must not be negative")
	}
	if d.WindowMin < 2 || d.WindowSize < d.WindowMin {
		return fmt.Errorf("detection.window_min must be at least 2 and not exceed detection.window_size")
	}
	if d.WindowStdMultiplier <= 0 {
		return fmt.Errorf("detection.window_std_multiplier must be positive")
	}

	// Validate Storage config
	switch c.Storage.Backend {
	case "sqlite":
		if c.Storage.DBPath == "" {
			return fmt.Errorf("storage.db_path is required for the sqlite backend")
		}
	case "file":
		if c.Storage.DataDir == "" {
			return fmt.Errorf("storage.data_dir is required for the file backend")
		}
	default:
		return fmt.Errorf("storage.backend must be one of: sqlite, file")
	}
	if c.Storage.MaxHistory < 0 {
		return fmt.Errorf("storage.max_history must not be negative")
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "console": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, console, text")
	}
	if c.Logging.File != "" && c.Logging.MaxSizeMB < 1 {
		return fmt.Errorf("logging.max_size_mb must be at least 1 when logging.file is set")
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}
	if c.Telegram.MaxRetries < 0 {
		return fmt.Errorf("telegram.max_retries must not be negative")
	}

	return nil
}

// PipelineConfig maps the detection section onto the pipeline configuration.
func (c *Config) PipelineConfig() anomaly.Config {
	d := c.Detection
	p := anomaly.DefaultConfig()
	p.MinTransactions = d.MinTransactions

	p.Features.RecencyHorizonDays = d.RecencyHorizonDays
	p.Features.DefaultAgeDays = d.DefaultAgeDays
	p.Features.StdMultiplier = d.StdMultiplier

	p.Statistical.RatioThreshold = d.RatioThreshold
	p.Scoped.ThresholdMultiplier = d.StdMultiplier

	p.Model.Trees = d.Trees
	p.Model.MaxSamples = d.MaxSamples
	p.Model.Seed = d.Seed
	p.Model.Workers = d.Workers
	p.Model.MinRows = d.ModelMinRows
	p.Model.ContaminationBase = d.ContaminationNumerator
	p.Model.ContaminationMin = d.ContaminationMin
	p.Model.ContaminationMax = d.ContaminationMax

	p.Fallback.MinRows = d.MinTransactions
	p.Fallback.Window = d.WindowSize
	p.Fallback.MinWindow = d.WindowMin
	p.Fallback.WindowStdMul = d.WindowStdMultiplier
	return p
}

// LoggerConfig returns the logging section as a logger configuration.
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:      c.Logging.Level,
		Format:     c.Logging.Format,
		File:       c.Logging.File,
		MaxSizeMB:  c.Logging.MaxSizeMB,
		MaxBackups: c.Logging.MaxBackups,
		MaxAgeDays: c.Logging.MaxAgeDays,
		Compress:   c.Logging.Compress,
	}
}
