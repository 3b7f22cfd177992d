// Package config loads and validates the application configuration.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration.
type Config struct {
	Feed     FeedConfig     `mapstructure:"feed"`
	Detector DetectorConfig `mapstructure:"detector"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// FeedConfig holds the trade-feed polling configuration.
type FeedConfig struct {
	APIURL         string        `mapstructure:"api_url"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	Timeout        time.Duration `mapstructure:"timeout"`
	Limit          int           `mapstructure:"limit"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// WeightsConfig holds the heuristic combination weights.
type WeightsConfig struct {
	Z float64 `mapstructure:"z"`
	D float64 `mapstructure:"d"`
	B float64 `mapstructure:"b"`
}

// DetectorConfig holds the detection engine configuration.
type DetectorConfig struct {
	ZMin               float64       `mapstructure:"z_min"`
	DRMin              float64       `mapstructure:"dr_min"`
	HMin               float64       `mapstructure:"h_min"`
	Weights            WeightsConfig `mapstructure:"weights"`
	ClusteringHorizon  time.Duration `mapstructure:"clustering_horizon"`
	HistoryRetention   int           `mapstructure:"history_retention"`
	TopK               int           `mapstructure:"top_k"`
	CooldownMultiplier int           `mapstructure:"cooldown_multiplier"`
	CheckpointInterval int           `mapstructure:"checkpoint_interval"`
}

// TelegramConfig holds Telegram notification configuration.
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	DBPath    string        `mapstructure:"db_path"`
	MaxBetAge time.Duration `mapstructure:"max_bet_age"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	setDefaults(v)

	v.SetEnvPrefix("FLOWSENTRY")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Feed defaults
	v.SetDefault("feed.api_url", "https://data-api.polymarket.com")
	v.SetDefault("feed.poll_interval", "1m")
	v.SetDefault("feed.timeout", "30s")
	v.SetDefault("feed.limit", 500)
	v.SetDefault("feed.max_retries", 3)
	v.SetDefault("feed.retry_delay_base", "1s")

	// Detector defaults: thresholds start fully open so operators can tune
	// up from a permissive baseline while observing score distributions.
	v.SetDefault("detector.z_min", 0.0)
	v.SetDefault("detector.dr_min", 0.0)
	v.SetDefault("detector.h_min", 0.0)
	v.SetDefault("detector.weights.z", 1.0)
	v.SetDefault("detector.weights.d", 1.0)
	v.SetDefault("detector.weights.b", 1.0)
	v.SetDefault("detector.clustering_horizon", "30m")
	v.SetDefault("detector.history_retention", 256)
	v.SetDefault("detector.top_k", 10)
	v.SetDefault("detector.cooldown_multiplier", 5)
	v.SetDefault("detector.checkpoint_interval", 12)

	// Telegram defaults
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	// Storage defaults
	v.SetDefault("storage.db_path", "./data/flowsentry.db")
	v.SetDefault("storage.max_bet_age", "168h")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid.
func (c *Config) Validate() error {
	if c.Feed.APIURL == "" {
		return fmt.Errorf("feed.api_url is required")
	}
	if c.Feed.PollInterval < 10*time.Second {
		return fmt.Errorf("feed.poll_interval must be at least 10 seconds")
	}
	if c.Feed.Timeout <= 0 {
		return fmt.Errorf("feed.timeout must be positive")
	}
	if c.Feed.Limit < 1 || c.Feed.Limit > 10000 {
		return fmt.Errorf("feed.limit must be between 1 and 10000")
	}

	if c.Detector.DRMin < 0 || c.Detector.DRMin > 1 {
		return fmt.Errorf("detector.dr_min must be between 0.0 and 1.0")
	}
	if c.Detector.ZMin < 0 {
		return fmt.Errorf("detector.z_min must not be negative")
	}
	if c.Detector.HMin < 0 {
		return fmt.Errorf("detector.h_min must not be negative")
	}
	if c.Detector.Weights.Z < 0 || c.Detector.Weights.D < 0 || c.Detector.Weights.B < 0 {
		return fmt.Errorf("detector.weights must not be negative")
	}
	if c.Detector.ClusteringHorizon < time.Minute {
		return fmt.Errorf("detector.clustering_horizon must be at least 1 minute")
	}
	if c.Detector.HistoryRetention < 2 {
		return fmt.Errorf("detector.history_retention must be at least 2")
	}
	if c.Detector.TopK < 1 {
		return fmt.Errorf("detector.top_k must be at least 1")
	}
	if c.Detector.CooldownMultiplier < 0 {
		return fmt.Errorf("detector.cooldown_multiplier must not be negative")
	}
	if c.Detector.CheckpointInterval < 1 {
		return fmt.Errorf("detector.checkpoint_interval must be at least 1")
	}

	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	if c.Storage.DBPath == "" {
		return fmt.Errorf("storage.db_path is required")
	}
	if c.Storage.MaxBetAge < time.Hour {
		return fmt.Errorf("storage.max_bet_age must be at least 1 hour")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// ExpectedBetsPerWindow derives the burst-normalization baseline: how many
// bets the feed cadence predicts inside one clustering window.
func (c *Config) ExpectedBetsPerWindow() float64 {
	if c.Feed.PollInterval <= 0 {
		return 1
	}
	return float64(c.Detector.ClusteringHorizon) / float64(c.Feed.PollInterval)
}
