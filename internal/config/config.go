// Package config loads Litany settings from defaults, an optional config
// file, an optional .env file and LITANY_* environment variables, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/kimhsiao/litany/internal/logging"
)

const (
	envPrefix        = "LITANY"
	defaultConfigDir = ".litany"
	configName       = "config"
)

// Config holds the resolved settings.
type Config struct {
	DataDir            string `mapstructure:"data_dir" json:"data_dir" yaml:"data_dir"`
	DebounceMS         int    `mapstructure:"debounce_ms" json:"debounce_ms" yaml:"debounce_ms"`
	CacheTTLMS         int    `mapstructure:"cache_ttl_ms" json:"cache_ttl_ms" yaml:"cache_ttl_ms"`
	TrashRetentionDays int    `mapstructure:"trash_retention_days" json:"trash_retention_days" yaml:"trash_retention_days"`
	QuotaBytes         int64  `mapstructure:"quota_bytes" json:"quota_bytes" yaml:"quota_bytes"`
	BackupRecordLimit  int    `mapstructure:"backup_record_limit" json:"backup_record_limit" yaml:"backup_record_limit"`
	LogLevel           string `mapstructure:"log_level" json:"log_level" yaml:"log_level"`
	LogFile            string `mapstructure:"log_file" json:"log_file" yaml:"log_file"`
	Watch              bool   `mapstructure:"watch" json:"watch" yaml:"watch"`
	ExportDir          string `mapstructure:"export_dir" json:"export_dir" yaml:"export_dir"`
	ExportInterval     string `mapstructure:"export_interval" json:"export_interval" yaml:"export_interval"`
	ExportRetention    int    `mapstructure:"export_retention" json:"export_retention" yaml:"export_retention"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-" json:"-" yaml:"-"`
}

// LoadOptions selects explicit file locations. Empty fields fall back to
// the default search.
type LoadOptions struct {
	ConfigFile string
	EnvFile    string
}

func setDefaults(v *viper.Viper, home string) {
	v.SetDefault("data_dir", filepath.Join(home, defaultConfigDir))
	v.SetDefault("debounce_ms", 300)
	v.SetDefault("cache_ttl_ms", 2000)
	v.SetDefault("trash_retention_days", 30)
	v.SetDefault("quota_bytes", 5<<20)
	v.SetDefault("backup_record_limit", 50)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
	v.SetDefault("watch", true)
	v.SetDefault("export_dir", "")
	v.SetDefault("export_interval", "manual")
	v.SetDefault("export_retention", 5)
}

// Load resolves the configuration.
func Load(opts LoadOptions) (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	} else if opts.EnvFile != "" {
		return nil, fmt.Errorf("env file %s: %w", opts.EnvFile, err)
	}

	v := viper.New()
	setDefaults(v, home)
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join(home, defaultConfigDir))
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.ConfigFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	if cfg.ExportDir == "" {
		cfg.ExportDir = defaultExportDir(cfg.DataDir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir cannot be empty")
	}
	if c.DebounceMS <= 0 {
		return fmt.Errorf("debounce_ms must be > 0, got %d", c.DebounceMS)
	}
	if c.CacheTTLMS <= 0 {
		return fmt.Errorf("cache_ttl_ms must be > 0, got %d", c.CacheTTLMS)
	}
	if c.TrashRetentionDays < 0 {
		return fmt.Errorf("trash_retention_days must be >= 0, got %d", c.TrashRetentionDays)
	}
	if c.QuotaBytes < 0 {
		return fmt.Errorf("quota_bytes must be >= 0, got %d", c.QuotaBytes)
	}
	if c.BackupRecordLimit <= 0 {
		return fmt.Errorf("backup_record_limit must be > 0, got %d", c.BackupRecordLimit)
	}
	if c.ExportRetention < 0 {
		return fmt.Errorf("export_retention must be >= 0, got %d", c.ExportRetention)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

func defaultExportDir(dataDir string) string {
	return filepath.Join(dataDir, "exports")
}

// SetDataDir moves the data directory. An export directory that was derived
// from the old data directory follows it.
func (c *Config) SetDataDir(dir string) {
	if c.ExportDir == defaultExportDir(c.DataDir) {
		c.ExportDir = defaultExportDir(dir)
	}
	c.DataDir = dir
}

// Debounce returns the writer quiet period.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.DebounceMS) * time.Millisecond
}

// CacheTTL returns the store freshness window.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLMS) * time.Millisecond
}

// Level returns the parsed log level.
func (c *Config) Level() logging.LogLevel {
	level, err := logging.ParseLevel(c.LogLevel)
	if err != nil {
		return logging.LevelInfo
	}
	return level
}
