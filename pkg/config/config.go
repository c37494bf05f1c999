package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration options for the thread archiver
type Config struct {
	// Archive storage and batching settings
	Archive ArchiveConfig `yaml:"archive" json:"archive"`

	// Network settings for image fetches
	Network NetworkConfig `yaml:"network" json:"network"`

	// Database location for counters and bookmarks
	Database DatabaseConfig `yaml:"database" json:"database"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// ArchiveConfig holds archive storage and batching configuration
type ArchiveConfig struct {
	// BaseDirectory is the archive root; enqueue is rejected when it is missing.
	BaseDirectory string `yaml:"base_directory" json:"base_directory"`
	// BatchWindow is how long enqueue requests are collected before a batch runs.
	BatchWindow time.Duration `yaml:"batch_window" json:"batch_window"`
	// Workers is the image download pool size; 0 derives it from the CPU count.
	Workers int `yaml:"workers" json:"workers"`
	// RetryAttempts is the total attempts per image fetch.
	RetryAttempts int `yaml:"retry_attempts" json:"retry_attempts"`
	// AllowMediaScanner controls the .nomedia marker in image directories.
	AllowMediaScanner bool `yaml:"allow_media_scanner" json:"allow_media_scanner"`
}

// NetworkConfig holds network configuration for image fetches
type NetworkConfig struct {
	DownloadTimeout   time.Duration `yaml:"download_timeout" json:"download_timeout"`
	UserAgent         string        `yaml:"user_agent" json:"user_agent"`
	RequestsPerMinute int           `yaml:"requests_per_minute" json:"requests_per_minute"`
}

// DatabaseConfig holds the SQLite database location
type DatabaseConfig struct {
	Path string `yaml:"path" json:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
	File  string `yaml:"file" json:"file"`
}

// DefaultWorkers derives the image pool size from the machine: half the
// CPUs plus one for orchestration, but never fewer than 3 so the batch
// collector and at least two fetches can always make progress.
func DefaultWorkers() int {
	workers := runtime.NumCPU()/2 + 1
	if workers < 3 {
		workers = 3
	}
	return workers
}

// DefaultConfig returns a Config instance with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Archive: ArchiveConfig{
			BaseDirectory:     "./saved_threads",
			BatchWindow:       30 * time.Second,
			Workers:           DefaultWorkers(),
			RetryAttempts:     3,
			AllowMediaScanner: false,
		},
		Network: NetworkConfig{
			DownloadTimeout:   30 * time.Second,
			UserAgent:         "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36",
			RequestsPerMinute: 120,
		},
		Database: DatabaseConfig{
			Path: "./threadvault.db",
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "",
		},
	}
}

// LoadFromEnv loads configuration from environment variables
func (c *Config) LoadFromEnv() error {
	if baseDir := os.Getenv("THREADVAULT_BASE_DIR"); baseDir != "" {
		c.Archive.BaseDirectory = baseDir
	}
	if dbPath := os.Getenv("THREADVAULT_DB_PATH"); dbPath != "" {
		c.Database.Path = dbPath
	}
	if window := os.Getenv("THREADVAULT_BATCH_WINDOW"); window != "" {
		d, err := time.ParseDuration(window)
		if err != nil {
			return fmt.Errorf("invalid THREADVAULT_BATCH_WINDOW: %w", err)
		}
		c.Archive.BatchWindow = d
	}
	if workers := os.Getenv("THREADVAULT_WORKERS"); workers != "" {
		var val int
		fmt.Sscanf(workers, "%d", &val)
		if val > 0 {
			c.Archive.Workers = val
		}
	}
	if logLevel := os.Getenv("THREADVAULT_LOG_LEVEL"); logLevel != "" {
		c.Logging.Level = logLevel
	}

	return nil
}

// LoadFromFile loads configuration from a YAML file
func (c *Config) LoadFromFile(path string) error {
	// If path is empty, try default locations
	if path == "" {
		path = c.findConfigFile()
		if path == "" {
			return nil // No config file found, not an error
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// findConfigFile searches for config file in standard locations
func (c *Config) findConfigFile() string {
	locations := []string{
		".threadvault.yaml",
		".threadvault.yml",
		filepath.Join(os.Getenv("HOME"), ".config", "threadvault", "config.yaml"),
		filepath.Join(os.Getenv("HOME"), ".threadvault.yaml"),
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}

	return ""
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.Archive.BaseDirectory == "" {
		errs = append(errs, errors.New("archive base directory is required"))
	}
	if c.Archive.BatchWindow <= 0 {
		errs = append(errs, errors.New("batch window must be positive"))
	}
	if c.Archive.Workers < 3 {
		errs = append(errs, errors.New("workers must be at least 3"))
	}
	if c.Archive.RetryAttempts <= 0 {
		errs = append(errs, errors.New("retry attempts must be positive"))
	}

	if c.Network.DownloadTimeout <= 0 {
		errs = append(errs, errors.New("download timeout must be positive"))
	}
	if c.Network.RequestsPerMinute <= 0 {
		errs = append(errs, errors.New("requests per minute must be positive"))
	}

	if c.Database.Path == "" {
		errs = append(errs, errors.New("database path is required"))
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, errors.New("invalid log level"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// Load loads configuration from all sources with proper precedence
// Precedence order: Environment variables > .env file > Config file > Defaults
func Load(configPath string) (*Config, error) {
	// Try to load .env files (don't fail if they don't exist)
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join(os.Getenv("HOME"), ".threadvault.env"))

	config := DefaultConfig()

	if err := config.LoadFromFile(configPath); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := config.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}
