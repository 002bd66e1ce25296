// Package config loads runtime configuration for the offline engine.
//
// Values come from three layers, later layers winning: built-in defaults, an
// optional YAML file, and COURSELY_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "COURSELY_"

// Config holds all application configuration.
type Config struct {
	App          AppConfig          `yaml:"app" envPrefix:"APP_"`
	Database     DatabaseConfig     `yaml:"database" envPrefix:"DB_"`
	Remote       RemoteConfig       `yaml:"remote" envPrefix:"REMOTE_"`
	Connectivity ConnectivityConfig `yaml:"connectivity" envPrefix:"CONNECTIVITY_"`
	Sync         SyncConfig         `yaml:"sync" envPrefix:"SYNC_"`
	Download     DownloadConfig     `yaml:"download" envPrefix:"DOWNLOAD_"`
	Media        MediaConfig        `yaml:"media" envPrefix:"MEDIA_"`
	Server       ServerConfig       `yaml:"server" envPrefix:"SERVER_"`
	Log          LogConfig          `yaml:"log" envPrefix:"LOG_"`
}

// AppConfig holds general application settings.
type AppConfig struct {
	Name    string `yaml:"name" env:"NAME"`
	Version string `yaml:"version" env:"VERSION"`
	// DataDir is the writable app-data directory. Empty means the OS
	// user config dir.
	DataDir string `yaml:"data_dir" env:"DATA_DIR"`
	// StudentID is the signed-in student. Empty means the subject of the
	// remote token.
	StudentID string `yaml:"student_id" env:"STUDENT_ID"`
}

// DatabaseConfig holds local store settings.
type DatabaseConfig struct {
	FileName string `yaml:"file_name" env:"FILE_NAME"`
}

// RemoteConfig holds learning-platform API settings.
type RemoteConfig struct {
	BaseURL       string        `yaml:"base_url" env:"BASE_URL"`
	Timeout       time.Duration `yaml:"timeout" env:"TIMEOUT"`
	HealthPath    string        `yaml:"health_path" env:"HEALTH_PATH"`
	Token         string        `yaml:"token" env:"TOKEN"`
	MaxGetRetries uint          `yaml:"max_get_retries" env:"MAX_GET_RETRIES"`
}

// ConnectivityConfig tunes the connectivity monitor.
type ConnectivityConfig struct {
	ProbeInterval     time.Duration `yaml:"probe_interval" env:"PROBE_INTERVAL"`
	ProbeTimeout      time.Duration `yaml:"probe_timeout" env:"PROBE_TIMEOUT"`
	HealthTTL         time.Duration `yaml:"health_ttl" env:"HEALTH_TTL"`
	Debounce          time.Duration `yaml:"debounce" env:"DEBOUNCE"`
	InterfacePollRate time.Duration `yaml:"interface_poll_rate" env:"INTERFACE_POLL_RATE"`
}

// SyncConfig tunes queue draining and batch sync.
type SyncConfig struct {
	AutoDrain      bool          `yaml:"auto_drain" env:"AUTO_DRAIN"`
	DrainInterval  time.Duration `yaml:"drain_interval" env:"DRAIN_INTERVAL"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay" env:"RETRY_BASE_DELAY"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay" env:"RETRY_MAX_DELAY"`
	BatchLimit     int           `yaml:"batch_limit" env:"BATCH_LIMIT"`
	// ConflictFallback labels conflicts the server did not tag with a
	// policy.
	ConflictFallback string `yaml:"conflict_fallback" env:"CONFLICT_FALLBACK"`
	// SyncedBatchRetentionDays controls cleanup of already-synced batches.
	SyncedBatchRetentionDays int `yaml:"synced_batch_retention_days" env:"SYNCED_BATCH_RETENTION_DAYS"`
}

// DownloadConfig tunes offline course packages.
type DownloadConfig struct {
	SessionValidityDays int    `yaml:"session_validity_days" env:"SESSION_VALIDITY_DAYS"`
	MediaDir            string `yaml:"media_dir" env:"MEDIA_DIR"`
}

// MediaConfig configures the object store used for manifest entries that
// carry a storage key instead of a presigned URL.
type MediaConfig struct {
	S3Bucket          string `yaml:"s3_bucket" env:"S3_BUCKET"`
	S3Region          string `yaml:"s3_region" env:"S3_REGION"`
	S3Endpoint        string `yaml:"s3_endpoint" env:"S3_ENDPOINT"`
	S3AccessKeyID     string `yaml:"s3_access_key_id" env:"S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `yaml:"s3_secret_access_key" env:"S3_SECRET_ACCESS_KEY"`
	S3UsePathStyle    bool   `yaml:"s3_use_path_style" env:"S3_USE_PATH_STYLE"`
}

// ServerConfig holds the local API listener settings.
type ServerConfig struct {
	Addr string `yaml:"addr" env:"ADDR"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level" env:"LEVEL"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		App: AppConfig{
			Name:    "coursely-offline",
			Version: "0.1.0",
		},
		Database: DatabaseConfig{FileName: "learning.db"},
		Remote: RemoteConfig{
			BaseURL:       "http://localhost:8000/api/v1",
			Timeout:       30 * time.Second,
			HealthPath:    "/health",
			MaxGetRetries: 3,
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval:     30 * time.Second,
			ProbeTimeout:      5 * time.Second,
			HealthTTL:         5 * time.Second,
			Debounce:          300 * time.Millisecond,
			InterfacePollRate: 2 * time.Second,
		},
		Sync: SyncConfig{
			AutoDrain:                false,
			DrainInterval:            time.Minute,
			RetryBaseDelay:           30 * time.Second,
			RetryMaxDelay:            time.Hour,
			BatchLimit:               50,
			ConflictFallback:         "server_wins",
			SyncedBatchRetentionDays: 30,
		},
		Download: DownloadConfig{SessionValidityDays: 7},
		Server:   ServerConfig{Addr: "127.0.0.1:8090"},
		Log:      LogConfig{Level: "info"},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is non-empty), and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if cfg.App.DataDir == "" {
		dir, err := DefaultDataDir(cfg.App.Name)
		if err != nil {
			return nil, err
		}
		cfg.App.DataDir = dir
	}
	if cfg.Download.MediaDir == "" {
		cfg.Download.MediaDir = filepath.Join(cfg.App.DataDir, "media")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultDataDir returns the writable app-data directory for name.
func DefaultDataDir(name string) (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve app data dir: %w", err)
	}
	return filepath.Join(base, name), nil
}

// Validate checks ranges and required fields.
func (c *Config) Validate() error {
	var errs []string

	if c.Remote.BaseURL == "" {
		errs = append(errs, "remote.base_url is required")
	}
	if c.Connectivity.HealthTTL <= 0 {
		errs = append(errs, "connectivity.health_ttl must be positive")
	}
	if c.Connectivity.ProbeInterval < c.Connectivity.HealthTTL {
		errs = append(errs, "connectivity.probe_interval must not be shorter than health_ttl")
	}
	if c.Connectivity.Debounce < 0 {
		errs = append(errs, "connectivity.debounce must not be negative")
	}
	if c.Sync.AutoDrain && c.Sync.DrainInterval <= 0 {
		errs = append(errs, "sync.drain_interval must be positive when auto_drain is set")
	}
	if c.Sync.RetryMaxDelay < c.Sync.RetryBaseDelay {
		errs = append(errs, "sync.retry_max_delay must be >= retry_base_delay")
	}
	if c.Download.SessionValidityDays <= 0 {
		errs = append(errs, "download.session_validity_days must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// DatabasePath returns the full path of the local store file.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.App.DataDir, c.Database.FileName)
}
