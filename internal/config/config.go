// Package config loads feed configuration from an optional JSON file with
// environment variable overrides on top of built-in defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/quantfeeds/ohlcv-feed/internal/models"
)

// AppConfig is the root configuration for the feed.
type AppConfig struct {
	Log       LogConfig       `json:"log"`
	Storage   StorageConfig   `json:"storage"`
	Exchange  ExchangeConfig  `json:"exchange"`
	Snapshot  SnapshotConfig  `json:"snapshot"`
	Reconcile ReconcileConfig `json:"reconcile"`
	Vision    VisionConfig    `json:"vision"`
}

// LogConfig controls structured logging output.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `json:"level"`
	// Format is json or text.
	Format string `json:"format"`
	// File, when set, routes logs to a rotated file instead of stderr.
	File       string `json:"file,omitempty"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// StorageConfig locates the DuckDB database.
type StorageConfig struct {
	// Path is the database file, or ":memory:" for an ephemeral store.
	Path string `json:"path"`
}

// ExchangeConfig tunes the upstream API client.
type ExchangeConfig struct {
	BaseURL           string  `json:"base_url"`
	RequestsPerSecond float64 `json:"requests_per_second"`
	Burst             int     `json:"burst"`
}

// SnapshotConfig locates API pull snapshots.
type SnapshotConfig struct {
	Dir string `json:"dir"`
}

// ReconcileConfig configures the reconciliation cycle.
type ReconcileConfig struct {
	Symbol     string `json:"symbol"`
	Interval   string `json:"interval"`
	WindowBars int    `json:"window_bars"`
	TailBars   int    `json:"tail_bars"`
	// Mode is catch-up or single.
	Mode      string `json:"mode"`
	StopOnGap bool   `json:"stop_on_gap"`
}

// VisionConfig configures the historical archive downloader.
type VisionConfig struct {
	BaseURL string `json:"base_url"`
	Dir     string `json:"dir"`
}

// DefaultConfig returns the built-in defaults: hourly BTCUSDT into a local
// DuckDB file, catch-up mode, info-level text logs to stderr.
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Storage: StorageConfig{
			Path: "ohlcv.db",
		},
		Exchange: ExchangeConfig{
			RequestsPerSecond: 10,
			Burst:             5,
		},
		Snapshot: SnapshotConfig{
			Dir: "snapshots",
		},
		Reconcile: ReconcileConfig{
			Symbol:     "BTCUSDT",
			Interval:   "1h",
			WindowBars: 60,
			TailBars:   60,
			Mode:       "catch-up",
			StopOnGap:  false,
		},
		Vision: VisionConfig{
			Dir: "archives",
		},
	}
}

// LoadConfig builds the effective configuration: defaults, then the JSON
// file at path (if path is non-empty), then environment overrides, then
// validation.
func LoadConfig(path string) (*AppConfig, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, err
		}
	}
	if err := loadFromEnv(cfg); err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(cfg *AppConfig, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func loadFromEnv(cfg *AppConfig) error {
	if v := os.Getenv("OHLCV_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("OHLCV_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("OHLCV_LOG_FILE"); v != "" {
		cfg.Log.File = v
	}
	if v := os.Getenv("OHLCV_DB_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("OHLCV_API_BASE_URL"); v != "" {
		cfg.Exchange.BaseURL = v
	}
	if v := os.Getenv("OHLCV_SNAPSHOT_DIR"); v != "" {
		cfg.Snapshot.Dir = v
	}
	if v := os.Getenv("OHLCV_SYMBOL"); v != "" {
		cfg.Reconcile.Symbol = v
	}
	if v := os.Getenv("OHLCV_INTERVAL"); v != "" {
		cfg.Reconcile.Interval = v
	}
	if v := os.Getenv("OHLCV_WINDOW_BARS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid OHLCV_WINDOW_BARS %q: %w", v, err)
		}
		cfg.Reconcile.WindowBars = n
	}
	if v := os.Getenv("OHLCV_MODE"); v != "" {
		cfg.Reconcile.Mode = v
	}
	if v := os.Getenv("OHLCV_STOP_ON_GAP"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid OHLCV_STOP_ON_GAP %q: %w", v, err)
		}
		cfg.Reconcile.StopOnGap = b
	}
	return nil
}

func validateConfig(cfg *AppConfig) error {
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format %q", cfg.Log.Format)
	}
	if cfg.Storage.Path == "" {
		return fmt.Errorf("storage path cannot be empty")
	}
	if cfg.Reconcile.Symbol == "" {
		return fmt.Errorf("reconcile symbol cannot be empty")
	}
	if _, err := models.ParseInterval(cfg.Reconcile.Interval); err != nil {
		return err
	}
	if cfg.Reconcile.WindowBars <= 0 {
		return fmt.Errorf("window_bars must be positive, got %d", cfg.Reconcile.WindowBars)
	}
	if cfg.Reconcile.TailBars <= 0 {
		return fmt.Errorf("tail_bars must be positive, got %d", cfg.Reconcile.TailBars)
	}
	switch cfg.Reconcile.Mode {
	case "catch-up", "single":
	default:
		return fmt.Errorf("invalid reconcile mode %q", cfg.Reconcile.Mode)
	}
	if cfg.Exchange.RequestsPerSecond <= 0 {
		return fmt.Errorf("requests_per_second must be positive")
	}
	return nil
}
