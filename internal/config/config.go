// Package config loads the mosaic service configuration from a TOML or YAML
// file, applies MOSAIC_* environment overrides and fills defaults.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

type Config struct {
	ZoomLevel int    `toml:"zoom_level" yaml:"zoom_level"`
	SavePath  string `toml:"save_path" yaml:"save_path"`
	Progress  bool   `toml:"progress" yaml:"progress"`

	Provider ProviderConfig `toml:"provider" yaml:"provider"`
	Fetch    FetchConfig    `toml:"fetch" yaml:"fetch"`
	Mosaic   MosaicConfig   `toml:"mosaic" yaml:"mosaic"`
	Window   WindowConfig   `toml:"window" yaml:"window"`
	Storage  StorageConfig  `toml:"storage" yaml:"storage"`
	Ledger   LedgerConfig   `toml:"ledger" yaml:"ledger"`
	Cache    CacheConfig    `toml:"cache" yaml:"cache"`
	Log      LogConfig      `toml:"log" yaml:"log"`
	Metrics  MetricsConfig  `toml:"metrics" yaml:"metrics"`
}

type ProviderConfig struct {
	Host               string            `toml:"host" yaml:"host"`
	TileHost           string            `toml:"tile_host" yaml:"tile_host"`
	Template           string            `toml:"template" yaml:"template"`
	MetadataPath       string            `toml:"metadata_path" yaml:"metadata_path"`
	Headers            map[string]string `toml:"headers" yaml:"headers"`
	UserAgent          string            `toml:"user_agent" yaml:"user_agent"`
	InsecureSkipVerify bool              `toml:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

type FetchConfig struct {
	MaxInFlight       int64    `toml:"max_in_flight" yaml:"max_in_flight"`
	MaxRetries        *int     `toml:"max_retries" yaml:"max_retries"`
	RetryDelay        Duration `toml:"retry_delay" yaml:"retry_delay"`
	Timeout           Duration `toml:"timeout" yaml:"timeout"`
	RequestsPerSecond float64  `toml:"requests_per_second" yaml:"requests_per_second"`
}

type MosaicConfig struct {
	PNGUnitSize     int    `toml:"png_unit_size" yaml:"png_unit_size"`
	Format          string `toml:"format" yaml:"format"`
	MaxConcurrent   int64  `toml:"max_concurrent" yaml:"max_concurrent"`
	MaxPendingSaves int    `toml:"max_pending_saves" yaml:"max_pending_saves"`
}

type WindowConfig struct {
	Span Duration `toml:"span" yaml:"span"`
	Step Duration `toml:"step" yaml:"step"`
}

type StorageConfig struct {
	Backend    string `toml:"backend" yaml:"backend"`
	Bucket     string `toml:"bucket" yaml:"bucket"`
	Prefix     string `toml:"prefix" yaml:"prefix"`
	S3Endpoint string `toml:"s3_endpoint" yaml:"s3_endpoint"`
	S3Region   string `toml:"s3_region" yaml:"s3_region"`
	URL        string `toml:"url" yaml:"url"`
}

type LedgerConfig struct {
	Backend string `toml:"backend" yaml:"backend"`
	Path    string `toml:"path" yaml:"path"`
}

type CacheConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Dir     string `toml:"dir" yaml:"dir"` // defaults to the mosaic store
}

type LogConfig struct {
	Format string `toml:"format" yaml:"format"`
	Level  string `toml:"level" yaml:"level"`
}

type MetricsConfig struct {
	Enabled     bool   `toml:"enabled" yaml:"enabled"`
	Address     string `toml:"address" yaml:"address"`
	Namespace   string `toml:"namespace" yaml:"namespace"`
	PushGateway string `toml:"push_gateway" yaml:"push_gateway"`
	Job         string `toml:"job" yaml:"job"`
}

// Retries returns the configured retry count.
func (f FetchConfig) Retries() int {
	if f.MaxRetries == nil {
		return 3
	}
	return *f.MaxRetries
}

// Duration is a time.Duration written as a string such as "10s" or "24h".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	return d.UnmarshalText([]byte(n.Value))
}

// Load reads path (optional), applies environment overrides and defaults,
// and validates the result.
func Load(path string) (Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(data, &cfg)
		default:
			err = toml.Unmarshal(data, &cfg)
		}
		if err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// MustLoad is Load that exits the process on failure.
func MustLoad(path string) Config {
	log.Println("[config] loading", path)
	cfg, err := Load(path)
	if err != nil {
		log.Fatalf("[config] %v", err)
	}
	return cfg
}

func applyEnv(cfg *Config) error {
	var errs []error
	atoi := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	atoi("MOSAIC_ZOOM_LEVEL", &cfg.ZoomLevel)
	if v := os.Getenv("MOSAIC_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("MOSAIC_MAX_RETRIES: %w", err))
		} else {
			cfg.Fetch.MaxRetries = &n
		}
	}
	if v := os.Getenv("MOSAIC_PROGRESS"); v != "" {
		cfg.Progress = v == "true"
	}
	if v := os.Getenv("MOSAIC_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = v == "true"
	}

	cfg.SavePath = getenvDefault("MOSAIC_SAVE_PATH", cfg.SavePath)
	cfg.Provider.Host = getenvDefault("MOSAIC_HOST", cfg.Provider.Host)
	cfg.Provider.TileHost = getenvDefault("MOSAIC_TILE_HOST", cfg.Provider.TileHost)
	cfg.Storage.Backend = getenvDefault("MOSAIC_STORAGE_BACKEND", cfg.Storage.Backend)
	cfg.Storage.Bucket = getenvDefault("MOSAIC_STORAGE_BUCKET", cfg.Storage.Bucket)
	cfg.Storage.Prefix = getenvDefault("MOSAIC_STORAGE_PREFIX", cfg.Storage.Prefix)
	cfg.Storage.URL = getenvDefault("MOSAIC_STORAGE_URL", cfg.Storage.URL)
	cfg.Ledger.Backend = getenvDefault("MOSAIC_LEDGER_BACKEND", cfg.Ledger.Backend)
	cfg.Ledger.Path = getenvDefault("MOSAIC_LEDGER_PATH", cfg.Ledger.Path)
	cfg.Log.Format = getenvDefault("MOSAIC_LOG_FORMAT", cfg.Log.Format)
	cfg.Log.Level = getenvDefault("MOSAIC_LOG_LEVEL", cfg.Log.Level)
	cfg.Metrics.PushGateway = getenvDefault("MOSAIC_METRICS_PUSH_GATEWAY", cfg.Metrics.PushGateway)

	return errors.Join(errs...)
}

func applyDefaults(cfg *Config) {
	setDefault(&cfg.ZoomLevel, 4)
	setDefault(&cfg.SavePath, "./data")
	setDefault(&cfg.Provider.MetadataPath, "/latest.json")

	setDefault(&cfg.Fetch.MaxInFlight, 5)
	setDefault(&cfg.Fetch.RetryDelay.Duration, time.Second)
	setDefault(&cfg.Fetch.Timeout.Duration, 10*time.Second)

	setDefault(&cfg.Mosaic.PNGUnitSize, 550)
	setDefault(&cfg.Mosaic.Format, "webp")
	setDefault(&cfg.Mosaic.MaxConcurrent, 2)
	setDefault(&cfg.Mosaic.MaxPendingSaves, 2)

	setDefault(&cfg.Window.Span.Duration, 24*time.Hour)
	setDefault(&cfg.Window.Step.Duration, 10*time.Minute)

	setDefault(&cfg.Storage.Backend, "local")
	setDefault(&cfg.Ledger.Backend, "sqlite")
	if cfg.Ledger.Path == "" {
		name := "ledger.db"
		if cfg.Ledger.Backend == "file" {
			name = "ledger.jsonl"
		}
		cfg.Ledger.Path = filepath.Join(cfg.SavePath, name)
	}

	setDefault(&cfg.Log.Format, "text")
	setDefault(&cfg.Log.Level, "info")
	setDefault(&cfg.Metrics.Namespace, "earth_mosaic")
	setDefault(&cfg.Metrics.Job, "earth_mosaic")
}

func setDefault[T comparable](dst *T, def T) {
	var zero T
	if *dst == zero {
		*dst = def
	}
}

// MaxSpan bounds window.span.
const MaxSpan = 28 * 24 * time.Hour

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.ZoomLevel < 1 {
		errs = append(errs, fmt.Errorf("zoom_level must be positive, got %d", c.ZoomLevel))
	}
	if c.Provider.Host == "" {
		errs = append(errs, errors.New("provider.host is required"))
	}
	if c.Provider.Template == "" {
		errs = append(errs, errors.New("provider.template is required"))
	}
	if c.Fetch.Retries() < 0 {
		errs = append(errs, fmt.Errorf("fetch.max_retries must not be negative, got %d", c.Fetch.Retries()))
	}
	if c.Mosaic.PNGUnitSize < 1 {
		errs = append(errs, fmt.Errorf("mosaic.png_unit_size must be positive, got %d", c.Mosaic.PNGUnitSize))
	}
	switch c.Mosaic.Format {
	case "webp", "png":
	default:
		errs = append(errs, fmt.Errorf("mosaic.format must be webp or png, got %q", c.Mosaic.Format))
	}
	if c.Window.Step.Duration <= 0 || c.Window.Span.Duration < 0 {
		errs = append(errs, errors.New("window.step must be positive and window.span non-negative"))
	}
	// Ledger keys carry only day-of-month and time, so the window must stay
	// shorter than the shortest month.
	if c.Window.Span.Duration >= MaxSpan {
		errs = append(errs, fmt.Errorf("window.span must be shorter than %s, got %s", MaxSpan, c.Window.Span))
	}
	switch c.Storage.Backend {
	case "local", "gcs", "s3", "url":
	default:
		errs = append(errs, fmt.Errorf("unknown storage.backend %q", c.Storage.Backend))
	}
	switch c.Ledger.Backend {
	case "sqlite", "file":
	default:
		errs = append(errs, fmt.Errorf("unknown ledger.backend %q", c.Ledger.Backend))
	}
	return errors.Join(errs...)
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}
