// Package config provides unified configuration loading for scan2doc.
// Supports YAML files, environment variables, and programmatic overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the pipeline core.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Store         StoreConfig         `yaml:"store"`
	Cache         CacheConfig         `yaml:"cache"`
	OCR           OCRConfig           `yaml:"ocr"`
	Render        RenderConfig        `yaml:"render"`
	Queue         QueueConfig         `yaml:"queue"`
	Sandwich      SandwichConfig      `yaml:"sandwich"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

// StoreConfig holds the SQLite page/artifact store settings.
type StoreConfig struct {
	Path         string `yaml:"path"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	JournalMode  string `yaml:"journal_mode"`
}

// CacheConfig holds the artifact read cache settings.
type CacheConfig struct {
	Driver     string        `yaml:"driver"` // memory or redis
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
	Redis      RedisConfig   `yaml:"redis"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// OCRConfig holds settings for the external OCR endpoint.
type OCRConfig struct {
	Endpoint       string        `yaml:"endpoint"`
	APIKey         string        `yaml:"api_key"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	DefaultMode    string        `yaml:"default_mode"`
}

// RenderConfig holds PDF page rasterization settings.
type RenderConfig struct {
	// Scale multiplies the PDF's native point size; it is unrelated to the
	// sandwich builder's scan DPI constant.
	Scale       float64 `yaml:"scale"`
	Format      string  `yaml:"format"` // jpeg or png
	JPEGQuality int     `yaml:"jpeg_quality"`

	// ThumbnailWidth is the pixel width thumbnails are downscaled to.
	ThumbnailWidth int `yaml:"thumbnail_width"`
}

// QueueConfig holds per-lane concurrency limits.
type QueueConfig struct {
	OCRConcurrency        int `yaml:"ocr_concurrency"`
	GenerationConcurrency int `yaml:"generation_concurrency"`
}

// SandwichConfig holds sandwich-PDF builder settings.
type SandwichConfig struct {
	// ScanDPI is the assumed scanning resolution used to derive physical
	// page size from pixel dimensions.
	ScanDPI  float64 `yaml:"scan_dpi"`
	FontPath string  `yaml:"font_path"` // optional CJK-capable TTF
	Debug    bool    `yaml:"debug"`     // visible text + box outlines
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults for development.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8090,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     30 * time.Second,
			GracefulShutdown: 10 * time.Second,
		},
		Store: StoreConfig{
			Path:         "scan2doc.db",
			MaxOpenConns: 1,
			JournalMode:  "WAL",
		},
		Cache: CacheConfig{
			Driver:     "memory",
			TTL:        5 * time.Minute,
			MaxEntries: 256,
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				DB:       0,
				PoolSize: 10,
			},
		},
		OCR: OCRConfig{
			Endpoint:       "http://localhost:8000/ocr",
			Timeout:        120 * time.Second,
			MaxRetries:     3,
			InitialBackoff: time.Second,
			DefaultMode:    "document",
		},
		Render: RenderConfig{
			Scale:          2.0,
			Format:         "jpeg",
			JPEGQuality:    85,
			ThumbnailWidth: 256,
		},
		Queue: QueueConfig{
			OCRConcurrency:        2,
			GenerationConcurrency: 2,
		},
		Sandwich: SandwichConfig{
			ScanDPI: 150,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "console",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Cache.Driver != "memory" && c.Cache.Driver != "redis" {
		return fmt.Errorf("invalid cache driver: %s", c.Cache.Driver)
	}

	if c.OCR.Endpoint == "" {
		return fmt.Errorf("ocr endpoint must be set")
	}

	if c.Render.Scale <= 0 {
		return fmt.Errorf("render scale must be positive: %g", c.Render.Scale)
	}

	if c.Render.Format != "jpeg" && c.Render.Format != "png" {
		return fmt.Errorf("invalid render format: %s", c.Render.Format)
	}

	if c.Queue.OCRConcurrency < 1 || c.Queue.GenerationConcurrency < 1 {
		return fmt.Errorf("queue concurrency must be at least 1")
	}

	if c.Sandwich.ScanDPI <= 0 {
		return fmt.Errorf("scan dpi must be positive: %g", c.Sandwich.ScanDPI)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SCAN2DOC_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("SCAN2DOC_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}

	if v := os.Getenv("SCAN2DOC_OCR_ENDPOINT"); v != "" {
		cfg.OCR.Endpoint = v
	}

	if v := os.Getenv("SCAN2DOC_OCR_API_KEY"); v != "" {
		cfg.OCR.APIKey = v
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Cache.Driver = "redis"
		cfg.Cache.Redis.Addr = strings.TrimPrefix(v, "redis://")
	}

	if v := os.Getenv("SCAN2DOC_FONT_PATH"); v != "" {
		cfg.Sandwich.FontPath = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
}
