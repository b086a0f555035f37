// Package config loads and validates the application configuration from a
// YAML file, with environment variable overrides for deploy-time knobs.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/IdrisKulubi/m-buzzvar-sub000/errors"
	"github.com/IdrisKulubi/m-buzzvar-sub000/natskv"
)

// Config is the complete application configuration.
type Config struct {
	NATS         NATSConfig         `yaml:"nats"`
	Cache        CacheConfig        `yaml:"cache"`
	Assets       AssetConfig        `yaml:"assets"`
	Realtime     RealtimeConfig     `yaml:"realtime"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// NATSConfig describes the connection to the NATS cluster.
type NATSConfig struct {
	URL           string        `yaml:"url"`
	Name          string        `yaml:"name"`
	MaxReconnects int           `yaml:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	KV            natskv.Config `yaml:"kv"`
}

// CacheConfig tunes the tiered cache.
type CacheConfig struct {
	MaxEntries int           `yaml:"max_entries"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// AssetConfig tunes the local asset cache.
type AssetConfig struct {
	Dir             string        `yaml:"dir"`
	MaxSizeBytes    int64         `yaml:"max_size_bytes"`
	MaxAge          time.Duration `yaml:"max_age"`
	DownloadTimeout time.Duration `yaml:"download_timeout"`
}

// RealtimeConfig tunes the subscription manager.
type RealtimeConfig struct {
	MaxRetries        int           `yaml:"max_retries"`
	EstablishTimeout  time.Duration `yaml:"establish_timeout"`
	BatchDelay        time.Duration `yaml:"batch_delay"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// ConnectivityConfig tunes the reachability gate.
type ConnectivityConfig struct {
	CacheWindow  time.Duration `yaml:"cache_window"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Default returns a configuration suitable for local development.
func Default() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:           "nats://127.0.0.1:4222",
			Name:          "buzzvar-sync",
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			KV: natskv.Config{
				Bucket: natskv.DefaultBucket,
			},
		},
		Cache: CacheConfig{
			MaxEntries: 100,
			DefaultTTL: 5 * time.Minute,
		},
		Assets: AssetConfig{
			Dir:             "assets",
			MaxSizeBytes:    100 * 1024 * 1024,
			MaxAge:          7 * 24 * time.Hour,
			DownloadTimeout: 30 * time.Second,
		},
		Realtime: RealtimeConfig{
			MaxRetries:        3,
			EstablishTimeout:  10 * time.Second,
			BatchDelay:        500 * time.Millisecond,
			HeartbeatInterval: 30 * time.Second,
		},
		Connectivity: ConnectivityConfig{
			CacheWindow:  5 * time.Second,
			ProbeTimeout: 2 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// Load reads path, layers it over the defaults, applies environment
// overrides, and validates the result. An empty path returns the defaults
// with overrides applied.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "read "+path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "parse "+path)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides the fields operators most often set per deployment.
func applyEnv(cfg *Config) {
	if v := os.Getenv("BUZZVAR_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("BUZZVAR_ASSET_DIR"); v != "" {
		cfg.Assets.Dir = v
	}
	if v := os.Getenv("BUZZVAR_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = port
		}
	}
	if v := os.Getenv("BUZZVAR_METRICS_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Metrics.Enabled = enabled
		}
	}
}

// Validate checks the configuration for values that would misbehave at
// runtime rather than fail loudly.
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "nats.url is required")
	}
	if c.Cache.MaxEntries <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate", "cache.max_entries must be positive")
	}
	if c.Cache.DefaultTTL <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate", "cache.default_ttl must be positive")
	}
	if c.Assets.Dir == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "assets.dir is required")
	}
	if c.Assets.MaxSizeBytes <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate", "assets.max_size_bytes must be positive")
	}
	if c.Realtime.MaxRetries < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate", "realtime.max_retries cannot be negative")
	}
	if c.Realtime.HeartbeatInterval <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate", "realtime.heartbeat_interval must be positive")
	}
	if c.Connectivity.CacheWindow <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate", "connectivity.cache_window must be positive")
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate", "metrics.port out of range")
	}
	return nil
}
