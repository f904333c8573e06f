// Package config handles application configuration from environment variables
// and an optional YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	// ConfigFile names a YAML file whose values override the environment.
	ConfigFile string `env:"APICACHE_CONFIG" yaml:"-"`

	// Cache durations, in seconds.
	DefaultCacheDuration int `env:"DEFAULT_CACHE_DURATION" envDefault:"600" yaml:"default_cache_duration"`
	MaxCacheDuration     int `env:"MAX_CACHE_DURATION" envDefault:"86400" yaml:"max_cache_duration"`

	Port     string `env:"PORT" envDefault:"8080" yaml:"port"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info" yaml:"log_level"`

	Store    StoreConfig    `yaml:"store"`
	Redis    RedisConfig    `envPrefix:"REDIS_" yaml:"redis"`
	Upstream UpstreamConfig `envPrefix:"UPSTREAM_" yaml:"upstream"`
	Worker   WorkerConfig   `envPrefix:"WORKER_" yaml:"worker"`
}

// StoreConfig selects the key-value backend
type StoreConfig struct {
	Backend string `env:"STORE_BACKEND" envDefault:"redis" yaml:"backend"` // "redis" or "file"
	Dir     string `env:"STORE_DIR" yaml:"dir"`
	Prefix  string `env:"CACHE_PREFIX" envDefault:"apicache" yaml:"prefix"`
}

// RedisConfig holds the Redis connection parameters
type RedisConfig struct {
	Addr     string `env:"ADDR" envDefault:"localhost:6379" yaml:"addr"`
	Password string `env:"PASSWORD" yaml:"password"`
	DB       int    `env:"DB" envDefault:"0" yaml:"db"`
}

// UpstreamConfig holds the Stack Exchange API client settings
type UpstreamConfig struct {
	BaseURL      string        `env:"BASE_URL" envDefault:"https://api.stackexchange.com/2.2" yaml:"base_url"`
	Timeout      time.Duration `env:"TIMEOUT" envDefault:"20s" yaml:"timeout"`
	Retries      int           `env:"RETRIES" envDefault:"1" yaml:"retries"`
	PostsFilter  string        `env:"POSTS_FILTER" yaml:"posts_filter"`
	RecentFilter string        `env:"RECENT_FILTER" yaml:"recent_filter"`
}

// WorkerConfig controls the background recent-index refresh
type WorkerConfig struct {
	Sites    []string      `env:"SITES" envDefault:"stackoverflow" envSeparator:"," yaml:"sites"`
	APIKey   string        `env:"API_KEY" yaml:"api_key"`
	Interval time.Duration `env:"INTERVAL" envDefault:"5m" yaml:"interval"`
}

// Load reads configuration from the environment, then from ConfigFile if set
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if cfg.ConfigFile != "" {
		b, err := os.ReadFile(cfg.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", cfg.ConfigFile, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultExpiry returns the default cache duration
func (c *Config) DefaultExpiry() time.Duration {
	return time.Duration(c.DefaultCacheDuration) * time.Second
}

// MaxExpiry returns the cache duration ceiling
func (c *Config) MaxExpiry() time.Duration {
	return time.Duration(c.MaxCacheDuration) * time.Second
}

// Level returns the zerolog level for LogLevel, info when unparseable
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// Validate ensures the configuration is usable
func (c *Config) Validate() error {
	if c.DefaultCacheDuration <= 0 {
		return fmt.Errorf("DEFAULT_CACHE_DURATION must be positive, got %d", c.DefaultCacheDuration)
	}
	if c.MaxCacheDuration <= 0 {
		return fmt.Errorf("MAX_CACHE_DURATION must be positive, got %d", c.MaxCacheDuration)
	}
	switch c.Store.Backend {
	case "redis", "file":
	default:
		return fmt.Errorf("STORE_BACKEND must be redis or file, got %q", c.Store.Backend)
	}
	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("UPSTREAM_TIMEOUT must be positive, got %v", c.Upstream.Timeout)
	}
	if c.Upstream.Retries < 0 {
		return fmt.Errorf("UPSTREAM_RETRIES must not be negative, got %d", c.Upstream.Retries)
	}
	return nil
}
