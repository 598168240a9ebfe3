// Package config loads the daemon configuration from a YAML file with
// AUDIOGATE_* environment overrides. Validation happens once at load time;
// the resulting Config is treated as immutable.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

// Config is the full daemon configuration.
type Config struct {
	Listen       string `yaml:"listen"`
	DataDir      string `yaml:"data_dir"`
	LibraryDB    string `yaml:"library_db"`
	DownloadsDir string `yaml:"downloads_dir"`
	ResumeFile   string `yaml:"resume_file"`
	LogLevel     string `yaml:"log_level"`

	Redis        RedisConfig        `yaml:"redis"`
	Subscription SubscriptionConfig `yaml:"subscription"`
	Resolver     ResolverConfig     `yaml:"resolver"`
}

// RedisConfig enables the shared locator cache when Addr is set; otherwise
// the in-memory cache is used.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SubscriptionConfig carries the subscription service flags. Active is
// whether the user's subscription is current; Available is whether the
// store/IAP backend is reachable (presentation only, never gates access).
type SubscriptionConfig struct {
	Active    bool `yaml:"active"`
	Available bool `yaml:"available"`
}

// ResolverConfig tunes the locator resolver.
type ResolverConfig struct {
	RatePerSecond   float64 `yaml:"rate_per_second"`
	Burst           int     `yaml:"burst"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
}

// CacheTTL returns the locator cache TTL as a duration.
func (r ResolverConfig) CacheTTL() time.Duration {
	return time.Duration(r.CacheTTLSeconds) * time.Second
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen:   ":8799",
		DataDir:  "data",
		LogLevel: "info",
		Subscription: SubscriptionConfig{
			Available: true,
		},
		Resolver: ResolverConfig{
			RatePerSecond:   10,
			Burst:           20,
			CacheTTLSeconds: 900,
		},
	}
}

// Validate checks the configuration and fills derived paths.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return errors.New("config: listen address must not be empty")
	}
	if c.DataDir == "" {
		return errors.New("config: data_dir must not be empty")
	}
	if c.Resolver.RatePerSecond <= 0 {
		return fmt.Errorf("config: resolver rate_per_second must be positive, got %v", c.Resolver.RatePerSecond)
	}
	if c.Resolver.Burst <= 0 {
		return fmt.Errorf("config: resolver burst must be positive, got %d", c.Resolver.Burst)
	}
	if c.Resolver.CacheTTLSeconds <= 0 {
		return fmt.Errorf("config: resolver cache_ttl_seconds must be positive, got %d", c.Resolver.CacheTTLSeconds)
	}

	if c.LibraryDB == "" {
		c.LibraryDB = filepath.Join(c.DataDir, "library.db")
	}
	if c.DownloadsDir == "" {
		c.DownloadsDir = filepath.Join(c.DataDir, "downloads")
	}
	if c.ResumeFile == "" {
		c.ResumeFile = filepath.Join(c.DataDir, "resume.json")
	}
	return nil
}
