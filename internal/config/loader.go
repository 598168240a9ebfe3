package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/mkarrer/audiogate/internal/log"
)

// Load reads the configuration: defaults, then the YAML file at path (a
// missing file is fine when path is empty), then environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			logger := log.WithComponent("config")
			logger.Warn().Str("path", path).Msg("config file not found, using defaults")
		case err != nil:
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		default:
			dec := yaml.NewDecoder(bytes.NewReader(data))
			dec.KnownFields(true)
			if err := dec.Decode(&cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Listen = envString("AUDIOGATE_LISTEN", cfg.Listen)
	cfg.DataDir = envString("AUDIOGATE_DATA_DIR", cfg.DataDir)
	cfg.LogLevel = envString("AUDIOGATE_LOG_LEVEL", cfg.LogLevel)
	cfg.Redis.Addr = envString("AUDIOGATE_REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = envString("AUDIOGATE_REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Subscription.Active = envBool("AUDIOGATE_SUBSCRIPTION_ACTIVE", cfg.Subscription.Active)
	cfg.Subscription.Available = envBool("AUDIOGATE_SUBSCRIPTION_AVAILABLE", cfg.Subscription.Available)
}

// envString reads a string override, logging its source for observability.
func envString(key, fallback string) string {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return fallback
	}
	logger := log.WithComponent("config")
	logger.Debug().Str("key", key).Msg("using environment override")
	return value
}

func envBool(key string, fallback bool) bool {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	logger := log.WithComponent("config")
	if err != nil {
		logger.Warn().Str("key", key).Str("value", value).Msg("invalid boolean override ignored")
		return fallback
	}
	logger.Debug().Str("key", key).Bool("value", parsed).Msg("using environment override")
	return parsed
}
