// Package config loads judgectl settings.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"ojudge/internal/judge/executor"
	"ojudge/internal/judge/language"
)

const (
	DefaultBaseURL      = "http://127.0.0.1:8085"
	DefaultTimeout      = 10 * time.Second
	DefaultPollInterval = 500 * time.Millisecond
	DefaultBackend      = "host"
)

// Config holds judgectl configuration. Remote commands use BaseURL; local
// commands use the backend settings.
type Config struct {
	BaseURL      string                   `yaml:"baseURL"`
	Timeout      time.Duration            `yaml:"timeout"`
	PollInterval time.Duration            `yaml:"pollInterval"`
	PrettyJSON   *bool                    `yaml:"prettyJSON"`
	WorkRoot     string                   `yaml:"workRoot"`
	Backend      string                   `yaml:"backend"`
	Host         executor.HostConfig      `yaml:"host"`
	Container    executor.ContainerConfig `yaml:"container"`
	Languages    []language.Spec          `yaml:"languages"`
}

// Load reads path. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file failed: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return cfg, fmt.Errorf("read config file failed: %w", err)
	}
	applyDefaults(&cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Backend == "" {
		cfg.Backend = DefaultBackend
	}
	if cfg.PrettyJSON == nil {
		value := true
		cfg.PrettyJSON = &value
	}
}
