package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// runtime configuration loadable from yaml. every field has a working
// default; the file only needs the endpoint and view.

type Config struct {
	Endpoint    string         `yaml:"endpoint"`
	FallbackUrl string         `yaml:"fallback_url"`
	View        string         `yaml:"view"`
	Params      map[string]any `yaml:"params"`

	HeartbeatSeconds     int `yaml:"heartbeat_seconds"`
	BackoffBaseSeconds   int `yaml:"backoff_base_seconds"`
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
	CacheCapacity        int `yaml:"cache_capacity"`
}

func LoadConfig(path string) (*Config, error) {
	configBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var config Config
	if err := yaml.Unmarshal(configBytes, &config); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &config, nil
}

func (self *Config) Heartbeat() time.Duration {
	if self.HeartbeatSeconds <= 0 {
		return 0
	}
	return time.Duration(self.HeartbeatSeconds) * time.Second
}

func (self *Config) BackoffBase() time.Duration {
	if self.BackoffBaseSeconds <= 0 {
		return 0
	}
	return time.Duration(self.BackoffBaseSeconds) * time.Second
}
