// Package config loads the agent's YAML configuration file. Flags override
// file values; env vars override both.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config represents the agent configuration
type Config struct {
	Workspace   string        `yaml:"workspace"`
	CommandPath string        `yaml:"command_path"`
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	Token       string        `yaml:"token"`
	Relay       RelayConfig   `yaml:"relay"`
	Logging     LoggingConfig `yaml:"logging"`
}

type RelayConfig struct {
	URL      string `yaml:"url"`
	AgentID  string `yaml:"agent_id"`
	AgentKey string `yaml:"agent_key"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default returns the built-in defaults.
func Default() *Config {
	cwd, _ := os.Getwd()
	return &Config{
		Workspace: cwd,
		Host:      "127.0.0.1",
		Port:      8080,
		Logging:   LoggingConfig{Level: "info"},
	}
}

// Load reads configuration from a file, applying defaults and env overrides.
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

	// Override with environment variables if present
	if v := os.Getenv("TG_TOKEN"); v != "" {
		cfg.Token = v
	}
	if v := os.Getenv("TG_RELAY_URL"); v != "" {
		cfg.Relay.URL = v
	}
	if v := os.Getenv("TG_AGENT_ID"); v != "" {
		cfg.Relay.AgentID = v
	}
	if v := os.Getenv("TG_AGENT_KEY"); v != "" {
		cfg.Relay.AgentKey = v
	}
	if v := os.Getenv("TG_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid TG_PORT %q: %w", v, err)
		}
		cfg.Port = p
	}

	return cfg, nil
}

// Validate checks invariants that would otherwise fail at startup.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.Workspace == "" {
		return fmt.Errorf("workspace is required")
	}
	if info, err := os.Stat(c.Workspace); err != nil || !info.IsDir() {
		return fmt.Errorf("workspace %q is not a directory", c.Workspace)
	}
	return nil
}
