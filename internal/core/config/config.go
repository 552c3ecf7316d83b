// Package config handles hub configuration loading and validation.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Agent load modes.
const (
	LoadModeConfig = "config"
	LoadModeFolder = "config_folder"
)

// Config holds the hub configuration.
type Config struct {
	LogLevel    string        `yaml:"loglevel"`
	Log         string        `yaml:"log"`
	DebugLogger string        `yaml:"debuglogger"`
	LoadMode    string        `yaml:"load_mode"`
	Agents      AgentSource   `yaml:"agents"`
	Heartbeat   time.Duration `yaml:"heartbeat"`
	SweepEvery  int           `yaml:"sweep_every"`
	PulseTTL    time.Duration `yaml:"pulse_ttl"`
	HTTPAddr    string        `yaml:"http_addr"`
	Dir         string        `yaml:"-"` // directory relative paths resolve against
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		LoadMode:   LoadModeConfig,
		Heartbeat:  5 * time.Second,
		SweepEvery: 12,
		PulseTTL:   30 * time.Second,
	}
}

// Load reads and validates the configuration at path. A missing file yields
// the defaults.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Read parses the configuration at path without validating it. In
// config_folder mode the agent descriptors are read from the configured
// folder.
func Read(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read config file: %w", err)
			}

			if err := decode(path, data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
			cfg.Dir = filepath.Dir(path)
		}
	}

	cfg.applyDefaults()

	if cfg.LoadMode == LoadModeFolder {
		agents, err := LoadAgentFolder(cfg.Resolve(cfg.Agents.Folder))
		if err != nil {
			return nil, err
		}
		cfg.Agents.List = agents
	}

	return &cfg, nil
}

// applyDefaults sets default values for any unset configuration options.
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()
	if c.LoadMode == "" {
		c.LoadMode = defaults.LoadMode
	}
	if c.Heartbeat == 0 {
		c.Heartbeat = defaults.Heartbeat
	}
	if c.SweepEvery == 0 {
		c.SweepEvery = defaults.SweepEvery
	}
	if c.PulseTTL == 0 {
		c.PulseTTL = defaults.PulseTTL
	}
	for i := range c.Agents.List {
		c.Agents.List[i].applyDefaults()
	}
}

// Resolve makes a relative path relative to the config file's directory.
func (c *Config) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || c.Dir == "" {
		return path
	}
	return filepath.Join(c.Dir, path)
}

// decode unmarshals data into out, choosing the format from the file
// extension. JSON and TOML documents are normalised to YAML so every format
// shares the same struct tags and custom unmarshalers.
func decode(path string, data []byte, out any) error {
	var raw any

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		var m map[string]any
		if err := toml.Unmarshal(data, &m); err != nil {
			return err
		}
		raw = m
	case ".json", ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), &raw); err != nil {
			return err
		}
	default:
		return yaml.Unmarshal(data, out)
	}

	normalised, err := yaml.Marshal(raw)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(normalised, out)
}
