// Package config aggregates the fwpanel configuration file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/plexsphere/fwpanel/internal/channel"
	"github.com/plexsphere/fwpanel/internal/helper"
	"github.com/plexsphere/fwpanel/internal/profilestore"
)

const (
	// DefaultPath is read when no configuration file is named.
	DefaultPath = "/etc/fwpanel/config.yaml"

	// DefaultLogLevel is the default log level.
	DefaultLogLevel = "info"
)

// Config is the top-level configuration of fwpanel. It aggregates the
// subsystem configurations and is populated from a YAML file via Load.
type Config struct {
	// LogLevel is the log level: "debug", "info", "warn", "error".
	// Default: "info"
	LogLevel string `yaml:"log_level"`

	Helper   helper.Config       `yaml:"helper"`
	Channel  channel.Config      `yaml:"channel"`
	Profiles profilestore.Config `yaml:"profiles"`
}

// ApplyDefaults sets default values for zero-valued fields. The channel
// connects to the helper's socket unless configured otherwise.
func (c *Config) ApplyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	c.Helper.ApplyDefaults()
	if c.Channel.SocketPath == "" {
		c.Channel.SocketPath = c.Helper.SocketPath
	}
	c.Channel.ApplyDefaults()
	c.Profiles.ApplyDefaults()
}

// Validate checks that required fields are set and values are acceptable.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid log_level %q (must be debug, info, warn or error)", c.LogLevel)
	}
	if err := c.Helper.Validate(); err != nil {
		return err
	}
	if err := c.Channel.Validate(); err != nil {
		return err
	}
	return c.Profiles.Validate()
}

// Load reads a YAML configuration file, applies defaults and validates the
// result. An empty path reads DefaultPath, and a missing default file
// yields the defaults.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case !explicit && errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
