package channel

import (
	"errors"
	"time"
)

// DefaultSocketPath is the helper socket the channel connects to.
const DefaultSocketPath = "/run/fwpanel/helper.sock"

// DefaultTimeout bounds one command round trip.
const DefaultTimeout = 30 * time.Second

// Config holds the configuration for the helper channel.
type Config struct {
	// SocketPath is the helper's Unix domain socket.
	// Default: /run/fwpanel/helper.sock
	SocketPath string `yaml:"socket_path"`

	// Timeout bounds a single command round trip, including the
	// privileged operation itself.
	// Default: 30s
	Timeout time.Duration `yaml:"timeout"`
}

// ApplyDefaults sets default values for zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.SocketPath == "" {
		c.SocketPath = DefaultSocketPath
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
}

// Validate checks that required fields are set and values are acceptable.
func (c *Config) Validate() error {
	if c.SocketPath == "" {
		return errors.New("channel: config: SocketPath is required")
	}
	if c.Timeout <= 0 {
		return errors.New("channel: config: Timeout must be positive")
	}
	return nil
}
