package helper

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/plexsphere/fwpanel/internal/policy"
)

// Config holds the configuration for the privileged helper.
// Config is passed as a constructor argument; no file I/O in this file.
type Config struct {
	// SocketPath is the path to the Unix domain socket.
	// Default: /run/fwpanel/helper.sock
	SocketPath string `yaml:"socket_path"`

	// DataDir holds the persisted firewall state and the system profiles.
	// Default: /var/lib/fwpanel
	DataDir string `yaml:"data_dir"`

	// AdminGroup members may run mutating commands. Root always may.
	// Default: fwpanel
	AdminGroup string `yaml:"admin_group"`

	// MetricsListen is the TCP address serving /metrics. Empty disables it.
	MetricsListen string `yaml:"metrics_listen"`

	// ShutdownTimeout is the maximum time to wait for a graceful shutdown.
	// Default: 5s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Policy configures kernel rule enforcement.
	Policy policy.Config `yaml:"policy"`
}

// DefaultSocketPath is the default Unix domain socket path.
const DefaultSocketPath = "/run/fwpanel/helper.sock"

// DefaultDataDir is the default state directory.
const DefaultDataDir = "/var/lib/fwpanel"

// DefaultAdminGroup is the default group allowed to change the firewall.
const DefaultAdminGroup = "fwpanel"

// DefaultShutdownTimeout is the default graceful shutdown timeout.
const DefaultShutdownTimeout = 5 * time.Second

// ApplyDefaults sets default values for zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.SocketPath == "" {
		c.SocketPath = DefaultSocketPath
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.AdminGroup == "" {
		c.AdminGroup = DefaultAdminGroup
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	c.Policy.ApplyDefaults()
}

// Validate checks that required fields are set and values are acceptable.
func (c *Config) Validate() error {
	if c.SocketPath == "" {
		return errors.New("helper: config: SocketPath is required")
	}
	if !filepath.IsAbs(c.DataDir) {
		return errors.New("helper: config: DataDir must be an absolute path")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("helper: config: ShutdownTimeout must be positive")
	}
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("helper: config: %w", err)
	}
	return nil
}

// StatePath returns the file holding the persisted firewall state.
func (c *Config) StatePath() string {
	return filepath.Join(c.DataDir, stateFile)
}

// ProfilesDir returns the directory holding the system profiles.
func (c *Config) ProfilesDir() string {
	return filepath.Join(c.DataDir, "profiles")
}

const stateFile = "state.xml"
