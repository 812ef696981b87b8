// Package packaging installs the privileged helper as a systemd service.
package packaging

import (
	"errors"
	"path/filepath"
)

// InstallConfig describes where the helper service is installed.
// It is passed to NewInstaller; no file I/O happens here.
type InstallConfig struct {
	// BinaryPath is where the fwpanel executable is copied.
	// Default: /usr/local/bin/fwpanel
	BinaryPath string

	// ConfigDir holds config.yaml.
	// Default: /etc/fwpanel
	ConfigDir string

	// DataDir holds the helper state and system profiles.
	// Default: /var/lib/fwpanel
	DataDir string

	// RunDir holds the helper socket.
	// Default: /run/fwpanel
	RunDir string

	// ServiceName is the systemd unit name without suffix.
	// Default: fwpanel-helper
	ServiceName string

	// UnitFilePath is where the unit file is written.
	// Default: /etc/systemd/system/<ServiceName>.service
	UnitFilePath string

	// AdminGroup is written into a freshly generated config.yaml.
	AdminGroup string

	// FlushOnExit makes the service remove kernel rules when it stops.
	FlushOnExit bool

	// Enable enables and starts the service after installation.
	Enable bool
}

const (
	DefaultBinaryPath  = "/usr/local/bin/fwpanel"
	DefaultConfigDir   = "/etc/fwpanel"
	DefaultDataDir     = "/var/lib/fwpanel"
	DefaultRunDir      = "/run/fwpanel"
	DefaultServiceName = "fwpanel-helper"
	DefaultUnitDir     = "/etc/systemd/system"
)

// ApplyDefaults sets default values for zero-valued fields.
func (c *InstallConfig) ApplyDefaults() {
	if c.BinaryPath == "" {
		c.BinaryPath = DefaultBinaryPath
	}
	if c.ConfigDir == "" {
		c.ConfigDir = DefaultConfigDir
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.RunDir == "" {
		c.RunDir = DefaultRunDir
	}
	if c.ServiceName == "" {
		c.ServiceName = DefaultServiceName
	}
	if c.UnitFilePath == "" {
		c.UnitFilePath = filepath.Join(DefaultUnitDir, c.ServiceName+".service")
	}
}

// Validate checks that every path is absolute and the service is named.
func (c *InstallConfig) Validate() error {
	paths := []struct {
		name, value string
	}{
		{"BinaryPath", c.BinaryPath},
		{"ConfigDir", c.ConfigDir},
		{"DataDir", c.DataDir},
		{"RunDir", c.RunDir},
		{"UnitFilePath", c.UnitFilePath},
	}
	for _, p := range paths {
		if !filepath.IsAbs(p.value) {
			return errors.New("packaging: config: " + p.name + " must be an absolute path")
		}
	}
	if c.ServiceName == "" {
		return errors.New("packaging: config: ServiceName is required")
	}
	return nil
}

// ConfigPath returns the path of the service's config.yaml.
func (c *InstallConfig) ConfigPath() string {
	return filepath.Join(c.ConfigDir, "config.yaml")
}

// SocketPath returns the helper socket path inside RunDir.
func (c *InstallConfig) SocketPath() string {
	return filepath.Join(c.RunDir, "helper.sock")
}
