package profilestore

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// Config holds the configuration for a file profile store.
// Config is passed as a constructor argument; no file I/O in this file.
type Config struct {
	// Dir is the directory holding one file per profile.
	// Default: $XDG_DATA_HOME/fwpanel/profiles
	Dir string `yaml:"dir"`

	// Extension is appended to profile names to form file names.
	// Default: .fwprofile
	Extension string `yaml:"extension"`
}

// DefaultExtension is the default profile file extension.
const DefaultExtension = ".fwprofile"

// DefaultDir returns $XDG_DATA_HOME/fwpanel/profiles, falling back to
// ~/.local/share/fwpanel/profiles.
func DefaultDir() string {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "fwpanel", "profiles")
}

// ApplyDefaults sets default values for zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.Dir == "" {
		c.Dir = DefaultDir()
	}
	if c.Extension == "" {
		c.Extension = DefaultExtension
	}
}

// Validate checks that required fields are set and values are acceptable.
func (c *Config) Validate() error {
	if c.Dir == "" {
		return errors.New("profilestore: config: Dir is required")
	}
	if !strings.HasPrefix(c.Extension, ".") || strings.ContainsRune(c.Extension, '/') {
		return errors.New("profilestore: config: Extension must start with '.' and contain no '/'")
	}
	return nil
}
