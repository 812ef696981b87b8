// Package policy translates firewall profiles into kernel packet filter rules.
package policy

import (
	"errors"
	"strings"
)

// DefaultTableName is the default nftables table owned by the helper.
const DefaultTableName = "fwpanel"

// Config holds the configuration for kernel rule enforcement.
type Config struct {
	// Enabled controls whether rules are written to the kernel. A disabled
	// enforcer only logs what it would apply.
	// Default: true (set by ApplyDefaults).
	Enabled bool `yaml:"enabled"`

	// TableName is the inet table holding the input and output chains.
	TableName string `yaml:"table_name"`
}

// ApplyDefaults sets default values for zero-valued fields.
// On a zero-valued Config, Enabled defaults to true.
// To disable enforcement, set Enabled=false together with a TableName.
func (c *Config) ApplyDefaults() {
	// A TableName set explicitly means the caller built the config on purpose
	// and Enabled is respected as-is.
	if c.TableName == "" {
		c.Enabled = true
		c.TableName = DefaultTableName
	}
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.TableName == "" {
		return errors.New("policy: config: TableName must not be empty when enabled")
	}
	if len(c.TableName) > 255 || strings.ContainsAny(c.TableName, " \t\n") {
		return errors.New("policy: config: TableName must be a single word of at most 255 bytes")
	}
	return nil
}
