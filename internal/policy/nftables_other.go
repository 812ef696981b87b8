//go:build !linux

package policy

import "log/slog"

// NewFirewallController returns nil on non-Linux platforms; the Enforcer
// then only compiles and logs.
func NewFirewallController(_ *slog.Logger) FirewallController {
	return nil
}
