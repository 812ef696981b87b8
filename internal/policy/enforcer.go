package policy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/plexsphere/fwpanel/internal/ruleset"
)

// Enforcer compiles firewall profiles and applies them through a
// FirewallController.
type Enforcer struct {
	firewall FirewallController
	cfg      Config
	logger   *slog.Logger
}

// NewEnforcer creates an Enforcer. The firewall parameter may be nil if no
// firewall backend is available; Apply then only compiles and logs.
func NewEnforcer(firewall FirewallController, cfg Config, logger *slog.Logger) *Enforcer {
	cfg.ApplyDefaults()
	return &Enforcer{
		firewall: firewall,
		cfg:      cfg,
		logger:   logger.With("component", "policy"),
	}
}

// Apply makes the kernel ruleset match p. A disabled firewall removes the
// table entirely.
func (e *Enforcer) Apply(ctx context.Context, p ruleset.Profile) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	table, err := Compile(e.cfg.TableName, p)
	if err != nil {
		return fmt.Errorf("policy: enforce: %w", err)
	}
	for _, pos := range table.Skipped {
		e.logger.Warn("rule references an application profile, not enforced", "position", pos)
	}

	if !e.cfg.Enabled {
		e.logger.Info("enforcement disabled, not touching kernel rules",
			"enabled", p.Enabled,
			"rules", len(table.Rules),
		)
		return nil
	}
	if e.firewall == nil {
		e.logger.Warn("no firewall backend available, skipping rule enforcement")
		return nil
	}

	if !p.Enabled {
		if err := e.firewall.Delete(e.cfg.TableName); err != nil {
			return fmt.Errorf("policy: enforce: %w", err)
		}
		e.logger.Info("firewall disabled, table removed", "table", e.cfg.TableName)
		return nil
	}

	if err := e.firewall.Replace(table); err != nil {
		return fmt.Errorf("policy: enforce: %w", err)
	}
	e.logger.Info("applied firewall rules",
		"table", e.cfg.TableName,
		"count", len(table.Rules),
		"input_policy", table.InputPolicy,
		"output_policy", table.OutputPolicy,
	)
	return nil
}

// Teardown removes the table. It is safe to call when the firewall backend
// is nil.
func (e *Enforcer) Teardown() error {
	if e.firewall == nil || !e.cfg.Enabled {
		return nil
	}
	if err := e.firewall.Delete(e.cfg.TableName); err != nil {
		return fmt.Errorf("policy: teardown: %w", err)
	}
	return nil
}
