package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/plexsphere/fwpanel/internal/ruleset"
)

var firewallCmd = &cobra.Command{
	Use:   "firewall",
	Short: "Enable or disable the firewall",
}

var firewallEnableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Enable the firewall",
	Args:  cobra.NoArgs,
	RunE:  func(cmd *cobra.Command, _ []string) error { return runSetStatus(cmd, true) },
}

var firewallDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Disable the firewall",
	Args:  cobra.NoArgs,
	RunE:  func(cmd *cobra.Command, _ []string) error { return runSetStatus(cmd, false) },
}

var (
	defaultIncoming string
	defaultOutgoing string
	defaultIPv6     bool
	defaultLogLevel string
)

var defaultsCmd = &cobra.Command{
	Use:   "defaults",
	Short: "Show or change the default policies",
	Long: "Show the default policies, IPv6 support and firewall log level, or\n" +
		"change the ones given as flags. Turning IPv6 off removes all IPv6 rules.",
	Example: "  fwpanel defaults --incoming deny --outgoing allow\n" +
		"  fwpanel defaults --ipv6=false",
	Args: cobra.NoArgs,
	RunE: runDefaults,
}

var clearModules bool

var modulesCmd = &cobra.Command{
	Use:   "modules [module...]",
	Short: "Show or replace the enabled connection tracking modules",
	RunE:  runModules,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Restore the default firewall configuration",
	Long: "Remove every rule and restore the default policies and modules.\n" +
		"The firewall is left disabled.",
	Args: cobra.NoArgs,
	RunE: runReset,
}

func init() {
	defaultsCmd.Flags().StringVar(&defaultIncoming, "incoming", "", "allow, deny or reject")
	defaultsCmd.Flags().StringVar(&defaultOutgoing, "outgoing", "", "allow, deny or reject")
	defaultsCmd.Flags().BoolVar(&defaultIPv6, "ipv6", true, "enable IPv6 support")
	defaultsCmd.Flags().StringVar(&defaultLogLevel, "level", "", "firewall log level: off, low, medium, high or full")
	modulesCmd.Flags().BoolVar(&clearModules, "clear", false, "disable all modules")

	firewallCmd.AddCommand(firewallEnableCmd, firewallDisableCmd)
	rootCmd.AddCommand(firewallCmd, defaultsCmd, modulesCmd, resetCmd)
}

func runSetStatus(cmd *cobra.Command, enabled bool) error {
	name := "fwpanel firewall disable"
	if enabled {
		name = "fwpanel firewall enable"
	}
	s, err := openSession(cmd)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	defer s.Close()

	if s.engine.Snapshot().Enabled == enabled {
		fmt.Fprintln(cmd.OutOrStdout(), s.engine.StatusText())
		return nil
	}
	if err := s.run(cmd.Context(), func() error { return s.engine.SetStatus(enabled) }); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), s.engine.StatusText())
	return nil
}

// defaultsFromFlags returns the partial defaults update given on cmd.
func defaultsFromFlags(cmd *cobra.Command) (ruleset.Defaults, error) {
	var d ruleset.Defaults
	fs := cmd.Flags()
	if fs.Changed("incoming") {
		p, err := ruleset.ParsePolicy(defaultIncoming)
		if err != nil {
			return d, err
		}
		d.Incoming = &p
	}
	if fs.Changed("outgoing") {
		p, err := ruleset.ParsePolicy(defaultOutgoing)
		if err != nil {
			return d, err
		}
		d.Outgoing = &p
	}
	if fs.Changed("ipv6") {
		v := defaultIPv6
		d.IPv6 = &v
	}
	if fs.Changed("level") {
		l, err := ruleset.ParseLogLevel(defaultLogLevel)
		if err != nil {
			return d, err
		}
		d.LogLevel = &l
	}
	return d, nil
}

func runDefaults(cmd *cobra.Command, _ []string) error {
	d, err := defaultsFromFlags(cmd)
	if err != nil {
		return fmt.Errorf("fwpanel defaults: %w", err)
	}

	s, err := openSession(cmd)
	if err != nil {
		return fmt.Errorf("fwpanel defaults: %w", err)
	}
	defer s.Close()

	if !d.IsEmpty() {
		if err := s.run(cmd.Context(), func() error { return s.engine.SetDefaults(d) }); err != nil {
			return fmt.Errorf("fwpanel defaults: %w", err)
		}
	}
	printDefaults(cmd.OutOrStdout(), s.engine.Snapshot())
	return nil
}

func runModules(cmd *cobra.Command, args []string) error {
	if clearModules && len(args) > 0 {
		return errors.New("fwpanel modules: --clear takes no module names")
	}

	s, err := openSession(cmd)
	if err != nil {
		return fmt.Errorf("fwpanel modules: %w", err)
	}
	defer s.Close()

	if clearModules || len(args) > 0 {
		if err := s.run(cmd.Context(), func() error { return s.engine.SetModules(args) }); err != nil {
			return fmt.Errorf("fwpanel modules: %w", err)
		}
	}
	modules := s.engine.Snapshot().Modules()
	if len(modules) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No modules enabled.")
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), strings.Join(modules, "\n"))
	return nil
}

func runReset(cmd *cobra.Command, _ []string) error {
	s, err := openSession(cmd)
	if err != nil {
		return fmt.Errorf("fwpanel reset: %w", err)
	}
	defer s.Close()

	if err := s.run(cmd.Context(), s.engine.Reset); err != nil {
		return fmt.Errorf("fwpanel reset: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), s.engine.StatusText())
	return nil
}
