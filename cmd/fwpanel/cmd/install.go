package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/plexsphere/fwpanel/internal/packaging"
)

var (
	installCfg packaging.InstallConfig
	purge      bool
)

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the helper as a systemd service",
	Args:  cobra.NoArgs,
	RunE:  runInstall,
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the helper systemd service",
	Args:  cobra.NoArgs,
	RunE:  runUninstall,
}

func init() {
	f := installCmd.Flags()
	f.StringVar(&installCfg.BinaryPath, "binary-path", packaging.DefaultBinaryPath, "where to install the fwpanel binary")
	f.StringVar(&installCfg.AdminGroup, "admin-group", "", "group allowed to change the firewall (written to a new config)")
	f.BoolVar(&installCfg.FlushOnExit, "flush-on-exit", false, "remove kernel rules when the service stops")
	f.BoolVar(&installCfg.Enable, "enable", false, "enable and start the service")
	rootCmd.AddCommand(installCmd)

	uninstallCmd.Flags().BoolVar(&purge, "purge", false, "also remove the state and config directories")
	rootCmd.AddCommand(uninstallCmd)
}

func newInstaller() *packaging.Installer {
	level := logLevel
	if level == "" {
		level = "info"
	}
	return packaging.NewInstaller(installCfg, packaging.NewSystemdController(), packaging.NewRootChecker(), setupLogger(level))
}

func runInstall(cmd *cobra.Command, _ []string) error {
	ins := newInstaller()
	if err := ins.Install(); err != nil {
		return fmt.Errorf("fwpanel install: %w", err)
	}
	c := ins.Config()
	fmt.Fprintf(cmd.OutOrStdout(), "Installed %s (config %s).\n", c.ServiceName, c.ConfigPath())
	if !c.Enable {
		fmt.Fprintf(cmd.OutOrStdout(), "Start it with: systemctl enable --now %s\n", c.ServiceName)
	}
	return nil
}

func runUninstall(cmd *cobra.Command, _ []string) error {
	ins := newInstaller()
	if err := ins.Uninstall(purge); err != nil {
		return fmt.Errorf("fwpanel uninstall: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %s.\n", ins.Config().ServiceName)
	return nil
}
