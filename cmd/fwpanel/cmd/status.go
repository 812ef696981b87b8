package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/plexsphere/fwpanel/internal/ruleset"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show firewall status",
	Long:  "Connect to the helper via Unix socket and display the firewall status,\ndefaults, modules and rules.",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	s, err := openSession(cmd)
	if err != nil {
		return fmt.Errorf("fwpanel status: %w", err)
	}
	defer s.Close()

	w := cmd.OutOrStdout()
	fmt.Fprintln(w, s.engine.StatusText())
	fmt.Fprintln(w)
	printDefaults(w, s.engine.Snapshot())
	fmt.Fprintln(w)
	printRules(w, s.engine.Rules(), false)
	return nil
}

func printDefaults(w io.Writer, p ruleset.Profile) {
	fmt.Fprintf(w, "Incoming:  %s\n", p.DefaultIncoming)
	fmt.Fprintf(w, "Outgoing:  %s\n", p.DefaultOutgoing)
	fmt.Fprintf(w, "IPv6:      %s\n", onOff(p.IPv6Enabled))
	fmt.Fprintf(w, "Logging:   %s\n", p.LogLevel)
	modules := "none"
	if m := p.Modules(); len(m) > 0 {
		modules = strings.Join(m, " ")
	}
	fmt.Fprintf(w, "Modules:   %s\n", modules)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
