package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var interfacesCmd = &cobra.Command{
	Use:   "interfaces",
	Short: "List the network interfaces rules can refer to",
	Args:  cobra.NoArgs,
	RunE:  runInterfaces,
}

func init() {
	rootCmd.AddCommand(interfacesCmd)
}

func runInterfaces(cmd *cobra.Command, _ []string) error {
	s, err := openSession(cmd)
	if err != nil {
		return fmt.Errorf("fwpanel interfaces: %w", err)
	}
	defer s.Close()

	if err := s.run(cmd.Context(), s.engine.QueryInterfaces); err != nil {
		return fmt.Errorf("fwpanel interfaces: %w", err)
	}
	for _, name := range s.engine.Interfaces() {
		fmt.Fprintln(cmd.OutOrStdout(), name)
	}
	return nil
}
