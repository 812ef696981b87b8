package cmd

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/spf13/cobra"

	"github.com/plexsphere/fwpanel/internal/ruleset"
)

var overwriteProfile bool

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "Manage saved firewall profiles",
	Long: "Manage named firewall profiles. System profiles are stored by the\n" +
		"helper and shared by all users; local profiles are files in the\n" +
		"configured profiles directory.",
}

var profilesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the known profiles",
	Args:  cobra.NoArgs,
	RunE:  runProfilesList,
}

var profilesLoadCmd = &cobra.Command{
	Use:   "load <name>",
	Short: "Apply a profile to the firewall",
	Args:  cobra.ExactArgs(1),
	RunE:  runProfilesLoad,
}

var profilesSaveCmd = &cobra.Command{
	Use:   "save <name>",
	Short: "Save the current configuration as a system profile",
	Long: "Save the current configuration as a system profile. An existing\n" +
		"profile of the same name is only replaced with --force.",
	Args: cobra.ExactArgs(1),
	RunE: runProfilesSave,
}

var profilesDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a profile",
	Args:  cobra.ExactArgs(1),
	RunE:  runProfilesDelete,
}

var profilesImportCmd = &cobra.Command{
	Use:   "import <name> <file>",
	Short: "Import a profile file as a system profile",
	Long: "Import a profile file as a system profile stored by the helper. Use -\n" +
		"to read standard input. An existing profile of the same name is only\n" +
		"replaced with --force; a local profile replaced this way is removed.",
	Args: cobra.ExactArgs(2),
	RunE: runProfilesImport,
}

var profilesExportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Export the current configuration",
	Long:  "Write the current configuration as a profile file, or to standard\noutput when no file is given.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runProfilesExport,
}

var profilesDiffCmd = &cobra.Command{
	Use:   "diff <name> [other]",
	Short: "Show how a profile differs from the current configuration",
	Long: "Show a unified diff between two profiles, or between the current\n" +
		"configuration and a profile when only one name is given.",
	Args: cobra.RangeArgs(1, 2),
	RunE: runProfilesDiff,
}

func init() {
	profilesCmd.AddCommand(
		profilesListCmd,
		profilesLoadCmd,
		profilesSaveCmd,
		profilesDeleteCmd,
		profilesImportCmd,
		profilesExportCmd,
		profilesDiffCmd,
	)
	for _, c := range []*cobra.Command{profilesSaveCmd, profilesImportCmd} {
		c.Flags().BoolVarP(&overwriteProfile, "force", "f", false, "replace an existing profile of the same name")
	}
	rootCmd.AddCommand(profilesCmd)
}

func runProfilesList(cmd *cobra.Command, _ []string) error {
	s, err := openSession(cmd)
	if err != nil {
		return fmt.Errorf("fwpanel profiles list: %w", err)
	}
	defer s.Close()

	entries := s.engine.Profiles()
	w := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(w, "No profiles.")
		return nil
	}
	active, _ := s.engine.ActiveProfile()
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\tNAME\tOWNER\tRULES")
	for _, e := range entries {
		marker := ""
		if e.Name == active {
			marker = "*"
		}
		owner := "local"
		if e.Profile.SystemOwned {
			owner = "system"
		}
		rules := "-"
		if e.Profile.HasRules {
			rules = strconv.Itoa(e.Profile.RuleCount())
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", marker, e.Name, owner, rules)
	}
	return tw.Flush()
}

func runProfilesLoad(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd)
	if err != nil {
		return fmt.Errorf("fwpanel profiles load: %w", err)
	}
	defer s.Close()

	if err := s.run(cmd.Context(), func() error { return s.engine.LoadProfile(args[0]) }); err != nil {
		return fmt.Errorf("fwpanel profiles load: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), s.engine.StatusText())
	return nil
}

func runProfilesSave(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd)
	if err != nil {
		return fmt.Errorf("fwpanel profiles save: %w", err)
	}
	defer s.Close()

	current := s.engine.CurrentProfile()
	if err := s.run(cmd.Context(), func() error { return s.engine.SaveProfile(args[0], current, overwriteProfile) }); err != nil {
		return fmt.Errorf("fwpanel profiles save: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Profile %q saved.\n", args[0])
	return nil
}

func runProfilesDelete(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd)
	if err != nil {
		return fmt.Errorf("fwpanel profiles delete: %w", err)
	}
	defer s.Close()

	if err := s.run(cmd.Context(), func() error { return s.engine.DeleteProfile(args[0]) }); err != nil {
		return fmt.Errorf("fwpanel profiles delete: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Profile %q deleted.\n", args[0])
	return nil
}

func runProfilesImport(cmd *cobra.Command, args []string) error {
	name, file := args[0], args[1]
	var (
		data []byte
		err  error
	)
	if file == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return fmt.Errorf("fwpanel profiles import: %w", err)
	}

	s, err := openSession(cmd)
	if err != nil {
		return fmt.Errorf("fwpanel profiles import: %w", err)
	}
	defer s.Close()

	if err := s.run(cmd.Context(), func() error { return s.engine.ImportProfile(name, data, overwriteProfile) }); err != nil {
		return fmt.Errorf("fwpanel profiles import: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Profile %q imported.\n", name)
	return nil
}

func runProfilesExport(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd)
	if err != nil {
		return fmt.Errorf("fwpanel profiles export: %w", err)
	}
	defer s.Close()

	data, err := s.engine.ExportProfile()
	if err != nil {
		return fmt.Errorf("fwpanel profiles export: %w", err)
	}
	if len(args) == 0 {
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}
	if err := os.WriteFile(args[0], data, 0o644); err != nil {
		return fmt.Errorf("fwpanel profiles export: %w", err)
	}
	return nil
}

func runProfilesDiff(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd)
	if err != nil {
		return fmt.Errorf("fwpanel profiles diff: %w", err)
	}
	defer s.Close()

	fromName, from := "current", s.engine.CurrentProfile()
	toName := args[0]
	if len(args) == 2 {
		fromName, toName = args[0], args[1]
		p, ok := s.engine.Profile(fromName)
		if !ok {
			return fmt.Errorf("fwpanel profiles diff: unknown profile %q", fromName)
		}
		from = p
	}
	to, ok := s.engine.Profile(toName)
	if !ok {
		return fmt.Errorf("fwpanel profiles diff: unknown profile %q", toName)
	}

	text := diffProfiles(fromName, from, toName, to)
	if text == "" {
		fmt.Fprintln(cmd.OutOrStdout(), "Profiles are identical.")
		return nil
	}
	fmt.Fprint(cmd.OutOrStdout(), text)
	return nil
}

// diffProfiles returns a unified diff of the serialized profiles, or "" when
// they carry the same configuration. Rule hashes and positions are
// backend bookkeeping and are left out.
func diffProfiles(fromName string, from ruleset.Profile, toName string, to ruleset.Profile) string {
	a, b := comparableXML(from), comparableXML(to)
	if a == b {
		return ""
	}
	text, _ := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(a),
		B:        difflib.SplitLines(b),
		FromFile: fromName,
		ToFile:   toName,
		Context:  3,
	})
	return text
}

func comparableXML(p ruleset.Profile) string {
	p.HasStatus = false
	p.SystemOwned = false
	if p.HasRules {
		rules := p.Rules()
		for i := range rules {
			rules[i].Hash = ""
			rules[i].Position = 0
		}
		p = p.WithRules(rules)
	}
	return p.XML()
}
