package cmd

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/plexsphere/fwpanel/internal/reconcile"
	"github.com/plexsphere/fwpanel/internal/ruleset"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "List and change firewall rules",
	Long: "List and change the firewall rules held by the helper. Rules are\n" +
		"addressed by their position as shown by 'fwpanel rules list'.",
}

var showHandles bool

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the firewall rules in order",
	Args:  cobra.NoArgs,
	RunE:  runRulesList,
}

var rulesAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Append a rule",
	Long: "Append a rule to the end of the rule list. At least one address, port,\n" +
		"interface or application must be given.\n\n" +
		"Ports are a single port, a range a:b, or a comma separated list.",
	Example: "  fwpanel rules add --policy allow --protocol tcp --dport 22\n" +
		"  fwpanel rules add --policy deny --direction out --to 203.0.113.0/24",
	Args: cobra.NoArgs,
	RunE: runRulesAdd,
}

var rulesEditCmd = &cobra.Command{
	Use:   "edit <position>",
	Short: "Change a rule",
	Long: "Change the rule at the given position. Only the given flags are changed.\n" +
		"A change confined to --description keeps the rule's identity.",
	Args: cobra.ExactArgs(1),
	RunE: runRulesEdit,
}

var rulesRemoveCmd = &cobra.Command{
	Use:   "remove <position|handle>",
	Short: "Remove a rule",
	Long: "Remove a rule by position, or by the position:hash handle printed by\n" +
		"'fwpanel rules list --handles'. A handle is refused if the rule list has\n" +
		"changed since it was printed.",
	Args: cobra.ExactArgs(1),
	RunE: runRulesRemove,
}

var rulesMoveCmd = &cobra.Command{
	Use:   "move <from> <to>",
	Short: "Move a rule to another position",
	Long:  "Move a rule to another position. A destination one past the last rule\nmoves it to the end.",
	Args:  cobra.ExactArgs(2),
	RunE:  runRulesMove,
}

// ruleFlags holds the rule fields settable from the command line.
type ruleFlags struct {
	policy      string
	direction   string
	protocol    string
	logging     string
	from        string
	sport       string
	to          string
	dport       string
	iface       string
	sapp        string
	dapp        string
	description string
}

var (
	addFlags  ruleFlags
	editFlags ruleFlags
)

func (f *ruleFlags) register(cmd *cobra.Command, withDefaults bool) {
	policy, direction, protocol, logging := "", "", "", ""
	if withDefaults {
		policy, direction, protocol, logging = "deny", "in", "both", "off"
	}
	fs := cmd.Flags()
	fs.StringVar(&f.policy, "policy", policy, "allow, deny, reject or limit")
	fs.StringVar(&f.direction, "direction", direction, "in or out")
	fs.StringVar(&f.protocol, "protocol", protocol, "tcp, udp or both")
	fs.StringVar(&f.logging, "log", logging, "off, new or all")
	fs.StringVar(&f.from, "from", "", "source address or network")
	fs.StringVar(&f.sport, "sport", "", "source ports")
	fs.StringVar(&f.to, "to", "", "destination address or network")
	fs.StringVar(&f.dport, "dport", "", "destination ports")
	fs.StringVar(&f.iface, "iface", "", "network interface")
	fs.StringVar(&f.sapp, "sapp", "", "source application profile")
	fs.StringVar(&f.dapp, "dapp", "", "destination application profile")
	fs.StringVar(&f.description, "description", "", "free-form description")
}

// apply sets the fields of r whose flags were given on cmd.
func (f *ruleFlags) apply(cmd *cobra.Command, r ruleset.Rule) (ruleset.Rule, error) {
	changed := func(name string) bool { return cmd.Flags().Changed(name) }

	var err error
	if changed("policy") {
		if r.Policy, err = ruleset.ParsePolicy(f.policy); err != nil {
			return r, err
		}
	}
	if changed("protocol") {
		if r.Protocol, err = ruleset.ParseProtocol(f.protocol); err != nil {
			return r, err
		}
	}
	if changed("log") {
		if r.Logging, err = ruleset.ParseLogging(f.logging); err != nil {
			return r, err
		}
	}
	if changed("direction") {
		incoming, err := parseDirection(f.direction)
		if err != nil {
			return r, err
		}
		if incoming != r.Incoming {
			iface := r.Interface()
			r.Incoming = incoming
			r.InterfaceIn, r.InterfaceOut = "", ""
			r = withInterface(r, iface)
		}
	}
	if changed("iface") {
		r = withInterface(r, f.iface)
	}
	for _, field := range []struct {
		flag  string
		value string
		dst   *string
	}{
		{"from", f.from, &r.SourceAddress},
		{"sport", f.sport, &r.SourcePort},
		{"to", f.to, &r.DestAddress},
		{"dport", f.dport, &r.DestPort},
		{"sapp", f.sapp, &r.SourceApp},
		{"dapp", f.dapp, &r.DestApp},
		{"description", f.description, &r.Description},
	} {
		if changed(field.flag) {
			*field.dst = field.value
		}
	}
	return r, nil
}

// rule builds a new rule from every flag value, defaults included.
func (f *ruleFlags) rule() (ruleset.Rule, error) {
	policy, err := ruleset.ParsePolicy(f.policy)
	if err != nil {
		return ruleset.Rule{}, err
	}
	incoming, err := parseDirection(f.direction)
	if err != nil {
		return ruleset.Rule{}, err
	}
	protocol, err := ruleset.ParseProtocol(f.protocol)
	if err != nil {
		return ruleset.Rule{}, err
	}
	logging, err := ruleset.ParseLogging(f.logging)
	if err != nil {
		return ruleset.Rule{}, err
	}
	r := ruleset.Rule{
		Policy:        policy,
		Incoming:      incoming,
		Protocol:      protocol,
		Logging:       logging,
		Description:   f.description,
		SourceAddress: f.from,
		SourcePort:    f.sport,
		DestAddress:   f.to,
		DestPort:      f.dport,
		SourceApp:     f.sapp,
		DestApp:       f.dapp,
	}
	return withInterface(r, f.iface), nil
}

func withInterface(r ruleset.Rule, iface string) ruleset.Rule {
	if r.Incoming {
		r.InterfaceIn = iface
	} else {
		r.InterfaceOut = iface
	}
	return r
}

func parseDirection(s string) (bool, error) {
	switch s {
	case "in", "incoming":
		return true, nil
	case "out", "outgoing":
		return false, nil
	}
	return false, fmt.Errorf("invalid direction %q (must be in or out)", s)
}

func init() {
	rulesListCmd.Flags().BoolVar(&showHandles, "handles", false, "show position:hash handles")
	addFlags.register(rulesAddCmd, true)
	editFlags.register(rulesEditCmd, false)

	rulesCmd.AddCommand(rulesListCmd, rulesAddCmd, rulesEditCmd, rulesRemoveCmd, rulesMoveCmd)
	rootCmd.AddCommand(rulesCmd)
}

func runRulesList(cmd *cobra.Command, _ []string) error {
	s, err := openSession(cmd)
	if err != nil {
		return fmt.Errorf("fwpanel rules list: %w", err)
	}
	defer s.Close()

	printRules(cmd.OutOrStdout(), s.engine.Rules(), showHandles)
	return nil
}

func runRulesAdd(cmd *cobra.Command, _ []string) error {
	r, err := addFlags.rule()
	if err != nil {
		return fmt.Errorf("fwpanel rules add: %w", err)
	}

	s, err := openSession(cmd)
	if err != nil {
		return fmt.Errorf("fwpanel rules add: %w", err)
	}
	defer s.Close()

	if err := s.run(cmd.Context(), func() error { return s.engine.AddRules([]ruleset.Rule{r}) }); err != nil {
		return fmt.Errorf("fwpanel rules add: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Rule added.")
	return nil
}

func runRulesEdit(cmd *cobra.Command, args []string) error {
	position, err := parsePosition(args[0])
	if err != nil {
		return fmt.Errorf("fwpanel rules edit: %w", err)
	}

	s, err := openSession(cmd)
	if err != nil {
		return fmt.Errorf("fwpanel rules edit: %w", err)
	}
	defer s.Close()

	old, err := ruleAt(s.engine.Rules(), position)
	if err != nil {
		return fmt.Errorf("fwpanel rules edit: %w", err)
	}
	r, err := editFlags.apply(cmd, old)
	if err != nil {
		return fmt.Errorf("fwpanel rules edit: %w", err)
	}
	if err := s.run(cmd.Context(), func() error { return s.engine.EditRule(r) }); err != nil {
		if errors.Is(err, reconcile.ErrNoChange) {
			fmt.Fprintln(cmd.OutOrStdout(), "Rule unchanged.")
			return nil
		}
		return fmt.Errorf("fwpanel rules edit: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Rule %d updated.\n", position)
	return nil
}

func runRulesRemove(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd)
	if err != nil {
		return fmt.Errorf("fwpanel rules remove: %w", err)
	}
	defer s.Close()

	position, hash, err := resolveRule(s.engine.Rules(), args[0])
	if err != nil {
		return fmt.Errorf("fwpanel rules remove: %w", err)
	}
	if err := s.run(cmd.Context(), func() error { return s.engine.RemoveRule(position, hash) }); err != nil {
		return fmt.Errorf("fwpanel rules remove: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Rule %d removed.\n", position)
	return nil
}

func runRulesMove(cmd *cobra.Command, args []string) error {
	from, err := parsePosition(args[0])
	if err != nil {
		return fmt.Errorf("fwpanel rules move: %w", err)
	}
	to, err := parsePosition(args[1])
	if err != nil {
		return fmt.Errorf("fwpanel rules move: %w", err)
	}

	s, err := openSession(cmd)
	if err != nil {
		return fmt.Errorf("fwpanel rules move: %w", err)
	}
	defer s.Close()

	if err := s.run(cmd.Context(), func() error { return s.engine.MoveRule(from, to) }); err != nil {
		return fmt.Errorf("fwpanel rules move: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Rule moved to position %d.\n", s.engine.Selected())
	return nil
}

func parsePosition(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid rule position %q", s)
	}
	return n, nil
}

func ruleAt(rules []ruleset.Rule, position int) (ruleset.Rule, error) {
	if position > len(rules) {
		return ruleset.Rule{}, fmt.Errorf("no rule at position %d (%d rules defined)", position, len(rules))
	}
	return rules[position-1], nil
}

// resolveRule turns a position or a position:hash handle into the pair the
// helper expects. A bare position takes the hash of the rule listed there.
func resolveRule(rules []ruleset.Rule, arg string) (int, string, error) {
	if strings.Contains(arg, ":") {
		return ruleset.ParseHandle(arg)
	}
	position, err := parsePosition(arg)
	if err != nil {
		return 0, "", err
	}
	r, err := ruleAt(rules, position)
	if err != nil {
		return 0, "", err
	}
	return position, r.Hash, nil
}

// printRules writes the rule list as a table.
func printRules(w io.Writer, rules []ruleset.Rule, handles bool) {
	if len(rules) == 0 {
		fmt.Fprintln(w, "No rules defined.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	first := "#"
	if handles {
		first = "HANDLE"
	}
	fmt.Fprintf(tw, "%s\tACTION\tDIR\tPROTO\tFROM\tTO\tIFACE\tLOG\tDESCRIPTION\n", first)
	for _, r := range rules {
		id := strconv.Itoa(r.Position)
		if handles {
			id = r.Handle()
		}
		dir := "out"
		if r.Incoming {
			dir = "in"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			id, r.Policy, dir, r.Protocol,
			endpoint(r.SourceAddress, r.SourcePort, r.SourceApp),
			endpoint(r.DestAddress, r.DestPort, r.DestApp),
			orDash(r.Interface()), r.Logging, r.Description,
		)
	}
	tw.Flush()
}

func endpoint(addr, port, app string) string {
	var parts []string
	if addr != "" {
		parts = append(parts, addr)
	}
	if port != "" {
		parts = append(parts, "port "+port)
	}
	if app != "" {
		parts = append(parts, "app "+app)
	}
	if len(parts) == 0 {
		return "any"
	}
	return strings.Join(parts, " ")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
