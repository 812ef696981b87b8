package cmd

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/plexsphere/fwpanel/internal/command"
	"github.com/plexsphere/fwpanel/internal/helper"
	"github.com/plexsphere/fwpanel/internal/ruleset"
)

type allowAll struct{}

func (allowAll) Authorize(*http.Request, command.Kind) error { return nil }

type nopApplier struct{}

func (nopApplier) Apply(context.Context, ruleset.Profile) error { return nil }

type staticLinks []string

func (l staticLinks) InterfaceNames() ([]string, error) { return l, nil }

// cliEnv is a helper served on a temporary socket plus a config file
// pointing the CLI at it.
type cliEnv struct {
	config      string
	socket      string
	profilesDir string
	dir         string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	env := &cliEnv{
		config:      filepath.Join(dir, "config.yaml"),
		socket:      filepath.Join(dir, "helper.sock"),
		profilesDir: filepath.Join(dir, "profiles"),
		dir:         dir,
	}
	yaml := fmt.Sprintf("helper:\n  data_dir: %s\nprofiles:\n  dir: %s\n", filepath.Join(dir, "state"), env.profilesDir)
	if err := os.WriteFile(env.config, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	return env
}

// startHelper serves a helper backend on env.socket until the test ends.
func startHelper(t *testing.T, env *cliEnv) {
	t.Helper()
	cfg := helper.Config{SocketPath: env.socket, DataDir: filepath.Join(env.dir, "state")}
	b, err := helper.NewBackend(cfg, nopApplier{}, staticLinks{"eth0", "lo"}, nil, setupLogger("error"))
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	if err := b.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	ln, err := net.Listen("unix", env.socket)
	if err != nil {
		t.Fatalf("listen unix: %v", err)
	}
	srv := &http.Server{Handler: helper.NewHandler(b, allowAll{}, setupLogger("error")).Mux()}
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ln)
	}()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		<-done
	})
}

// resetFlags restores every flag to its default so that consecutive
// executions of the shared command tree do not see each other's flags.
func resetFlags(c *cobra.Command) {
	c.Flags().VisitAll(func(f *pflag.Flag) {
		f.Value.Set(f.DefValue)
		f.Changed = false
	})
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// runCLI executes the command tree with args against env.
func runCLI(t *testing.T, env *cliEnv, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetIn(strings.NewReader(""))
	if env != nil {
		args = append([]string{"--config", env.config, "--socket", env.socket, "--log-level", "error"}, args...)
	}
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

// mustRun runs args and fails the test on error.
func mustRun(t *testing.T, env *cliEnv, args ...string) string {
	t.Helper()
	out, err := runCLI(t, env, args...)
	if err != nil {
		t.Fatalf("fwpanel %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

func assertContains(t *testing.T, out string, wants ...string) {
	t.Helper()
	for _, want := range wants {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestCLI_HelperNotRunning(t *testing.T) {
	env := newCLIEnv(t)
	_, err := runCLI(t, env, "status")
	if err == nil {
		t.Fatal("expected error when the helper is not running")
	}
	if !strings.Contains(err.Error(), "fwpanel status") || !strings.Contains(err.Error(), "helper not running") {
		t.Errorf("error = %v", err)
	}
}

func TestCLI_StatusAndFirewall(t *testing.T) {
	env := newCLIEnv(t)
	startHelper(t, env)

	out := mustRun(t, env, "status")
	assertContains(t, out, "Firewall is currently disabled, and there are no rules defined.",
		"Incoming:  deny", "Outgoing:  allow", "No rules defined.")

	out = mustRun(t, env, "firewall", "enable")
	assertContains(t, out, "Firewall is enabled")

	out = mustRun(t, env, "firewall", "enable")
	assertContains(t, out, "Firewall is enabled")

	out = mustRun(t, env, "firewall", "disable")
	assertContains(t, out, "currently disabled")
}

func TestCLI_Rules(t *testing.T) {
	env := newCLIEnv(t)
	startHelper(t, env)

	mustRun(t, env, "rules", "add", "--policy", "allow", "--protocol", "tcp", "--dport", "22")
	mustRun(t, env, "rules", "add", "--policy", "allow", "--protocol", "tcp", "--dport", "80", "--description", "web")

	if _, err := runCLI(t, env, "rules", "add", "--policy", "allow", "--protocol", "tcp", "--dport", "22"); err == nil ||
		!strings.Contains(err.Error(), "already exists") {
		t.Errorf("duplicate add error = %v", err)
	}
	if _, err := runCLI(t, env, "rules", "add", "--policy", "allow"); err == nil {
		t.Error("add without match fields succeeded")
	}
	if _, err := runCLI(t, env, "rules", "add", "--policy", "permit", "--dport", "1"); err == nil {
		t.Error("add with invalid policy succeeded")
	}

	out := mustRun(t, env, "rules", "list")
	assertContains(t, out, "port 22", "port 80", "web")
	if strings.Index(out, "port 22") > strings.Index(out, "port 80") {
		t.Errorf("rules out of order:\n%s", out)
	}

	out = mustRun(t, env, "rules", "move", "2", "1")
	assertContains(t, out, "Rule moved to position 1.")
	out = mustRun(t, env, "rules", "list")
	if strings.Index(out, "port 80") > strings.Index(out, "port 22") {
		t.Errorf("move not applied:\n%s", out)
	}

	out = mustRun(t, env, "rules", "edit", "2", "--description", "ssh")
	assertContains(t, out, "Rule 2 updated.")
	out = mustRun(t, env, "rules", "edit", "2", "--description", "ssh")
	assertContains(t, out, "Rule unchanged.")
	mustRun(t, env, "rules", "edit", "2", "--direction", "out", "--iface", "eth0")

	out = mustRun(t, env, "rules", "list", "--handles")
	assertContains(t, out, "HANDLE", "ssh", "eth0", "out")

	if _, err := runCLI(t, env, "rules", "remove", "1:bogus"); err == nil {
		t.Error("remove with a stale handle succeeded")
	}
	if _, err := runCLI(t, env, "rules", "remove", "9"); err == nil {
		t.Error("remove of a missing position succeeded")
	}
	mustRun(t, env, "rules", "remove", "1")

	out = mustRun(t, env, "rules", "list")
	if strings.Contains(out, "port 80") || !strings.Contains(out, "port 22") {
		t.Errorf("remove not applied:\n%s", out)
	}

	if _, err := runCLI(t, env, "rules", "move", "1", "1"); err == nil {
		t.Error("move onto itself succeeded")
	}
}

func TestCLI_DefaultsModulesReset(t *testing.T) {
	env := newCLIEnv(t)
	startHelper(t, env)

	out := mustRun(t, env, "defaults", "--incoming", "reject", "--level", "high")
	assertContains(t, out, "Incoming:  reject", "Logging:   high", "IPv6:      on")

	if _, err := runCLI(t, env, "defaults", "--outgoing", "limit"); err == nil {
		t.Error("limit accepted as a default policy")
	}

	mustRun(t, env, "rules", "add", "--policy", "allow", "--from", "2001:db8::/32")
	out = mustRun(t, env, "defaults", "--ipv6=false")
	assertContains(t, out, "IPv6:      off")
	out = mustRun(t, env, "rules", "list")
	assertContains(t, out, "No rules defined.")

	out = mustRun(t, env, "modules", "nf_conntrack_ftp", "nf_conntrack_irc")
	assertContains(t, out, "nf_conntrack_ftp", "nf_conntrack_irc")
	out = mustRun(t, env, "modules", "--clear")
	assertContains(t, out, "No modules enabled.")

	mustRun(t, env, "firewall", "enable")
	out = mustRun(t, env, "reset")
	assertContains(t, out, "currently disabled")
	out = mustRun(t, env, "defaults")
	assertContains(t, out, "Incoming:  deny", "IPv6:      on", "Logging:   low")
}

func TestCLI_Interfaces(t *testing.T) {
	env := newCLIEnv(t)
	startHelper(t, env)

	out := mustRun(t, env, "interfaces")
	if out != "eth0\nlo\n" {
		t.Errorf("interfaces = %q", out)
	}
}

func TestCLI_Profiles(t *testing.T) {
	env := newCLIEnv(t)
	startHelper(t, env)

	out := mustRun(t, env, "profiles", "list")
	assertContains(t, out, "No profiles.")

	mustRun(t, env, "rules", "add", "--policy", "allow", "--protocol", "tcp", "--dport", "443")
	mustRun(t, env, "profiles", "save", "work")

	out = mustRun(t, env, "profiles", "list")
	assertContains(t, out, "work", "system")

	out = mustRun(t, env, "profiles", "diff", "work")
	assertContains(t, out, "Profiles are identical.")

	if _, err := runCLI(t, env, "profiles", "save", "work"); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Errorf("save onto an existing name = %v", err)
	}
	mustRun(t, env, "profiles", "save", "--force", "work")

	exported := filepath.Join(env.dir, "export.fwprofile")
	mustRun(t, env, "profiles", "export", exported)
	mustRun(t, env, "profiles", "import", "mail", exported)
	if _, err := os.Stat(filepath.Join(env.profilesDir, "mail.fwprofile")); !os.IsNotExist(err) {
		t.Errorf("import wrote a local file: %v", err)
	}
	if _, err := runCLI(t, env, "profiles", "import", "mail", exported); err == nil {
		t.Error("import onto an existing name succeeded")
	}
	mustRun(t, env, "profiles", "import", "-f", "mail", exported)
	if _, err := runCLI(t, env, "profiles", "import", "bad/name", exported); err == nil {
		t.Error("import with '/' in the name succeeded")
	}
	out = mustRun(t, env, "profiles", "list")
	assertContains(t, out, "mail")

	data, err := os.ReadFile(exported)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(env.profilesDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(env.profilesDir, "laptop.fwprofile"), data, 0o644); err != nil {
		t.Fatal(err)
	}
	out = mustRun(t, env, "profiles", "list")
	assertContains(t, out, "laptop", "local")

	mustRun(t, env, "rules", "add", "--policy", "deny", "--dport", "25")
	out = mustRun(t, env, "profiles", "diff", "work")
	assertContains(t, out, "--- current", "+++ work", "25")

	out = mustRun(t, env, "profiles", "load", "work")
	assertContains(t, out, "(work)")
	out = mustRun(t, env, "rules", "list")
	if strings.Contains(out, "port 25") {
		t.Errorf("loading work kept the extra rule:\n%s", out)
	}

	mustRun(t, env, "profiles", "delete", "laptop")
	if _, err := os.Stat(filepath.Join(env.profilesDir, "laptop.fwprofile")); !os.IsNotExist(err) {
		t.Errorf("local profile file not removed: %v", err)
	}
	mustRun(t, env, "profiles", "delete", "work")
	mustRun(t, env, "profiles", "delete", "mail")
	out = mustRun(t, env, "profiles", "list")
	assertContains(t, out, "No profiles.")

	if _, err := runCLI(t, env, "profiles", "load", "missing"); err == nil {
		t.Error("loading an unknown profile succeeded")
	}
}

func TestCLI_ProfilesExportStdout(t *testing.T) {
	env := newCLIEnv(t)
	startHelper(t, env)

	mustRun(t, env, "rules", "add", "--policy", "allow", "--dport", "53")
	out := mustRun(t, env, "profiles", "export")
	p, err := ruleset.ParseProfile([]byte(out))
	if err != nil {
		t.Fatalf("exported profile does not parse: %v\n%s", err, out)
	}
	if p.HasStatus || !p.HasRules || p.RuleCount() != 1 {
		t.Errorf("exported profile = %+v", p)
	}
}

func TestDiffProfiles_IgnoresHashes(t *testing.T) {
	r := ruleset.Rule{Policy: ruleset.PolicyAllow, Incoming: true, Protocol: ruleset.ProtocolTCP, DestPort: "22"}
	a := ruleset.NewProfile(true, ruleset.LogLevelLow, ruleset.PolicyDeny, ruleset.PolicyAllow, []ruleset.Rule{r}, nil)
	r.Hash, r.Position = "abc", 1
	b := ruleset.NewProfile(true, ruleset.LogLevelLow, ruleset.PolicyDeny, ruleset.PolicyAllow, []ruleset.Rule{r}, nil)
	b.SystemOwned = true

	if d := diffProfiles("a", a, "b", b); d != "" {
		t.Errorf("diff of equal profiles = %q", d)
	}

	c := ruleset.NewProfile(true, ruleset.LogLevelLow, ruleset.PolicyReject, ruleset.PolicyAllow, []ruleset.Rule{r}, nil)
	d := diffProfiles("a", a, "c", c)
	assertContains(t, d, "--- a", "+++ c", "-", "+")
}
