package cmd

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

func TestRootCommand_Help(t *testing.T) {
	out, _ := runCLI(t, nil)
	if !strings.Contains(out, "fwpanel") {
		t.Errorf("help output should contain 'fwpanel', got: %s", out)
	}
	if !strings.Contains(out, "privileged helper") {
		t.Errorf("help output should describe the helper, got: %s", out)
	}
	for _, sub := range []string{"helper", "status", "rules", "firewall", "defaults", "modules", "reset", "interfaces", "profiles", "install", "uninstall"} {
		if !strings.Contains(out, sub) {
			t.Errorf("help output should list %q", sub)
		}
	}
}

func TestRootCommand_Version(t *testing.T) {
	SetVersionInfo("1.2.3", "abc123", "2026-01-01")

	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs([]string{"--version"})
	_ = rootCmd.Execute()

	output := buf.String()
	for _, want := range []string{"1.2.3", "abc123", "2026-01-01"} {
		if !strings.Contains(output, want) {
			t.Errorf("version output should contain %q, got: %s", want, output)
		}
	}
}

func TestSetupLogger(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "bogus"} {
		if setupLogger(level) == nil {
			t.Errorf("setupLogger(%q) = nil", level)
		}
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	env := newCLIEnv(t)
	resetFlags(rootCmd)
	cfgFile = env.config
	socketPath = "/tmp/override.sock"
	t.Cleanup(func() { resetFlags(rootCmd) })

	cfg, err := loadConfig(interactiveLogLevel)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Helper.SocketPath != "/tmp/override.sock" || cfg.Channel.SocketPath != "/tmp/override.sock" {
		t.Errorf("socket override not applied: helper %q channel %q", cfg.Helper.SocketPath, cfg.Channel.SocketPath)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn", cfg.LogLevel)
	}

	logLevel = "debug"
	cfg, err = loadConfig(interactiveLogLevel)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want the flag value", cfg.LogLevel)
	}
}

func TestUninstall_RequiresRoot(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("running as root would touch the real system")
	}
	_, err := runCLI(t, nil, "uninstall")
	if err == nil || !strings.Contains(err.Error(), "fwpanel uninstall") || !strings.Contains(err.Error(), "root privileges") {
		t.Errorf("uninstall as non-root = %v", err)
	}
}
