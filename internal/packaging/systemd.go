package packaging

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

type systemctl struct{}

// NewSystemdController returns a SystemdController backed by systemctl.
func NewSystemdController() SystemdController {
	return systemctl{}
}

func (systemctl) IsAvailable() bool {
	_, err := exec.LookPath("systemctl")
	return err == nil
}

func (s systemctl) DaemonReload() error { return s.run("daemon-reload") }

func (s systemctl) EnableNow(service string) error { return s.run("enable", "--now", service) }

func (s systemctl) Disable(service string) error { return s.run("disable", service) }

func (s systemctl) Stop(service string) error { return s.run("stop", service) }

func (systemctl) IsActive(service string) bool {
	return exec.Command("systemctl", "is-active", "--quiet", service).Run() == nil
}

func (systemctl) run(args ...string) error {
	out, err := exec.Command("systemctl", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("packaging: systemctl %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return nil
}

type euidChecker struct{}

// NewRootChecker returns a RootChecker that inspects the effective UID.
func NewRootChecker() RootChecker {
	return euidChecker{}
}

func (euidChecker) IsRoot() bool {
	return os.Geteuid() == 0
}
