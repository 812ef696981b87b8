package policy

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/plexsphere/fwpanel/internal/ruleset"
)

// mockFirewallController records method calls and returns configurable errors.
type mockFirewallController struct {
	mu           sync.Mutex
	replaceCalls []Table
	deleteCalls  []string

	replaceErr error
	deleteErr  error
}

func (m *mockFirewallController) Replace(t Table) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replaceCalls = append(m.replaceCalls, t)
	return m.replaceErr
}

func (m *mockFirewallController) Delete(table string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteCalls = append(m.deleteCalls, table)
	return m.deleteErr
}

func sshProfile(enabled bool) ruleset.Profile {
	rule := ruleset.Rule{Policy: ruleset.PolicyAllow, Incoming: true, Protocol: ruleset.ProtocolTCP, DestPort: "22"}.Normalize()
	return ruleset.NewProfile(true, ruleset.LogLevelLow, ruleset.PolicyDeny, ruleset.PolicyAllow,
		[]ruleset.Rule{rule}, nil).WithStatus(enabled)
}

func TestEnforcer_ApplyEnabled(t *testing.T) {
	fw := &mockFirewallController{}
	enf := NewEnforcer(fw, Config{}, discardLogger())

	if err := enf.Apply(context.Background(), sshProfile(true)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(fw.replaceCalls) != 1 {
		t.Fatalf("Replace called %d times, want 1", len(fw.replaceCalls))
	}
	got := fw.replaceCalls[0]
	if got.Name != DefaultTableName || len(got.Rules) != 1 || got.InputPolicy != VerdictDrop {
		t.Errorf("Replace table = %+v", got)
	}
	if len(fw.deleteCalls) != 0 {
		t.Errorf("Delete called for an enabled firewall")
	}
}

func TestEnforcer_ApplyDisabledDeletesTable(t *testing.T) {
	fw := &mockFirewallController{}
	enf := NewEnforcer(fw, Config{}, discardLogger())

	if err := enf.Apply(context.Background(), sshProfile(false)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(fw.deleteCalls) != 1 || fw.deleteCalls[0] != DefaultTableName {
		t.Errorf("deleteCalls = %v", fw.deleteCalls)
	}
	if len(fw.replaceCalls) != 0 {
		t.Errorf("Replace called for a disabled firewall")
	}
}

func TestEnforcer_EnforcementOff(t *testing.T) {
	fw := &mockFirewallController{}
	enf := NewEnforcer(fw, Config{Enabled: false, TableName: "t"}, discardLogger())

	if err := enf.Apply(context.Background(), sshProfile(true)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := enf.Teardown(); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	if len(fw.replaceCalls)+len(fw.deleteCalls) != 0 {
		t.Error("controller touched with enforcement off")
	}
}

func TestEnforcer_NilFirewall(t *testing.T) {
	enf := NewEnforcer(nil, Config{}, discardLogger())
	if err := enf.Apply(context.Background(), sshProfile(true)); err != nil {
		t.Fatalf("Apply with nil firewall: %v", err)
	}
	if err := enf.Teardown(); err != nil {
		t.Fatalf("Teardown with nil firewall: %v", err)
	}
}

func TestEnforcer_ErrorsWrapped(t *testing.T) {
	sentinel := errors.New("netlink gone")
	fw := &mockFirewallController{replaceErr: sentinel, deleteErr: sentinel}
	enf := NewEnforcer(fw, Config{}, discardLogger())

	err := enf.Apply(context.Background(), sshProfile(true))
	if !errors.Is(err, sentinel) || !strings.HasPrefix(err.Error(), "policy: enforce:") {
		t.Errorf("Apply error = %v", err)
	}
	err = enf.Teardown()
	if !errors.Is(err, sentinel) || !strings.HasPrefix(err.Error(), "policy: teardown:") {
		t.Errorf("Teardown error = %v", err)
	}
}

func TestEnforcer_CancelledContext(t *testing.T) {
	fw := &mockFirewallController{}
	enf := NewEnforcer(fw, Config{}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := enf.Apply(ctx, sshProfile(true)); !errors.Is(err, context.Canceled) {
		t.Errorf("Apply error = %v, want context.Canceled", err)
	}
	if len(fw.replaceCalls) != 0 {
		t.Error("Replace called after cancellation")
	}
}
