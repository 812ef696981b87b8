package policy

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/plexsphere/fwpanel/internal/ruleset"
)

// Verdict is the action a filter rule or chain policy takes.
type Verdict int

const (
	VerdictAccept Verdict = iota
	VerdictDrop
	VerdictReject
)

func (v Verdict) String() string {
	switch v {
	case VerdictAccept:
		return "accept"
	case VerdictDrop:
		return "drop"
	case VerdictReject:
		return "reject"
	}
	return fmt.Sprintf("Verdict(%d)", int(v))
}

// Direction selects the base chain a rule is placed in.
type Direction int

const (
	DirectionInput Direction = iota
	DirectionOutput
)

// L4 is the transport protocol a filter rule matches.
type L4 int

const (
	L4Any L4 = iota
	L4TCP
	L4UDP
)

// LogMode controls whether matching packets are logged.
type LogMode int

const (
	LogNone LogMode = iota
	LogNew
	LogAll
)

// PortRange is an inclusive port range. The zero value matches any port.
type PortRange struct {
	First, Last uint16
}

// Any reports whether r matches every port.
func (r PortRange) Any() bool { return r.First == 0 && r.Last == 0 }

// FilterRule is one kernel-level packet filter rule compiled from a
// ruleset.Rule. A zero Prefix matches any address.
type FilterRule struct {
	Direction   Direction
	Interface   string
	Source      netip.Prefix
	Destination netip.Prefix
	Protocol    L4
	SourcePort  PortRange
	DestPort    PortRange
	Log         LogMode
	RateLimit   bool
	Verdict     Verdict
}

// IPv6 reports whether the rule matches IPv6 addresses only.
func (r FilterRule) IPv6() bool {
	return (r.Source.IsValid() && r.Source.Addr().Is6()) ||
		(r.Destination.IsValid() && r.Destination.Addr().Is6())
}

// IPv4 reports whether the rule matches IPv4 addresses only.
func (r FilterRule) IPv4() bool {
	return (r.Source.IsValid() && r.Source.Addr().Is4()) ||
		(r.Destination.IsValid() && r.Destination.Addr().Is4())
}

// Table is a complete compiled ruleset for one kernel table.
type Table struct {
	Name         string
	InputPolicy  Verdict
	OutputPolicy Verdict
	// LogPolicy logs packets that fall through to a drop or reject policy.
	LogPolicy bool
	Rules     []FilterRule
	// Skipped lists the rules that have no kernel form, by position.
	Skipped []int
}

// FirewallController abstracts kernel packet filter operations for
// testability.
type FirewallController interface {
	// Replace atomically replaces the named table with t.
	Replace(t Table) error
	// Delete removes the named table. Implementations must be idempotent:
	// deleting a table that does not exist must return nil.
	Delete(table string) error
}

// Applier applies a full firewall profile to the running system.
type Applier interface {
	Apply(ctx context.Context, p ruleset.Profile) error
}
