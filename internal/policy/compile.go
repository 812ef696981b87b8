package policy

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/plexsphere/fwpanel/internal/ruleset"
)

// ErrApplicationRef is returned by CompileRule for rules that reference an
// application profile. Application profiles have no kernel form here.
var ErrApplicationRef = errors.New("policy: rule references an application profile")

// CompileRule translates r into one or more filter rules. A rule matching
// both protocols on a port, or listing several ports, expands into one filter
// rule per protocol and port combination.
func CompileRule(r ruleset.Rule) ([]FilterRule, error) {
	if r.SourceApp != "" || r.DestApp != "" {
		return nil, ErrApplicationRef
	}

	src, err := parseAddress(r.SourceAddress)
	if err != nil {
		return nil, fmt.Errorf("policy: source address: %w", err)
	}
	dst, err := parseAddress(r.DestAddress)
	if err != nil {
		return nil, fmt.Errorf("policy: destination address: %w", err)
	}
	if src.IsValid() && dst.IsValid() && src.Addr().Is4() != dst.Addr().Is4() {
		return nil, fmt.Errorf("policy: source %s and destination %s belong to different address families", src, dst)
	}

	sports, err := parsePorts(r.SourcePort)
	if err != nil {
		return nil, fmt.Errorf("policy: source port: %w", err)
	}
	dports, err := parsePorts(r.DestPort)
	if err != nil {
		return nil, fmt.Errorf("policy: destination port: %w", err)
	}

	base := FilterRule{
		Direction:   DirectionOutput,
		Interface:   r.Interface(),
		Source:      src,
		Destination: dst,
	}
	if r.Incoming {
		base.Direction = DirectionInput
	}

	switch r.Logging {
	case ruleset.LoggingNew:
		base.Log = LogNew
	case ruleset.LoggingAll:
		base.Log = LogAll
	}

	switch r.Policy {
	case ruleset.PolicyAllow:
		base.Verdict = VerdictAccept
	case ruleset.PolicyDeny:
		base.Verdict = VerdictDrop
	case ruleset.PolicyReject:
		base.Verdict = VerdictReject
	case ruleset.PolicyLimit:
		base.Verdict = VerdictAccept
		base.RateLimit = true
	default:
		return nil, fmt.Errorf("policy: unsupported rule policy %q", r.Policy)
	}

	hasPorts := !sports[0].Any() || !dports[0].Any()
	var protos []L4
	switch r.Protocol {
	case ruleset.ProtocolTCP:
		protos = []L4{L4TCP}
	case ruleset.ProtocolUDP:
		protos = []L4{L4UDP}
	default:
		if hasPorts {
			protos = []L4{L4TCP, L4UDP}
		} else {
			protos = []L4{L4Any}
		}
	}

	out := make([]FilterRule, 0, len(protos)*len(sports)*len(dports))
	for _, proto := range protos {
		for _, sp := range sports {
			for _, dp := range dports {
				fr := base
				fr.Protocol = proto
				fr.SourcePort = sp
				fr.DestPort = dp
				out = append(out, fr)
			}
		}
	}
	return out, nil
}

// Compile translates a full profile into a kernel table. Rules that
// reference application profiles are recorded in Table.Skipped; IPv6 rules
// are dropped when IPv6 is disabled.
func Compile(name string, p ruleset.Profile) (Table, error) {
	t := Table{
		Name:         name,
		InputPolicy:  defaultVerdict(p.DefaultIncoming),
		OutputPolicy: defaultVerdict(p.DefaultOutgoing),
		LogPolicy:    p.LogLevel != ruleset.LogLevelOff && p.LogLevel != "",
	}
	for i, r := range p.Rules() {
		position := r.Position
		if position == 0 {
			position = i + 1
		}
		frs, err := CompileRule(r)
		if errors.Is(err, ErrApplicationRef) {
			t.Skipped = append(t.Skipped, position)
			continue
		}
		if err != nil {
			return Table{}, fmt.Errorf("rule %d: %w", position, err)
		}
		for _, fr := range frs {
			if fr.IPv6() && !p.IPv6Enabled {
				continue
			}
			t.Rules = append(t.Rules, fr)
		}
	}
	return t, nil
}

func defaultVerdict(p ruleset.Policy) Verdict {
	switch p {
	case ruleset.PolicyAllow:
		return VerdictAccept
	case ruleset.PolicyReject:
		return VerdictReject
	default:
		return VerdictDrop
	}
}

// parseAddress accepts an address or a network in CIDR form. The empty
// string and "any" match every address.
func parseAddress(s string) (netip.Prefix, error) {
	if s == "" || s == "any" {
		return netip.Prefix{}, nil
	}
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	a = a.Unmap()
	return netip.PrefixFrom(a, a.BitLen()), nil
}

// parsePorts accepts "80", "1000:2000" and comma separated lists of either.
// The result is never empty; an absent spec yields a single any-port range.
func parsePorts(s string) ([]PortRange, error) {
	if s == "" || s == "any" {
		return []PortRange{{}}, nil
	}
	var out []PortRange
	for _, part := range strings.Split(s, ",") {
		first, last, isRange := strings.Cut(strings.TrimSpace(part), ":")
		lo, err := parsePort(first)
		if err != nil {
			return nil, err
		}
		hi := lo
		if isRange {
			if hi, err = parsePort(last); err != nil {
				return nil, err
			}
			if hi < lo {
				return nil, fmt.Errorf("invalid port range %q", part)
			}
		}
		out = append(out, PortRange{First: lo, Last: hi})
	}
	return out, nil
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return uint16(n), nil
}
