package ruleset

import (
	"encoding/xml"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Default values for the firewall-wide settings, used by Reset and when a
// defaults section omits an attribute.
const (
	DefaultLogLevel = LogLevelLow
	DefaultIncoming = PolicyDeny
	DefaultOutgoing = PolicyAllow
	DefaultIPv6     = true
)

// Profile is a possibly partial snapshot of firewall configuration. The Has*
// flags record which sections are present; absent sections carry zero values
// and must not be acted upon.
//
// A Profile is immutable once constructed: accessors return copies, and the
// With* helpers return a new Profile.
type Profile struct {
	Enabled         bool
	IPv6Enabled     bool
	LogLevel        LogLevel
	DefaultIncoming Policy
	DefaultOutgoing Policy

	modules []string
	rules   []Rule

	// SystemOwned is true when the helper's registry, not a local file,
	// owns the profile's lifecycle.
	SystemOwned bool

	HasStatus   bool
	HasDefaults bool
	HasModules  bool
	HasRules    bool
}

// Defaults is a partial update of the firewall-wide defaults. Nil fields are
// left unchanged.
type Defaults struct {
	IPv6     *bool
	LogLevel *LogLevel
	Incoming *Policy
	Outgoing *Policy
}

// IsEmpty reports whether no field is set.
func (d Defaults) IsEmpty() bool {
	return d.IPv6 == nil && d.LogLevel == nil && d.Incoming == nil && d.Outgoing == nil
}

// Validate checks every set field.
func (d Defaults) Validate() error {
	if d.LogLevel != nil && !d.LogLevel.Valid() {
		return fmt.Errorf("ruleset: defaults: invalid log level %q", *d.LogLevel)
	}
	if d.Incoming != nil && !d.Incoming.ValidDefault() {
		return fmt.Errorf("ruleset: defaults: invalid incoming policy %q", *d.Incoming)
	}
	if d.Outgoing != nil && !d.Outgoing.ValidDefault() {
		return fmt.Errorf("ruleset: defaults: invalid outgoing policy %q", *d.Outgoing)
	}
	return nil
}

// NewProfile builds a full snapshot (defaults, modules and rules present,
// status absent), the shape used when capturing the current configuration
// for saving, exporting or comparison.
func NewProfile(ipv6 bool, level LogLevel, incoming, outgoing Policy, rules []Rule, modules []string) Profile {
	return Profile{
		IPv6Enabled:     ipv6,
		LogLevel:        level,
		DefaultIncoming: incoming,
		DefaultOutgoing: outgoing,
		modules:         normalizeModules(modules),
		rules:           slices.Clone(rules),
		HasDefaults:     true,
		HasModules:      true,
		HasRules:        true,
	}
}

// DefaultProfile returns the configuration a freshly reset firewall has.
func DefaultProfile() Profile {
	p := NewProfile(DefaultIPv6, DefaultLogLevel, DefaultIncoming, DefaultOutgoing, nil, nil)
	p.HasStatus = true
	return p
}

// Modules returns a copy of the sorted module set.
func (p Profile) Modules() []string { return slices.Clone(p.modules) }

// Rules returns a copy of the ordered rule list.
func (p Profile) Rules() []Rule { return slices.Clone(p.rules) }

// RuleCount returns the number of rules without copying them.
func (p Profile) RuleCount() int { return len(p.rules) }

// WithRules returns a copy of p with the given rules and HasRules set.
func (p Profile) WithRules(rules []Rule) Profile {
	p.rules = slices.Clone(rules)
	p.HasRules = true
	return p
}

// WithModules returns a copy of p with the given module set and HasModules set.
func (p Profile) WithModules(modules []string) Profile {
	p.modules = normalizeModules(modules)
	p.HasModules = true
	return p
}

// WithStatus returns a copy of p with the given status and HasStatus set.
func (p Profile) WithStatus(enabled bool) Profile {
	p.Enabled = enabled
	p.HasStatus = true
	return p
}

// WithDefaults returns a copy of p with d applied and HasDefaults set.
// Fields d leaves nil take p's current values, or the package defaults when p
// had no defaults section.
func (p Profile) WithDefaults(d Defaults) Profile {
	if !p.HasDefaults {
		p.IPv6Enabled = DefaultIPv6
		p.LogLevel = DefaultLogLevel
		p.DefaultIncoming = DefaultIncoming
		p.DefaultOutgoing = DefaultOutgoing
	}
	if d.IPv6 != nil {
		p.IPv6Enabled = *d.IPv6
	}
	if d.LogLevel != nil {
		p.LogLevel = *d.LogLevel
	}
	if d.Incoming != nil {
		p.DefaultIncoming = *d.Incoming
	}
	if d.Outgoing != nil {
		p.DefaultOutgoing = *d.Outgoing
	}
	p.HasDefaults = true
	return p
}

// Defaults returns the full defaults of p as an update.
func (p Profile) Defaults() Defaults {
	ipv6, level, in, out := p.IPv6Enabled, p.LogLevel, p.DefaultIncoming, p.DefaultOutgoing
	return Defaults{IPv6: &ipv6, LogLevel: &level, Incoming: &in, Outgoing: &out}
}

// IsEmpty reports whether the profile carries no applicable section.
func (p Profile) IsEmpty() bool {
	return !p.HasModules && !p.HasDefaults && !p.HasRules
}

// Equal reports whether p and o describe the same active configuration:
// IPv6 support, log level, default policies, module set and the ordered
// rule list. Status, ownership and presence flags are ignored.
func (p Profile) Equal(o Profile) bool {
	if p.IPv6Enabled != o.IPv6Enabled ||
		p.LogLevel != o.LogLevel ||
		p.DefaultIncoming != o.DefaultIncoming ||
		p.DefaultOutgoing != o.DefaultOutgoing {
		return false
	}
	if !slices.Equal(p.modules, o.modules) {
		return false
	}
	return slices.EqualFunc(p.rules, o.rules, Rule.Equal)
}

// HasIPv6Rules reports whether any rule addresses IPv6.
func (p Profile) HasIPv6Rules() bool {
	return slices.ContainsFunc(p.rules, Rule.IPv6)
}

func normalizeModules(modules []string) []string {
	out := make([]string, 0, len(modules))
	for _, m := range modules {
		if m = strings.TrimSpace(m); m != "" {
			out = append(out, m)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// ---------------------------------------------------------------------------
// XML form
// ---------------------------------------------------------------------------

type xmlStatus struct {
	Enabled bool `xml:"enabled,attr"`
}

type xmlDefaults struct {
	XMLName  xml.Name `xml:"defaults"`
	IPv6     string   `xml:"ipv6,attr,omitempty"`
	LogLevel string   `xml:"loglevel,attr,omitempty"`
	Incoming string   `xml:"incoming,attr,omitempty"`
	Outgoing string   `xml:"outgoing,attr,omitempty"`
}

type xmlModules struct {
	XMLName xml.Name `xml:"modules"`
	Enabled string   `xml:"enabled,attr"`
}

type xmlRules struct {
	Count int       `xml:"count,attr"`
	Rules []xmlRule `xml:"rule"`
}

type xmlProfile struct {
	XMLName  xml.Name     `xml:"firewall"`
	Status   *xmlStatus   `xml:"status"`
	Defaults *xmlDefaults `xml:"defaults"`
	Modules  *xmlModules  `xml:"modules"`
	Rules    *xmlRules    `xml:"rules"`
}

func (d Defaults) toXML() xmlDefaults {
	var x xmlDefaults
	if d.IPv6 != nil {
		x.IPv6 = yesNo(*d.IPv6)
	}
	if d.LogLevel != nil {
		x.LogLevel = string(*d.LogLevel)
	}
	if d.Incoming != nil {
		x.Incoming = string(*d.Incoming)
	}
	if d.Outgoing != nil {
		x.Outgoing = string(*d.Outgoing)
	}
	return x
}

func (x xmlDefaults) toDefaults() (Defaults, error) {
	var d Defaults
	if x.IPv6 != "" {
		v, err := parseYesNo(x.IPv6)
		if err != nil {
			return Defaults{}, fmt.Errorf("ipv6: %w", err)
		}
		d.IPv6 = &v
	}
	if x.LogLevel != "" {
		l, err := ParseLogLevel(x.LogLevel)
		if err != nil {
			return Defaults{}, err
		}
		d.LogLevel = &l
	}
	if x.Incoming != "" {
		p, err := ParsePolicy(x.Incoming)
		if err != nil {
			return Defaults{}, err
		}
		d.Incoming = &p
	}
	if x.Outgoing != "" {
		p, err := ParsePolicy(x.Outgoing)
		if err != nil {
			return Defaults{}, err
		}
		d.Outgoing = &p
	}
	return d, d.Validate()
}

// XML returns the serialized <defaults> fragment carrying only the set fields.
func (d Defaults) XML() string {
	b, _ := xml.Marshal(d.toXML())
	return string(b)
}

// ParseDefaults parses a <defaults> fragment.
func ParseDefaults(text string) (Defaults, error) {
	var x xmlDefaults
	if err := xml.Unmarshal([]byte(text), &x); err != nil {
		return Defaults{}, &ParseError{Kind: "defaults", Err: err}
	}
	d, err := x.toDefaults()
	if err != nil {
		return Defaults{}, &ParseError{Kind: "defaults", Err: err}
	}
	if d.IsEmpty() {
		return Defaults{}, &ParseError{Kind: "defaults", Err: errors.New("no attribute set")}
	}
	return d, nil
}

// DefaultsXML returns the complete <defaults> fragment of p.
func (p Profile) DefaultsXML() string {
	return p.Defaults().XML()
}

// ModulesXML returns the minimal <modules> fragment of p, used when only the
// module set changes.
func (p Profile) ModulesXML() string {
	return ModulesXML(p.modules)
}

// ModulesXML serializes a module set as a <modules> fragment.
func ModulesXML(modules []string) string {
	b, _ := xml.Marshal(xmlModules{Enabled: strings.Join(normalizeModules(modules), " ")})
	return string(b)
}

// ParseModules parses a <modules> fragment into a sorted module set.
func ParseModules(text string) ([]string, error) {
	var x xmlModules
	if err := xml.Unmarshal([]byte(text), &x); err != nil {
		return nil, &ParseError{Kind: "modules", Err: err}
	}
	return normalizeModules(strings.Fields(x.Enabled)), nil
}

// XML serializes p. Absent sections are omitted.
func (p Profile) XML() string {
	var x xmlProfile
	if p.HasStatus {
		x.Status = &xmlStatus{Enabled: p.Enabled}
	}
	if p.HasDefaults {
		d := p.Defaults().toXML()
		x.Defaults = &d
	}
	if p.HasModules {
		x.Modules = &xmlModules{Enabled: strings.Join(p.modules, " ")}
	}
	if p.HasRules {
		rs := &xmlRules{Count: len(p.rules), Rules: make([]xmlRule, 0, len(p.rules))}
		for _, r := range p.rules {
			rs.Rules = append(rs.Rules, r.toXML())
		}
		x.Rules = rs
	}
	b, _ := xml.MarshalIndent(x, "", "  ")
	return xml.Header + string(b) + "\n"
}

// ParseProfile parses a serialized profile. Sections missing from data leave
// the corresponding Has* flag false. SystemOwned is always false; callers
// that know the source set it.
func ParseProfile(data []byte) (Profile, error) {
	var x xmlProfile
	if err := xml.Unmarshal(data, &x); err != nil {
		return Profile{}, &ParseError{Kind: "profile", Err: err}
	}
	var p Profile
	if x.Status != nil {
		p = p.WithStatus(x.Status.Enabled)
	}
	if x.Defaults != nil {
		d, err := x.Defaults.toDefaults()
		if err != nil {
			return Profile{}, &ParseError{Kind: "profile", Err: fmt.Errorf("defaults: %w", err)}
		}
		p = p.WithDefaults(d)
	}
	if x.Modules != nil {
		p = p.WithModules(strings.Fields(x.Modules.Enabled))
	}
	if x.Rules != nil {
		if x.Rules.Count != len(x.Rules.Rules) {
			return Profile{}, &ParseError{Kind: "profile", Err: fmt.Errorf("rule count %d does not match %d rule elements", x.Rules.Count, len(x.Rules.Rules))}
		}
		rules := make([]Rule, 0, len(x.Rules.Rules))
		hashes := make(map[string]struct{}, len(x.Rules.Rules))
		for i, xr := range x.Rules.Rules {
			r, err := xr.toRule()
			if err != nil {
				return Profile{}, &ParseError{Kind: "profile", Err: fmt.Errorf("rule %d: %w", i+1, err)}
			}
			if r.Hash != "" {
				if _, dup := hashes[r.Hash]; dup {
					return Profile{}, &ParseError{Kind: "profile", Err: fmt.Errorf("rule %d: duplicate hash %q", i+1, r.Hash)}
				}
				hashes[r.Hash] = struct{}{}
			}
			rules = append(rules, r)
		}
		p = p.WithRules(rules)
	}
	return p, nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func parseYesNo(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "yes", "true":
		return true, nil
	case "no", "false":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", s)
}
