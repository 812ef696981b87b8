package ruleset

import (
	"encoding/xml"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Rule describes one firewall rule. A Rule is a value: copies are
// independent and nothing in this package mutates a Rule in place.
type Rule struct {
	Policy   Policy
	Incoming bool
	Logging  Logging
	Protocol Protocol

	Description string

	// Hash is the backend-assigned identity token. Empty until the rule has
	// been persisted by the helper.
	Hash string

	SourceAddress string
	SourcePort    string
	DestAddress   string
	DestPort      string

	// InterfaceIn is used by incoming rules, InterfaceOut by outgoing ones.
	InterfaceIn  string
	InterfaceOut string

	SourceApp string
	DestApp   string

	// Position is the 1-based ordinal in the backend rule list; 0 means the
	// rule has not been placed yet.
	Position int
}

// Normalize fills absent enumerations with their defaults and trims
// whitespace from the textual match fields.
func (r Rule) Normalize() Rule {
	if r.Policy == "" {
		r.Policy = PolicyDeny
	}
	if r.Logging == "" {
		r.Logging = LoggingOff
	}
	if r.Protocol == "" {
		r.Protocol = ProtocolBoth
	}
	r.Description = xmlText(r.Description)
	for _, f := range r.matchFields() {
		*f = strings.TrimSpace(xmlText(*f))
	}
	return r
}

func (r *Rule) matchFields() []*string {
	return []*string{
		&r.SourceAddress, &r.SourcePort, &r.DestAddress, &r.DestPort,
		&r.InterfaceIn, &r.InterfaceOut, &r.SourceApp, &r.DestApp,
	}
}

// xmlText drops invalid UTF-8 and runes XML 1.0 cannot carry, which the
// encoder would otherwise replace with U+FFFD.
func xmlText(s string) string {
	s = strings.ToValidUTF8(s, "")
	return strings.Map(func(c rune) rune {
		if isXMLChar(c) {
			return c
		}
		return -1
	}, s)
}

func isXMLChar(c rune) bool {
	return c == 0x09 || c == 0x0A || c == 0x0D ||
		c >= 0x20 && c <= 0xD7FF ||
		c >= 0xE000 && c <= 0xFFFD ||
		c >= 0x10000 && c <= 0x10FFFF
}

// IPv6 reports whether either address is an IPv6 address or network.
func (r Rule) IPv6() bool {
	return strings.Contains(r.SourceAddress, ":") || strings.Contains(r.DestAddress, ":")
}

// Interface returns the interface that applies to the rule's direction.
func (r Rule) Interface() string {
	if r.Incoming {
		return r.InterfaceIn
	}
	return r.InterfaceOut
}

// HasMatch reports whether the rule matches on at least one field beyond
// direction and protocol.
func (r Rule) HasMatch() bool {
	return r.SourceAddress != "" || r.SourcePort != "" ||
		r.DestAddress != "" || r.DestPort != "" ||
		r.InterfaceIn != "" || r.InterfaceOut != "" ||
		r.SourceApp != "" || r.DestApp != ""
}

// Validate checks the enumerations and that the rule matches something.
func (r Rule) Validate() error {
	if !r.Policy.Valid() {
		return fmt.Errorf("ruleset: rule: invalid policy %q", r.Policy)
	}
	if !r.Logging.Valid() {
		return fmt.Errorf("ruleset: rule: invalid logging %q", r.Logging)
	}
	if !r.Protocol.Valid() {
		return fmt.Errorf("ruleset: rule: invalid protocol %q", r.Protocol)
	}
	if !r.HasMatch() {
		return ErrEmptyMatch
	}
	if xmlText(r.Description) != r.Description {
		return errors.New("ruleset: rule: description contains characters that cannot be stored")
	}
	for _, f := range r.matchFields() {
		if xmlText(*f) != *f {
			return errors.New("ruleset: rule: match field contains characters that cannot be stored")
		}
	}
	return nil
}

// ErrEmptyMatch is returned by Validate for a rule without match fields.
var ErrEmptyMatch = errors.New("ruleset: rule: no address, port, interface or application given")

// ContentEqual reports whether r and o match the same traffic: direction,
// protocol, addresses, ports, interfaces and application references are
// equal. Position, description and hash are ignored.
func (r Rule) ContentEqual(o Rule) bool {
	return r.Incoming == o.Incoming &&
		r.Protocol == o.Protocol &&
		r.SourceAddress == o.SourceAddress &&
		r.SourcePort == o.SourcePort &&
		r.DestAddress == o.DestAddress &&
		r.DestPort == o.DestPort &&
		r.InterfaceIn == o.InterfaceIn &&
		r.InterfaceOut == o.InterfaceOut &&
		r.SourceApp == o.SourceApp &&
		r.DestApp == o.DestApp
}

// Equal reports whether r and o are identical apart from their position and
// backend hash.
func (r Rule) Equal(o Rule) bool {
	return r.ContentEqual(o) &&
		r.Policy == o.Policy &&
		r.Logging == o.Logging &&
		r.Description == o.Description
}

// OnlyDescriptionChanged reports whether o differs from r in its
// description and nothing else.
func (r Rule) OnlyDescriptionChanged(o Rule) bool {
	return r.ContentEqual(o) &&
		r.Policy == o.Policy &&
		r.Logging == o.Logging &&
		r.Description != o.Description
}

// Edit classifies the change from one rule to another.
type Edit int

const (
	EditNone Edit = iota
	EditDescription
	EditFull
)

// EditKind classifies the edit that turns old into updated.
func EditKind(old, updated Rule) Edit {
	switch {
	case old.Equal(updated):
		return EditNone
	case old.OnlyDescriptionChanged(updated):
		return EditDescription
	default:
		return EditFull
	}
}

type xmlRule struct {
	XMLName      xml.Name `xml:"rule"`
	Position     int      `xml:"position,attr,omitempty"`
	Action       string   `xml:"action,attr"`
	Direction    string   `xml:"direction,attr"`
	Logging      string   `xml:"logtype,attr,omitempty"`
	Protocol     string   `xml:"protocol,attr,omitempty"`
	Description  string   `xml:"descr,attr,omitempty"`
	Hash         string   `xml:"hash,attr,omitempty"`
	Dst          string   `xml:"dst,attr,omitempty"`
	DPort        string   `xml:"dport,attr,omitempty"`
	Src          string   `xml:"src,attr,omitempty"`
	SPort        string   `xml:"sport,attr,omitempty"`
	InterfaceIn  string   `xml:"interface_in,attr,omitempty"`
	InterfaceOut string   `xml:"interface_out,attr,omitempty"`
	DApp         string   `xml:"dapp,attr,omitempty"`
	SApp         string   `xml:"sapp,attr,omitempty"`
	V6           bool     `xml:"v6,attr,omitempty"`
}

func (r Rule) toXML() xmlRule {
	r = r.Normalize()
	dir := "out"
	if r.Incoming {
		dir = "in"
	}
	return xmlRule{
		Position:     r.Position,
		Action:       string(r.Policy),
		Direction:    dir,
		Logging:      string(r.Logging),
		Protocol:     string(r.Protocol),
		Description:  r.Description,
		Hash:         r.Hash,
		Dst:          r.DestAddress,
		DPort:        r.DestPort,
		Src:          r.SourceAddress,
		SPort:        r.SourcePort,
		InterfaceIn:  r.InterfaceIn,
		InterfaceOut: r.InterfaceOut,
		DApp:         r.DestApp,
		SApp:         r.SourceApp,
		V6:           r.IPv6(),
	}
}

func (x xmlRule) toRule() (Rule, error) {
	policy, err := ParsePolicy(x.Action)
	if err != nil {
		return Rule{}, err
	}
	logging, err := ParseLogging(x.Logging)
	if err != nil {
		return Rule{}, err
	}
	proto, err := ParseProtocol(x.Protocol)
	if err != nil {
		return Rule{}, err
	}
	var incoming bool
	switch x.Direction {
	case "in":
		incoming = true
	case "out":
	default:
		return Rule{}, fmt.Errorf("invalid direction %q", x.Direction)
	}
	if x.Position < 0 {
		return Rule{}, fmt.Errorf("invalid position %d", x.Position)
	}
	r := Rule{
		Policy:        policy,
		Incoming:      incoming,
		Logging:       logging,
		Protocol:      proto,
		Description:   x.Description,
		Hash:          x.Hash,
		SourceAddress: x.Src,
		SourcePort:    x.SPort,
		DestAddress:   x.Dst,
		DestPort:      x.DPort,
		InterfaceIn:   x.InterfaceIn,
		InterfaceOut:  x.InterfaceOut,
		SourceApp:     x.SApp,
		DestApp:       x.DApp,
		Position:      x.Position,
	}
	return r.Normalize(), nil
}

// XML returns the serialized <rule> element for r.
func (r Rule) XML() string {
	// Marshal cannot fail for a struct of string, int and bool attributes.
	b, _ := xml.Marshal(r.toXML())
	return string(b)
}

// ParseRule parses a single serialized <rule> element.
func ParseRule(text string) (Rule, error) {
	var x xmlRule
	if err := xml.Unmarshal([]byte(text), &x); err != nil {
		return Rule{}, &ParseError{Kind: "rule", Err: err}
	}
	r, err := x.toRule()
	if err != nil {
		return Rule{}, &ParseError{Kind: "rule", Err: err}
	}
	return r, nil
}

// Handle returns the "<position>:<hash>" token used to address a rule for
// removal.
func (r Rule) Handle() string {
	return fmt.Sprintf("%d:%s", r.Position, r.Hash)
}

// ParseHandle splits a "<position>:<hash>" token.
func ParseHandle(s string) (position int, hash string, err error) {
	pos, hash, ok := strings.Cut(s, ":")
	if !ok {
		return 0, "", fmt.Errorf("ruleset: handle %q: missing ':'", s)
	}
	position, err = strconv.Atoi(pos)
	if err != nil || position < 1 {
		return 0, "", fmt.Errorf("ruleset: handle %q: invalid position", s)
	}
	return position, hash, nil
}
