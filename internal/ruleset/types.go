// Package ruleset models firewall rules and profiles and their XML wire form.
package ruleset

import "fmt"

// Policy is the action applied to traffic matching a rule.
type Policy string

const (
	PolicyAllow  Policy = "allow"
	PolicyDeny   Policy = "deny"
	PolicyReject Policy = "reject"
	PolicyLimit  Policy = "limit"
)

// Valid reports whether p is a known rule policy.
func (p Policy) Valid() bool {
	switch p {
	case PolicyAllow, PolicyDeny, PolicyReject, PolicyLimit:
		return true
	}
	return false
}

// ValidDefault reports whether p may be used as a default incoming or
// outgoing policy. Limit only exists per rule.
func (p Policy) ValidDefault() bool {
	return p.Valid() && p != PolicyLimit
}

// ParsePolicy converts s into a Policy.
func ParsePolicy(s string) (Policy, error) {
	p := Policy(s)
	if !p.Valid() {
		return "", fmt.Errorf("invalid policy %q", s)
	}
	return p, nil
}

// Logging is the per-rule logging mode.
type Logging string

const (
	LoggingOff Logging = "off"
	LoggingNew Logging = "new"
	LoggingAll Logging = "all"
)

// Valid reports whether l is a known logging mode.
func (l Logging) Valid() bool {
	switch l {
	case LoggingOff, LoggingNew, LoggingAll:
		return true
	}
	return false
}

// ParseLogging converts s into a Logging mode. The empty string means off.
func ParseLogging(s string) (Logging, error) {
	if s == "" {
		return LoggingOff, nil
	}
	l := Logging(s)
	if !l.Valid() {
		return "", fmt.Errorf("invalid logging mode %q", s)
	}
	return l, nil
}

// Protocol is the transport protocol a rule matches.
type Protocol string

const (
	ProtocolTCP  Protocol = "tcp"
	ProtocolUDP  Protocol = "udp"
	ProtocolBoth Protocol = "both"
)

// Valid reports whether p is a known protocol.
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolTCP, ProtocolUDP, ProtocolBoth:
		return true
	}
	return false
}

// ParseProtocol converts s into a Protocol. The empty string means both.
func ParseProtocol(s string) (Protocol, error) {
	if s == "" {
		return ProtocolBoth, nil
	}
	p := Protocol(s)
	if !p.Valid() {
		return "", fmt.Errorf("invalid protocol %q", s)
	}
	return p, nil
}

// LogLevel is the firewall-wide logging level.
type LogLevel string

const (
	LogLevelOff    LogLevel = "off"
	LogLevelLow    LogLevel = "low"
	LogLevelMedium LogLevel = "medium"
	LogLevelHigh   LogLevel = "high"
	LogLevelFull   LogLevel = "full"
)

// Valid reports whether l is a known log level.
func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelOff, LogLevelLow, LogLevelMedium, LogLevelHigh, LogLevelFull:
		return true
	}
	return false
}

// ParseLogLevel converts s into a LogLevel.
func ParseLogLevel(s string) (LogLevel, error) {
	l := LogLevel(s)
	if !l.Valid() {
		return "", fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}

// ParseError reports a malformed serialized rule, profile or fragment.
type ParseError struct {
	Kind string // "rule", "profile", "defaults", "modules"
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("ruleset: parse %s: %v", e.Kind, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
