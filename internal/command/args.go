package command

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/plexsphere/fwpanel/internal/ruleset"
)

// Argument keys.
const (
	ArgDefaults  = "defaults"
	ArgProfiles  = "profiles"
	ArgCount     = "count"
	ArgXML       = "xml"
	ArgIndex     = "index"
	ArgFrom      = "from"
	ArgTo        = "to"
	ArgStatus    = "status"
	ArgIPv6      = "ipv6"
	ArgModules   = "modules"
	ArgRuleCount = "ruleCount"
	ArgRule      = "rule"
	ArgName      = "name"
)

// Args is a flat mapping of argument names to primitive values. After a
// JSON round trip numbers arrive as float64 and lists as []any; the typed
// accessors accept both forms.
type Args map[string]any

// String returns the string value at key.
func (a Args) String(key string) (string, bool) {
	s, ok := a[key].(string)
	return s, ok
}

// Bool returns the boolean value at key.
func (a Args) Bool(key string) (bool, bool) {
	b, ok := a[key].(bool)
	return b, ok
}

// Int returns the integral value at key.
func (a Args) Int(key string) (int, bool) {
	switch v := a[key].(type) {
	case int:
		return v, true
	case int64:
		if v < math.MinInt32 || v > math.MaxInt32 {
			return 0, false
		}
		return int(v), true
	case float64:
		if v != math.Trunc(v) || v < math.MinInt32 || v > math.MaxInt32 {
			return 0, false
		}
		return int(v), true
	}
	return 0, false
}

// Strings returns the string list at key.
func (a Args) Strings(key string) ([]string, bool) {
	switch v := a[key].(type) {
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			s, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

// StringMap returns the string-to-string map at key.
func (a Args) StringMap(key string) (map[string]string, bool) {
	switch v := a[key].(type) {
	case map[string]string:
		return v, true
	case map[string]any:
		out := make(map[string]string, len(v))
		for k, e := range v {
			s, ok := e.(string)
			if !ok {
				return nil, false
			}
			out[k] = s
		}
		return out, true
	}
	return nil, false
}

// ---------------------------------------------------------------------------
// Builders
// ---------------------------------------------------------------------------

// Query requests the current status, optionally including defaults and the
// system profile listing.
func Query(defaults, profiles bool) Command {
	return New(KindQuery, Args{ArgDefaults: defaults, ArgProfiles: profiles})
}

// AddRules inserts rules at the end of the backend list.
func AddRules(rules []ruleset.Rule) Command {
	args := Args{ArgCount: len(rules)}
	for i, r := range rules {
		args[ArgXML+strconv.Itoa(i)] = r.XML()
	}
	return New(KindAddRules, args)
}

// EditRule replaces the rule at r.Position, whose hash must be r.Hash.
func EditRule(r ruleset.Rule) Command {
	return New(KindEditRule, Args{ArgXML: r.XML()})
}

// EditRuleDescr changes only the description of the rule at r.Position.
func EditRuleDescr(r ruleset.Rule) Command {
	return New(KindEditRuleDescr, Args{ArgXML: r.XML()})
}

// RemoveRule removes the rule addressed by position and hash.
func RemoveRule(position int, hash string) Command {
	return New(KindRemoveRule, Args{ArgIndex: fmt.Sprintf("%d:%s", position, hash)})
}

// MoveRule moves the rule at from so that it ends up at to.
func MoveRule(from, to int) Command {
	return New(KindMoveRule, Args{ArgFrom: from, ArgTo: to})
}

// SetStatus enables or disables the firewall.
func SetStatus(enabled bool) Command {
	return New(KindSetStatus, Args{ArgStatus: enabled})
}

// SetDefaults changes the defaults set in d.
func SetDefaults(d ruleset.Defaults) Command {
	args := Args{ArgXML: d.XML()}
	if d.IPv6 != nil {
		args[ArgIPv6] = true
	}
	return New(KindSetDefaults, args)
}

// SetModules replaces the enabled module set.
func SetModules(modules []string) Command {
	return New(KindSetModules, Args{ArgXML: ruleset.ModulesXML(modules)})
}

// SetProfile activates the sections present in p. Absent sections are not
// sent, so the backend keeps its current values for them.
func SetProfile(p ruleset.Profile) Command {
	args := Args{}
	if p.HasModules {
		args[ArgModules] = p.ModulesXML()
	}
	if p.HasDefaults {
		args[ArgDefaults] = p.DefaultsXML()
	}
	if p.HasRules {
		rules := p.Rules()
		args[ArgRuleCount] = len(rules)
		for i, r := range rules {
			args[ArgRule+strconv.Itoa(i)] = r.XML()
		}
	}
	return New(KindSetProfile, args)
}

// Reset restores the backend defaults.
func Reset() Command {
	return New(KindReset, nil)
}

// SaveProfile stores p in the backend registry under name.
func SaveProfile(name string, p ruleset.Profile) Command {
	return New(KindSaveProfile, Args{ArgName: name, ArgXML: p.XML()})
}

// DeleteProfile removes name from the backend registry.
func DeleteProfile(name string) Command {
	return New(KindDeleteProfile, Args{ArgName: name})
}

// Interfaces lists the network interfaces known to the backend.
func Interfaces() Command {
	return New(KindInterfaces, nil)
}

// IndexedXML returns the count entries stored under prefix0..prefixN-1.
func (a Args) IndexedXML(countKey, prefix string) ([]string, error) {
	n, ok := a.Int(countKey)
	if !ok || n < 0 {
		return nil, fmt.Errorf("command: missing or invalid %q", countKey)
	}
	// Every entry is its own key, so a count above len(a) cannot be satisfied.
	if n > len(a) {
		return nil, fmt.Errorf("command: %q is %d but only %d arguments were sent", countKey, n, len(a))
	}
	out := make([]string, 0, n)
	for i := range n {
		s, ok := a.String(prefix + strconv.Itoa(i))
		if !ok {
			return nil, fmt.Errorf("command: missing %q", prefix+strconv.Itoa(i))
		}
		out = append(out, s)
	}
	return out, nil
}

// SortedKeys returns the keys of m in lexical order.
func SortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
