package helper

import (
	"encoding/hex"
	"errors"
	"fmt"
	"slices"

	"golang.org/x/crypto/blake2b"

	"github.com/plexsphere/fwpanel/internal/command"
	"github.com/plexsphere/fwpanel/internal/policy"
	"github.com/plexsphere/fwpanel/internal/ruleset"
)

// ruleHash returns the identity of r: a blake2b-128 digest of the fields
// that decide which traffic the rule matches.
func ruleHash(r ruleset.Rule) string {
	h, _ := blake2b.New(16, nil) // only fails for a bad key or size
	dir := "out"
	if r.Incoming {
		dir = "in"
	}
	for _, f := range []string{
		dir, string(r.Protocol),
		r.SourceAddress, r.SourcePort,
		r.DestAddress, r.DestPort,
		r.InterfaceIn, r.InterfaceOut,
		r.SourceApp, r.DestApp,
	} {
		h.Write([]byte(f))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// prepareRule normalizes and validates a rule received from a client and
// assigns its identity.
func prepareRule(r ruleset.Rule, ipv6 bool) (ruleset.Rule, error) {
	r = r.Normalize()
	if err := r.Validate(); err != nil {
		return ruleset.Rule{}, err
	}
	if r.IPv6() && !ipv6 {
		return ruleset.Rule{}, ErrIPv6Disabled
	}
	if _, err := policy.CompileRule(r); err != nil && !errors.Is(err, policy.ErrApplicationRef) {
		return ruleset.Rule{}, err
	}
	r.Hash = ruleHash(r)
	r.Position = 0
	return r, nil
}

// locate returns the index of the rule at position whose identity is hash.
func locate(rules []ruleset.Rule, position int, hash string) (int, error) {
	if position < 1 || position > len(rules) || rules[position-1].Hash != hash {
		return 0, fmt.Errorf("%w: %d:%s", ErrRuleChanged, position, hash)
	}
	return position - 1, nil
}

func checkDuplicate(rules []ruleset.Rule, r ruleset.Rule, skip int) error {
	for i, other := range rules {
		if i != skip && other.ContentEqual(r) {
			return fmt.Errorf("%w (rule %d)", ErrDuplicateRule, i+1)
		}
	}
	return nil
}

func parseRuleArg(args command.Args, key string) (ruleset.Rule, error) {
	text, ok := args.String(key)
	if !ok {
		return ruleset.Rule{}, fmt.Errorf("missing %q", key)
	}
	return ruleset.ParseRule(text)
}

func addRules(state ruleset.Profile, args command.Args) (ruleset.Profile, error) {
	texts, err := args.IndexedXML(command.ArgCount, command.ArgXML)
	if err != nil {
		return state, err
	}
	if len(texts) == 0 {
		return state, ErrNoRules
	}
	rules := state.Rules()
	for _, text := range texts {
		r, err := ruleset.ParseRule(text)
		if err != nil {
			return state, err
		}
		if r, err = prepareRule(r, state.IPv6Enabled); err != nil {
			return state, err
		}
		if err := checkDuplicate(rules, r, -1); err != nil {
			return state, err
		}
		rules = append(rules, r)
	}
	return state.WithRules(numberRules(rules)), nil
}

func editRule(state ruleset.Profile, args command.Args) (ruleset.Profile, error) {
	updated, err := parseRuleArg(args, command.ArgXML)
	if err != nil {
		return state, err
	}
	rules := state.Rules()
	i, err := locate(rules, updated.Position, updated.Hash)
	if err != nil {
		return state, err
	}
	if updated, err = prepareRule(updated, state.IPv6Enabled); err != nil {
		return state, err
	}
	if err := checkDuplicate(rules, updated, i); err != nil {
		return state, err
	}
	rules[i] = updated
	return state.WithRules(numberRules(rules)), nil
}

func editRuleDescription(state ruleset.Profile, args command.Args) (ruleset.Profile, error) {
	updated, err := parseRuleArg(args, command.ArgXML)
	if err != nil {
		return state, err
	}
	rules := state.Rules()
	i, err := locate(rules, updated.Position, updated.Hash)
	if err != nil {
		return state, err
	}
	rules[i].Description = updated.Description
	return state.WithRules(rules), nil
}

func removeRule(state ruleset.Profile, args command.Args) (ruleset.Profile, error) {
	handle, ok := args.String(command.ArgIndex)
	if !ok {
		return state, fmt.Errorf("missing %q", command.ArgIndex)
	}
	position, hash, err := ruleset.ParseHandle(handle)
	if err != nil {
		return state, err
	}
	rules := state.Rules()
	i, err := locate(rules, position, hash)
	if err != nil {
		return state, err
	}
	return state.WithRules(numberRules(slices.Delete(rules, i, i+1))), nil
}

// moveRule moves the rule at from so that it ends up at to. A destination
// one past the last rule is clamped to the last position.
func moveRule(state ruleset.Profile, args command.Args) (ruleset.Profile, error) {
	from, okFrom := args.Int(command.ArgFrom)
	to, okTo := args.Int(command.ArgTo)
	n := state.RuleCount()
	if !okFrom || !okTo || from < 1 || from > n || to < 1 || to > n+1 {
		return state, fmt.Errorf("%w: %d to %d with %d rules", ErrInvalidMove, from, to, n)
	}
	to = min(to, n)
	if from == to {
		return state, fmt.Errorf("%w: rule %d is already there", ErrInvalidMove, from)
	}
	rules := state.Rules()
	moved := rules[from-1]
	rules = slices.Delete(rules, from-1, from)
	rules = slices.Insert(rules, to-1, moved)
	return state.WithRules(numberRules(rules)), nil
}

func setStatus(state ruleset.Profile, args command.Args) (ruleset.Profile, error) {
	enabled, ok := args.Bool(command.ArgStatus)
	if !ok {
		return state, fmt.Errorf("missing %q", command.ArgStatus)
	}
	return state.WithStatus(enabled), nil
}

func setDefaults(state ruleset.Profile, args command.Args) (ruleset.Profile, error) {
	text, ok := args.String(command.ArgXML)
	if !ok {
		return state, fmt.Errorf("missing %q", command.ArgXML)
	}
	d, err := ruleset.ParseDefaults(text)
	if err != nil {
		return state, err
	}
	if err := d.Validate(); err != nil {
		return state, err
	}
	return dropIPv6Rules(state.WithDefaults(d)), nil
}

func setModules(state ruleset.Profile, args command.Args) (ruleset.Profile, error) {
	text, ok := args.String(command.ArgXML)
	if !ok {
		return state, fmt.Errorf("missing %q", command.ArgXML)
	}
	modules, err := ruleset.ParseModules(text)
	if err != nil {
		return state, err
	}
	return state.WithModules(modules), nil
}

// setProfile activates the sections present in args. Sections that are
// absent keep their current values.
func setProfile(state ruleset.Profile, args command.Args) (ruleset.Profile, error) {
	next := state
	if text, ok := args.String(command.ArgModules); ok {
		modules, err := ruleset.ParseModules(text)
		if err != nil {
			return state, err
		}
		next = next.WithModules(modules)
	}
	if text, ok := args.String(command.ArgDefaults); ok {
		d, err := ruleset.ParseDefaults(text)
		if err != nil {
			return state, err
		}
		if err := d.Validate(); err != nil {
			return state, err
		}
		next = next.WithDefaults(d)
	}
	if _, ok := args[command.ArgRuleCount]; ok {
		texts, err := args.IndexedXML(command.ArgRuleCount, command.ArgRule)
		if err != nil {
			return state, err
		}
		rules := make([]ruleset.Rule, 0, len(texts))
		for _, text := range texts {
			r, err := ruleset.ParseRule(text)
			if err != nil {
				return state, err
			}
			// IPv6 rules of a profile are dropped below when IPv6 is off.
			if r, err = prepareRule(r, true); err != nil {
				return state, err
			}
			if err := checkDuplicate(rules, r, -1); err != nil {
				return state, err
			}
			rules = append(rules, r)
		}
		next = next.WithRules(numberRules(rules))
	}
	return dropIPv6Rules(next), nil
}

// dropIPv6Rules removes IPv6 rules when IPv6 support is off.
func dropIPv6Rules(p ruleset.Profile) ruleset.Profile {
	if p.IPv6Enabled || !p.HasIPv6Rules() {
		return p
	}
	rules := slices.DeleteFunc(p.Rules(), ruleset.Rule.IPv6)
	return p.WithRules(numberRules(rules))
}
