package reconcile

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/plexsphere/fwpanel/internal/command"
	"github.com/plexsphere/fwpanel/internal/ruleset"
)

// applySuccessLocked applies the effect of a successful reply. Every command
// kind is handled here and nowhere else.
func (e *Engine) applySuccessLocked(cmd command.Command, reply command.Reply, fx *effects) {
	switch cmd.Kind {
	case command.KindQuery:
		e.applyStatusLocked(reply, fx)
		if want, _ := cmd.Args.Bool(command.ArgProfiles); want {
			if listing, ok := reply.Profiles(); ok {
				e.applyListingLocked(listing, fx)
			}
		}
		e.emitStatusLocked(fx)

	case command.KindInterfaces:
		names, _ := reply.Data.Strings(command.DataInterfaces)
		e.interfaces = slices.Clone(names)

	case command.KindSetStatus:
		enabled, _ := cmd.Args.Bool(command.ArgStatus)
		e.current = e.current.WithStatus(enabled)
		e.emitStatusLocked(fx)

	case command.KindSetProfile:
		e.loaded = e.pendingLoad
		e.pendingLoad = ""
		e.requeryLocked(fx)

	case command.KindSaveProfile, command.KindDeleteProfile:
		if cmd.Kind == command.KindDeleteProfile {
			if name, _ := cmd.Args.String(command.ArgName); name == e.loaded {
				e.loaded = ""
			}
		}
		listing, ok := reply.Profiles()
		if !ok {
			e.logger.Warn("reply carries no profile listing", "cmd", cmd.Kind, "id", cmd.ID)
			e.requeryProfilesLocked(fx)
			return
		}
		e.applyListingLocked(listing, fx)
		e.emitStatusLocked(fx)

	case command.KindAddRules,
		command.KindEditRule,
		command.KindEditRuleDescr,
		command.KindRemoveRule,
		command.KindMoveRule,
		command.KindSetDefaults,
		command.KindSetModules,
		command.KindReset:
		e.requeryLocked(fx)

	default:
		e.logger.Warn("reply for unknown command", "cmd", cmd.Kind, "id", cmd.ID)
	}
}

// applyFailureLocked reports a failed reply and, unless the command only read
// state, resynchronizes with a fresh query.
func (e *Engine) applyFailureLocked(cmd command.Command, reply command.Reply, fx *effects) {
	msg := failureMessage(cmd, reply)
	fx.add(func() { e.obs.OnError(msg) })

	e.moveTarget = 0
	e.pendingLoad = ""
	if cmd.Kind.IsQuery() {
		e.emitStatusLocked(fx)
		return
	}
	e.requeryLocked(fx)
}

func (e *Engine) requeryLocked(fx *effects) {
	if err := e.dispatchLocked(command.Query(true, false), fx); err != nil {
		e.logger.Error("resynchronizing query not dispatched", "error", err)
	}
}

func (e *Engine) requeryProfilesLocked(fx *effects) {
	if err := e.dispatchLocked(command.Query(true, true), fx); err != nil {
		e.logger.Error("profile listing query not dispatched", "error", err)
	}
}

var failureText = map[command.Kind]string{
	command.KindQuery:         "query firewall status",
	command.KindInterfaces:    "list network interfaces",
	command.KindAddRules:      "add rules",
	command.KindEditRule:      "modify rule",
	command.KindEditRuleDescr: "modify rule description",
	command.KindRemoveRule:    "remove rule",
	command.KindMoveRule:      "move rule",
	command.KindSetStatus:     "change firewall status",
	command.KindSetDefaults:   "set defaults",
	command.KindSetModules:    "set modules",
	command.KindSetProfile:    "load profile",
	command.KindReset:         "reset firewall",
	command.KindSaveProfile:   "save profile",
	command.KindDeleteProfile: "delete profile",
}

func failureMessage(cmd command.Command, reply command.Reply) string {
	what, ok := failureText[cmd.Kind]
	if !ok {
		what = cmd.Kind.String()
	}
	if name, ok := cmd.Args.String(command.ArgName); ok {
		what += " " + strconv.Quote(name)
	}
	if detail := reply.Message(); detail != "" {
		return fmt.Sprintf("Failed to %s: %s", what, detail)
	}
	return "Failed to " + what + "."
}

// applyStatusLocked merges the sections present in a query reply into the
// cached state. Absent sections keep their previous values. The caller emits
// the status text.
func (e *Engine) applyStatusLocked(reply command.Reply, fx *effects) {
	text := reply.Message()
	if text == "" {
		e.logger.Warn("query reply carries no status")
		return
	}
	p, err := ruleset.ParseProfile([]byte(text))
	if err != nil {
		msg := fmt.Sprintf("Invalid firewall status from helper: %v", err)
		fx.add(func() { e.obs.OnError(msg) })
		return
	}

	if p.HasStatus {
		e.current = e.current.WithStatus(p.Enabled)
	}
	if p.HasDefaults {
		e.current = e.current.WithDefaults(p.Defaults())
	}
	if p.HasModules {
		e.current = e.current.WithModules(p.Modules())
	}
	if p.HasRules {
		e.refreshRulesLocked(p.Rules(), fx)
	}
}

// refreshRulesLocked replaces the cached rule list, renumbers it and restores
// the selection, preferring a pending move destination.
func (e *Engine) refreshRulesLocked(rules []ruleset.Rule, fx *effects) {
	prev := e.selected
	if e.moveTarget > 0 {
		prev = e.moveTarget
	}
	rules = numberRules(rules)
	e.current = e.current.WithRules(rules)
	e.selected = restoreSelection(prev, len(rules))
	e.moveTarget = 0
	fx.add(e.obs.OnRuleListChanged)
}

// emitStatusLocked refreshes the loaded profile name from the registry and
// queues the status text.
func (e *Engine) emitStatusLocked(fx *effects) {
	if name, ok := e.activeProfileLocked(); ok {
		e.loaded = name
	}
	text := e.statusTextLocked()
	fx.add(func() { e.obs.OnStatusText(text) })
}

func (e *Engine) statusTextLocked() string {
	var suffix string
	if name, ok := e.activeProfileLocked(); ok {
		suffix = " (" + name + ")"
	} else if e.loaded != "" {
		suffix = " (" + e.loaded + "*)"
	}

	state := "enabled"
	if !e.current.Enabled {
		state = "currently disabled"
	}

	switch n := e.current.RuleCount(); n {
	case 0:
		return fmt.Sprintf("Firewall is %s, and there are no rules defined.%s", state, suffix)
	case 1:
		return fmt.Sprintf("Firewall is %s, and there is 1 rule defined.%s", state, suffix)
	default:
		return fmt.Sprintf("Firewall is %s, and there are %d rules defined.%s", state, n, suffix)
	}
}
