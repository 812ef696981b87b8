// Package reconcile keeps a local view of the firewall consistent with the
// privileged helper that owns it.
//
// The Engine has two states: idle, or awaiting the reply to exactly one
// dispatched command. Intents issued while a command is in flight are
// rejected with ErrBusy. Replies are applied in dispatch order; a failed
// modification is followed by a resynchronizing query.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/plexsphere/fwpanel/internal/command"
	"github.com/plexsphere/fwpanel/internal/ruleset"
)

// ProfileStore persists file-owned profiles by name.
type ProfileStore interface {
	Read(name string) ([]byte, error)
	Write(name string, data []byte) error
	// Delete removes the named profile and reports whether it existed.
	Delete(name string) (bool, error)
	ListNames() ([]string, error)
}

// Engine is the reconciliation engine. It is safe for concurrent use; the
// channel may deliver replies on any goroutine.
type Engine struct {
	ch       command.Channel
	store    ProfileStore
	obs      Observer
	logger   *slog.Logger
	registry *Registry

	mu       sync.Mutex
	inflight *command.Command
	busy     bool
	idle     chan struct{} // closed when the engine returns to idle

	current    ruleset.Profile
	selected   int
	moveTarget int

	known       map[string]string // last system profile listing
	loaded      string            // name of the profile last applied
	pendingLoad string
	interfaces  []string
}

// NewEngine creates an idle Engine. A nil observer is replaced by NopObserver.
func NewEngine(ch command.Channel, store ProfileStore, obs Observer, logger *slog.Logger) *Engine {
	if obs == nil {
		obs = NopObserver{}
	}
	idle := make(chan struct{})
	close(idle)
	return &Engine{
		ch:       ch,
		store:    store,
		obs:      obs,
		logger:   logger.With("component", "reconcile"),
		registry: NewRegistry(),
		idle:     idle,
		known:    make(map[string]string),
	}
}

// effects are observer notifications and channel dispatches queued while the
// engine lock is held and run in order after it is released.
type effects []func()

func (fx *effects) add(f func()) { *fx = append(*fx, f) }

func (fx *effects) flush() {
	for _, f := range *fx {
		f()
	}
	*fx = nil
}

// intent runs fn under the engine lock. Errors other than ErrBusy are also
// reported to the observer.
func (e *Engine) intent(fn func(fx *effects) error) error {
	var fx effects
	e.mu.Lock()
	err := fn(&fx)
	if err != nil && !errors.Is(err, ErrBusy) {
		msg := err.Error()
		fx.add(func() { e.obs.OnError(msg) })
	}
	e.mu.Unlock()
	fx.flush()
	return err
}

func (e *Engine) dispatchLocked(cmd command.Command, fx *effects) error {
	if e.inflight != nil {
		return ErrBusy
	}
	e.inflight = &cmd
	if !e.busy {
		e.busy = true
		e.idle = make(chan struct{})
		fx.add(func() { e.obs.OnBusyChanged(true) })
	}
	e.logger.Debug("dispatching command", "cmd", cmd.Kind, "id", cmd.ID)
	fx.add(func() { e.ch.Dispatch(cmd, e.deliver) })
	return nil
}

// deliver applies the reply to the in-flight command.
func (e *Engine) deliver(reply command.Reply) {
	var fx effects
	e.mu.Lock()
	if e.inflight == nil || e.inflight.ID != reply.ID {
		e.mu.Unlock()
		e.logger.Warn("ignoring reply without matching command", "cmd", reply.Kind, "id", reply.ID)
		return
	}
	cmd := *e.inflight
	e.inflight = nil

	if reply.Succeeded {
		e.logger.Debug("command succeeded", "cmd", cmd.Kind, "id", cmd.ID)
		e.applySuccessLocked(cmd, reply, &fx)
	} else {
		e.logger.Warn("command failed", "cmd", cmd.Kind, "id", cmd.ID, "error", reply.Message())
		e.applyFailureLocked(cmd, reply, &fx)
	}

	if e.inflight == nil {
		e.busy = false
		idle := e.idle
		fx.add(func() { e.obs.OnBusyChanged(false) })
		fx.add(func() { close(idle) })
	}
	e.mu.Unlock()
	fx.flush()
}

// WaitIdle blocks until no command is in flight or ctx is done.
func (e *Engine) WaitIdle(ctx context.Context) error {
	e.mu.Lock()
	if !e.busy {
		e.mu.Unlock()
		return nil
	}
	idle := e.idle
	e.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Busy reports whether a command is in flight.
func (e *Engine) Busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.busy
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// Query requests the current status, optionally with defaults and the system
// profile listing.
func (e *Engine) Query(includeDefaults, includeProfiles bool) error {
	return e.intent(func(fx *effects) error {
		return e.dispatchLocked(command.Query(includeDefaults, includeProfiles), fx)
	})
}

// QueryInterfaces requests the helper's network interface names.
func (e *Engine) QueryInterfaces() error {
	return e.intent(func(fx *effects) error {
		return e.dispatchLocked(command.Interfaces(), fx)
	})
}

// ---------------------------------------------------------------------------
// Rule intents
// ---------------------------------------------------------------------------

// AddRules appends rules to the backend list. Candidates that are
// content-equal to a cached rule, or to each other, are rejected.
func (e *Engine) AddRules(rules []ruleset.Rule) error {
	return e.intent(func(fx *effects) error {
		if e.inflight != nil {
			return ErrBusy
		}
		if len(rules) == 0 {
			return ErrNoRules
		}
		cached := e.current.Rules()
		candidates := make([]ruleset.Rule, 0, len(rules))
		for _, r := range rules {
			r = r.Normalize()
			r.Hash = ""
			r.Position = 0
			if err := r.Validate(); err != nil {
				return err
			}
			if slices.ContainsFunc(cached, r.ContentEqual) || slices.ContainsFunc(candidates, r.ContentEqual) {
				return fmt.Errorf("%w: %s", ErrDuplicateRule, describeRule(r))
			}
			candidates = append(candidates, r)
		}
		return e.dispatchLocked(command.AddRules(candidates), fx)
	})
}

// EditRule replaces the cached rule at r.Position, whose hash must equal
// r.Hash. A change confined to the description is sent as editRuleDescr.
func (e *Engine) EditRule(r ruleset.Rule) error {
	return e.intent(func(fx *effects) error {
		if e.inflight != nil {
			return ErrBusy
		}
		r = r.Normalize()
		old, err := e.cachedRuleLocked(r.Position, r.Hash)
		if err != nil {
			return err
		}
		switch ruleset.EditKind(old, r) {
		case ruleset.EditNone:
			return ErrNoChange
		case ruleset.EditDescription:
			return e.dispatchLocked(command.EditRuleDescr(r), fx)
		}
		if err := r.Validate(); err != nil {
			return err
		}
		for _, other := range e.current.Rules() {
			if other.Position != r.Position && other.ContentEqual(r) {
				return fmt.Errorf("%w: %s", ErrDuplicateRule, describeRule(r))
			}
		}
		return e.dispatchLocked(command.EditRule(r), fx)
	})
}

// EditDescription changes only the description of the cached rule at
// r.Position. Any other difference is rejected.
func (e *Engine) EditDescription(r ruleset.Rule) error {
	return e.intent(func(fx *effects) error {
		if e.inflight != nil {
			return ErrBusy
		}
		r = r.Normalize()
		old, err := e.cachedRuleLocked(r.Position, r.Hash)
		if err != nil {
			return err
		}
		switch ruleset.EditKind(old, r) {
		case ruleset.EditNone:
			return ErrNoChange
		case ruleset.EditFull:
			return fmt.Errorf("reconcile: edit rule %d: more than the description changed", r.Position)
		}
		return e.dispatchLocked(command.EditRuleDescr(r), fx)
	})
}

// RemoveRule removes the rule addressed by position and hash.
func (e *Engine) RemoveRule(position int, hash string) error {
	return e.intent(func(fx *effects) error {
		if e.inflight != nil {
			return ErrBusy
		}
		if _, err := e.cachedRuleLocked(position, hash); err != nil {
			return err
		}
		return e.dispatchLocked(command.RemoveRule(position, hash), fx)
	})
}

// MoveRule moves the rule at from to position to. to may be one past the
// last rule, meaning "after the last rule". Once the refreshed list arrives
// the rule at the destination is selected.
func (e *Engine) MoveRule(from, to int) error {
	return e.intent(func(fx *effects) error {
		if e.inflight != nil {
			return ErrBusy
		}
		n := e.current.RuleCount()
		if from < 1 || to < 1 || from == to || from > n || to > n+1 {
			return fmt.Errorf("%w: %d to %d with %d rules", ErrInvalidMove, from, to, n)
		}
		if err := e.dispatchLocked(command.MoveRule(from, to), fx); err != nil {
			return err
		}
		e.moveTarget = to
		return nil
	})
}

// ---------------------------------------------------------------------------
// Firewall-wide intents
// ---------------------------------------------------------------------------

// SetStatus enables or disables the firewall. The local status changes only
// once the helper confirms.
func (e *Engine) SetStatus(enabled bool) error {
	return e.intent(func(fx *effects) error {
		return e.dispatchLocked(command.SetStatus(enabled), fx)
	})
}

// SetDefaults changes the defaults set in d.
func (e *Engine) SetDefaults(d ruleset.Defaults) error {
	return e.intent(func(fx *effects) error {
		if e.inflight != nil {
			return ErrBusy
		}
		if d.IsEmpty() {
			return ErrNoChange
		}
		if err := d.Validate(); err != nil {
			return err
		}
		return e.dispatchLocked(command.SetDefaults(d), fx)
	})
}

// SetModules replaces the enabled kernel module set.
func (e *Engine) SetModules(modules []string) error {
	return e.intent(func(fx *effects) error {
		return e.dispatchLocked(command.SetModules(modules), fx)
	})
}

// Reset restores the helper's default configuration.
func (e *Engine) Reset() error {
	return e.intent(func(fx *effects) error {
		return e.dispatchLocked(command.Reset(), fx)
	})
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// Rules returns the cached rule list with positions 1..N.
func (e *Engine) Rules() []ruleset.Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current.Rules()
}

// Selected returns the selected position, or 0.
func (e *Engine) Selected() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selected
}

// SelectedRule returns the selected rule.
func (e *Engine) SelectedRule() (ruleset.Rule, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.selected == 0 {
		return ruleset.Rule{}, false
	}
	return e.current.Rules()[e.selected-1], true
}

// Select marks the rule at position as selected; 0 clears the selection.
func (e *Engine) Select(position int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if position < 0 || position > e.current.RuleCount() {
		return fmt.Errorf("reconcile: select: position %d out of range", position)
	}
	e.selected = position
	return nil
}

// Snapshot returns the last known backend state, including status.
func (e *Engine) Snapshot() ruleset.Profile {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// CurrentProfile captures the current configuration as a full profile
// without status, the form used for saving, exporting and comparison.
func (e *Engine) CurrentProfile() ruleset.Profile {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentProfileLocked()
}

func (e *Engine) currentProfileLocked() ruleset.Profile {
	c := e.current
	return ruleset.NewProfile(c.IPv6Enabled, c.LogLevel, c.DefaultIncoming, c.DefaultOutgoing, c.Rules(), c.Modules())
}

// Interfaces returns the interface names from the last interfaces query.
func (e *Engine) Interfaces() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.interfaces)
}

// StatusText returns the text last sent to OnStatusText.
func (e *Engine) StatusText() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusTextLocked()
}

func (e *Engine) cachedRuleLocked(position int, hash string) (ruleset.Rule, error) {
	rules := e.current.Rules()
	if position < 1 || position > len(rules) {
		return ruleset.Rule{}, fmt.Errorf("%w: no rule at position %d", ErrStaleRule, position)
	}
	r := rules[position-1]
	if r.Hash != hash {
		return ruleset.Rule{}, fmt.Errorf("%w: rule %d has hash %q, not %q", ErrStaleRule, position, r.Hash, hash)
	}
	return r, nil
}

func describeRule(r ruleset.Rule) string {
	var parts []string
	if r.Incoming {
		parts = append(parts, "in")
	} else {
		parts = append(parts, "out")
	}
	parts = append(parts, string(r.Protocol))
	for _, f := range []struct{ name, value string }{
		{"from", r.SourceAddress},
		{"sport", r.SourcePort},
		{"to", r.DestAddress},
		{"dport", r.DestPort},
		{"on", r.Interface()},
		{"sapp", r.SourceApp},
		{"dapp", r.DestApp},
	} {
		if f.value != "" {
			parts = append(parts, f.name+" "+f.value)
		}
	}
	return strings.Join(parts, " ")
}
