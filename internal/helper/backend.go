package helper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/plexsphere/fwpanel/internal/command"
	"github.com/plexsphere/fwpanel/internal/fsutil"
	"github.com/plexsphere/fwpanel/internal/policy"
	"github.com/plexsphere/fwpanel/internal/profilestore"
	"github.com/plexsphere/fwpanel/internal/ruleset"
)

// Errors reported to clients in failed replies.
var (
	ErrDuplicateRule  = errors.New("an identical rule already exists")
	ErrRuleChanged    = errors.New("the rule list changed; no rule with that position and identity")
	ErrNoRules        = errors.New("no rules given")
	ErrIPv6Disabled   = errors.New("IPv6 support is disabled")
	ErrInvalidMove    = errors.New("invalid move positions")
	ErrEmptyProfile   = errors.New("profile carries no settings")
	ErrUnknownProfile = errors.New("no such profile")
)

// InterfaceLister lists the names of the host's network interfaces.
type InterfaceLister interface {
	InterfaceNames() ([]string, error)
}

// Backend owns the authoritative firewall state and executes commands
// against it. Every successful mutation is applied to the kernel first and
// then persisted; a failed application leaves the state unchanged.
type Backend struct {
	cfg      Config
	profiles *profilestore.FileStore
	applier  policy.Applier
	links    InterfaceLister
	metrics  *Metrics
	logger   *slog.Logger

	mu    sync.Mutex
	state ruleset.Profile
}

// NewBackend creates a Backend. Config defaults are applied automatically.
// metrics may be nil.
func NewBackend(cfg Config, applier policy.Applier, links InterfaceLister, metrics *Metrics, logger *slog.Logger) (*Backend, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	store, err := profilestore.New(profilestore.Config{Dir: cfg.ProfilesDir()}, logger)
	if err != nil {
		return nil, fmt.Errorf("helper: profile store: %w", err)
	}
	return &Backend{
		cfg:      cfg,
		profiles: store,
		applier:  applier,
		links:    links,
		metrics:  metrics,
		logger:   logger.With("component", "helper"),
		state:    ruleset.DefaultProfile(),
	}, nil
}

// Load reads the persisted state, or starts from the defaults when none
// exists, and applies it to the kernel.
func (b *Backend) Load(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := ruleset.DefaultProfile()
	data, err := os.ReadFile(b.cfg.StatePath())
	switch {
	case errors.Is(err, os.ErrNotExist):
		b.logger.Info("no persisted state, starting from defaults", "path", b.cfg.StatePath())
	case err != nil:
		return fmt.Errorf("helper: load state: %w", err)
	default:
		p, err := ruleset.ParseProfile(data)
		if err != nil {
			return fmt.Errorf("helper: load state: %w", err)
		}
		state = completeState(p)
	}

	if err := b.applier.Apply(ctx, state); err != nil {
		return fmt.Errorf("helper: load state: %w", err)
	}
	b.state = state
	b.metrics.UpdateState(state.Enabled, state.RuleCount())
	if names, err := b.profiles.ListNames(); err == nil {
		b.metrics.UpdateProfiles(len(names))
	}
	b.logger.Info("state loaded", "enabled", state.Enabled, "rules", state.RuleCount())
	return nil
}

// State returns the current full state.
func (b *Backend) State() ruleset.Profile {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs cmd and returns its reply. Commands are serialized.
func (b *Backend) Execute(ctx context.Context, cmd command.Command) command.Reply {
	start := time.Now()

	data, enabled, rules, err := b.execute(ctx, cmd)

	b.metrics.RecordCommand(cmd.Kind, err == nil, time.Since(start).Seconds())
	b.metrics.UpdateState(enabled, rules)

	if err != nil {
		b.logger.Warn("command failed", "cmd", cmd.Kind, "id", cmd.ID, "error", err)
		return command.Failure(cmd, err.Error())
	}
	b.logger.Debug("command executed", "cmd", cmd.Kind, "id", cmd.ID)
	return command.Success(cmd, data)
}

// execute runs cmd under the backend lock. A panicking command fails
// instead of leaving the lock held.
func (b *Backend) execute(ctx context.Context, cmd command.Command) (data command.Args, enabled bool, rules int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			data, err = nil, fmt.Errorf("internal error: %v", r)
		}
		enabled, rules = b.state.Enabled, b.state.RuleCount()
	}()
	data, err = b.executeLocked(ctx, cmd)
	return data, enabled, rules, err
}

func (b *Backend) executeLocked(ctx context.Context, cmd command.Command) (command.Args, error) {
	args := cmd.Args
	switch cmd.Kind {
	case command.KindQuery:
		return b.queryLocked(args)

	case command.KindInterfaces:
		names, err := b.links.InterfaceNames()
		if err != nil {
			return nil, err
		}
		return command.Args{command.DataInterfaces: names}, nil

	case command.KindAddRules:
		return b.commitLocked(ctx, args, addRules)
	case command.KindEditRule:
		return b.commitLocked(ctx, args, editRule)
	case command.KindEditRuleDescr:
		return b.commitLocked(ctx, args, editRuleDescription)
	case command.KindRemoveRule:
		return b.commitLocked(ctx, args, removeRule)
	case command.KindMoveRule:
		return b.commitLocked(ctx, args, moveRule)
	case command.KindSetStatus:
		return b.commitLocked(ctx, args, setStatus)
	case command.KindSetDefaults:
		return b.commitLocked(ctx, args, setDefaults)
	case command.KindSetModules:
		return b.commitLocked(ctx, args, setModules)
	case command.KindSetProfile:
		return b.commitLocked(ctx, args, setProfile)
	case command.KindReset:
		return b.commitLocked(ctx, args, resetState)

	case command.KindSaveProfile:
		return b.saveProfileLocked(args)
	case command.KindDeleteProfile:
		return b.deleteProfileLocked(args)
	}
	return nil, fmt.Errorf("unsupported command %s", cmd.Kind)
}

// mutation derives the next state from the current one and the command args.
type mutation func(state ruleset.Profile, args command.Args) (ruleset.Profile, error)

func resetState(ruleset.Profile, command.Args) (ruleset.Profile, error) {
	return ruleset.DefaultProfile(), nil
}

// commitLocked applies the mutated state to the kernel, then adopts and
// persists it.
func (b *Backend) commitLocked(ctx context.Context, args command.Args, mutate mutation) (command.Args, error) {
	next, err := mutate(b.state, args)
	if err != nil {
		return nil, err
	}
	if err := b.applier.Apply(ctx, next); err != nil {
		return nil, fmt.Errorf("apply ruleset: %w", err)
	}
	b.state = next
	if err := fsutil.WriteFileAtomic(b.cfg.DataDir, stateFile, []byte(next.XML()), 0o600); err != nil {
		return nil, fmt.Errorf("ruleset applied but not saved: %w", err)
	}
	return command.Args{}, nil
}

func (b *Backend) queryLocked(args command.Args) (command.Args, error) {
	withDefaults, _ := args.Bool(command.ArgDefaults)
	withProfiles, _ := args.Bool(command.ArgProfiles)

	status := ruleset.Profile{}.
		WithStatus(b.state.Enabled).
		WithModules(b.state.Modules()).
		WithRules(b.state.Rules())
	if withDefaults {
		status = status.WithDefaults(b.state.Defaults())
	}

	data := command.Args{command.DataResponse: status.XML()}
	if withProfiles {
		listing, err := b.listingLocked()
		if err != nil {
			return nil, err
		}
		data[command.DataProfiles] = listing
	}
	return data, nil
}

func (b *Backend) saveProfileLocked(args command.Args) (command.Args, error) {
	name, _ := args.String(command.ArgName)
	text, ok := args.String(command.ArgXML)
	if !ok {
		return nil, fmt.Errorf("missing %q", command.ArgXML)
	}
	p, err := ruleset.ParseProfile([]byte(text))
	if err != nil {
		return nil, err
	}
	if p.IsEmpty() {
		return nil, ErrEmptyProfile
	}
	// Profiles never carry the on/off switch.
	p.HasStatus, p.Enabled = false, false
	if err := b.profiles.Write(name, []byte(p.XML())); err != nil {
		return nil, err
	}
	b.logger.Info("profile saved", "name", name)
	return b.listingReplyLocked(name)
}

func (b *Backend) deleteProfileLocked(args command.Args) (command.Args, error) {
	name, _ := args.String(command.ArgName)
	existed, err := b.profiles.Delete(name)
	if err != nil {
		return nil, err
	}
	if !existed {
		return nil, fmt.Errorf("%w %q", ErrUnknownProfile, name)
	}
	b.logger.Info("profile deleted", "name", name)
	return b.listingReplyLocked(name)
}

func (b *Backend) listingReplyLocked(name string) (command.Args, error) {
	listing, err := b.listingLocked()
	if err != nil {
		return nil, err
	}
	return command.Args{command.DataName: name, command.DataProfiles: listing}, nil
}

// listingLocked returns every system profile by name. Unreadable files are
// left out.
func (b *Backend) listingLocked() (map[string]string, error) {
	names, err := b.profiles.ListNames()
	if err != nil {
		return nil, err
	}
	listing := make(map[string]string, len(names))
	for _, name := range names {
		data, err := b.profiles.Read(name)
		if err != nil {
			b.logger.Warn("skipping unreadable profile", "name", name, "error", err)
			continue
		}
		listing[name] = string(data)
	}
	b.metrics.UpdateProfiles(len(listing))
	return listing, nil
}

// completeState fills the sections a persisted state file may lack and
// assigns identities to rules that have none.
func completeState(p ruleset.Profile) ruleset.Profile {
	if !p.HasStatus {
		p = p.WithStatus(false)
	}
	if !p.HasDefaults {
		p = p.WithDefaults(ruleset.Defaults{})
	}
	if !p.HasModules {
		p = p.WithModules(nil)
	}
	rules := p.Rules()
	for i := range rules {
		if rules[i].Hash == "" {
			rules[i].Hash = ruleHash(rules[i])
		}
	}
	return p.WithRules(numberRules(rules))
}

func numberRules(rules []ruleset.Rule) []ruleset.Rule {
	rules = slices.Clone(rules)
	for i := range rules {
		rules[i].Position = i + 1
	}
	return rules
}
