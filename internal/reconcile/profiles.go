package reconcile

import (
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/plexsphere/fwpanel/internal/command"
	"github.com/plexsphere/fwpanel/internal/ruleset"
)

// applyListingLocked reconciles the registry with a full listing of system
// profiles. System profiles take precedence over same-named file profiles:
// the file is deleted and the entry replaced. A name whose file could not be
// deleted is left out of the known set so the next listing retries it.
func (e *Engine) applyListingLocked(listing map[string]string, fx *effects) {
	diff := ComputeProfileSetDiff(listing, e.known)
	if diff.IsEmpty() {
		return
	}
	known := maps.Clone(listing)
	changed := false

	for _, name := range diff.Removed {
		if p, ok := e.registry.Get(name); ok && p.SystemOwned {
			e.registry.Remove(name)
			changed = true
		}
	}

	for _, name := range diff.Added {
		if existing, ok := e.registry.Get(name); ok && existing.SystemOwned {
			continue
		}
		if e.adoptSystemProfileLocked(name, listing[name], known, fx) {
			changed = true
		}
	}

	for _, name := range diff.Updated {
		if e.adoptSystemProfileLocked(name, listing[name], known, fx) {
			changed = true
		}
	}

	e.known = known
	if changed {
		fx.add(e.obs.OnProfileRegistryChanged)
	}
}

// adoptSystemProfileLocked registers blob as the system profile called name,
// superseding a same-named file profile.
func (e *Engine) adoptSystemProfileLocked(name, blob string, known map[string]string, fx *effects) bool {
	p, err := parseSystemProfile(blob)
	if err != nil {
		e.logger.Warn("skipping unparseable system profile", "name", name, "error", err)
		return false
	}
	if existing, ok := e.registry.Get(name); ok && !existing.SystemOwned {
		if _, err := e.store.Delete(name); err != nil {
			e.logger.Error("superseded profile file not deleted", "name", name, "error", err)
			msg := fmt.Sprintf("Failed to remove local profile %q: %v", name, err)
			fx.add(func() { e.obs.OnError(msg) })
			delete(known, name)
			return false
		}
		e.logger.Info("system profile supersedes local file", "name", name)
	}
	e.registry.Put(name, p)
	return true
}

func parseSystemProfile(blob string) (ruleset.Profile, error) {
	p, err := ruleset.ParseProfile([]byte(blob))
	if err != nil {
		return ruleset.Profile{}, err
	}
	p.SystemOwned = true
	return p, nil
}

// activeProfileLocked returns the registered profile equal to the current
// configuration. The profile last loaded wins over other equal entries.
func (e *Engine) activeProfileLocked() (string, bool) {
	if !e.current.HasRules {
		return "", false
	}
	current := e.currentProfileLocked()
	if p, ok := e.registry.Get(e.loaded); ok && p.Equal(current) {
		return e.loaded, true
	}
	for _, entry := range e.registry.Entries() {
		if entry.Profile.Equal(current) {
			return entry.Name, true
		}
	}
	return "", false
}

// ActiveProfile returns the name of the registered profile equal to the
// current configuration.
func (e *Engine) ActiveProfile() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeProfileLocked()
}

// LoadedProfile returns the name of the profile last applied, which may have
// been modified since.
func (e *Engine) LoadedProfile() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loaded
}

// Profiles returns the registered profiles sorted by name.
func (e *Engine) Profiles() []Entry {
	return e.registry.Entries()
}

// Profile returns the registered profile called name.
func (e *Engine) Profile(name string) (ruleset.Profile, bool) {
	return e.registry.Get(name)
}

// ValidateProfileName rejects empty names, names containing '/' and names
// starting with '.'.
func ValidateProfileName(name string) error {
	if strings.TrimSpace(name) == "" || strings.Contains(name, "/") || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidProfileName, name)
	}
	return nil
}

// LoadProfile applies the sections present in the named profile. Loading the
// profile that is already active does nothing.
func (e *Engine) LoadProfile(name string) error {
	return e.intent(func(fx *effects) error {
		if e.inflight != nil {
			return ErrBusy
		}
		p, ok := e.registry.Get(name)
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownProfile, name)
		}
		if p.IsEmpty() {
			return fmt.Errorf("%w: %q", ErrEmptyProfile, name)
		}
		if active, ok := e.activeProfileLocked(); ok && active == name {
			e.logger.Debug("profile already active", "name", name)
			return nil
		}
		if err := e.dispatchLocked(command.SetProfile(p), fx); err != nil {
			return err
		}
		e.pendingLoad = name
		return nil
	})
}

// SaveProfile stores p in the helper's registry under name. An existing
// profile of that name is replaced only when overwrite is set.
func (e *Engine) SaveProfile(name string, p ruleset.Profile, overwrite bool) error {
	return e.intent(func(fx *effects) error {
		if e.inflight != nil {
			return ErrBusy
		}
		if p.IsEmpty() {
			return fmt.Errorf("%w: %q", ErrEmptyProfile, name)
		}
		return e.saveLocked(name, p, overwrite, fx)
	})
}

func (e *Engine) saveLocked(name string, p ruleset.Profile, overwrite bool, fx *effects) error {
	if err := ValidateProfileName(name); err != nil {
		return err
	}
	if _, exists := e.registry.Get(name); exists && !overwrite {
		return fmt.Errorf("%w: %q", ErrProfileExists, name)
	}
	return e.dispatchLocked(command.SaveProfile(name, p), fx)
}

// DeleteProfile removes the named profile. System profiles are deleted by
// the helper; file profiles are removed locally.
func (e *Engine) DeleteProfile(name string) error {
	return e.intent(func(fx *effects) error {
		p, ok := e.registry.Get(name)
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownProfile, name)
		}
		if p.SystemOwned {
			return e.dispatchLocked(command.DeleteProfile(name), fx)
		}
		if _, err := e.store.Delete(name); err != nil {
			return fmt.Errorf("reconcile: delete profile %q: %w", name, err)
		}
		e.registry.Remove(name)
		if e.loaded == name {
			e.loaded = ""
		}
		fx.add(e.obs.OnProfileRegistryChanged)
		e.emitStatusLocked(fx)
		return nil
	})
}

// ImportProfile saves data as the system profile called name. data must be
// a valid serialized profile carrying rules. An existing profile of that name
// is replaced only when overwrite is set; a same-named local file is then
// superseded by the resulting listing.
func (e *Engine) ImportProfile(name string, data []byte, overwrite bool) error {
	return e.intent(func(fx *effects) error {
		if e.inflight != nil {
			return ErrBusy
		}
		p, err := ruleset.ParseProfile(data)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidProfile, err)
		}
		if !p.HasRules {
			return ErrInvalidProfile
		}
		return e.saveLocked(name, p, overwrite, fx)
	})
}

// ExportProfile serializes the current configuration.
func (e *Engine) ExportProfile() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.current.HasRules {
		return nil, errors.New("reconcile: export profile: firewall status not yet known")
	}
	return []byte(e.currentProfileLocked().XML()), nil
}

// LoadLocalProfiles registers every parseable profile in the store that is
// not registered yet. Unreadable or invalid files are skipped; their errors
// are joined into the result.
func (e *Engine) LoadLocalProfiles() error {
	names, err := e.store.ListNames()
	if err != nil {
		return fmt.Errorf("reconcile: list local profiles: %w", err)
	}

	var (
		fx   effects
		errs []error
	)
	e.mu.Lock()
	added := 0
	for _, name := range names {
		if _, exists := e.registry.Get(name); exists {
			continue
		}
		data, err := e.store.Read(name)
		if err != nil {
			errs = append(errs, fmt.Errorf("profile %q: %w", name, err))
			continue
		}
		p, err := ruleset.ParseProfile(data)
		if err != nil {
			errs = append(errs, fmt.Errorf("profile %q: %w", name, err))
			continue
		}
		e.registry.Put(name, p)
		added++
	}
	if added > 0 {
		fx.add(e.obs.OnProfileRegistryChanged)
		e.emitStatusLocked(&fx)
	}
	e.mu.Unlock()
	fx.flush()

	if len(errs) > 0 {
		e.logger.Warn("some local profiles could not be loaded", "count", len(errs))
	}
	return errors.Join(errs...)
}
