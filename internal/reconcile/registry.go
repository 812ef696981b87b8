package reconcile

import (
	"slices"
	"strings"
	"sync"

	"github.com/plexsphere/fwpanel/internal/ruleset"
)

// Entry is a named profile known to the engine. Profile.SystemOwned tells
// whether the helper or a local file owns it.
type Entry struct {
	Name    string
	Profile ruleset.Profile
}

// Registry holds the named profiles the engine tracks, system-owned and
// file-owned alike, at most one per name. All access is protected by a
// sync.RWMutex so readers never observe a partially applied listing.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]ruleset.Profile
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]ruleset.Profile)}
}

// Get returns the profile registered under name.
func (r *Registry) Get(name string) (ruleset.Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.entries[name]
	return p, ok
}

// Put registers p under name, replacing any previous entry.
func (r *Registry) Put(name string, p ruleset.Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = p
}

// Remove drops the entry for name and reports whether it existed.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; !ok {
		return false
	}
	delete(r.entries, name)
	return true
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Entries returns all entries sorted by name. Profiles are values, so the
// result shares nothing with the registry.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.entries))
	for name, p := range r.entries {
		out = append(out, Entry{Name: name, Profile: p})
	}
	slices.SortFunc(out, func(a, b Entry) int { return strings.Compare(a.Name, b.Name) })
	return out
}
