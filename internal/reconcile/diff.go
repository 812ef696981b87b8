package reconcile

import "slices"

// ProfileSetDiff describes how a backend listing of system profiles differs
// from the listing the engine saw last.
type ProfileSetDiff struct {
	Added   []string // listed, not known
	Removed []string // known, not listed
	Updated []string // listed and known, serialized form changed
}

// IsEmpty reports whether the listing is unchanged.
func (d ProfileSetDiff) IsEmpty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Updated) == 0
}

// ComputeProfileSetDiff compares a new listing (name to serialized profile)
// against the previously known listing. Names in each set are sorted.
func ComputeProfileSetDiff(listed, known map[string]string) ProfileSetDiff {
	var diff ProfileSetDiff

	for name, blob := range listed {
		prev, exists := known[name]
		switch {
		case !exists:
			diff.Added = append(diff.Added, name)
		case prev != blob:
			diff.Updated = append(diff.Updated, name)
		}
	}

	for name := range known {
		if _, exists := listed[name]; !exists {
			diff.Removed = append(diff.Removed, name)
		}
	}

	slices.Sort(diff.Added)
	slices.Sort(diff.Removed)
	slices.Sort(diff.Updated)
	return diff
}
