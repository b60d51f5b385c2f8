package watcher

import "github.com/loykin/bootvisor/internal/config"

// Change is the result of comparing two consecutive snapshots. Both flags may be set.
type Change struct {
	EnabledChanged  bool
	Enabled         bool
	IntervalChanged bool
}

// None reports whether nothing needs to be delivered.
func (c Change) None() bool { return !c.EnabledChanged && !c.IntervalChanged }

// Diff compares prev and cur. Any policy field counts as an interval change.
func Diff(prev, cur config.Snapshot) Change {
	return Change{
		EnabledChanged:  prev.Enabled != cur.Enabled,
		Enabled:         cur.Enabled,
		IntervalChanged: !prev.SamePolicy(cur),
	}
}
