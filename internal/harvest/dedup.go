package harvest

import (
	"sort"
	"sync"
)

// Deduplicator is the run-wide set of emitted listing ids. It is the only state
// shared by all session workers.
type Deduplicator struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewDeduplicator returns an empty set.
func NewDeduplicator() *Deduplicator {
	return &Deduplicator{seen: make(map[string]struct{})}
}

// Admit records id and reports whether the caller may keep the record. Empty ids
// are always admitted because they cannot be compared.
func (d *Deduplicator) Admit(id string) bool {
	if id == "" {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[id]; ok {
		return false
	}
	d.seen[id] = struct{}{}
	return true
}

// Seed marks ids from a previous run as already emitted.
func (d *Deduplicator) Seed(ids []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range ids {
		if id != "" {
			d.seen[id] = struct{}{}
		}
	}
}

// Len returns the number of distinct ids seen.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// Snapshot returns the sorted id set.
func (d *Deduplicator) Snapshot() []string {
	d.mu.Lock()
	out := make([]string, 0, len(d.seen))
	for id := range d.seen {
		out = append(out, id)
	}
	d.mu.Unlock()
	sort.Strings(out)
	return out
}
