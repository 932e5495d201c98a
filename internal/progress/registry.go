package progress

import (
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/multisession-harvester/internal/harvest"
)

// DefaultRetention is how long a completed run stays pollable.
const DefaultRetention = time.Hour

// Registry maps run ids to trackers. Completed runs are dropped once they are
// older than the retention window.
type Registry struct {
	mu      sync.RWMutex
	runs    map[string]*Tracker
	retain  time.Duration
	clock   harvest.Clock
	emitter Emitter
}

// NewRegistry creates an empty registry.
func NewRegistry(retain time.Duration, clock harvest.Clock, emitter Emitter) *Registry {
	if retain <= 0 {
		retain = DefaultRetention
	}
	return &Registry{
		runs:    make(map[string]*Tracker),
		retain:  retain,
		clock:   clock,
		emitter: emitter,
	}
}

// Create registers a new tracker for runID.
func (r *Registry) Create(runID string) (*Tracker, error) {
	if runID == "" {
		return nil, fmt.Errorf("create tracker: empty run id")
	}
	r.Sweep()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[runID]; ok {
		return nil, fmt.Errorf("create tracker: run %s already registered", runID)
	}
	t := NewTracker(runID, r.clock, r.emitter)
	r.runs[runID] = t
	return t, nil
}

// Get returns the tracker for runID.
func (r *Registry) Get(runID string) (*Tracker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.runs[runID]
	return t, ok
}

// Release forgets runID and reports whether it was registered.
func (r *Registry) Release(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.runs[runID]
	delete(r.runs, runID)
	return ok
}

// Sweep drops completed runs past the retention window and returns how many
// were removed.
func (r *Registry) Sweep() int {
	cutoff := r.clock.Now().Add(-r.retain)
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, t := range r.runs {
		if t.finishedBefore(cutoff) {
			delete(r.runs, id)
			removed++
		}
	}
	return removed
}

// Len reports the number of tracked runs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runs)
}
