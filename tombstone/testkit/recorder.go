package testkit

import "sync"

// Recorder is an optional, shared append-only event log a test can attach
// to a VersionVector/RegionMap/Region so it can assert the persistence
// barrier and distribution ordering of batch reclamation (spec.md §4.4
// step 6, testable property 2) instead of only counting calls.
type Recorder struct {
	mu     sync.Mutex
	events []string
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) record(event string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

// Events returns every recorded event in call order.
func (r *Recorder) Events() []string {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}
