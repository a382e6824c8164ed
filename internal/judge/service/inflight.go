package service

import (
	"context"
	"sync"

	"ojudge/internal/judge/orchestrator"
)

type inflightEntry struct {
	generation int64
	cancel     context.CancelCauseFunc
}

// registry tracks the judgment currently running for each submission.
type registry struct {
	mu      sync.Mutex
	entries map[string]*inflightEntry
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]*inflightEntry)}
}

// register records a judgment. An older generation still running is superseded.
// It returns nil when a newer generation already owns the submission.
func (r *registry) register(id string, generation int64, cancel context.CancelCauseFunc) *inflightEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.entries[id]; ok {
		if prev.generation > generation {
			return nil
		}
		prev.cancel(orchestrator.ErrSuperseded)
	}
	entry := &inflightEntry{generation: generation, cancel: cancel}
	r.entries[id] = entry
	return entry
}

func (r *registry) remove(id string, entry *inflightEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[id] == entry {
		delete(r.entries, id)
	}
}

func (r *registry) cancel(id string, cause error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		return false
	}
	entry.cancel(cause)
	delete(r.entries, id)
	return true
}

func (r *registry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
