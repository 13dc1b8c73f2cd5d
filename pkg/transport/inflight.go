package transport

import (
	"context"
	"sync"
)

// InFlightRegistry maps the request ids of running dispatches to their
// cancel functions so that DELETE /v1/dispatch/{id} can abort a slow
// backend call. All methods are safe for concurrent use.
type InFlightRegistry struct {
	mu      sync.Mutex
	entries map[string]context.CancelFunc
}

// NewInFlightRegistry creates a new empty registry.
func NewInFlightRegistry() *InFlightRegistry {
	return &InFlightRegistry{
		entries: make(map[string]context.CancelFunc),
	}
}

// Register records cancel under id. It reports false, leaving the registry
// unchanged, when id is already in flight.
func (r *InFlightRegistry) Register(id string, cancel context.CancelFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.entries[id]; dup {
		return false
	}
	r.entries[id] = cancel
	return true
}

// Cancel aborts the dispatch registered under id. It reports whether one
// was found.
func (r *InFlightRegistry) Cancel(id string) bool {
	r.mu.Lock()
	cancel, ok := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Remove forgets id without cancelling it.
func (r *InFlightRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Len returns the number of dispatches in flight.
func (r *InFlightRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
