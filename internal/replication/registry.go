package replication

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/roach88/policysync/internal/node"
)

// Registry tracks every request that has not reached AVAILABLE.
// ERROR entries stay until deleted. All methods are safe for concurrent use
// and each is atomic with respect to the others.
type Registry struct {
	mu      sync.Mutex
	entries map[Key]*Request
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[Key]*Request)}
}

// Insert adds reqs, all or nothing. Fails with a conflict if any key is
// already tracked, whatever its state, or appears twice in reqs.
func (r *Registry) Insert(reqs ...Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[Key]bool, len(reqs))
	for _, req := range reqs {
		k := req.Key()
		if existing, ok := r.entries[k]; ok {
			return conflictError(k, "request %s already tracked in state %s", existing.ID, existing.State)
		}
		if seen[k] {
			return conflictError(k, "duplicate key in submission")
		}
		seen[k] = true
	}
	for _, req := range reqs {
		r.entries[req.Key()] = &req
	}
	return nil
}

// Lookup returns a snapshot of the entry for k.
func (r *Registry) Lookup(k Key) (Request, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.entries[k]
	if !ok {
		return Request{}, false
	}
	return *req, true
}

// Get returns snapshots of every entry for target, oldest first.
func (r *Registry) Get(target node.ID) []Request {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Request
	for k, req := range r.entries {
		if k.Target == target {
			out = append(out, *req)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Key().String() < out[j].Key().String()
	})
	return out
}

// Upsert sets the state of the entry for k. detail is recorded as the
// entry's error and cleared for any state but ERROR.
func (r *Registry) Upsert(k Key, state State, detail string, at time.Time) (Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.entries[k]
	if !ok {
		return Request{}, fmt.Errorf("registry: no entry for %s", k)
	}
	req.State = state
	req.UpdatedAt = at
	if state == StateError {
		req.Error = detail
	} else {
		req.Error = ""
	}
	return *req, nil
}

// Rekey moves the entry at from to to. Moving onto a tracked key conflicts.
func (r *Registry) Rekey(from, to Key) error {
	if from == to {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.entries[from]
	if !ok {
		return fmt.Errorf("registry: no entry for %s", from)
	}
	if _, taken := r.entries[to]; taken {
		return conflictError(to, "cannot rekey %s: key already tracked", from)
	}
	delete(r.entries, from)
	req.Target = to.Target
	req.ArtifactID = to.Artifact
	r.entries[to] = req
	return nil
}

// Remove drops the entry for k. Reports whether one existed.
func (r *Registry) Remove(k Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[k]
	delete(r.entries, k)
	return ok
}

// Clear drops the entry for k if it is in ERROR and reports whether it did.
// An entry in any other state is in flight and yields a conflict.
func (r *Registry) Clear(k Key) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.entries[k]
	if !ok {
		return false, nil
	}
	if req.State != StateError {
		return false, conflictError(k, "request %s in progress (%s)", req.ID, req.State)
	}
	delete(r.entries, k)
	return true, nil
}

// Len returns the number of tracked entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
