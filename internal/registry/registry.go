package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

const defaultDispatchTimeout = 30 * time.Second

// Registry is the live candidate set. Upserts come from configuration and
// the health feed; snapshots are taken per request without blocking updates.
type Registry struct {
	mu         sync.RWMutex
	candidates map[string]*Candidate
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{candidates: make(map[string]*Candidate)}
}

// validateProfile enforces the candidate shape at the registry boundary so
// use sites never re-check it.
func validateProfile(p Profile) error {
	if p.ID == "" {
		return fmt.Errorf("candidate id is required")
	}
	if p.Provider == "" {
		return fmt.Errorf("candidate %s: provider is required", p.ID)
	}
	if p.Endpoint == "" {
		return fmt.Errorf("candidate %s: endpoint is required", p.ID)
	}
	if p.CapacityScore < 0 || p.CapacityScore > 100 {
		return fmt.Errorf("candidate %s: capacity score must be between 0 and 100", p.ID)
	}
	if p.CostPerUnit < 0 {
		return fmt.Errorf("candidate %s: cost per unit cannot be negative", p.ID)
	}
	return nil
}

// Upsert registers or updates a candidate profile. An update preserves the
// existing health signal, latency history, and in-flight counter. Profiles
// are never mutated in place: the update publishes a fresh Candidate, so
// requests holding snapshot pointers keep reading a consistent profile.
func (r *Registry) Upsert(p Profile) (*Candidate, error) {
	if err := validateProfile(p); err != nil {
		return nil, err
	}
	if p.Timeout <= 0 {
		p.Timeout = defaultDispatchTimeout
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.candidates[p.ID]; ok {
		next := existing.withProfile(p)
		r.candidates[p.ID] = next
		return next, nil
	}

	c := newCandidate(p)
	r.candidates[p.ID] = c
	return c, nil
}

// Remove deletes a candidate from the registry.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.candidates, id)
}

// Get returns a candidate by id.
func (r *Registry) Get(id string) (*Candidate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.candidates[id]
	return c, ok
}

// Snapshot returns the active, healthy candidates whose id is in the
// caller's allowed set, ordered by id for determinism. The snapshot is a
// point-in-time view: concurrent health updates are not locked out, which
// is acceptable because scoring treats health signals as soft.
func (r *Registry) Snapshot(allowedModels []string) []*Candidate {
	allowed := make(map[string]struct{}, len(allowedModels))
	for _, m := range allowedModels {
		allowed[m] = struct{}{}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Candidate, 0, len(allowed))
	for id, c := range r.candidates {
		if _, ok := allowed[id]; !ok {
			continue
		}
		if !c.Active || c.Health() == HealthDown {
			continue
		}
		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// All returns every registered candidate, for the health prober.
func (r *Registry) All() []*Candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Candidate, 0, len(r.candidates))
	for _, c := range r.candidates {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
