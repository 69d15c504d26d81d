// Package registry implements the thread-safe runner store that the
// Dispatcher borrows runners from by name or by capability.
package registry

import (
	"errors"
	"sort"
	"sync"

	"github.com/aidispatch/dispatcher/internal/inference"
)

// ErrNoCapabilities is returned by Register when a runner declares no
// capabilities at all; such a runner could never be selected for anything,
// so registration is rejected rather than silently accepted.
var ErrNoCapabilities = errors.New("registry: runner declares no capabilities")

// Registry is a thread-safe store of runners indexed by name and by
// capability. All reads (Lookup, ListFor, All) may run concurrently; writes
// (Register, Unregister, Clear) are exclusive, per SPEC_FULL.md §4.1.
type Registry struct {
	mu           sync.RWMutex
	byName       map[string]inference.Runner
	byCapability map[inference.Capability][]inference.Runner
	// order records registration order per runner name, used by the
	// Selector to break priority/vendor ties deterministically.
	order map[string]int
	next  int
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		byName:       make(map[string]inference.Runner),
		byCapability: make(map[inference.Capability][]inference.Runner),
		order:        make(map[string]int),
	}
}

// Register adds a runner to the registry. It is rejected if the runner's
// name is already registered or if it declares no capabilities.
func (r *Registry) Register(runner inference.Runner) error {
	info := runner.Info()
	if len(info.Capabilities) == 0 {
		return ErrNoCapabilities
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[info.Name]; exists {
		return errors.New("registry: runner " + info.Name + " already registered")
	}

	r.byName[info.Name] = runner
	r.order[info.Name] = r.next
	r.next++
	for _, cap := range info.Capabilities {
		r.byCapability[cap] = append(r.byCapability[cap], runner)
	}
	return nil
}

// Unregister removes a runner by name. It returns false if no such runner
// was registered.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	runner, exists := r.byName[name]
	if !exists {
		return false
	}
	delete(r.byName, name)
	delete(r.order, name)

	for cap, runners := range r.byCapability {
		filtered := runners[:0]
		for _, candidate := range runners {
			if candidate != runner {
				filtered = append(filtered, candidate)
			}
		}
		if len(filtered) == 0 {
			delete(r.byCapability, cap)
		} else {
			r.byCapability[cap] = filtered
		}
	}
	return true
}

// Lookup returns the runner registered under name, or nil if none exists.
func (r *Registry) Lookup(name string) inference.Runner {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[name]
}

// ListFor returns the runners declaring the given capability, in
// registration order. The returned slice is a copy; callers may freely sort
// or filter it.
func (r *Registry) ListFor(capability inference.Capability) []inference.Runner {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runners := r.byCapability[capability]
	out := make([]inference.Runner, len(runners))
	copy(out, runners)
	return out
}

// All returns every registered runner, in registration order.
func (r *Registry) All() []inference.Runner {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return r.order[names[i]] < r.order[names[j]] })

	out := make([]inference.Runner, 0, len(names))
	for _, name := range names {
		out = append(out, r.byName[name])
	}
	return out
}

// RegistrationOrder returns the order index assigned to name at Register
// time, used by the Selector to break ties. It returns -1 if name is not
// registered.
func (r *Registry) RegistrationOrder(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if order, ok := r.order[name]; ok {
		return order
	}
	return -1
}

// Clear removes every registered runner.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName = make(map[string]inference.Runner)
	r.byCapability = make(map[inference.Capability][]inference.Runner)
	r.order = make(map[string]int)
	r.next = 0
}
