package flavour

import (
	"fmt"
	"sort"
	"sync"

	"k8s.io/klog/v2"
)

// Registry is a thread-safe set of flavour profiles. Config ingestion is the
// single writer and replaces the whole set; policies read immutable snapshots,
// so readers never hold the lock past the copy.
type Registry struct {
	mutex    sync.RWMutex
	profiles map[string]Profile
}

// NewRegistry creates a registry holding the given initial profiles.
func NewRegistry(profiles ...Profile) *Registry {
	r := &Registry{profiles: make(map[string]Profile, len(profiles))}
	for _, p := range profiles {
		r.profiles[p.Name] = p
	}
	return r
}

// Replace atomically swaps the registered set. The update is rejected when the
// new set would leave no flavour enabled, so the evaluator always has at least
// one candidate once a session has been configured.
func (r *Registry) Replace(profiles []Profile) error {
	if len(profiles) > 0 {
		enabled := 0
		for _, p := range profiles {
			if p.Enabled {
				enabled++
			}
		}
		if enabled == 0 {
			return fmt.Errorf("rejecting flavour update: all %d flavours disabled", len(profiles))
		}
	}

	next := make(map[string]Profile, len(profiles))
	for _, p := range profiles {
		if _, dup := next[p.Name]; dup {
			return fmt.Errorf("rejecting flavour update: duplicate flavour %q", p.Name)
		}
		next[p.Name] = p
	}

	r.mutex.Lock()
	r.profiles = next
	r.mutex.Unlock()

	klog.V(3).InfoS("Replaced flavour set", "count", len(next))
	return nil
}

// Snapshot returns all profiles ordered by descending precision.
func (r *Registry) Snapshot() []Profile {
	r.mutex.RLock()
	out := make([]Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p)
	}
	r.mutex.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Precision != out[j].Precision {
			return out[i].Precision > out[j].Precision
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Enabled returns the enabled profiles ordered by descending precision.
func (r *Registry) Enabled() []Profile {
	all := r.Snapshot()
	out := all[:0]
	for _, p := range all {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

// Len returns the number of registered profiles.
func (r *Registry) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.profiles)
}
