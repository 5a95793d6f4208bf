package session

import (
	"fmt"
	"sync"

	"k8s.io/klog/v2"

	"github.com/carbonshift/decision-engine/pkg/decisionengine/cache"
	"github.com/carbonshift/decision-engine/pkg/decisionengine/carbon"
	"github.com/carbonshift/decision-engine/pkg/decisionengine/clock"
	"github.com/carbonshift/decision-engine/pkg/decisionengine/config"
	"github.com/carbonshift/decision-engine/pkg/decisionengine/history"
)

// ErrNotFound is returned for reads of an unknown (namespace, name) key.
var ErrNotFound = fmt.Errorf("schedule not found")

// ProviderFactory builds a forecast provider for a new session.
type ProviderFactory func(cfg config.SessionConfig) carbon.Provider

// Registry keys sessions by (namespace, name). Map access is serialised;
// session operations run concurrently across keys.
type Registry struct {
	mutex    sync.Mutex
	sessions map[string]*Session

	defaults    config.SessionConfig
	newProvider ProviderFactory
	clock       clock.Clock
	history     *history.Store
}

// RegistryOptions configures a registry.
type RegistryOptions struct {
	// Defaults seed every new session before its first config push.
	Defaults config.SessionConfig
	// CarbonAPIURL overrides the forecast endpoint. Ignored when
	// NewProvider is set.
	CarbonAPIURL string
	// NewProvider overrides provider construction (tests).
	NewProvider ProviderFactory
	// Clock defaults to the wall clock.
	Clock clock.Clock
	// History is shared by all sessions; may be nil.
	History *history.Store
}

// NewRegistry creates an empty registry. Sessions built from it share one
// forecast cache, so two sessions with the same carbon target reuse samples.
func NewRegistry(opts RegistryOptions) *Registry {
	r := &Registry{
		sessions:    make(map[string]*Session),
		defaults:    opts.Defaults.Clone(),
		newProvider: opts.NewProvider,
		clock:       opts.Clock,
		history:     opts.History,
	}
	if r.clock == nil {
		r.clock = clock.RealClock{}
	}
	if r.newProvider == nil {
		shared := cache.New(opts.Defaults.CarbonCacheTTL, 0)
		url := opts.CarbonAPIURL
		r.newProvider = func(cfg config.SessionConfig) carbon.Provider {
			return carbon.NewClient(url, carbon.Settings{
				Target:   cfg.CarbonTarget,
				Timeout:  cfg.CarbonTimeout,
				CacheTTL: cfg.CarbonCacheTTL,
			}, carbon.WithCache(shared))
		}
	}
	return r
}

func key(namespace, name string) string {
	return namespace + "/" + name
}

// UpdateConfig creates the session if missing and applies the update. The
// partial update is validated against the merged configuration before any
// session state changes.
func (r *Registry) UpdateConfig(namespace, name string, update *config.SessionUpdate) error {
	r.mutex.Lock()
	s, exists := r.sessions[key(namespace, name)]
	if !exists {
		cfg := r.defaults.Clone()
		created, err := New(namespace, name, cfg, Options{
			Provider: r.newProvider(cfg),
			Clock:    r.clock,
			History:  r.history,
		})
		if err != nil {
			r.mutex.Unlock()
			return err
		}
		r.sessions[key(namespace, name)] = created
		s = created
		klog.InfoS("Created scheduler session", "namespace", namespace, "name", name)
	}
	r.mutex.Unlock()

	if err := s.Configure(update); err != nil {
		return err
	}
	return nil
}

// Get returns the session for the key, or ErrNotFound.
func (r *Registry) Get(namespace, name string) (*Session, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	s, exists := r.sessions[key(namespace, name)]
	if !exists {
		return nil, ErrNotFound
	}
	return s, nil
}

// Remove stops the session and drops it from the registry.
func (r *Registry) Remove(namespace, name string) error {
	r.mutex.Lock()
	s, exists := r.sessions[key(namespace, name)]
	delete(r.sessions, key(namespace, name))
	r.mutex.Unlock()

	if !exists {
		return ErrNotFound
	}
	s.Close()
	klog.InfoS("Removed scheduler session", "namespace", namespace, "name", name)
	return nil
}

// Close stops every session.
func (r *Registry) Close() {
	r.mutex.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mutex.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
