package breaker

import "sync"

// RegistryConfig supplies per-resource overrides on top of defaults.
type RegistryConfig struct {
	Default   Config
	Resources map[string]Config
}

// Registry is the process-wide map of resource key -> breaker.
// It is constructed once at startup and injected into every worker, so
// failures observed by different workers against the same resource
// count toward the same threshold.
type Registry struct {
	cfg RegistryConfig

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty registry. Breakers are created lazily
// on first Get for a resource key and live for the process lifetime.
func NewRegistry(cfg RegistryConfig) *Registry {
	return &Registry{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for key, creating it on first use.
func (r *Registry) Get(key string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok {
		return b
	}
	b = New(key, r.configFor(key))
	r.breakers[key] = b
	return b
}

// Keys returns the resource keys with live breakers.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.breakers))
	for key := range r.breakers {
		keys = append(keys, key)
	}
	return keys
}

// ResourceState is a point-in-time view of one breaker.
type ResourceState struct {
	Key                 string `json:"key"`
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
}

// Snapshot captures every breaker's state for scraping.
func (r *Registry) Snapshot() []ResourceState {
	r.mu.RLock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.RUnlock()

	out := make([]ResourceState, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, ResourceState{
			Key:                 b.Key(),
			State:               b.State().String(),
			ConsecutiveFailures: b.ConsecutiveFailures(),
		})
	}
	return out
}

func (r *Registry) configFor(key string) Config {
	cfg := r.cfg.Default
	if override, ok := r.cfg.Resources[key]; ok {
		if override.FailureThreshold > 0 {
			cfg.FailureThreshold = override.FailureThreshold
		}
		if override.RecoveryTimeout > 0 {
			cfg.RecoveryTimeout = override.RecoveryTimeout
		}
	}
	return cfg
}
