package provider

import (
	"fmt"
	"sort"
	"sync"
)

// Registry resolves model keys to providers. Providers register under
// their name; model keys are bound to provider names from configuration.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	models    map[string]string // model key -> provider name
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		models:    make(map[string]string),
	}
}

// Register adds a provider under its name, replacing any previous one.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Bind routes a model key to a registered provider name.
func (r *Registry) Bind(model, providerName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.providers[providerName]; !ok {
		return fmt.Errorf("bind %s: unknown provider %q", model, providerName)
	}
	r.models[model] = providerName
	return nil
}

// Resolve returns the provider serving a model key, or
// ErrModelNotSupported when the model is not bound.
func (r *Registry) Resolve(model string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name, ok := r.models[model]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModelNotSupported, model)
	}

	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s (provider %s missing)", ErrModelNotSupported, model, name)
	}
	return p, nil
}

// Models returns the bound model keys, sorted.
func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.models))
	for k := range r.models {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
