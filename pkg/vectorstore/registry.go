package vectorstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Config carries provider-specific settings for opening a store.
type Config struct {
	// Provider selects the implementation: "memory" or "firestore".
	Provider string

	// ProjectID is the GCP project for the firestore provider.
	ProjectID string

	// CredentialsFile is an optional service-account credentials path
	// for the firestore provider.
	CredentialsFile string

	// Collection is the firestore collection name holding embedding
	// documents (default: "embeddings").
	Collection string
}

// Factory creates a Store from configuration.
type Factory func(ctx context.Context, cfg Config) (Store, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a store provider available under a name. Providers
// register themselves from init.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Open creates a store for the configured provider.
func Open(ctx context.Context, cfg Config) (Store, error) {
	registryMu.RLock()
	factory, ok := registry[cfg.Provider]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown vector store provider %q (available: %v)", cfg.Provider, Providers())
	}

	return factory(ctx, cfg)
}

// Providers returns the registered provider names, sorted.
func Providers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
