package syncstate

import (
	"strings"
	"sync"
)

// StoreFactory builds a Store from a full DSN. External packages register
// factories for schemes the built-in set does not cover.
type StoreFactory func(dsn string) (Store, error)

var storeFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]StoreFactory
}{
	factories: map[string]StoreFactory{},
}

func RegisterStoreFactory(scheme string, factory StoreFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	storeFactoryRegistry.mu.Lock()
	defer storeFactoryRegistry.mu.Unlock()
	storeFactoryRegistry.factories[scheme] = factory
}

func lookupStoreFactory(scheme string) (StoreFactory, bool) {
	scheme = normalizeScheme(scheme)
	storeFactoryRegistry.mu.RLock()
	defer storeFactoryRegistry.mu.RUnlock()
	factory, ok := storeFactoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
