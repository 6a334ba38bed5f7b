package vectorstore

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"memscreen/internal/config"
	"memscreen/internal/memerr"
)

// Constructor builds a provider-backed Store for one collection.
type Constructor func(opts config.VectorStoreOptions, collection string, dims int) (Store, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{}
)

// Register makes a provider available to New. Re-registering a name panics.
func Register(name string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("vectorstore: Register called twice for provider %q", name))
	}
	registry[name] = ctor
}

// New builds the named provider scoped to collection.
func New(provider string, opts config.VectorStoreOptions, collection string, dims int) (Store, error) {
	registryMu.RLock()
	ctor, ok := registry[provider]
	registryMu.RUnlock()
	if !ok {
		return nil, memerr.Errorf("vectorstore.New", memerr.KindConfig,
			"unknown vector store provider %q (have %s)", provider, strings.Join(registeredNames(), ", "))
	}
	if collection == "" {
		collection = opts.CollectionName
	}
	if collection == "" {
		return nil, memerr.Errorf("vectorstore.New", memerr.KindConfig, "collection name is required")
	}
	if dims <= 0 {
		return nil, memerr.Errorf("vectorstore.New", memerr.KindConfig, "embedding dimensions must be positive, got %d", dims)
	}
	return ctor(opts, collection, dims)
}

func registeredNames() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
