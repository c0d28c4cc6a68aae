package driver

import (
	"fmt"
	"sort"
	"sync"
)

// ProviderConfig carries the resolved LLM settings a registered constructor
// needs to build its factory.
type ProviderConfig struct {
	Model   string
	APIKey  string
	BaseURL string
}

// Constructor builds a provider-specific factory.
type Constructor func(cfg ProviderConfig) (Factory, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{}
)

// Register makes a driver constructor available under the given provider
// name. Concrete drivers register themselves from an init function and are
// linked into the daemon binary with a blank import, like database/sql
// drivers. Register panics on a duplicate name.
func Register(provider string, c Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if c == nil {
		panic("driver: Register constructor is nil")
	}
	if _, dup := registry[provider]; dup {
		panic(fmt.Sprintf("driver: Register called twice for provider %q", provider))
	}
	registry[provider] = c
}

// NewFactory builds the factory for the named provider.
func NewFactory(provider string, cfg ProviderConfig) (Factory, error) {
	registryMu.RLock()
	c, ok := registry[provider]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown LLM provider %q (registered: %v)", provider, Providers())
	}
	return c(cfg)
}

// Providers lists the registered provider names, sorted.
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
