package storage

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Settings holds provider specific configuration values
type Settings map[string]string

// Get returns the value for key, or def when it is not set
func (s Settings) Get(key, def string) string {
	if v, ok := s[key]; ok && v != "" {
		return v
	}
	return def
}

// Int returns the integer value for key, or def when it is not set
func (s Settings) Int(key string, def int) (int, error) {
	v, ok := s[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("setting %s: %w", key, err)
	}
	return n, nil
}

// Duration returns the duration value for key, or def when it is not set
func (s Settings) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := s[key]
	if !ok || v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("setting %s: %w", key, err)
	}
	return d, nil
}

// Factory opens a provider with the given settings
type Factory func(ctx context.Context, settings Settings) (Provider, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a provider available under the given name. It is meant to
// be called from the init function of the provider package and panics if
// the name is registered twice or the factory is nil.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if factory == nil {
		panic("storage: Register factory is nil")
	}
	if _, dup := registry[name]; dup {
		panic("storage: Register called twice for provider " + name)
	}
	registry[name] = factory
}

// Providers returns the names of the registered providers
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

// Open opens the provider registered under name
func Open(ctx context.Context, name string, settings Settings) (Provider, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown storage provider %q (forgotten import?)", name)
	}
	if settings == nil {
		settings = Settings{}
	}
	p, err := factory(ctx, settings)
	if err != nil {
		return nil, fmt.Errorf("opening storage provider %s: %w", name, err)
	}
	return p, nil
}
