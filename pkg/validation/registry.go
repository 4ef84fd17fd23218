package validation

import (
	"fmt"
	"net/url"
	"sort"
	"sync"
)

// Factory creates a validator from its configuration parameters
type Factory func(params map[string]string) (Validator, error)

// Registry maps factory names to factories and caches the validators it
// created. A cached validator is reused only for the same configuration id,
// validator id, factory and parameters.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	instances map[string]Validator
}

// DefaultRegistry holds the built-in validators
var DefaultRegistry = NewRegistry()

// NewRegistry creates a registry with the built-in validators registered
func NewRegistry() *Registry {
	r := &Registry{
		factories: make(map[string]Factory),
		instances: make(map[string]Validator),
	}
	registerBuiltins(r)
	return r
}

// Register adds a factory. Registering a name twice replaces the factory and
// drops the cached validators.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		r.instances = make(map[string]Validator)
	}
	r.factories[name] = f
}

// Factories returns the registered factory names
func (r *Registry) Factories() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Instance returns the validator for vc within the configuration with the
// given id, creating it on first use
func (r *Registry) Instance(configID string, vc ValidatorConfig) (Validator, error) {
	key := instanceKey(configID, vc)

	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := r.instances[key]; ok {
		return v, nil
	}
	f, ok := r.factories[vc.Factory]
	if !ok {
		return nil, fmt.Errorf("unknown validator factory %q", vc.Factory)
	}
	v, err := f(vc.Parameters)
	if err != nil {
		return nil, fmt.Errorf("creating validator: %w", err)
	}
	if v == nil {
		return nil, fmt.Errorf("factory %q returned no validator", vc.Factory)
	}
	r.instances[key] = v
	return v, nil
}

// instanceKey identifies a validator instance. Parameters are encoded in
// sorted key order.
func instanceKey(configID string, vc ValidatorConfig) string {
	params := make(url.Values, len(vc.Parameters))
	for k, v := range vc.Parameters {
		params.Set(k, v)
	}
	return url.PathEscape(configID) + "/" + url.PathEscape(vc.ID) + "/" +
		url.PathEscape(vc.Factory) + "?" + params.Encode()
}
