package plugin

import (
	"fmt"
	"sort"
	"sync"
)

// ServiceRegistry lets plugins compiled into the same child share typed
// services with each other. Keys are namespaced "{plugin_id}.{service}",
// e.g. "echotimer.clock"; a plugin must not squat on another's namespace.
type ServiceRegistry struct {
	mu       sync.RWMutex
	services map[string]any
}

func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{services: make(map[string]any)}
}

// Register stores a service under its key. A duplicate key is an error:
// two plugins claiming the same service is a wiring bug, not a race to
// resolve at runtime.
func (sr *ServiceRegistry) Register(key string, svc any) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	if _, exists := sr.services[key]; exists {
		return fmt.Errorf("service %q already registered", key)
	}
	sr.services[key] = svc
	return nil
}

// MustRegister is Register for init paths where a duplicate is fatal.
func (sr *ServiceRegistry) MustRegister(key string, svc any) {
	if err := sr.Register(key, svc); err != nil {
		panic(err)
	}
}

// Has reports whether a service is registered under the key.
func (sr *ServiceRegistry) Has(key string) bool {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	_, exists := sr.services[key]
	return exists
}

// Keys returns every registered key, sorted.
func (sr *ServiceRegistry) Keys() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	keys := make([]string, 0, len(sr.services))
	for k := range sr.services {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Resolve fetches a service and asserts its type in one step.
func Resolve[T any](sr *ServiceRegistry, key string) (T, error) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	var zero T
	svc, exists := sr.services[key]
	if !exists {
		return zero, fmt.Errorf("service %q not found", key)
	}
	typed, ok := svc.(T)
	if !ok {
		return zero, fmt.Errorf("service %q is %T, want %T", key, svc, zero)
	}
	return typed, nil
}

// MustResolve is Resolve for dependencies a plugin cannot run without.
func MustResolve[T any](sr *ServiceRegistry, key string) T {
	svc, err := Resolve[T](sr, key)
	if err != nil {
		panic(err)
	}
	return svc
}
