package plugin

import (
	"fmt"
	"sort"
	"sync"
)

// factories maps manifest entry names to plugin factories. Plugins compiled
// into the binary register themselves in init().
var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// RegisterFactory makes a plugin constructible by entry name. Registering
// the same entry twice panics: it is a build-time wiring error.
func RegisterFactory(entry string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, dup := factories[entry]; dup {
		panic(fmt.Sprintf("plugin: factory %q registered twice", entry))
	}
	factories[entry] = f
}

// LookupFactory resolves an entry name to its factory.
func LookupFactory(entry string) (Factory, error) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	f, ok := factories[entry]
	if !ok {
		return nil, fmt.Errorf("plugin: no factory registered for entry %q", entry)
	}
	return f, nil
}

// Entries returns all registered entry names, sorted.
func Entries() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
