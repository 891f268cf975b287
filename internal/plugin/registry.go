package plugin

import (
	"fmt"
	"sort"
	"sync"
)

// Factory creates a fresh plugin instance.
type Factory func() Plugin

// Bundle maps class names to factories. A bundle is the unit a deployment
// descriptor selects with its "file" field.
type Bundle map[string]Factory

var (
	bundles = make(map[string]Bundle)
	mu      sync.RWMutex
)

// RegisterBundle adds a named bundle to the registry. It is meant to be
// called from an init function and panics on a duplicate or empty name.
func RegisterBundle(name string, b Bundle) {
	mu.Lock()
	defer mu.Unlock()

	if name == "" {
		panic("plugin: bundle name required")
	}
	if _, exists := bundles[name]; exists {
		panic(fmt.Sprintf("plugin: bundle %q already registered", name))
	}
	cp := make(Bundle, len(b))
	for class, f := range b {
		cp[class] = f
	}
	bundles[name] = cp
}

// LookupBundle returns a registered bundle.
func LookupBundle(name string) (Bundle, bool) {
	mu.RLock()
	defer mu.RUnlock()
	b, ok := bundles[name]
	return b, ok
}

// Bundles returns all registered bundle names in sorted order.
func Bundles() []string {
	mu.RLock()
	defer mu.RUnlock()

	names := make([]string, 0, len(bundles))
	for name := range bundles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Classes returns the class names of a bundle in sorted order.
func (b Bundle) Classes() []string {
	classes := make([]string, 0, len(b))
	for class := range b {
		classes = append(classes, class)
	}
	sort.Strings(classes)
	return classes
}

// unregisterBundle is used by tests to keep the global registry clean.
func unregisterBundle(name string) {
	mu.Lock()
	defer mu.Unlock()
	delete(bundles, name)
}
