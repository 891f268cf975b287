package kernel

import "sync"

// Item is one registry entry.
type Item[T any] struct {
	Name  string
	Value T
}

// Registry is a name-keyed map that remembers insertion order. Reads return
// snapshots, so callers may iterate while the registry changes.
type Registry[T any] struct {
	mu    sync.RWMutex
	order []string
	items map[string]T
}

func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{items: make(map[string]T)}
}

// Put stores v under name. Replacing an entry keeps its position and
// returns the previous value.
func (r *Registry[T]) Put(name string, v T) (prev T, replaced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, replaced = r.items[name]
	if !replaced {
		r.order = append(r.order, name)
	}
	r.items[name] = v
	return prev, replaced
}

func (r *Registry[T]) Get(name string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.items[name]
	return v, ok
}

// Remove deletes name and returns the removed value.
func (r *Registry[T]) Remove(name string) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.items[name]
	if !ok {
		return v, false
	}
	delete(r.items, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	return v, true
}

func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// Snapshot returns the entries in insertion order.
func (r *Registry[T]) Snapshot() []Item[T] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Item[T], 0, len(r.order))
	for _, name := range r.order {
		out = append(out, Item[T]{Name: name, Value: r.items[name]})
	}
	return out
}

// Reversed returns the entries in reverse insertion order.
func (r *Registry[T]) Reversed() []Item[T] {
	out := r.Snapshot()
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
