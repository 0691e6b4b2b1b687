package internal

import (
	"sync"
)

// SafeMap is a concurrency-safe map
type SafeMap[K comparable, V any] struct {
	m  map[K]V
	mu sync.RWMutex
}

// NewSafeMap constructs an empty SafeMap, with the given key and value types.
func NewSafeMap[K comparable, V any]() *SafeMap[K, V] {
	return &SafeMap[K, V]{
		m: make(map[K]V),
	}
}

func (r *SafeMap[K, V]) Set(key K, value V) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.m[key] = value
}

func (r *SafeMap[K, V]) Get(key K) (V, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	value, ok := r.m[key]
	return value, ok
}

func (r *SafeMap[K, V]) Delete(key K) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.m, key)
}

// Swap sets the value for key, returning the previous value if any.
func (r *SafeMap[K, V]) Swap(key K, value V) (previous V, loaded bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	previous, loaded = r.m[key]
	r.m[key] = value
	return previous, loaded
}

// CompareAndDelete deletes the entry for key only if fn returns true for its
// current value.
func (r *SafeMap[K, V]) CompareAndDelete(key K, fn func(V) bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	value, ok := r.m[key]
	if !ok || !fn(value) {
		return false
	}
	delete(r.m, key)
	return true
}

// Values returns a snapshot of the map's values.
func (r *SafeMap[K, V]) Values() []V {
	r.mu.RLock()
	defer r.mu.RUnlock()

	values := make([]V, 0, len(r.m))
	for _, v := range r.m {
		values = append(values, v)
	}
	return values
}

func (r *SafeMap[K, V]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.m)
}
