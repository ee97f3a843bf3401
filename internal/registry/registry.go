// Package registry provides a small concurrent map keyed by conversation ID.
//
// Workers track per-conversation state in one of these: the VAD worker its
// audio sessions, the orchestrator its in-flight generation cancel handles.
// All methods are safe for concurrent use.
package registry

import "sync"

// Registry maps conversation IDs to values of type T.
// The zero value is not usable; create instances with New.
type Registry[T any] struct {
	mu sync.Mutex
	m  map[string]T
}

// New creates an empty registry.
func New[T any]() *Registry[T] {
	return &Registry[T]{m: make(map[string]T)}
}

// Get returns the value for id, if present.
func (r *Registry[T]) Get(id string) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.m[id]
	return v, ok
}

// GetOrCreate returns the value for id, calling create under the lock to
// make one if absent. The bool reports whether the value already existed.
// create must not call back into the registry.
func (r *Registry[T]) GetOrCreate(id string, create func() T) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.m[id]; ok {
		return v, true
	}
	v := create()
	r.m[id] = v
	return v, false
}

// Put stores the value for id, replacing any existing entry.
func (r *Registry[T]) Put(id string, v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[id] = v
}

// Remove deletes and returns the value for id. The bool reports whether an
// entry existed; removing a missing id is a no-op.
func (r *Registry[T]) Remove(id string) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.m[id]
	if ok {
		delete(r.m, id)
	}
	return v, ok
}

// ForEach calls fn with a snapshot of all entries. fn runs outside the lock,
// so it may call back into the registry.
func (r *Registry[T]) ForEach(fn func(id string, v T)) {
	r.mu.Lock()
	snapshot := make(map[string]T, len(r.m))
	for id, v := range r.m {
		snapshot[id] = v
	}
	r.mu.Unlock()

	for id, v := range snapshot {
		fn(id, v)
	}
}

// Len returns the number of entries.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}
