package ezproxy

import (
	"slices"
	"sync"
)

// FilterFunc decides whether a record is kept for persistence and testing.
type FilterFunc func(rec *Record) bool

// FilterChain is an insertion-ordered set of named record filters.
//
// Every filter that accepts a record triggers the full downstream effect
// set (persist, body write, update event, test run) once, so a record
// accepted by two filters is processed twice. An empty chain accepts
// every record exactly once.
type FilterChain struct {
	mu      sync.RWMutex
	names   []string
	filters map[string]FilterFunc
}

// NewFilterChain creates an empty chain.
func NewFilterChain() *FilterChain {
	return &FilterChain{filters: make(map[string]FilterFunc)}
}

// Add registers fn under name. Replacing an existing filter keeps its
// position.
func (fc *FilterChain) Add(name string, fn FilterFunc) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if _, ok := fc.filters[name]; !ok {
		fc.names = append(fc.names, name)
	}
	fc.filters[name] = fn
}

// Remove deletes the filter registered under name.
func (fc *FilterChain) Remove(name string) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if _, ok := fc.filters[name]; !ok {
		return
	}
	delete(fc.filters, name)
	fc.names = slices.DeleteFunc(fc.names, func(n string) bool { return n == name })
}

// RemoveAll deletes every filter.
func (fc *FilterChain) RemoveAll() {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.names = nil
	fc.filters = make(map[string]FilterFunc)
}

// Names returns the filter names in insertion order.
func (fc *FilterChain) Names() []string {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	return slices.Clone(fc.names)
}

// Len returns the number of registered filters.
func (fc *FilterChain) Len() int {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	return len(fc.names)
}

// Passes returns how many times rec should be processed: 1 for an empty
// chain, otherwise the number of filters that accept it.
func (fc *FilterChain) Passes(rec *Record) int {
	fc.mu.RLock()
	names := slices.Clone(fc.names)
	filters := make([]FilterFunc, len(names))
	for i, n := range names {
		filters[i] = fc.filters[n]
	}
	fc.mu.RUnlock()

	if len(filters) == 0 {
		return 1
	}
	passes := 0
	for _, f := range filters {
		if f(rec) {
			passes++
		}
	}
	return passes
}
