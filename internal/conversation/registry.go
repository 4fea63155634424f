package conversation

import (
	"sort"
	"sync"
)

// Registry tracks the History of every live connection by connection id.
// Entries are created on accept and removed on close; no connection reads
// another connection's entry.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*History
}

func NewRegistry() *Registry {
	return &Registry{entries: map[string]*History{}}
}

// Open returns the History for id, creating an empty one if id is new.
func (r *Registry) Open(id string) *History {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.entries[id]; ok {
		return h
	}
	h := NewHistory()
	r.entries[id] = h
	return h
}

// Close removes id and reports whether an entry was actually removed.
func (r *Registry) Close(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return false
	}
	delete(r.entries, id)
	return true
}

func (r *Registry) Get(id string) (*History, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.entries[id]
	return h, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
