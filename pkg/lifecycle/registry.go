package lifecycle

import (
	"sort"
	"sync"
)

// Registry indexes live handles by session key, display name and external identity.
// It never closes handles.
type Registry struct {
	mu         sync.RWMutex
	handles    map[string]Handle
	byName     map[string]string
	byIdentity map[string]string
	names      map[string]string // key -> display name
	identities map[string]string // key -> identity
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handles:    make(map[string]Handle),
		byName:     make(map[string]string),
		byIdentity: make(map[string]string),
		names:      make(map[string]string),
		identities: make(map[string]string),
	}
}

// Register stores h for key and returns the handle it replaced, if any.
func (r *Registry) Register(key string, h Handle) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.handles[key]
	r.handles[key] = h
	return prev
}

// Index points identity and displayName at key. The latest registration of a name wins.
func (r *Registry) Index(key, identity, displayName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if identity != "" {
		if old, ok := r.identities[key]; ok && old != identity && r.byIdentity[old] == key {
			delete(r.byIdentity, old)
		}
		r.identities[key] = identity
		r.byIdentity[identity] = key
	}
	if displayName != "" {
		if old, ok := r.names[key]; ok && old != displayName && r.byName[old] == key {
			delete(r.byName, old)
		}
		r.names[key] = displayName
		r.byName[displayName] = key
	}
}

// Lookup returns the handle registered for key.
func (r *Registry) Lookup(key string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[key]
	return h, ok
}

// LookupByDisplayName returns the key most recently indexed under name.
func (r *Registry) LookupByDisplayName(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.byName[name]
	return key, ok
}

// LookupByExternalIdentity returns the key indexed under identity.
func (r *Registry) LookupByExternalIdentity(identity string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.byIdentity[identity]
	return key, ok
}

// DisplayName returns the name key was last indexed under.
func (r *Registry) DisplayName(key string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.names[key]
}

// Release drops the handle of key if it is still h. Indexes are kept.
func (r *Registry) Release(key string, h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.handles[key]
	if !ok || current != h {
		return false
	}
	delete(r.handles, key)
	return true
}

// Remove drops the handle and every index entry of key.
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.handles, key)
	if name, ok := r.names[key]; ok {
		if r.byName[name] == key {
			delete(r.byName, name)
		}
		delete(r.names, key)
	}
	if identity, ok := r.identities[key]; ok {
		if r.byIdentity[identity] == key {
			delete(r.byIdentity, identity)
		}
		delete(r.identities, key)
	}
}

// Known reports whether key has a handle or any index entry.
func (r *Registry) Known(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, live := r.handles[key]
	_, indexed := r.identities[key]
	_, named := r.names[key]
	return live || indexed || named
}

// Keys returns every known key, sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{}, len(r.identities)+len(r.handles))
	for key := range r.handles {
		seen[key] = struct{}{}
	}
	for key := range r.identities {
		seen[key] = struct{}{}
	}
	for key := range r.names {
		seen[key] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of live handles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}
