package bus

import (
	"net/http"
	"sync"
)

// HeaderBag is a mutex-guarded set of headers shared by all requests a
// client issues. The JWT refresher is the sole writer of the
// "X-Agent-Token" entry; other writers are the daemon at startup/shutdown.
type HeaderBag struct {
	mu      sync.RWMutex
	entries map[string]string
}

// NewHeaderBag creates an empty bag.
func NewHeaderBag() *HeaderBag {
	return &HeaderBag{entries: make(map[string]string)}
}

// Set adds or replaces an entry.
func (b *HeaderBag) Set(key, value string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[key] = value
}

// Remove deletes an entry.
func (b *HeaderBag) Remove(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
}

// Get returns the value for key, or "" when unset.
func (b *HeaderBag) Get(key string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.entries[key]
}

// Apply overlays the bag's entries onto an http.Header.
func (b *HeaderBag) Apply(h http.Header) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for k, v := range b.entries {
		h.Set(k, v)
	}
}
