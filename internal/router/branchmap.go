package router

import (
	"container/list"
	"sync"
)

// BranchMap remembers the fork session each conversation thread resumed
// into, so follow-up messages in the same thread continue the fork rather
// than the original session. Bounded LRU; at most one entry per thread.
type BranchMap struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	order    *list.List // front = most recently used
}

type branchEntry struct {
	threadID  string
	sessionID string
}

// NewBranchMap creates a branch map bounded to capacity entries.
func NewBranchMap(capacity int) *BranchMap {
	if capacity <= 0 {
		capacity = 4096
	}
	return &BranchMap{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Get returns the fork session for a thread.
func (b *BranchMap) Get(threadID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	el, ok := b.entries[threadID]
	if !ok {
		return "", false
	}
	b.order.MoveToFront(el)
	return el.Value.(*branchEntry).sessionID, true
}

// Put records or updates the fork session for a thread. Existing entries
// are updated in place; the oldest entry is evicted at capacity.
func (b *BranchMap) Put(threadID, sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if el, ok := b.entries[threadID]; ok {
		el.Value.(*branchEntry).sessionID = sessionID
		b.order.MoveToFront(el)
		return
	}

	if b.order.Len() >= b.capacity {
		oldest := b.order.Back()
		if oldest != nil {
			b.order.Remove(oldest)
			delete(b.entries, oldest.Value.(*branchEntry).threadID)
		}
	}
	b.entries[threadID] = b.order.PushFront(&branchEntry{threadID: threadID, sessionID: sessionID})
}

// Len returns the number of tracked threads.
func (b *BranchMap) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
