package playback

import (
	"container/list"
	"sync"

	"github.com/example/sync-state-bridge/internal/types"
)

type cacheKey struct {
	Document types.DocumentID
	LSN      int64
}

// cacheEntry stores an encoded full-state update for a particular log position.
type cacheEntry struct {
	LSN   int64
	State []byte
}

type stateCache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[cacheKey]*list.Element
}

func newStateCache(capacity int) *stateCache {
	if capacity < 1 {
		capacity = 1
	}
	return &stateCache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[cacheKey]*list.Element),
	}
}

// Get returns the entry of docID closest to, but not past, targetLSN.
func (c *stateCache) Get(docID types.DocumentID, targetLSN int64) (cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		bestLSN  int64
		bestItem *list.Element
	)
	for key, item := range c.items {
		if key.Document != docID || key.LSN > targetLSN {
			continue
		}
		if bestItem == nil || key.LSN > bestLSN {
			bestLSN = key.LSN
			bestItem = item
		}
	}
	if bestItem == nil {
		return cacheEntry{}, false
	}

	c.ll.MoveToFront(bestItem)
	entry := bestItem.Value.(*cachedState).entry
	entry.State = append([]byte(nil), entry.State...)
	return entry, true
}

type cachedState struct {
	key   cacheKey
	entry cacheEntry
}

func (c *stateCache) Put(docID types.DocumentID, entry cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey{Document: docID, LSN: entry.LSN}
	if element, ok := c.items[key]; ok {
		element.Value.(*cachedState).entry = entry
		c.ll.MoveToFront(element)
		return
	}

	c.items[key] = c.ll.PushFront(&cachedState{key: key, entry: entry})
	if c.ll.Len() > c.capacity {
		last := c.ll.Back()
		c.ll.Remove(last)
		delete(c.items, last.Value.(*cachedState).key)
	}
}

// Len returns the number of cached states.
func (c *stateCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
