package ember

import (
	"container/heap"
	"sync"
)

// TimeoutCache is the earliest-expiry index the idle-connection reaper
// polls (spec §4.1). It is backed by container/heap the same way the
// pack's one comparable priority-queue use (the smux session's pending
// write-request queue) is: a stdlib binary heap is the idiomatic Go answer
// to "O(log n) earliest-first extraction", and no third-party
// priority-queue library appears anywhere in the retrieved pack.
//
// Each live id has exactly one heap entry: Renew/Update re-key it in place
// (heap.Fix) and Clear removes it from the heap immediately (heap.Remove).
// The generation number records the order of the last Renew/Update and
// breaks ties between equal expiries.
type TimeoutCache struct {
	mu    sync.Mutex
	items timeoutHeap
	live  map[int64]*timeoutEntry
	seq   int64
}

type timeoutEntry struct {
	id         int64
	expiry     int64 // unix seconds
	generation int64
	index      int // heap index, -1 when not in the heap array anymore
}

type timeoutHeap []*timeoutEntry

func (h timeoutHeap) Len() int { return len(h) }
func (h timeoutHeap) Less(i, j int) bool {
	if h[i].expiry != h[j].expiry {
		return h[i].expiry < h[j].expiry
	}
	// Ties broken by insertion order (spec §4.1).
	return h[i].generation < h[j].generation
}
func (h timeoutHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timeoutHeap) Push(x any) {
	e := x.(*timeoutEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timeoutHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// NewTimeoutCache constructs an empty cache.
func NewTimeoutCache() *TimeoutCache {
	return &TimeoutCache{
		live: make(map[int64]*timeoutEntry),
	}
}

// Renew sets id's expiry to now+idleTimeoutSeconds. It is the common-case
// entry point: called on every read and every write completion.
func (c *TimeoutCache) Renew(id int64, now int64, idleTimeoutSeconds int64) {
	c.Update(id, now+idleTimeoutSeconds)
}

// Update overrides id's expiry directly (used by the reaper to defer a
// connection that is mid-response, spec §4.8).
func (c *TimeoutCache) Update(id int64, expiry int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	if e, ok := c.live[id]; ok {
		e.expiry = expiry
		e.generation = c.seq
		if e.index >= 0 {
			heap.Fix(&c.items, e.index)
		} else {
			heap.Push(&c.items, e)
		}
		return
	}

	e := &timeoutEntry{id: id, expiry: expiry, generation: c.seq}
	c.live[id] = e
	heap.Push(&c.items, e)
}

// Clear removes id so it never appears from Extract again until the next
// Renew/Update.
func (c *TimeoutCache) Clear(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked(id)
}

func (c *TimeoutCache) clearLocked(id int64) {
	e, ok := c.live[id]
	if !ok {
		return
	}
	delete(c.live, id)
	if e.index >= 0 {
		heap.Remove(&c.items, e.index)
	}
}

// Extract returns and removes the one live id whose expiry is <= now, or
// (0, false) if none qualifies. As a guard, it pops any heap entry that no
// longer matches the live index.
func (c *TimeoutCache) Extract(now int64) (id int64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.items.Len() > 0 {
		top := c.items[0]
		live, isLive := c.live[top.id]
		if !isLive || live != top {
			// Stale: a newer entry replaced this one, or it was cleared.
			heap.Pop(&c.items)
			continue
		}
		if top.expiry > now {
			return 0, false
		}
		heap.Pop(&c.items)
		delete(c.live, top.id)
		return top.id, true
	}
	return 0, false
}

// Len reports the number of live (non-stale) entries, for tests asserting
// the "every live id appears at most once" invariant.
func (c *TimeoutCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.live)
}
