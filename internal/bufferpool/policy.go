package bufferpool

import (
	"sync"

	"github.com/txcore/engine/internal/storage/pager"
)

// EvictionPolicy decides which resident page to evict next. Implementations
// are pluggable policy objects over the frame set; the pool itself never
// inspects recency/frequency data directly.
//
// Ships with CLOCK (default) and LRU. The source material also names 2Q,
// LRU-K, LIRS, and ARC — deferred per the Open Question resolution recorded
// in DESIGN.md; this interface is shaped so adding them later needs no
// caller-side change.
type EvictionPolicy interface {
	// Add registers a newly resident page as a victim candidate.
	Add(id pager.PageID)
	// Remove deregisters a page (explicit free, or already evicted/flushed).
	Remove(id pager.PageID)
	// Touch records an access, influencing future victim selection.
	Touch(id pager.PageID)
	// Victim returns the next eviction candidate. isPinned reports whether
	// a candidate currently has a non-zero pin count; pinned candidates are
	// skipped. Victim returns false if a full sweep finds nothing evictable.
	Victim(isPinned func(pager.PageID) bool) (pager.PageID, bool)
}

// NewPolicy constructs a policy by name ("clock" or "lru").
func NewPolicy(name string) EvictionPolicy {
	switch name {
	case "lru":
		return newLRUPolicy()
	default:
		return newClockPolicy()
	}
}

// ───────────────────────────────────────────────────────────────────────────
// CLOCK
// ───────────────────────────────────────────────────────────────────────────

type clockEntry struct {
	id  pager.PageID
	ref bool
}

// clockPolicy is the default eviction policy: O(1) amortized, a single
// reference bit per frame, a circular sweep ("clock hand").
type clockPolicy struct {
	mu      sync.Mutex
	entries []clockEntry
	index   map[pager.PageID]int
	hand    int
}

func newClockPolicy() *clockPolicy {
	return &clockPolicy{index: make(map[pager.PageID]int)}
}

func (c *clockPolicy) Add(id pager.PageID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.index[id]; ok {
		return
	}
	c.index[id] = len(c.entries)
	c.entries = append(c.entries, clockEntry{id: id, ref: true})
}

func (c *clockPolicy) Remove(id pager.PageID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i, ok := c.index[id]
	if !ok {
		return
	}
	last := len(c.entries) - 1
	c.entries[i] = c.entries[last]
	c.index[c.entries[i].id] = i
	c.entries = c.entries[:last]
	delete(c.index, id)
	if c.hand >= last {
		c.hand = 0
	}
}

func (c *clockPolicy) Touch(id pager.PageID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i, ok := c.index[id]; ok {
		c.entries[i].ref = true
	}
}

func (c *clockPolicy) Victim(isPinned func(pager.PageID) bool) (pager.PageID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	if n == 0 {
		return 0, false
	}
	// Bound the sweep to two full laps: one to clear ref bits, one to find
	// an unreferenced, unpinned frame.
	for sweeps := 0; sweeps < 2*n; sweeps++ {
		e := &c.entries[c.hand]
		id := e.id
		if isPinned(id) {
			c.hand = (c.hand + 1) % n
			continue
		}
		if e.ref {
			e.ref = false
			c.hand = (c.hand + 1) % n
			continue
		}
		c.hand = (c.hand + 1) % n
		return id, true
	}
	return 0, false
}

// ───────────────────────────────────────────────────────────────────────────
// LRU
// ───────────────────────────────────────────────────────────────────────────

type lruNode struct {
	id         pager.PageID
	prev, next *lruNode
}

// lruPolicy tracks strict recency via a doubly-linked list; Touch moves the
// entry to the front, Victim scans from the back for the first unpinned id.
type lruPolicy struct {
	mu    sync.Mutex
	nodes map[pager.PageID]*lruNode
	head  *lruNode
	tail  *lruNode
}

func newLRUPolicy() *lruPolicy {
	return &lruPolicy{nodes: make(map[pager.PageID]*lruNode)}
}

func (l *lruPolicy) Add(id pager.PageID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.nodes[id]; ok {
		return
	}
	n := &lruNode{id: id}
	l.nodes[id] = n
	l.pushFront(n)
}

func (l *lruPolicy) Remove(id pager.PageID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, ok := l.nodes[id]
	if !ok {
		return
	}
	l.unlink(n)
	delete(l.nodes, id)
}

func (l *lruPolicy) Touch(id pager.PageID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, ok := l.nodes[id]
	if !ok {
		return
	}
	l.unlink(n)
	l.pushFront(n)
}

func (l *lruPolicy) Victim(isPinned func(pager.PageID) bool) (pager.PageID, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for n := l.tail; n != nil; n = n.prev {
		if !isPinned(n.id) {
			return n.id, true
		}
	}
	return 0, false
}

func (l *lruPolicy) pushFront(n *lruNode) {
	n.prev = nil
	n.next = l.head
	if l.head != nil {
		l.head.prev = n
	}
	l.head = n
	if l.tail == nil {
		l.tail = n
	}
}

func (l *lruPolicy) unlink(n *lruNode) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		l.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		l.tail = n.prev
	}
	n.prev, n.next = nil, nil
}
