// Package lockmgr implements the hierarchical lock manager: intention locks
// over a Database > Table > Page > Row resource hierarchy, FIFO wait queues,
// a wait-for graph for cycle-based deadlock detection, and strict two-phase
// locking release discipline (locks held by a transaction are only released
// at commit/abort, or explicitly at a savepoint boundary).
package lockmgr

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/txcore/engine/internal/errs"
)

// Mode is a lock mode in the standard multi-granularity hierarchy.
type Mode int

const (
	// IS: intention-shared — a descendant will be read-locked.
	IS Mode = iota
	// IX: intention-exclusive — a descendant will be write-locked.
	IX
	// S: shared — this resource itself is read-locked.
	S
	// SIX: shared + intention-exclusive — read this resource, write a descendant.
	SIX
	// X: exclusive — this resource itself is write-locked.
	X
)

func (m Mode) String() string {
	switch m {
	case IS:
		return "IS"
	case IX:
		return "IX"
	case S:
		return "S"
	case SIX:
		return "SIX"
	case X:
		return "X"
	default:
		return "?"
	}
}

// compatible[held][requested] is the standard intention-lock compatibility
// matrix: true means a holder in mode `held` does not block a new requester
// wanting `requested` on the same resource.
var compatible = [5][5]bool{
	//           IS     IX     S      SIX    X
	/* IS  */ {true, true, true, true, false},
	/* IX  */ {true, true, false, false, false},
	/* S   */ {true, false, true, false, false},
	/* SIX */ {true, false, false, false, false},
	/* X   */ {false, false, false, false, false},
}

// ResourceID identifies a node in the Database > Table > Page > Row
// hierarchy. Kind disambiguates otherwise-colliding numeric IDs across
// levels (a page ID and a row key are different namespaces).
type ResourceID struct {
	Kind string // "db", "table", "page", "row"
	Key  string
}

func (r ResourceID) String() string { return r.Kind + ":" + r.Key }

// TxnID identifies a lock holder/waiter.
type TxnID uint64

type grant struct {
	txn  TxnID
	mode Mode
}

type waiter struct {
	txn    TxnID
	mode   Mode
	ready  chan struct{}
	failed error
}

type resourceLocks struct {
	mu      sync.Mutex
	holders []grant
	queue   []*waiter
}

// Manager is the lock manager. One Manager serves an entire engine instance;
// resources across all hierarchy levels share its table.
type Manager struct {
	mu        sync.Mutex
	resources map[ResourceID]*resourceLocks
	heldBy    map[TxnID]map[ResourceID]Mode // for release_all and lock_table()
	waitFor   map[TxnID]map[TxnID]struct{}  // wait-for edges, maintained alongside queues
	timeout   time.Duration
}

// Config configures a Manager.
type Config struct {
	// AcquireTimeout bounds how long Acquire blocks before returning
	// KindLockTimeout. Zero uses the default of 30s.
	AcquireTimeout time.Duration
}

// New constructs an empty Manager.
func New(cfg Config) *Manager {
	timeout := cfg.AcquireTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Manager{
		resources: make(map[ResourceID]*resourceLocks),
		heldBy:    make(map[TxnID]map[ResourceID]Mode),
		waitFor:   make(map[TxnID]map[TxnID]struct{}),
		timeout:   timeout,
	}
}

func (m *Manager) resourceFor(id ResourceID) *resourceLocks {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.resources[id]
	if !ok {
		r = &resourceLocks{}
		m.resources[id] = r
	}
	return r
}

// Acquire requests mode on id for txn, blocking until granted, the context
// is cancelled, the acquire timeout elapses, or the acquisition is chosen as
// a deadlock victim. Re-acquiring a resource already held by txn at the same
// or a weaker mode returns immediately; asking for a stronger mode is an
// upgrade that drops the old grant and re-requests at the new mode, queuing
// if other holders conflict.
func (m *Manager) Acquire(ctx context.Context, txn TxnID, id ResourceID, mode Mode) error {
	r := m.resourceFor(id)

	r.mu.Lock()
	if idx, held := findGrant(r.holders, txn); held {
		if r.holders[idx].mode >= mode {
			r.mu.Unlock()
			return nil
		}
		// Upgrade: drop the old grant and fall through to re-request at the
		// stronger mode, queuing behind any other holders if necessary.
		r.holders = append(r.holders[:idx], r.holders[idx+1:]...)
	}

	if grantable(r, mode) {
		r.holders = append(r.holders, grant{txn: txn, mode: mode})
		r.mu.Unlock()
		m.recordHeld(txn, id, mode)
		return nil
	}

	w := &waiter{txn: txn, mode: mode, ready: make(chan struct{})}
	r.queue = append(r.queue, w)
	m.addWaitEdges(txn, r)
	r.mu.Unlock()

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case <-w.ready:
		if w.failed != nil {
			return w.failed
		}
		m.recordHeld(txn, id, mode)
		return nil
	case <-ctx.Done():
		m.cancelWait(r, w, txn)
		return ctx.Err()
	case <-timer.C:
		m.cancelWait(r, w, txn)
		return errs.Newf(errs.KindLockTimeout, "txn %d timed out acquiring %s on %s", txn, mode, id)
	}
}

func findGrant(holders []grant, txn TxnID) (int, bool) {
	for i, g := range holders {
		if g.txn == txn {
			return i, true
		}
	}
	return -1, false
}

// grantable reports whether mode is compatible with every current holder
// other than the requester itself (lock upgrades are handled by the caller
// removing its own prior grant first).
func grantable(r *resourceLocks, mode Mode) bool {
	if len(r.queue) > 0 {
		return false // FIFO: don't jump the queue even if compatible
	}
	for _, g := range r.holders {
		if !compatible[g.mode][mode] {
			return false
		}
	}
	return true
}

func (m *Manager) recordHeld(txn TxnID, id ResourceID, mode Mode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.heldBy[txn]
	if !ok {
		set = make(map[ResourceID]Mode)
		m.heldBy[txn] = set
	}
	set[id] = mode
	delete(m.waitFor, txn)
}

// addWaitEdges records that txn waits on every current holder of r — the
// wait-for graph edges consulted by DetectDeadlocks.
func (m *Manager) addWaitEdges(txn TxnID, r *resourceLocks) {
	m.mu.Lock()
	defer m.mu.Unlock()
	edges, ok := m.waitFor[txn]
	if !ok {
		edges = make(map[TxnID]struct{})
		m.waitFor[txn] = edges
	}
	for _, g := range r.holders {
		if g.txn != txn {
			edges[g.txn] = struct{}{}
		}
	}
}

func (m *Manager) cancelWait(r *resourceLocks, w *waiter, txn TxnID) {
	r.mu.Lock()
	for i, q := range r.queue {
		if q == w {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
	m.mu.Lock()
	delete(m.waitFor, txn)
	m.mu.Unlock()
}

// Release drops txn's lock on a single resource (used for savepoint-scoped
// release of row locks acquired after the savepoint; full 2PL discipline
// still requires all other locks stay held until commit/abort).
func (m *Manager) Release(txn TxnID, id ResourceID) {
	r := m.resourceFor(id)
	r.mu.Lock()
	if idx, held := findGrant(r.holders, txn); held {
		r.holders = append(r.holders[:idx], r.holders[idx+1:]...)
	}
	m.wakeWaiters(r)
	r.mu.Unlock()

	m.mu.Lock()
	if set, ok := m.heldBy[txn]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(m.heldBy, txn)
		}
	}
	m.mu.Unlock()
}

// ReleaseAll drops every lock txn holds, waking any waiters it was blocking.
// Called at commit and abort per strict 2PL.
func (m *Manager) ReleaseAll(txn TxnID) {
	m.mu.Lock()
	held := m.heldBy[txn]
	delete(m.heldBy, txn)
	delete(m.waitFor, txn)
	m.mu.Unlock()

	for id := range held {
		r := m.resourceFor(id)
		r.mu.Lock()
		if idx, ok := findGrant(r.holders, txn); ok {
			r.holders = append(r.holders[:idx], r.holders[idx+1:]...)
		}
		m.wakeWaiters(r)
		r.mu.Unlock()
	}
}

// wakeWaiters grants as many head-of-queue waiters as are now compatible,
// in FIFO order, stopping at the first incompatible request.
func (m *Manager) wakeWaiters(r *resourceLocks) {
	for len(r.queue) > 0 {
		w := r.queue[0]
		ok := true
		for _, g := range r.holders {
			if !compatible[g.mode][w.mode] {
				ok = false
				break
			}
		}
		if !ok {
			break
		}
		r.holders = append(r.holders, grant{txn: w.txn, mode: w.mode})
		r.queue = r.queue[1:]
		close(w.ready)
	}
}

// DeadlockVictim is a detected cycle's chosen abort target.
type DeadlockVictim struct {
	Txn   TxnID
	Cycle []TxnID
}

// DetectDeadlocks scans the wait-for graph for cycles and returns one victim
// per cycle found, chosen as the youngest transaction (highest TxnID) in the
// cycle, ties broken by whichever holds fewer locks. Callers must then abort
// each returned victim and call ReleaseAll + wake its waiters.
func (m *Manager) DetectDeadlocks() []DeadlockVictim {
	m.mu.Lock()
	graph := make(map[TxnID][]TxnID, len(m.waitFor))
	for t, edges := range m.waitFor {
		for e := range edges {
			graph[t] = append(graph[t], e)
		}
	}
	heldCounts := make(map[TxnID]int, len(m.heldBy))
	for t, set := range m.heldBy {
		heldCounts[t] = len(set)
	}
	m.mu.Unlock()

	var victims []DeadlockVictim
	visited := make(map[TxnID]int) // 0 unvisited, 1 in-stack, 2 done
	var stack []TxnID

	var visit func(t TxnID)
	visit = func(t TxnID) {
		if visited[t] == 2 {
			return
		}
		if visited[t] == 1 {
			// Found a cycle: everything on the stack from t's first
			// occurrence onward.
			cycle := cycleFrom(stack, t)
			victim := chooseVictim(cycle, heldCounts)
			victims = append(victims, DeadlockVictim{Txn: victim, Cycle: cycle})
			return
		}
		visited[t] = 1
		stack = append(stack, t)
		for _, next := range graph[t] {
			visit(next)
		}
		stack = stack[:len(stack)-1]
		visited[t] = 2
	}

	txns := make([]TxnID, 0, len(graph))
	for t := range graph {
		txns = append(txns, t)
	}
	sort.Slice(txns, func(i, j int) bool { return txns[i] < txns[j] })
	for _, t := range txns {
		visit(t)
	}
	return dedupeVictims(victims)
}

func cycleFrom(stack []TxnID, t TxnID) []TxnID {
	for i, s := range stack {
		if s == t {
			out := make([]TxnID, len(stack)-i)
			copy(out, stack[i:])
			return out
		}
	}
	return []TxnID{t}
}

func chooseVictim(cycle []TxnID, heldCounts map[TxnID]int) TxnID {
	victim := cycle[0]
	for _, t := range cycle[1:] {
		switch {
		case t > victim:
			victim = t
		case t == victim:
		}
	}
	return victim
}

func dedupeVictims(in []DeadlockVictim) []DeadlockVictim {
	seen := make(map[TxnID]struct{}, len(in))
	out := in[:0]
	for _, v := range in {
		if _, ok := seen[v.Txn]; ok {
			continue
		}
		seen[v.Txn] = struct{}{}
		out = append(out, v)
	}
	return out
}

// AbortWaiter forcibly fails a victim's in-flight wait (used by the
// transaction manager after DetectDeadlocks picks it) so Acquire returns a
// KindDeadlock error instead of blocking further.
func (m *Manager) AbortWaiter(txn TxnID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.resources {
		r.mu.Lock()
		for i, w := range r.queue {
			if w.txn == txn {
				r.queue = append(r.queue[:i], r.queue[i+1:]...)
				w.failed = errs.Newf(errs.KindDeadlock, "txn %d selected as deadlock victim", txn)
				close(w.ready)
				break
			}
		}
		r.mu.Unlock()
	}
	delete(m.waitFor, txn)
}

// LockTableEntry describes one (resource, txn, mode) grant or wait, for the
// lock_table() introspection surface.
type LockTableEntry struct {
	Resource ResourceID
	Txn      TxnID
	Mode     Mode
	Waiting  bool
}

// LockTable returns a snapshot of every grant and queued wait, for
// admin/introspection use.
func (m *Manager) LockTable() []LockTableEntry {
	m.mu.Lock()
	ids := make([]ResourceID, 0, len(m.resources))
	for id := range m.resources {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var out []LockTableEntry
	for _, id := range ids {
		r := m.resourceFor(id)
		r.mu.Lock()
		for _, g := range r.holders {
			out = append(out, LockTableEntry{Resource: id, Txn: g.txn, Mode: g.mode})
		}
		for _, w := range r.queue {
			out = append(out, LockTableEntry{Resource: id, Txn: w.txn, Mode: w.mode, Waiting: true})
		}
		r.mu.Unlock()
	}
	return out
}

// HeldModes returns the resources txn currently holds locks on, with the
// mode held on each (used by tests).
func (m *Manager) HeldModes(txn TxnID) map[ResourceID]Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[ResourceID]Mode, len(m.heldBy[txn]))
	for id, mode := range m.heldBy[txn] {
		out[id] = mode
	}
	return out
}

// Row, Page, Table and Database are ResourceID convenience constructors.
func Row(table, key string) ResourceID   { return ResourceID{Kind: "row", Key: fmt.Sprintf("%s/%s", table, key)} }
func Page(id uint64) ResourceID          { return ResourceID{Kind: "page", Key: fmt.Sprintf("%d", id)} }
func Table(name string) ResourceID       { return ResourceID{Kind: "table", Key: name} }
func Database(name string) ResourceID    { return ResourceID{Kind: "db", Key: name} }
