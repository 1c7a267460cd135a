// Package mvcc implements the multi-version concurrency control version
// store: per-key version chains, snapshot-based visibility, and vacuum of
// dead versions below the oldest live snapshot's horizon.
//
// Version chains are modeled as an arena of Version values addressed by
// stable integer index rather than by pointer (the "arena + stable IDs"
// design note that also governs the page table and wait-for graph) —
// chains never hold Go pointers to each other, only PrevIdx indices into
// the arena, so chain mutation is a plain index swap and the arena can be
// walked, inspected, and garbage-collected without cyclic ownership.
package mvcc

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/txcore/engine/internal/errs"
)

// TxnID identifies a transaction for version provenance.
type TxnID uint64

// Ts is a commit timestamp (or snapshot timestamp).
type Ts uint64

// TsInfinity marks a version as still live (no deleter yet).
const TsInfinity Ts = ^Ts(0)

// Snapshot is the read view a transaction sees: everything committed at or
// before Ts, excluding any txn still active at snapshot-capture time, plus
// the owning transaction's own uncommitted writes (read-your-own-writes).
type Snapshot struct {
	Ts        Ts
	Owner     TxnID
	ActiveSet map[TxnID]struct{}
}

// Version is one entry in a row's version chain.
type Version struct {
	Data    []byte
	BeginTs Ts    // commit timestamp of the creator; 0 while creator is uncommitted
	EndTs   Ts    // commit timestamp of the deleter/superseder; TsInfinity while live
	Creator TxnID
	Deleter TxnID // 0 until superseded
	PrevIdx int64 // arena index of the version this one superseded, -1 if none
	live    bool  // false once vacuumed — arena slot is a tombstone
}

// chainHead is the mutable per-key pointer into the arena. head is an
// arena index, swapped under chainHead.mu rather than with a lock-free
// compare-and-swap on the head pointer.
type chainHead struct {
	mu   sync.Mutex
	head int64 // -1 if the key has no live version (deleted with nothing pending)
}

// RowStore durably persists the current (latest-committed) value of a key,
// independent of the in-memory version chain that continues to serve
// snapshot reads of older versions. internal/rowstore.Store is the
// production implementation, backed by a B+Tree pinned through a buffer
// pool; tests may supply an in-memory fake or leave it nil to skip
// persistence entirely.
type RowStore interface {
	Put(key string, data []byte) error
	Delete(key string) error
}

// Store is the MVCC version store. One Store holds the keys of every table;
// the transaction manager prefixes each key with its table name.
type Store struct {
	mu     sync.RWMutex
	arena  []Version
	chains map[string]*chainHead

	activeMu sync.Mutex
	active   map[TxnID]struct{} // transactions currently uncommitted
	aborted  map[TxnID]struct{} // transactions known aborted (tombstoned for visibility)

	rows RowStore // durable home for each key's current value; nil disables persistence
}

// NewStore creates an empty version store. rows may be nil, in which case
// commits only ever live in the in-memory arena (used by tests that don't
// care about durability of the current value).
func NewStore(rows RowStore) *Store {
	return &Store{
		chains:  make(map[string]*chainHead),
		active:  make(map[TxnID]struct{}),
		aborted: make(map[TxnID]struct{}),
		rows:    rows,
	}
}

// BeginTxn registers txn as active so its uncommitted writes are excluded
// from other readers' snapshots until it commits or aborts.
func (s *Store) BeginTxn(txn TxnID) {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	s.active[txn] = struct{}{}
}

// Snapshot captures the current read view for txn at isolation-dependent
// call sites (txn start for RR/Snapshot/Serializable, per-statement for RC).
func (s *Store) Snapshot(txn TxnID, ts Ts) Snapshot {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	active := make(map[TxnID]struct{}, len(s.active))
	for id := range s.active {
		if id != txn {
			active[id] = struct{}{}
		}
	}
	return Snapshot{Ts: ts, Owner: txn, ActiveSet: active}
}

func (s *Store) allocLocked(v Version) int64 {
	v.live = true
	s.arena = append(s.arena, v)
	return int64(len(s.arena) - 1)
}

func (s *Store) chainFor(key string) *chainHead {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chains[key]
	if !ok {
		c = &chainHead{head: -1}
		s.chains[key] = c
	}
	return c
}

// Read returns the version of key visible to snap, or nil if none.
func (s *Store) Read(key string, snap Snapshot) *Version {
	c := s.chainFor(key)
	c.mu.Lock()
	idx := c.head
	c.mu.Unlock()

	for idx != -1 {
		s.mu.RLock()
		v := s.arena[idx]
		s.mu.RUnlock()
		if v.live && s.visible(&v, snap) {
			out := v
			return &out
		}
		idx = v.PrevIdx
	}
	return nil
}

func (s *Store) visible(v *Version, snap Snapshot) bool {
	if v.Creator == snap.Owner {
		// Read-your-own-writes: visible unless this txn itself superseded it.
		return v.Deleter != snap.Owner
	}
	if v.BeginTs == 0 || v.BeginTs > snap.Ts {
		return false // creator uncommitted, or committed after our snapshot
	}
	if _, active := snap.ActiveSet[v.Creator]; active {
		return false
	}
	if s.isAborted(v.Creator) {
		return false
	}
	// EndTs 0 is the pending tag of a not-yet-committed superseder: the
	// version is still current for everyone but that superseder.
	if v.EndTs != TsInfinity && v.EndTs != 0 && v.EndTs <= snap.Ts {
		return false
	}
	return true
}

func (s *Store) isAborted(txn TxnID) bool {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	_, ok := s.aborted[txn]
	return ok
}

// Insert installs a new version chain head for key, created by txn.
// Fails with WriteConflict if an uncommitted version from another
// transaction already sits at the head.
func (s *Store) Insert(key string, data []byte, txn TxnID) (int64, error) {
	return s.write(key, data, txn)
}

// Update is identical to Insert at the version-chain level: MVCC always
// appends a new head rather than mutating in place.
func (s *Store) Update(key string, data []byte, txn TxnID) (int64, error) {
	return s.write(key, data, txn)
}

// Delete appends a tombstone version (nil Data) marking key as deleted by
// txn, subject to the same write-conflict rule as Insert/Update.
func (s *Store) Delete(key string, txn TxnID) (int64, error) {
	return s.write(key, nil, txn)
}

func (s *Store) write(key string, data []byte, txn TxnID) (int64, error) {
	c := s.chainFor(key)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.head != -1 {
		s.mu.Lock()
		head := &s.arena[c.head]
		// The chain head is always the newest version; once a version is
		// superseded it stops being head (the superseding version takes
		// over as head, see below). So the only possible conflict here is
		// an uncommitted head — i.e. a creator that hasn't committed yet.
		if head.live && head.BeginTs == 0 && head.Creator != txn {
			s.mu.Unlock()
			return 0, errs.Newf(errs.KindWriteConflict, "key %q has an uncommitted write from txn %d", key, head.Creator)
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	newIdx := s.allocLocked(Version{
		Data:    data,
		BeginTs: 0,
		EndTs:   TsInfinity,
		Creator: txn,
		PrevIdx: c.head,
	})
	if c.head != -1 {
		s.arena[c.head].Deleter = txn
		if s.arena[c.head].EndTs == TsInfinity {
			s.arena[c.head].EndTs = 0 // tagged "pending", replaced with CTS at commit
		}
	}
	s.mu.Unlock()

	c.head = newIdx
	return newIdx, nil
}

// CommitTxn replaces the active-tag begin/end timestamps of every version
// txn created or superseded with the assigned commit timestamp cts, clears
// the transaction from the active set, and persists the post-commit chain
// head of every key txn touched to the row store. writes is the caller's
// write set (tracked by the transaction manager) — one KeyVersion per
// version txn created (each created version's superseded predecessor is
// stamped through its PrevIdx), which may visit the same key more than
// once; only the version left at the chain head after the timestamp update
// reflects the durable row state, so only that one is pushed to rows.
func (s *Store) CommitTxn(txn TxnID, cts Ts, writes []KeyVersion) error {
	s.mu.Lock()
	for _, w := range writes {
		v := &s.arena[w.Idx]
		if v.Creator == txn {
			v.BeginTs = cts
			// Stamp the version this one superseded, which the caller's
			// write set need not list.
			if v.PrevIdx != -1 {
				if p := &s.arena[v.PrevIdx]; p.Deleter == txn && p.EndTs == 0 {
					p.EndTs = cts
				}
			}
		}
		if v.Deleter == txn && v.EndTs == 0 {
			v.EndTs = cts
		}
	}
	s.mu.Unlock()

	s.activeMu.Lock()
	delete(s.active, txn)
	s.activeMu.Unlock()

	if s.rows == nil {
		return nil
	}
	for _, w := range writes {
		c := s.chainFor(w.Key)
		c.mu.Lock()
		isHead := c.head == w.Idx
		c.mu.Unlock()
		if !isHead {
			continue
		}

		s.mu.RLock()
		data := s.arena[w.Idx].Data
		s.mu.RUnlock()

		var err error
		if data == nil {
			err = s.rows.Delete(w.Key)
		} else {
			err = s.rows.Put(w.Key, data)
		}
		if err != nil {
			return errs.Wrap(errs.KindIoFailure, err, fmt.Sprintf("persist committed row %q", w.Key))
		}
	}
	return nil
}

// AbortTxn marks txn as aborted (its versions become permanently invisible)
// and unlinks its writes from their chains so a retrying writer is not
// blocked by a dead head. Each KeyVersion in writes pairs a key with the
// arena index txn wrote to it, as tracked by the transaction manager.
func (s *Store) AbortTxn(txn TxnID, writes []KeyVersion) {
	s.activeMu.Lock()
	delete(s.active, txn)
	s.aborted[txn] = struct{}{}
	s.activeMu.Unlock()

	s.UnwriteVersions(txn, writes)
}

// UnwriteVersions unlinks specific versions from their chains without
// marking txn aborted — used for savepoint rollback, where only the writes
// since the savepoint are undone and the transaction stays active.
func (s *Store) UnwriteVersions(txn TxnID, writes []KeyVersion) {
	// Newest first, so repeated writes to one key unwind back to the
	// version that preceded the earliest of them.
	for i := len(writes) - 1; i >= 0; i-- {
		w := writes[i]
		c := s.chainFor(w.Key)
		c.mu.Lock()
		if c.head == w.Idx {
			s.mu.Lock()
			c.head = s.arena[w.Idx].PrevIdx
			s.arena[w.Idx].live = false
			if c.head != -1 {
				s.arena[c.head].Deleter = 0
				s.arena[c.head].EndTs = TsInfinity
			}
			s.mu.Unlock()
		}
		c.mu.Unlock()
	}
}

// KeyVersion pairs a row key with the arena index a transaction wrote,
// used by AbortTxn to unwind exactly the versions that txn installed.
type KeyVersion struct {
	Key string
	Idx int64
}

// Vacuum unlinks and tombstones dead versions (EndTs <= horizon) from every
// chain, never touching a version still reachable from any live snapshot.
// Returns the count of versions reclaimed.
func (s *Store) Vacuum(horizon Ts) int {
	reclaimed := 0
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.chains {
		c.mu.Lock()
		idx := c.head
		var prev *int64
		for idx != -1 {
			v := &s.arena[idx]
			if v.live && v.EndTs != TsInfinity && v.EndTs != 0 && v.EndTs <= horizon {
				// Dead and below the horizon: unlink from its successor (or
				// the chain head) and tombstone.
				next := v.PrevIdx
				if prev != nil {
					*prev = next
				} else {
					c.head = next
				}
				v.live = false
				v.Data = nil
				reclaimed++
				idx = next
				continue
			}
			prev = &s.arena[idx].PrevIdx
			idx = v.PrevIdx
		}
		c.mu.Unlock()
	}
	return reclaimed
}

// AllKeys returns every key with a chain (live or fully vacuumed to empty),
// for range scans that enumerate a table's key space before filtering by
// snapshot visibility.
func (s *Store) AllKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.chains))
	for k := range s.chains {
		out = append(out, k)
	}
	return out
}

// ChainLength reports the number of live versions for key, for tests and
// introspection.
func (s *Store) ChainLength(key string) int {
	c := s.chainFor(key)
	c.mu.Lock()
	idx := c.head
	c.mu.Unlock()
	n := 0
	for idx != -1 {
		s.mu.RLock()
		v := s.arena[idx]
		s.mu.RUnlock()
		if v.live {
			n++
		}
		idx = v.PrevIdx
	}
	return n
}

// TsOracle is a process-wide monotonic commit-timestamp counter, separate
// from TxnID allocation (the transaction manager owns TxnID assignment;
// the version store owns CTS assignment per §4.G commit protocol step 1).
type TsOracle struct {
	counter atomic.Uint64
}

func NewTsOracle() *TsOracle { return &TsOracle{} }

// Next returns the next monotonically increasing commit timestamp.
func (o *TsOracle) Next() Ts {
	return Ts(o.counter.Add(1))
}
