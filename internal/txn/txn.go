// Package txn implements the transaction manager: it orchestrates the lock
// manager, the MVCC version store, and the write-ahead log into begin/
// commit/abort/savepoint lifecycles with isolation-level enforcement.
package txn

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/txcore/engine/internal/errs"
	"github.com/txcore/engine/internal/lockmgr"
	"github.com/txcore/engine/internal/mvcc"
	"github.com/txcore/engine/internal/storage/pager"
	"github.com/txcore/engine/internal/wal"
)

// IsolationLevel selects how a transaction's snapshot is taken and how
// conflicting writes are handled.
type IsolationLevel int

const (
	ReadCommitted IsolationLevel = iota
	RepeatableRead
	Snapshot
	Serializable
)

func (l IsolationLevel) String() string {
	switch l {
	case ReadCommitted:
		return "READ_COMMITTED"
	case RepeatableRead:
		return "REPEATABLE_READ"
	case Snapshot:
		return "SNAPSHOT"
	case Serializable:
		return "SERIALIZABLE"
	default:
		return "UNKNOWN"
	}
}

// State is a transaction's lifecycle state.
type State int

const (
	StateActive State = iota
	StateCommitting
	StateCommitted
	StateAborting
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateCommitting:
		return "COMMITTING"
	case StateCommitted:
		return "COMMITTED"
	case StateAborting:
		return "ABORTING"
	case StateAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// writeEntry records one write this transaction made, enough to undo it
// (write the before-image as a CLR) and to unwind it from the MVCC store on
// abort.
type writeEntry struct {
	table       string
	key         string
	versionIdx  int64
	lsn         pager.LSN
	beforeImage []byte
	afterImage  []byte
}

// savepoint marks a position in the write log and lock set to roll back to.
type savepoint struct {
	name      string
	writeMark int
	lastLSN   pager.LSN
}

// Txn is a single transaction's handle.
type Txn struct {
	ID        lockmgr.TxnID
	Isolation IsolationLevel

	mu         sync.Mutex
	state      State
	snapshot   mvcc.Snapshot
	snapshotOk bool
	writes     []writeEntry
	savepoints []savepoint
	lastLSN    pager.LSN
}

// State returns the transaction's current lifecycle state.
func (t *Txn) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SnapshotTs returns the timestamp of the snapshot t reads through, or 0 if
// t has not yet taken one (Read Committed takes a fresh one per statement
// rather than holding a single transaction-lifetime snapshot).
func (t *Txn) SnapshotTs() (mvcc.Ts, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.snapshotOk {
		return 0, false
	}
	return t.snapshot.Ts, true
}

// Manager wires together the lock manager, MVCC store, and WAL manager into
// transaction lifecycles. One Manager serves a whole engine instance.
type Manager struct {
	locks *lockmgr.Manager
	store *mvcc.Store
	log   *wal.Manager
	ts    *mvcc.TsOracle

	nextTxnID atomic.Uint64

	mu     sync.Mutex
	active map[lockmgr.TxnID]*Txn
}

// New constructs a transaction Manager over the given lock manager, MVCC
// store, WAL manager, and commit-timestamp oracle. The oracle must be the
// same instance used anywhere else commit/snapshot timestamps for this
// store are compared (e.g. a vacuum horizon computation) — two independent
// oracles would make their sequences incomparable.
func New(locks *lockmgr.Manager, store *mvcc.Store, log *wal.Manager, ts *mvcc.TsOracle) *Manager {
	return &Manager{
		locks:  locks,
		store:  store,
		log:    log,
		ts:     ts,
		active: make(map[lockmgr.TxnID]*Txn),
	}
}

// Begin starts a new transaction at the given isolation level.
func (m *Manager) Begin(isolation IsolationLevel) (*Txn, error) {
	id := lockmgr.TxnID(m.nextTxnID.Add(1))
	t := &Txn{ID: id, Isolation: isolation, state: StateActive}

	m.store.BeginTxn(mvcc.TxnID(id))
	if _, err := m.log.AppendBegin(pager.TxID(id)); err != nil {
		return nil, errs.Wrap(errs.KindIoFailure, err, "append BEGIN record")
	}

	if isolation != ReadCommitted {
		// Snapshot taken once at start for RR/Snapshot/Serializable; Read
		// Committed instead takes a fresh snapshot per statement (see Read).
		t.snapshot = m.store.Snapshot(mvcc.TxnID(id), m.ts.Next())
		t.snapshotOk = true
	}

	m.mu.Lock()
	m.active[id] = t
	m.mu.Unlock()
	return t, nil
}

// snapshotFor returns the read view this statement should use: the
// transaction-start snapshot for RR/Snapshot/Serializable, or a fresh
// per-statement snapshot for Read Committed.
func (m *Manager) snapshotFor(t *Txn) mvcc.Snapshot {
	if t.snapshotOk {
		return t.snapshot
	}
	return m.store.Snapshot(mvcc.TxnID(t.ID), m.ts.Next())
}

// lockModeForRead returns the lock strength a read should take: Serializable
// acquires real S locks (strict 2PL), weaker levels rely on MVCC snapshot
// visibility alone and take no row lock for reads.
func lockModeForRead(isolation IsolationLevel) (lockmgr.Mode, bool) {
	if isolation == Serializable {
		return lockmgr.S, true
	}
	return 0, false
}

// Read fetches the version of (table, key) visible to t, taking a shared
// lock first under Serializable isolation.
func (m *Manager) Read(ctx context.Context, t *Txn, table, key string) ([]byte, error) {
	t.mu.Lock()
	if t.state != StateActive {
		t.mu.Unlock()
		return nil, errs.Newf(errs.KindInvariantViolation, "txn %d is not active (%s)", t.ID, t.state)
	}
	t.mu.Unlock()

	if mode, need := lockModeForRead(t.Isolation); need {
		if err := m.locks.Acquire(ctx, t.ID, lockmgr.Row(table, key), mode); err != nil {
			return nil, err
		}
	}

	snap := m.snapshotFor(t)
	v := m.store.Read(fullKey(table, key), snap)
	if v == nil {
		return nil, nil
	}
	return v.Data, nil
}

// Write performs an insert/update/delete (nil data = delete) against
// (table, key), taking an exclusive row lock first and appending a logical
// WAL record before touching the version store, per the write-ahead rule.
func (m *Manager) Write(ctx context.Context, t *Txn, table, key string, data []byte) error {
	t.mu.Lock()
	if t.state != StateActive {
		t.mu.Unlock()
		return errs.Newf(errs.KindInvariantViolation, "txn %d is not active (%s)", t.ID, t.state)
	}
	t.mu.Unlock()

	if err := m.locks.Acquire(ctx, t.ID, lockmgr.Table(table), lockmgr.IX); err != nil {
		return err
	}
	if err := m.locks.Acquire(ctx, t.ID, lockmgr.Row(table, key), lockmgr.X); err != nil {
		return err
	}

	full := fullKey(table, key)

	// Read the before-image under the transaction's own snapshot for the
	// CLR this write would need if later undone.
	before := m.store.Read(full, m.snapshotFor(t))
	var beforeImage []byte
	if before != nil {
		beforeImage = before.Data
	}

	t.mu.Lock()
	prevLSN := t.lastLSN
	t.mu.Unlock()

	op := wal.OpUpdate
	switch {
	case before == nil && data != nil:
		op = wal.OpInsert
	case data == nil:
		op = wal.OpDelete
	}

	lsn, err := m.log.AppendLogical(pager.TxID(t.ID), prevLSN, op, wal.LogicalPayload{
		Table:       table,
		Key:         key,
		BeforeImage: beforeImage,
		AfterImage:  data,
	})
	if err != nil {
		return errs.Wrap(errs.KindIoFailure, err, "append logical WAL record")
	}

	var idx int64
	switch {
	case data == nil:
		idx, err = m.store.Delete(full, mvcc.TxnID(t.ID))
	default:
		idx, err = m.store.Insert(full, data, mvcc.TxnID(t.ID))
	}
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.lastLSN = lsn
	t.writes = append(t.writes, writeEntry{
		table: table, key: key, versionIdx: idx, lsn: lsn,
		beforeImage: beforeImage, afterImage: data,
	})
	t.mu.Unlock()
	return nil
}

// Savepoint marks the current position for a later RollbackTo.
func (m *Manager) Savepoint(t *Txn, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateActive {
		return errs.Newf(errs.KindInvariantViolation, "txn %d is not active (%s)", t.ID, t.state)
	}
	t.savepoints = append(t.savepoints, savepoint{name: name, writeMark: len(t.writes), lastLSN: t.lastLSN})
	return nil
}

// RollbackTo undoes every write since the named savepoint (in reverse
// order), leaving locks acquired after the savepoint held per strict 2PL
// only for resources still write-pending; row locks on now-undone keys are
// released since nothing further depends on them.
func (m *Manager) RollbackTo(t *Txn, name string) error {
	t.mu.Lock()
	var sp *savepoint
	spIdx := -1
	for i := len(t.savepoints) - 1; i >= 0; i-- {
		if t.savepoints[i].name == name {
			sp = &t.savepoints[i]
			spIdx = i
			break
		}
	}
	if sp == nil {
		t.mu.Unlock()
		return errs.Newf(errs.KindInvariantViolation, "unknown savepoint %q", name)
	}
	toUndo := append([]writeEntry(nil), t.writes[sp.writeMark:]...)
	t.writes = t.writes[:sp.writeMark]
	stillWritten := make(map[lockmgr.ResourceID]bool, len(t.writes))
	for _, w := range t.writes {
		stillWritten[lockmgr.Row(w.table, w.key)] = true
	}
	t.lastLSN = sp.lastLSN
	t.savepoints = t.savepoints[:spIdx+1]
	t.mu.Unlock()

	kvs := make([]mvcc.KeyVersion, len(toUndo))
	for i, w := range toUndo {
		kvs[i] = mvcc.KeyVersion{Key: fullKey(w.table, w.key), Idx: w.versionIdx}
	}
	m.store.UnwriteVersions(mvcc.TxnID(t.ID), kvs)

	for _, w := range toUndo {
		if id := lockmgr.Row(w.table, w.key); !stillWritten[id] {
			m.locks.Release(t.ID, id)
		}
	}
	return nil
}

// Commit runs the five-step commit protocol: acquire a commit timestamp,
// append and flush the COMMIT record, install the commit timestamp into
// every version this transaction wrote, release all locks, then mark
// committed.
func (m *Manager) Commit(t *Txn) error {
	t.mu.Lock()
	if t.state != StateActive {
		t.mu.Unlock()
		return errs.Newf(errs.KindInvariantViolation, "txn %d is not active (%s)", t.ID, t.state)
	}
	t.state = StateCommitting
	prevLSN := t.lastLSN
	writes := append([]writeEntry(nil), t.writes...)
	t.mu.Unlock()

	cts := m.ts.Next()

	commitLSN, err := m.log.AppendCommit(pager.TxID(t.ID), prevLSN)
	if err != nil {
		return errs.Wrap(errs.KindIoFailure, err, "append COMMIT record")
	}
	if err := m.log.FlushTo(commitLSN); err != nil {
		return errs.Wrap(errs.KindIoFailure, err, "flush COMMIT record")
	}

	kvs := make([]mvcc.KeyVersion, len(writes))
	for i, w := range writes {
		kvs[i] = mvcc.KeyVersion{Key: fullKey(w.table, w.key), Idx: w.versionIdx}
	}
	if err := m.store.CommitTxn(mvcc.TxnID(t.ID), cts, kvs); err != nil {
		return errs.Wrap(errs.KindIoFailure, err, "persist committed rows")
	}

	m.locks.ReleaseAll(t.ID)

	t.mu.Lock()
	t.state = StateCommitted
	t.mu.Unlock()

	m.mu.Lock()
	delete(m.active, t.ID)
	m.mu.Unlock()
	return nil
}

// Abort undoes every write the transaction made (in reverse order, as CLRs
// would during crash recovery) and releases all its locks.
func (m *Manager) Abort(t *Txn) error {
	t.mu.Lock()
	if t.state != StateActive && t.state != StateCommitting {
		t.mu.Unlock()
		return errs.Newf(errs.KindInvariantViolation, "txn %d cannot be aborted from state %s", t.ID, t.state)
	}
	t.state = StateAborting
	writes := append([]writeEntry(nil), t.writes...)
	prevLSN := t.lastLSN
	t.mu.Unlock()

	for i := len(writes) - 1; i >= 0; i-- {
		w := writes[i]
		clrLSN, err := m.log.AppendLogical(pager.TxID(t.ID), prevLSN, wal.OpCLR, wal.LogicalPayload{
			Table: w.table, Key: w.key, BeforeImage: w.afterImage, AfterImage: w.beforeImage,
		})
		if err != nil {
			return errs.Wrap(errs.KindIoFailure, err, "append CLR record")
		}
		prevLSN = clrLSN
	}

	abortLSN, err := m.log.AppendAbort(pager.TxID(t.ID), prevLSN)
	if err != nil {
		return errs.Wrap(errs.KindIoFailure, err, "append ABORT record")
	}
	if err := m.log.FlushTo(abortLSN); err != nil {
		return errs.Wrap(errs.KindIoFailure, err, "flush ABORT record")
	}

	kvs := make([]mvcc.KeyVersion, len(writes))
	for i, w := range writes {
		kvs[i] = mvcc.KeyVersion{Key: fullKey(w.table, w.key), Idx: w.versionIdx}
	}
	m.store.AbortTxn(mvcc.TxnID(t.ID), kvs)

	m.locks.ReleaseAll(t.ID)

	t.mu.Lock()
	t.state = StateAborted
	t.mu.Unlock()

	m.mu.Lock()
	delete(m.active, t.ID)
	m.mu.Unlock()
	return nil
}

// ActiveTransactions returns a snapshot of every currently-active txn, for
// the active_transactions() introspection surface.
func (m *Manager) ActiveTransactions() []*Txn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Txn, 0, len(m.active))
	for _, t := range m.active {
		out = append(out, t)
	}
	return out
}

// OldestSnapshot returns the lowest snapshot timestamp any active
// transaction might still read through, or ok=false if no active
// transaction holds a snapshot (a fresh vacuum horizon is then the current
// time, since nothing live could be reading an older version).
func (m *Manager) OldestSnapshot() (mvcc.Ts, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var min mvcc.Ts
	found := false
	for _, t := range m.active {
		ts, ok := t.SnapshotTs()
		if !ok {
			continue
		}
		if !found || ts < min {
			min = ts
			found = true
		}
	}
	return min, found
}

// DetectAndResolveDeadlocks runs one deadlock-detection pass and aborts
// every chosen victim, intended to be called periodically by the
// maintenance scheduler.
func (m *Manager) DetectAndResolveDeadlocks() []lockmgr.TxnID {
	victims := m.locks.DetectDeadlocks()
	var aborted []lockmgr.TxnID
	for _, v := range victims {
		m.locks.AbortWaiter(v.Txn)
		m.mu.Lock()
		t, ok := m.active[v.Txn]
		m.mu.Unlock()
		if ok {
			_ = m.Abort(t)
			aborted = append(aborted, v.Txn)
		}
	}
	return aborted
}

func fullKey(table, key string) string {
	return fmt.Sprintf("%s\x00%s", table, key)
}
