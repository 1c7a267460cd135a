// Package engine assembles the buffer pool, MVCC store, lock manager,
// write-ahead log, transaction manager, and recovery pass behind the public
// surface the query/execution layer and administrative tooling consume:
// begin/commit/abort, tuple CRUD, scan, and the introspection methods
// (active_transactions, lock_table, buffer_pool_stats, wal_status,
// mvcc_status).
package engine

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/txcore/engine/internal/bufferpool"
	"github.com/txcore/engine/internal/config"
	"github.com/txcore/engine/internal/errs"
	"github.com/txcore/engine/internal/lockmgr"
	"github.com/txcore/engine/internal/mvcc"
	"github.com/txcore/engine/internal/recovery"
	"github.com/txcore/engine/internal/rowstore"
	"github.com/txcore/engine/internal/storage/pager"
	"github.com/txcore/engine/internal/txn"
	"github.com/txcore/engine/internal/wal"
)

// Error is the public error type surfaced above the storage boundary; it is
// a direct alias of the internal taxonomy so callers outside this module
// never need to import internal/errs themselves.
type Error = errs.Error

// Kind re-exports the error taxonomy.
type Kind = errs.Kind

const (
	KindWriteConflict      = errs.KindWriteConflict
	KindDeadlock           = errs.KindDeadlock
	KindLockTimeout        = errs.KindLockTimeout
	KindBufferPoolExhausted = errs.KindBufferPoolExhausted
	KindIoFailure          = errs.KindIoFailure
	KindPageCorrupt        = errs.KindPageCorrupt
	KindIncompatibleLayout = errs.KindIncompatibleLayout
	KindInvariantViolation = errs.KindInvariantViolation
)

// Isolation re-exports the transaction manager's isolation levels.
type Isolation = txn.IsolationLevel

const (
	ReadCommitted  = txn.ReadCommitted
	RepeatableRead = txn.RepeatableRead
	Snapshot       = txn.Snapshot
	Serializable   = txn.Serializable
)

// Handle is an opaque transaction handle returned by Begin.
type Handle = *txn.Txn

// Engine is the assembled storage core: one per open database.
type Engine struct {
	cfg config.Config
	log *slog.Logger

	dataDir  string
	pgr      *pager.Pager
	walMgr   *wal.Manager
	walFile  *pager.WALFile
	pool     *bufferpool.Pool
	locks    *lockmgr.Manager
	store    *mvcc.Store
	rows     *rowstore.Store
	txns     *txn.Manager
	tsOracle *mvcc.TsOracle

	mu     sync.Mutex
	closed bool
}

// Open initializes or reopens a database rooted at cfg.DataDir: opens the
// WAL, buffer pool, and MVCC store, then runs recovery before accepting new
// transactions.
func Open(cfg config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errs.Wrap(errs.KindInvariantViolation, err, "invalid configuration")
	}
	logger := slog.Default().With("component", "engine")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, errs.Wrap(errs.KindIoFailure, err, "create data directory")
	}

	dbPath := filepath.Join(cfg.DataDir, "engine.db")
	pgr, err := pager.OpenPager(pager.PagerConfig{
		DBPath:        dbPath,
		WALPath:       filepath.Join(cfg.DataDir, "engine.db.wal"),
		PageSize:      cfg.PageSize,
		MaxCachePages: cfg.BufferPoolPages,
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindIoFailure, err, "open pager")
	}

	// The pager owns a page-level WAL for its own B+Tree/free-list
	// mutations (Components A-C); the transaction manager's logical
	// INSERT/UPDATE/DELETE/CLR records live in a separate log stream so
	// the two WAL disciplines never interleave records of different shape
	// in the same file.
	logicalWALPath := filepath.Join(cfg.DataDir, "engine.logical.wal")
	walFile, err := pager.OpenWALFile(logicalWALPath, cfg.PageSize)
	if err != nil {
		pgr.Close()
		return nil, errs.Wrap(errs.KindIoFailure, err, "open logical WAL")
	}
	walMgr := wal.New(walFile, wal.Config{})

	poolCfg := bufferpool.Config{MaxFrames: cfg.BufferPoolPages, Policy: string(cfg.EvictionPolicy)}
	pool := bufferpool.New(pgr, walMgr.Barrier, poolCfg)

	// The row heap is the page-backed home for each key's current committed
	// value: a B+Tree whose pages are pinned through pool rather than the
	// pager's own private cache, so a committed row is reachable through a
	// pinned buffer-pool page the same way any other resident page is. Its
	// root is persisted in the superblock (RowHeapRoot); absent means this
	// is a brand-new database and the tree needs creating.
	var rowTree *rowstore.Tree
	if sb := pgr.Superblock(); sb.RowHeapRoot.Valid() {
		rowTree = rowstore.Open(pool, pgr, sb.RowHeapRoot)
	} else {
		rowTxID, err := pgr.BeginTx()
		if err != nil {
			pgr.Close()
			walFile.Close()
			return nil, errs.Wrap(errs.KindIoFailure, err, "begin row heap creation")
		}
		rowTree, err = rowstore.Create(pool, pgr, rowTxID)
		if err != nil {
			pgr.Close()
			walFile.Close()
			return nil, errs.Wrap(errs.KindIoFailure, err, "create row heap")
		}
		if err := pgr.CommitTx(rowTxID); err != nil {
			pgr.Close()
			walFile.Close()
			return nil, errs.Wrap(errs.KindIoFailure, err, "commit row heap creation")
		}
		pgr.UpdateSuperblock(func(sb *pager.Superblock) { sb.RowHeapRoot = rowTree.Root() })
	}
	rows := rowstore.NewStore(rowTree, pgr)

	locks := lockmgr.New(lockmgr.Config{AcquireTimeout: time.Duration(cfg.LockWaitTimeoutMs) * time.Millisecond})
	store := mvcc.NewStore(rows)
	tsOracle := mvcc.NewTsOracle()

	if out, err := recovery.Recover(logicalWALPath, store, tsOracle); err != nil {
		pgr.Close()
		walFile.Close()
		return nil, errs.Wrap(errs.KindIoFailure, err, "recovery")
	} else if out.RecordsScanned > 0 {
		logger.Info("recovery complete", "scanned", out.RecordsScanned, "redone", out.Redone, "undone_txns", out.UndoneTxns)
	}

	txns := txn.New(locks, store, walMgr, tsOracle)

	e := &Engine{
		cfg:      cfg,
		log:      logger,
		dataDir:  cfg.DataDir,
		pgr:      pgr,
		walMgr:   walMgr,
		walFile:  walFile,
		pool:     pool,
		locks:    locks,
		store:    store,
		rows:     rows,
		txns:     txns,
		tsOracle: tsOracle,
	}
	return e, nil
}

// Close flushes the buffer pool and closes the pager and WAL file.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	if err := e.pool.FlushAll(); err != nil {
		e.log.Error("flush buffer pool on close", "err", err)
	}
	e.pgr.UpdateSuperblock(func(sb *pager.Superblock) { sb.RowHeapRoot = e.rows.Root() })
	if err := e.walFile.Close(); err != nil {
		e.log.Error("close WAL on close", "err", err)
	}
	return e.pgr.Close()
}

// Begin starts a new transaction.
func (e *Engine) Begin(isolation Isolation) (Handle, error) {
	return e.txns.Begin(isolation)
}

// Commit commits h.
func (e *Engine) Commit(h Handle) error {
	return e.txns.Commit(h)
}

// Abort aborts h.
func (e *Engine) Abort(h Handle) error {
	return e.txns.Abort(h)
}

// Savepoint marks a rollback point named name within h.
func (e *Engine) Savepoint(h Handle, name string) error {
	return e.txns.Savepoint(h, name)
}

// RollbackTo undoes every write since the named savepoint.
func (e *Engine) RollbackTo(h Handle, name string) error {
	return e.txns.RollbackTo(h, name)
}

// ReadTuple reads the version of (table, key) visible to h.
func (e *Engine) ReadTuple(ctx context.Context, h Handle, table, key string) ([]byte, error) {
	return e.txns.Read(ctx, h, table, key)
}

// InsertTuple inserts or overwrites (table, key) with payload under h.
func (e *Engine) InsertTuple(ctx context.Context, h Handle, table, key string, payload []byte) error {
	return e.txns.Write(ctx, h, table, key, payload)
}

// UpdateTuple is an alias of InsertTuple: MVCC writes always append a new
// version regardless of whether the key previously existed.
func (e *Engine) UpdateTuple(ctx context.Context, h Handle, table, key string, payload []byte) error {
	return e.txns.Write(ctx, h, table, key, payload)
}

// DeleteTuple removes (table, key) under h.
func (e *Engine) DeleteTuple(ctx context.Context, h Handle, table, key string) error {
	return e.txns.Write(ctx, h, table, key, nil)
}

// TupleKeyRange is a half-open [Start, End) key range for Scan; an empty End
// means unbounded.
type TupleKeyRange struct {
	Start, End string
}

// Scan is a lazy iterator over a key range. Iteration is restartable within
// the same transaction's snapshot (calling Scan again with the same handle
// yields the same view) but not across commit/abort boundaries.
type Scan struct {
	keys []string
	pos  int
	read func(key string) ([]byte, error)
}

// Next advances the iterator, returning false once exhausted.
func (s *Scan) Next() (key string, value []byte, ok bool, err error) {
	for s.pos < len(s.keys) {
		k := s.keys[s.pos]
		s.pos++
		v, rerr := s.read(k)
		if rerr != nil {
			return "", nil, false, rerr
		}
		if v == nil {
			continue // deleted or never visible; skip
		}
		return k, v, true, nil
	}
	return "", nil, false, nil
}

// Scan returns a lazy iterator over every key in table within r, visible to
// h's snapshot. The key set is materialized once at Scan-call time (a
// simplification over a true streaming B+Tree range cursor — see
// DESIGN.md); rows are filtered for visibility lazily as Next is called.
func (e *Engine) Scan(h Handle, table string, r TupleKeyRange) *Scan {
	e.mu.Lock()
	prefix := table + "\x00"
	var keys []string
	for _, k := range e.store.AllKeys() {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rowKey := strings.TrimPrefix(k, prefix)
		if r.Start != "" && rowKey < r.Start {
			continue
		}
		if r.End != "" && rowKey >= r.End {
			continue
		}
		keys = append(keys, rowKey)
	}
	e.mu.Unlock()
	sort.Strings(keys)

	return &Scan{
		keys: keys,
		read: func(key string) ([]byte, error) {
			return e.txns.Read(context.Background(), h, table, key)
		},
	}
}

// ActiveTransactionInfo describes one active transaction for introspection.
type ActiveTransactionInfo struct {
	ID        uint64
	Isolation string
	State     string
}

// ActiveTransactions lists every currently-active transaction.
func (e *Engine) ActiveTransactions() []ActiveTransactionInfo {
	ts := e.txns.ActiveTransactions()
	out := make([]ActiveTransactionInfo, 0, len(ts))
	for _, t := range ts {
		out = append(out, ActiveTransactionInfo{ID: uint64(t.ID), Isolation: t.Isolation.String(), State: t.State().String()})
	}
	return out
}

// LockTable returns the full lock table snapshot.
func (e *Engine) LockTable() []lockmgr.LockTableEntry {
	return e.locks.LockTable()
}

// BufferPoolStats returns cumulative buffer pool counters.
func (e *Engine) BufferPoolStats() bufferpool.Stats {
	return e.pool.Snapshot()
}

// FreePageCount reports how many pages the row heap and catalog can reuse
// before the pager needs to grow the data file.
func (e *Engine) FreePageCount() int {
	return e.pgr.FreePageCount()
}

// WALStatus reports the current and durable LSN, plus what the physical
// (page-level) WAL replayed the last time this engine was opened against an
// existing data directory — a nonzero PagesApplied means the row heap or
// catalog tree had pages reconstructed from the physical WAL at startup.
type WALStatusInfo struct {
	CurrentLSN       uint64
	DurableLSN       uint64
	PhysicalRecovery pager.RecoverOutcome
}

func (e *Engine) WALStatus() WALStatusInfo {
	return WALStatusInfo{
		CurrentLSN:       uint64(e.walMgr.CurrentLSN()),
		DurableLSN:       uint64(e.walMgr.DurableLSN()),
		PhysicalRecovery: e.pgr.LastRecovery(),
	}
}

// MVCCStatusInfo reports vacuum-relevant MVCC counters.
type MVCCStatusInfo struct {
	ActiveTransactions int
}

func (e *Engine) MVCCStatus() MVCCStatusInfo {
	return MVCCStatusInfo{ActiveTransactions: len(e.txns.ActiveTransactions())}
}

// Checkpoint flushes all dirty buffer pool frames (including any resident
// row heap pages), durably records the row heap's current root in the
// superblock and truncates the pager's own physical WAL, then writes a
// checkpoint record to the logical WAL, bounding future recovery scans of
// both logs.
func (e *Engine) Checkpoint() error {
	if err := e.pool.FlushAll(); err != nil {
		return errs.Wrap(errs.KindIoFailure, err, "checkpoint flush")
	}
	e.pgr.UpdateSuperblock(func(sb *pager.Superblock) { sb.RowHeapRoot = e.rows.Root() })
	if err := e.pgr.Checkpoint(); err != nil {
		return errs.Wrap(errs.KindIoFailure, err, "checkpoint pager")
	}
	lsn, err := e.walMgr.AppendCheckpoint(nil)
	if err != nil {
		return errs.Wrap(errs.KindIoFailure, err, "append checkpoint record")
	}
	return e.walMgr.FlushTo(lsn)
}

// Vacuum reclaims versions below the current horizon (the oldest snapshot
// timestamp any active transaction might still reference) and returns the
// count reclaimed.
func (e *Engine) Vacuum() int {
	horizon := e.horizon()
	return e.store.Vacuum(horizon)
}

func (e *Engine) horizon() mvcc.Ts {
	if ts, ok := e.txns.OldestSnapshot(); ok {
		return ts
	}
	return e.tsOracle.Next()
}

// ForceDeadlockDetection runs one deadlock-detection pass immediately and
// returns the transaction IDs chosen as victims and aborted.
func (e *Engine) ForceDeadlockDetection() []uint64 {
	victims := e.txns.DetectAndResolveDeadlocks()
	out := make([]uint64, len(victims))
	for i, v := range victims {
		out[i] = uint64(v)
	}
	return out
}

// FlushBufferPool writes every dirty resident page without evicting it.
func (e *Engine) FlushBufferPool() error {
	return e.pool.FlushAll()
}
