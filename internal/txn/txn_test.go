package txn

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/txcore/engine/internal/lockmgr"
	"github.com/txcore/engine/internal/mvcc"
	"github.com/txcore/engine/internal/storage/pager"
	"github.com/txcore/engine/internal/wal"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	file, err := pager.OpenWALFile(filepath.Join(dir, "txn.wal"), 4096)
	if err != nil {
		t.Fatalf("open wal: %v", err)
	}
	t.Cleanup(func() { file.Close() })

	logMgr := wal.New(file, wal.Config{})
	locks := lockmgr.New(lockmgr.Config{})
	store := mvcc.NewStore(nil)
	return New(locks, store, logMgr, mvcc.NewTsOracle())
}

func TestBeginCommitReadsBack(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	t1, err := m.Begin(Snapshot)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := m.Write(ctx, t1, "accounts", "1", []byte("100")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := m.Commit(t1); err != nil {
		t.Fatalf("commit: %v", err)
	}

	t2, err := m.Begin(Snapshot)
	if err != nil {
		t.Fatalf("begin t2: %v", err)
	}
	v, err := m.Read(ctx, t2, "accounts", "1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(v) != "100" {
		t.Fatalf("expected 100, got %q", v)
	}
}

func TestAbortUndoesWrites(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	t1, _ := m.Begin(Snapshot)
	if err := m.Write(ctx, t1, "accounts", "2", []byte("50")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := m.Commit(t1); err != nil {
		t.Fatalf("commit: %v", err)
	}

	t2, _ := m.Begin(Snapshot)
	if err := m.Write(ctx, t2, "accounts", "2", []byte("999")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := m.Abort(t2); err != nil {
		t.Fatalf("abort: %v", err)
	}

	t3, _ := m.Begin(Snapshot)
	v, err := m.Read(ctx, t3, "accounts", "2")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(v) != "50" {
		t.Fatalf("expected original value 50 after abort, got %q", v)
	}
}

func TestSavepointRollback(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	t1, _ := m.Begin(Snapshot)
	if err := m.Write(ctx, t1, "accounts", "3", []byte("1")); err != nil {
		t.Fatalf("write 1: %v", err)
	}
	if err := m.Savepoint(t1, "sp1"); err != nil {
		t.Fatalf("savepoint: %v", err)
	}
	if err := m.Write(ctx, t1, "accounts", "3", []byte("2")); err != nil {
		t.Fatalf("write 2: %v", err)
	}
	if err := m.RollbackTo(t1, "sp1"); err != nil {
		t.Fatalf("rollback to savepoint: %v", err)
	}
	v, err := m.Read(ctx, t1, "accounts", "3")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(v) != "1" {
		t.Fatalf("expected value 1 after rollback to savepoint, got %q", v)
	}
	if err := m.Commit(t1); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestSerializableReadTakesSharedLock(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	t1, _ := m.Begin(Serializable)
	if err := m.Write(ctx, t1, "accounts", "4", []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := m.Commit(t1); err != nil {
		t.Fatalf("commit: %v", err)
	}

	t2, _ := m.Begin(Serializable)
	if _, err := m.Read(ctx, t2, "accounts", "4"); err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := m.Commit(t2); err != nil {
		t.Fatalf("commit t2: %v", err)
	}
}

func TestWriteConflictPropagates(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	t1, _ := m.Begin(Snapshot)
	if err := m.Write(ctx, t1, "accounts", "5", []byte("a")); err != nil {
		t.Fatalf("write: %v", err)
	}

	t2, _ := m.Begin(Snapshot)
	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := m.Write(shortCtx, t2, "accounts", "5", []byte("b")); err == nil {
		t.Fatal("expected row lock contention blocking the concurrent write to the same key")
	}

	_ = m.Abort(t1)
}
