package recovery

import (
	"path/filepath"
	"testing"

	"github.com/txcore/engine/internal/mvcc"
	"github.com/txcore/engine/internal/storage/pager"
	"github.com/txcore/engine/internal/wal"
)

func buildWAL(t *testing.T, build func(m *wal.Manager)) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "recover.wal")
	file, err := pager.OpenWALFile(path, 4096)
	if err != nil {
		t.Fatalf("open wal: %v", err)
	}
	m := wal.New(file, wal.Config{})
	build(m)
	if err := file.Close(); err != nil {
		t.Fatalf("close wal: %v", err)
	}
	return path
}

func TestRecoverRedoesCommittedTransaction(t *testing.T) {
	path := buildWAL(t, func(m *wal.Manager) {
		lsn, _ := m.AppendBegin(1)
		lsn, _ = m.AppendLogical(1, lsn, wal.OpInsert, wal.LogicalPayload{Table: "t", Key: "a", AfterImage: []byte("v1")})
		lsn, _ = m.AppendCommit(1, lsn)
		_ = m.FlushTo(lsn)
	})

	store := mvcc.NewStore(nil)
	ts := mvcc.NewTsOracle()
	out, err := Recover(path, store, ts)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if out.Redone != 1 {
		t.Fatalf("expected 1 redone record, got %d", out.Redone)
	}

	reader := mvcc.TxnID(99)
	store.BeginTxn(reader)
	snap := store.Snapshot(reader, ts.Next())
	v := store.Read("t\x00a", snap)
	if v == nil || string(v.Data) != "v1" {
		t.Fatalf("expected redone value v1, got %+v", v)
	}
}

func TestRecoverSkipsUncommittedTransaction(t *testing.T) {
	path := buildWAL(t, func(m *wal.Manager) {
		lsn, _ := m.AppendBegin(1)
		lsn, _ = m.AppendLogical(1, lsn, wal.OpInsert, wal.LogicalPayload{Table: "t", Key: "b", AfterImage: []byte("v2")})
		_ = m.FlushTo(lsn)
		// No COMMIT written: simulates a crash mid-transaction.
	})

	store := mvcc.NewStore(nil)
	ts := mvcc.NewTsOracle()
	out, err := Recover(path, store, ts)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if out.Redone != 0 {
		t.Fatalf("expected 0 redone records for an uncommitted txn, got %d", out.Redone)
	}
	if out.UndoneTxns != 1 {
		t.Fatalf("expected 1 undone txn, got %d", out.UndoneTxns)
	}

	reader := mvcc.TxnID(99)
	store.BeginTxn(reader)
	snap := store.Snapshot(reader, ts.Next())
	if v := store.Read("t\x00b", snap); v != nil {
		t.Fatalf("expected no version for uncommitted write, got %+v", v)
	}
}

func TestRecoverSkipsExplicitlyAbortedTransaction(t *testing.T) {
	path := buildWAL(t, func(m *wal.Manager) {
		lsn, _ := m.AppendBegin(1)
		lsn, _ = m.AppendLogical(1, lsn, wal.OpInsert, wal.LogicalPayload{Table: "t", Key: "c", AfterImage: []byte("v3")})
		lsn, _ = m.AppendAbort(1, lsn)
		_ = m.FlushTo(lsn)
	})

	store := mvcc.NewStore(nil)
	ts := mvcc.NewTsOracle()
	out, err := Recover(path, store, ts)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if out.Redone != 0 {
		t.Fatalf("expected 0 redone records for an aborted txn, got %d", out.Redone)
	}
}

func TestRecoverOrdersAcrossTransactionsByLSN(t *testing.T) {
	path := buildWAL(t, func(m *wal.Manager) {
		b1, _ := m.AppendBegin(1)
		i1, _ := m.AppendLogical(1, b1, wal.OpInsert, wal.LogicalPayload{Table: "t", Key: "d", AfterImage: []byte("first")})
		c1, _ := m.AppendCommit(1, i1)

		b2, _ := m.AppendBegin(2)
		i2, _ := m.AppendLogical(2, b2, wal.OpUpdate, wal.LogicalPayload{Table: "t", Key: "d", BeforeImage: []byte("first"), AfterImage: []byte("second")})
		c2, _ := m.AppendCommit(2, i2)
		_ = c1
		_ = m.FlushTo(c2)
	})

	store := mvcc.NewStore(nil)
	ts := mvcc.NewTsOracle()
	if _, err := Recover(path, store, ts); err != nil {
		t.Fatalf("recover: %v", err)
	}

	reader := mvcc.TxnID(99)
	store.BeginTxn(reader)
	snap := store.Snapshot(reader, ts.Next())
	v := store.Read("t\x00d", snap)
	if v == nil || string(v.Data) != "second" {
		t.Fatalf("expected final value 'second' after replaying both txns, got %+v", v)
	}
}
