package mvcc

import (
	"testing"

	"github.com/txcore/engine/internal/errs"
)

func TestBasicCommitAndRead(t *testing.T) {
	s := NewStore(nil)
	oracle := NewTsOracle()

	s.BeginTxn(1)
	idx, err := s.Insert("a", []byte("1"), 1)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	cts := oracle.Next()
	if err := s.CommitTxn(1, cts, []KeyVersion{{Key: "a", Idx: idx}}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	s.BeginTxn(2)
	snap := s.Snapshot(2, oracle.Next())
	v := s.Read("a", snap)
	if v == nil || string(v.Data) != "1" {
		t.Fatalf("expected to read committed value 1, got %+v", v)
	}
}

func TestSnapshotIsolationHidesLaterCommit(t *testing.T) {
	s := NewStore(nil)
	oracle := NewTsOracle()

	s.BeginTxn(1)
	idx, _ := s.Insert("x", []byte("10"), 1)
	s.CommitTxn(1, oracle.Next(), []KeyVersion{{Key: "x", Idx: idx}})

	s.BeginTxn(2)
	t1Snap := s.Snapshot(2, oracle.Next())

	s.BeginTxn(3)
	idx2, err := s.Update("x", []byte("20"), 3)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	s.CommitTxn(3, oracle.Next(), []KeyVersion{{Key: "x", Idx: idx2}})

	// T1's snapshot was captured before T3 committed; it must still see 10.
	v := s.Read("x", t1Snap)
	if v == nil || string(v.Data) != "10" {
		t.Fatalf("expected snapshot to still see 10, got %+v", v)
	}

	s.BeginTxn(4)
	fresh := s.Snapshot(4, oracle.Next())
	v2 := s.Read("x", fresh)
	if v2 == nil || string(v2.Data) != "20" {
		t.Fatalf("expected fresh snapshot to see 20, got %+v", v2)
	}
}

func TestWriteConflictOnConcurrentUncommittedWrite(t *testing.T) {
	s := NewStore(nil)
	oracle := NewTsOracle()

	s.BeginTxn(1)
	idx, _ := s.Insert("y", []byte("0"), 1)
	s.CommitTxn(1, oracle.Next(), []KeyVersion{{Key: "y", Idx: idx}})

	s.BeginTxn(2)
	if _, err := s.Update("y", []byte("1"), 2); err != nil {
		t.Fatalf("txn2 update: %v", err)
	}

	s.BeginTxn(3)
	_, err := s.Update("y", []byte("1"), 3)
	if err == nil {
		t.Fatal("expected WriteConflict for txn3 while txn2's write is uncommitted")
	}
	if errs.KindOf(err) != errs.KindWriteConflict {
		t.Fatalf("expected KindWriteConflict, got %v", errs.KindOf(err))
	}
}

func TestAbortUnlinksWrite(t *testing.T) {
	s := NewStore(nil)
	oracle := NewTsOracle()

	s.BeginTxn(1)
	idx, _ := s.Insert("z", []byte("0"), 1)
	s.CommitTxn(1, oracle.Next(), []KeyVersion{{Key: "z", Idx: idx}})

	s.BeginTxn(2)
	idx2, _ := s.Update("z", []byte("1"), 2)
	s.AbortTxn(2, []KeyVersion{{Key: "z", Idx: idx2}})

	s.BeginTxn(3)
	if _, err := s.Update("z", []byte("2"), 3); err != nil {
		t.Fatalf("expected write to succeed after abort unlinked the blocker: %v", err)
	}

	s.BeginTxn(4)
	snap := s.Snapshot(4, oracle.Next())
	v := s.Read("z", snap)
	if v == nil || string(v.Data) != "0" {
		t.Fatalf("expected to see original committed value 0 since txn3 hasn't committed, got %+v", v)
	}
}

func TestVacuumReclaimsBelowHorizon(t *testing.T) {
	s := NewStore(nil)
	oracle := NewTsOracle()

	s.BeginTxn(1)
	idx1, _ := s.Insert("k", []byte("v1"), 1)
	s.CommitTxn(1, oracle.Next(), []KeyVersion{{Key: "k", Idx: idx1}})

	s.BeginTxn(2)
	idx2, _ := s.Update("k", []byte("v2"), 2)
	cts2 := oracle.Next()
	s.CommitTxn(2, cts2, []KeyVersion{{Key: "k", Idx: idx1}, {Key: "k", Idx: idx2}})

	if n := s.ChainLength("k"); n != 2 {
		t.Fatalf("expected chain length 2 before vacuum, got %d", n)
	}

	reclaimed := s.Vacuum(cts2)
	if reclaimed != 1 {
		t.Fatalf("expected 1 reclaimed version, got %d", reclaimed)
	}
	if n := s.ChainLength("k"); n != 1 {
		t.Fatalf("expected chain length 1 after vacuum, got %d", n)
	}
}
