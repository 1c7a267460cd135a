package wal

import (
	"path/filepath"
	"testing"

	"github.com/txcore/engine/internal/storage/pager"
)

func openTestWAL(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	file, err := pager.OpenWALFile(filepath.Join(dir, "test.wal"), 4096)
	if err != nil {
		t.Fatalf("open wal file: %v", err)
	}
	t.Cleanup(func() { file.Close() })
	return New(file, Config{})
}

func TestAppendAndFlush(t *testing.T) {
	m := openTestWAL(t)

	lsn, err := m.AppendBegin(1)
	if err != nil {
		t.Fatalf("append begin: %v", err)
	}
	if lsn == 0 {
		t.Fatal("expected nonzero LSN")
	}

	insLSN, err := m.AppendLogical(1, lsn, OpInsert, LogicalPayload{Table: "t", Key: "k1", AfterImage: []byte("v1")})
	if err != nil {
		t.Fatalf("append logical insert: %v", err)
	}

	commitLSN, err := m.AppendCommit(1, insLSN)
	if err != nil {
		t.Fatalf("append commit: %v", err)
	}

	if err := m.FlushTo(commitLSN); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if m.DurableLSN() < commitLSN {
		t.Fatalf("expected durable LSN >= %d, got %d", commitLSN, m.DurableLSN())
	}
}

func TestBarrierNoopOnZeroLSN(t *testing.T) {
	m := openTestWAL(t)
	if err := m.Barrier(0); err != nil {
		t.Fatalf("expected nil error for zero LSN barrier, got %v", err)
	}
}

func TestIterateFromFiltersByLSN(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "iter.wal")
	file, err := pager.OpenWALFile(path, 4096)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	m := New(file, Config{})

	l1, _ := m.AppendBegin(1)
	l2, _ := m.AppendLogical(1, l1, OpInsert, LogicalPayload{Table: "t", Key: "a", AfterImage: []byte("1")})
	l3, _ := m.AppendCommit(1, l2)
	if err := m.FlushTo(l3); err != nil {
		t.Fatalf("flush: %v", err)
	}
	file.Close()

	var seen []pager.LSN
	if err := IterateFrom(path, l2, func(rec *pager.WALRecord) error {
		seen = append(seen, rec.LSN)
		return nil
	}); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(seen) != 2 {
		t.Fatalf("expected 2 records from l2 onward, got %d", len(seen))
	}
}
