package admin

import (
	"context"
	"errors"
	"testing"
)

type fakeEngine struct {
	checkpointErr error
	vacuumCount   int
	flushErr      error
	victims       []uint64
	txns          []ActiveTransactionInfo
	locks         []LockTableEntry
	bufStats      *BufferPoolStatsResponse
	walStatus     WALStatusResponse
	mvccStatus    MVCCStatusResponse
}

func (f *fakeEngine) Checkpoint() error                        { return f.checkpointErr }
func (f *fakeEngine) Vacuum() int                              { return f.vacuumCount }
func (f *fakeEngine) FlushBufferPool() error                   { return f.flushErr }
func (f *fakeEngine) ForceDeadlockDetection() []uint64         { return f.victims }
func (f *fakeEngine) ActiveTransactions() []ActiveTransactionInfo { return f.txns }
func (f *fakeEngine) LockTableSnapshot() []LockTableEntry       { return f.locks }
func (f *fakeEngine) BufferPoolStatsSnapshot() *BufferPoolStatsResponse { return f.bufStats }
func (f *fakeEngine) WALStatusSnapshot() WALStatusResponse      { return f.walStatus }
func (f *fakeEngine) MVCCStatusSnapshot() MVCCStatusResponse    { return f.mvccStatus }

func TestServiceCheckpointPropagatesError(t *testing.T) {
	fe := &fakeEngine{checkpointErr: errors.New("disk full")}
	s := &Service{Engine: fe}
	if _, err := s.Checkpoint(context.Background(), &Empty{}); err == nil {
		t.Fatal("expected checkpoint error to propagate")
	}
}

func TestServiceVacuumReportsReclaimedCount(t *testing.T) {
	fe := &fakeEngine{vacuumCount: 7}
	s := &Service{Engine: fe}
	resp, err := s.Vacuum(context.Background(), &Empty{})
	if err != nil {
		t.Fatalf("vacuum: %v", err)
	}
	if resp.Reclaimed != 7 {
		t.Fatalf("expected reclaimed=7, got %d", resp.Reclaimed)
	}
}

func TestServiceActiveTransactionsTranslatesShape(t *testing.T) {
	fe := &fakeEngine{txns: []ActiveTransactionInfo{{ID: 1, Isolation: "Snapshot", State: "Active"}}}
	s := &Service{Engine: fe}
	resp, err := s.ActiveTransactions(context.Background(), &Empty{})
	if err != nil {
		t.Fatalf("active transactions: %v", err)
	}
	if len(resp.Transactions) != 1 || resp.Transactions[0].ID != 1 || resp.Transactions[0].State != "Active" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestServiceForceDeadlockDetectionReturnsVictims(t *testing.T) {
	fe := &fakeEngine{victims: []uint64{42}}
	s := &Service{Engine: fe}
	resp, err := s.ForceDeadlockDetection(context.Background(), &Empty{})
	if err != nil {
		t.Fatalf("force deadlock detection: %v", err)
	}
	if len(resp.Victims) != 1 || resp.Victims[0] != 42 {
		t.Fatalf("unexpected victims: %+v", resp.Victims)
	}
}

func TestServiceWALAndMVCCStatusPassThrough(t *testing.T) {
	fe := &fakeEngine{
		walStatus:  WALStatusResponse{CurrentLSN: 10, DurableLSN: 8},
		mvccStatus: MVCCStatusResponse{ActiveTransactions: 3},
	}
	s := &Service{Engine: fe}

	wal, err := s.WALStatus(context.Background(), &Empty{})
	if err != nil {
		t.Fatalf("wal status: %v", err)
	}
	if wal.CurrentLSN != 10 || wal.DurableLSN != 8 {
		t.Fatalf("unexpected wal status: %+v", wal)
	}

	mvcc, err := s.MVCCStatus(context.Background(), &Empty{})
	if err != nil {
		t.Fatalf("mvcc status: %v", err)
	}
	if mvcc.ActiveTransactions != 3 {
		t.Fatalf("unexpected mvcc status: %+v", mvcc)
	}
}
