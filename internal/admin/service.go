package admin

import "context"

// Engine is the subset of *engine.Engine the admin service drives. Defined
// locally, mirroring internal/maintenance's approach, to avoid a dependency
// from this low-level RPC package back onto the façade that embeds it.
type Engine interface {
	Checkpoint() error
	Vacuum() int
	FlushBufferPool() error
	ForceDeadlockDetection() []uint64
	ActiveTransactions() []ActiveTransactionInfo
	LockTableSnapshot() []LockTableEntry
	BufferPoolStatsSnapshot() *BufferPoolStatsResponse
	WALStatusSnapshot() WALStatusResponse
	MVCCStatusSnapshot() MVCCStatusResponse
}

// ActiveTransactionInfo mirrors engine.ActiveTransactionInfo so this package
// does not need to import internal/engine.
type ActiveTransactionInfo struct {
	ID        uint64
	Isolation string
	State     string
}

// Service adapts an Engine to the admin.Server gRPC interface.
type Service struct {
	Engine Engine
}

var _ Server = (*Service)(nil)

func (s *Service) Checkpoint(context.Context, *Empty) (*Empty, error) {
	return &Empty{}, s.Engine.Checkpoint()
}

func (s *Service) Vacuum(context.Context, *Empty) (*VacuumResponse, error) {
	return &VacuumResponse{Reclaimed: s.Engine.Vacuum()}, nil
}

func (s *Service) FlushBufferPool(context.Context, *Empty) (*Empty, error) {
	return &Empty{}, s.Engine.FlushBufferPool()
}

func (s *Service) ForceDeadlockDetection(context.Context, *Empty) (*DeadlockResponse, error) {
	return &DeadlockResponse{Victims: s.Engine.ForceDeadlockDetection()}, nil
}

func (s *Service) ActiveTransactions(context.Context, *Empty) (*ActiveTransactionsResponse, error) {
	txns := s.Engine.ActiveTransactions()
	out := make([]ActiveTransaction, len(txns))
	for i, t := range txns {
		out[i] = ActiveTransaction{ID: t.ID, Isolation: t.Isolation, State: t.State}
	}
	return &ActiveTransactionsResponse{Transactions: out}, nil
}

func (s *Service) LockTable(context.Context, *Empty) (*LockTableResponse, error) {
	return &LockTableResponse{Entries: s.Engine.LockTableSnapshot()}, nil
}

func (s *Service) BufferPoolStats(context.Context, *Empty) (*BufferPoolStatsResponse, error) {
	return s.Engine.BufferPoolStatsSnapshot(), nil
}

func (s *Service) WALStatus(context.Context, *Empty) (*WALStatusResponse, error) {
	resp := s.Engine.WALStatusSnapshot()
	return &resp, nil
}

func (s *Service) MVCCStatus(context.Context, *Empty) (*MVCCStatusResponse, error) {
	resp := s.Engine.MVCCStatusSnapshot()
	return &resp, nil
}
