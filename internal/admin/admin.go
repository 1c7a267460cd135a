// Package admin exposes the storage engine's administrative surface —
// checkpoint, vacuum, buffer pool flush, deadlock detection, and the
// introspection endpoints (active transactions, lock table, buffer pool
// stats, WAL status, MVCC status) — as a hand-rolled gRPC service. There is
// no .proto file: the service descriptor and method handlers are written by
// hand and requests are carried as JSON over gRPC via a custom codec, the
// same no-protobuf pattern the rest of this codebase's RPC surface uses.
package admin

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"

	"github.com/txcore/engine/internal/bufferpool"
	"github.com/txcore/engine/internal/lockmgr"
)

// JSONCodec carries admin RPC payloads as JSON instead of protobuf wire
// format. Register it with encoding.RegisterCodec in cmd/enginectld and
// select it on the client with grpc.ForceCodec(JSONCodec{}); it satisfies
// grpc's codec interface structurally so no import of encoding.Codec is
// needed here.
type JSONCodec struct{}

func (JSONCodec) Name() string                      { return "json" }
func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// Empty is the request/response shape for RPCs that carry no payload.
type Empty struct{}

// DeadlockResponse reports the transaction IDs force-aborted as deadlock
// victims by a ForceDeadlockDetection call.
type DeadlockResponse struct {
	Victims []uint64 `json:"victims"`
}

// ActiveTransactionsResponse lists every currently active transaction.
type ActiveTransactionsResponse struct {
	Transactions []ActiveTransaction `json:"transactions"`
}

// ActiveTransaction mirrors engine.ActiveTransactionInfo for wire transport.
type ActiveTransaction struct {
	ID        uint64 `json:"id"`
	Isolation string `json:"isolation"`
	State     string `json:"state"`
}

// LockTableResponse is the full lock table snapshot.
type LockTableResponse struct {
	Entries []LockTableEntry `json:"entries"`
}

// LockTableEntry mirrors lockmgr.LockTableEntry for wire transport.
type LockTableEntry struct {
	ResourceKind string `json:"resource_kind"`
	ResourceKey  string `json:"resource_key"`
	Txn          uint64 `json:"txn"`
	Mode         string `json:"mode"`
	Waiting      bool   `json:"waiting"`
}

// BufferPoolStatsResponse mirrors bufferpool.Stats for wire transport.
type BufferPoolStatsResponse struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Flushes   int64 `json:"flushes"`
}

// WALStatusResponse reports the current and durable LSN.
type WALStatusResponse struct {
	CurrentLSN uint64 `json:"current_lsn"`
	DurableLSN uint64 `json:"durable_lsn"`
}

// MVCCStatusResponse reports vacuum-relevant MVCC counters.
type MVCCStatusResponse struct {
	ActiveTransactions int `json:"active_transactions"`
}

// VacuumResponse reports how many versions a Vacuum call reclaimed.
type VacuumResponse struct {
	Reclaimed int `json:"reclaimed"`
}

// Server is the admin RPC surface: every method maps directly onto one of
// internal/engine's administrative or introspection operations.
type Server interface {
	Checkpoint(context.Context, *Empty) (*Empty, error)
	Vacuum(context.Context, *Empty) (*VacuumResponse, error)
	FlushBufferPool(context.Context, *Empty) (*Empty, error)
	ForceDeadlockDetection(context.Context, *Empty) (*DeadlockResponse, error)
	ActiveTransactions(context.Context, *Empty) (*ActiveTransactionsResponse, error)
	LockTable(context.Context, *Empty) (*LockTableResponse, error)
	BufferPoolStats(context.Context, *Empty) (*BufferPoolStatsResponse, error)
	WALStatus(context.Context, *Empty) (*WALStatusResponse, error)
	MVCCStatus(context.Context, *Empty) (*MVCCStatusResponse, error)
}

// RegisterServer wires srv into s under the engine.v1.Admin service name,
// the manual equivalent of generated protobuf registration code.
func RegisterServer(s *grpc.Server, srv Server) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: "engine.v1.Admin",
		HandlerType: (*Server)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "Checkpoint", Handler: _Admin_Checkpoint_Handler},
			{MethodName: "Vacuum", Handler: _Admin_Vacuum_Handler},
			{MethodName: "FlushBufferPool", Handler: _Admin_FlushBufferPool_Handler},
			{MethodName: "ForceDeadlockDetection", Handler: _Admin_ForceDeadlockDetection_Handler},
			{MethodName: "ActiveTransactions", Handler: _Admin_ActiveTransactions_Handler},
			{MethodName: "LockTable", Handler: _Admin_LockTable_Handler},
			{MethodName: "BufferPoolStats", Handler: _Admin_BufferPoolStats_Handler},
			{MethodName: "WALStatus", Handler: _Admin_WALStatus_Handler},
			{MethodName: "MVCCStatus", Handler: _Admin_MVCCStatus_Handler},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "engine/admin",
	}, srv)
}

func _Admin_Checkpoint_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).Checkpoint(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/engine.v1.Admin/Checkpoint"}
	handler := func(ctx context.Context, req any) (any, error) { return srv.(Server).Checkpoint(ctx, req.(*Empty)) }
	return interceptor(ctx, in, info, handler)
}

func _Admin_Vacuum_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).Vacuum(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/engine.v1.Admin/Vacuum"}
	handler := func(ctx context.Context, req any) (any, error) { return srv.(Server).Vacuum(ctx, req.(*Empty)) }
	return interceptor(ctx, in, info, handler)
}

func _Admin_FlushBufferPool_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).FlushBufferPool(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/engine.v1.Admin/FlushBufferPool"}
	handler := func(ctx context.Context, req any) (any, error) { return srv.(Server).FlushBufferPool(ctx, req.(*Empty)) }
	return interceptor(ctx, in, info, handler)
}

func _Admin_ForceDeadlockDetection_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).ForceDeadlockDetection(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/engine.v1.Admin/ForceDeadlockDetection"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Server).ForceDeadlockDetection(ctx, req.(*Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _Admin_ActiveTransactions_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).ActiveTransactions(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/engine.v1.Admin/ActiveTransactions"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Server).ActiveTransactions(ctx, req.(*Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _Admin_LockTable_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).LockTable(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/engine.v1.Admin/LockTable"}
	handler := func(ctx context.Context, req any) (any, error) { return srv.(Server).LockTable(ctx, req.(*Empty)) }
	return interceptor(ctx, in, info, handler)
}

func _Admin_BufferPoolStats_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).BufferPoolStats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/engine.v1.Admin/BufferPoolStats"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Server).BufferPoolStats(ctx, req.(*Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _Admin_WALStatus_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).WALStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/engine.v1.Admin/WALStatus"}
	handler := func(ctx context.Context, req any) (any, error) { return srv.(Server).WALStatus(ctx, req.(*Empty)) }
	return interceptor(ctx, in, info, handler)
}

func _Admin_MVCCStatus_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).MVCCStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/engine.v1.Admin/MVCCStatus"}
	handler := func(ctx context.Context, req any) (any, error) { return srv.(Server).MVCCStatus(ctx, req.(*Empty)) }
	return interceptor(ctx, in, info, handler)
}

// ToLockTableEntries converts the lock manager's native snapshot to the
// wire shape; exported for use by the cmd/enginectld adapter that bridges
// *engine.Engine to this package's Engine interface.
func ToLockTableEntries(entries []lockmgr.LockTableEntry) []LockTableEntry {
	out := make([]LockTableEntry, len(entries))
	for i, e := range entries {
		out[i] = LockTableEntry{
			ResourceKind: e.Resource.Kind,
			ResourceKey:  e.Resource.Key,
			Txn:          uint64(e.Txn),
			Mode:         e.Mode.String(),
			Waiting:      e.Waiting,
		}
	}
	return out
}

// ToBufferPoolStatsResponse converts a bufferpool.Stats snapshot to the
// wire shape.
func ToBufferPoolStatsResponse(s bufferpool.Stats) *BufferPoolStatsResponse {
	return &BufferPoolStatsResponse{Hits: s.Hits, Misses: s.Misses, Evictions: s.Evictions, Flushes: s.Flushes}
}
