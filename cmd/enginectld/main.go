// Command enginectld opens a storage engine instance and serves its
// administrative surface over gRPC: checkpoint, vacuum, buffer pool flush,
// deadlock detection, and introspection. It also runs the periodic
// maintenance scheduler (deadlock detection, buffer flush sweeps, vacuum,
// checkpointing) in the background, the same division of labor the
// transaction-manager-backed engine and its cron-driven housekeeping split
// in-process.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/txcore/engine/internal/admin"
	"github.com/txcore/engine/internal/config"
	"github.com/txcore/engine/internal/engine"
	"github.com/txcore/engine/internal/maintenance"
)

var (
	flagConfig  = flag.String("config", "", "path to a YAML configuration file (optional; defaults + ENGINE_* env vars otherwise)")
	flagListen  = flag.String("listen", "", "gRPC admin listen address (overrides config admin_listen_addr)")
	flagVerbose = flag.Bool("v", false, "verbose logging")
)

// engineAdapter bridges *engine.Engine's public surface to admin.Engine,
// converting result types to the RPC wire shapes. Kept here rather than in
// internal/engine so that package never needs to import the RPC layer.
type engineAdapter struct {
	e *engine.Engine
}

func (a engineAdapter) Checkpoint() error              { return a.e.Checkpoint() }
func (a engineAdapter) Vacuum() int                    { return a.e.Vacuum() }
func (a engineAdapter) FlushBufferPool() error         { return a.e.FlushBufferPool() }
func (a engineAdapter) ForceDeadlockDetection() []uint64 { return a.e.ForceDeadlockDetection() }

func (a engineAdapter) ActiveTransactions() []admin.ActiveTransactionInfo {
	txns := a.e.ActiveTransactions()
	out := make([]admin.ActiveTransactionInfo, len(txns))
	for i, t := range txns {
		out[i] = admin.ActiveTransactionInfo{ID: t.ID, Isolation: t.Isolation, State: t.State}
	}
	return out
}

func (a engineAdapter) LockTableSnapshot() []admin.LockTableEntry {
	return admin.ToLockTableEntries(a.e.LockTable())
}

func (a engineAdapter) BufferPoolStatsSnapshot() *admin.BufferPoolStatsResponse {
	return admin.ToBufferPoolStatsResponse(a.e.BufferPoolStats())
}

func (a engineAdapter) WALStatusSnapshot() admin.WALStatusResponse {
	s := a.e.WALStatus()
	return admin.WALStatusResponse{CurrentLSN: s.CurrentLSN, DurableLSN: s.DurableLSN}
}

func (a engineAdapter) MVCCStatusSnapshot() admin.MVCCStatusResponse {
	return admin.MVCCStatusResponse{ActiveTransactions: a.e.MVCCStatus().ActiveTransactions}
}

var _ admin.Engine = engineAdapter{}

func main() {
	flag.Parse()

	level := slog.LevelInfo
	if *flagVerbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load(*flagConfig)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *flagListen != "" {
		cfg.AdminListenAddr = *flagListen
	}

	eng, err := engine.Open(cfg)
	if err != nil {
		log.Fatalf("open engine: %v", err)
	}
	defer eng.Close()

	sched := maintenance.New(eng, maintenance.Config{
		DeadlockDetectorMs:    cfg.DeadlockDetectorMs,
		BufferFlushIntervalMs: cfg.BufferFlushIntervalMs,
		VacuumIntervalMs:      cfg.VacuumIntervalMs,
		CheckpointIntervalMs:  cfg.CheckpointIntervalMs,
	})
	sched.Start()
	defer sched.Stop()

	encoding.RegisterCodec(admin.JSONCodec{})

	lis, err := net.Listen("tcp", cfg.AdminListenAddr)
	if err != nil {
		log.Fatalf("listen on %s: %v", cfg.AdminListenAddr, err)
	}

	gs := grpc.NewServer()
	admin.RegisterServer(gs, &admin.Service{Engine: engineAdapter{e: eng}})

	go func() {
		slog.Info("admin RPC listening", "addr", cfg.AdminListenAddr)
		if err := gs.Serve(lis); err != nil {
			slog.Error("admin RPC serve failed", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	slog.Info("shutting down")
	gs.GracefulStop()
}
