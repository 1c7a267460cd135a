// Command enginectl is a thin CLI client for enginectld's admin RPC
// surface: it dials the gRPC service with the same hand-rolled JSON codec
// the server registers and invokes one method per subcommand.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/txcore/engine/internal/admin"
)

var (
	flagAddr    = flag.String("addr", "127.0.0.1:9191", "enginectld admin RPC address")
	flagTimeout = flag.Duration("timeout", 5*time.Second, "RPC call timeout")
)

var methods = map[string]string{
	"checkpoint":        "/engine.v1.Admin/Checkpoint",
	"vacuum":            "/engine.v1.Admin/Vacuum",
	"flush-buffer-pool": "/engine.v1.Admin/FlushBufferPool",
	"detect-deadlocks":  "/engine.v1.Admin/ForceDeadlockDetection",
	"active-txns":       "/engine.v1.Admin/ActiveTransactions",
	"lock-table":        "/engine.v1.Admin/LockTable",
	"buffer-pool-stats": "/engine.v1.Admin/BufferPoolStats",
	"wal-status":        "/engine.v1.Admin/WALStatus",
	"mvcc-status":       "/engine.v1.Admin/MVCCStatus",
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: enginectl [-addr addr] [-timeout d] <command>")
	fmt.Fprintln(os.Stderr, "commands:")
	for name := range methods {
		fmt.Fprintf(os.Stderr, "  %s\n", name)
	}
}

func main() {
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) != 1 {
		usage()
		os.Exit(2)
	}
	cmd := args[0]
	fullMethod, ok := methods[cmd]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		usage()
		os.Exit(2)
	}

	conn, err := grpc.Dial(*flagAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(admin.JSONCodec{})),
	)
	if err != nil {
		log.Fatalf("dial %s: %v", *flagAddr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *flagTimeout)
	defer cancel()

	resp := responseFor(cmd)
	if err := conn.Invoke(ctx, fullMethod, &admin.Empty{}, resp); err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		log.Fatalf("encode response: %v", err)
	}
}

// responseFor returns a pointer to the response type the named command's
// RPC unmarshals into.
func responseFor(cmd string) any {
	switch cmd {
	case "checkpoint", "flush-buffer-pool":
		return &admin.Empty{}
	case "vacuum":
		return &admin.VacuumResponse{}
	case "detect-deadlocks":
		return &admin.DeadlockResponse{}
	case "active-txns":
		return &admin.ActiveTransactionsResponse{}
	case "lock-table":
		return &admin.LockTableResponse{}
	case "buffer-pool-stats":
		return &admin.BufferPoolStatsResponse{}
	case "wal-status":
		return &admin.WALStatusResponse{}
	case "mvcc-status":
		return &admin.MVCCStatusResponse{}
	default:
		return &admin.Empty{}
	}
}
