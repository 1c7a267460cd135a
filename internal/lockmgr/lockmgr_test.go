package lockmgr

import (
	"context"
	"testing"
	"time"
)

func TestSharedLocksCompatible(t *testing.T) {
	m := New(Config{})
	ctx := context.Background()
	res := Row("accounts", "1")

	if err := m.Acquire(ctx, 1, res, S); err != nil {
		t.Fatalf("txn1 acquire S: %v", err)
	}
	if err := m.Acquire(ctx, 2, res, S); err != nil {
		t.Fatalf("txn2 acquire S: %v", err)
	}
}

func TestExclusiveBlocksShared(t *testing.T) {
	m := New(Config{AcquireTimeout: 50 * time.Millisecond})
	ctx := context.Background()
	res := Row("accounts", "1")

	if err := m.Acquire(ctx, 1, res, X); err != nil {
		t.Fatalf("txn1 acquire X: %v", err)
	}

	err := m.Acquire(ctx, 2, res, S)
	if err == nil {
		t.Fatal("expected txn2 to time out waiting for txn1's X lock")
	}
}

func TestReleaseWakesWaiter(t *testing.T) {
	m := New(Config{AcquireTimeout: time.Second})
	ctx := context.Background()
	res := Row("accounts", "1")

	if err := m.Acquire(ctx, 1, res, X); err != nil {
		t.Fatalf("txn1 acquire: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- m.Acquire(ctx, 2, res, X)
	}()

	time.Sleep(20 * time.Millisecond)
	m.ReleaseAll(1)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("txn2 should have been granted after release, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("txn2 never woke after release")
	}
}

func TestLockUpgrade(t *testing.T) {
	m := New(Config{})
	ctx := context.Background()
	res := Row("accounts", "1")

	if err := m.Acquire(ctx, 1, res, S); err != nil {
		t.Fatalf("acquire S: %v", err)
	}
	if err := m.Acquire(ctx, 1, res, X); err != nil {
		t.Fatalf("upgrade to X: %v", err)
	}
	held := m.HeldModes(1)
	if held[res] != X {
		t.Fatalf("expected held mode X after upgrade, got %v", held[res])
	}
}

func TestIntentionLockCompatibility(t *testing.T) {
	m := New(Config{AcquireTimeout: 50 * time.Millisecond})
	ctx := context.Background()
	table := Table("accounts")

	if err := m.Acquire(ctx, 1, table, IX); err != nil {
		t.Fatalf("txn1 IX on table: %v", err)
	}
	if err := m.Acquire(ctx, 2, table, IX); err != nil {
		t.Fatalf("txn2 IX on table should be compatible: %v", err)
	}
	if err := m.Acquire(ctx, 3, table, X); err == nil {
		t.Fatal("expected X on table to conflict with existing IX holders")
	}
}

func TestDeadlockDetection(t *testing.T) {
	m := New(Config{AcquireTimeout: 2 * time.Second})
	ctx := context.Background()
	resA := Row("t", "a")
	resB := Row("t", "b")

	if err := m.Acquire(ctx, 1, resA, X); err != nil {
		t.Fatalf("txn1 acquire A: %v", err)
	}
	if err := m.Acquire(ctx, 2, resB, X); err != nil {
		t.Fatalf("txn2 acquire B: %v", err)
	}

	errCh1 := make(chan error, 1)
	errCh2 := make(chan error, 1)
	go func() { errCh1 <- m.Acquire(ctx, 1, resB, X) }()
	go func() { errCh2 <- m.Acquire(ctx, 2, resA, X) }()

	// Give both goroutines time to enqueue as waiters and register
	// wait-for edges before running detection.
	time.Sleep(50 * time.Millisecond)

	victims := m.DetectDeadlocks()
	if len(victims) == 0 {
		t.Fatal("expected at least one deadlock victim")
	}
	for _, v := range victims {
		m.AbortWaiter(v.Txn)
		m.ReleaseAll(v.Txn)
	}

	// Whichever txn was not the victim should now complete.
	select {
	case err := <-errCh1:
		_ = err
	case err := <-errCh2:
		_ = err
	case <-time.After(2 * time.Second):
		t.Fatal("neither waiter resolved after deadlock resolution")
	}
}

func TestReleaseAllUnblocksMultipleWaiters(t *testing.T) {
	m := New(Config{AcquireTimeout: time.Second})
	ctx := context.Background()
	res := Row("t", "x")

	if err := m.Acquire(ctx, 1, res, X); err != nil {
		t.Fatalf("txn1 acquire: %v", err)
	}

	done2 := make(chan error, 1)
	done3 := make(chan error, 1)
	go func() { done2 <- m.Acquire(ctx, 2, res, S) }()
	go func() { done3 <- m.Acquire(ctx, 3, res, S) }()

	time.Sleep(20 * time.Millisecond)
	m.ReleaseAll(1)

	for i, ch := range []chan error{done2, done3} {
		select {
		case err := <-ch:
			if err != nil {
				t.Fatalf("waiter %d failed: %v", i, err)
			}
		case <-time.After(time.Second):
			t.Fatalf("waiter %d never resolved", i)
		}
	}
}
