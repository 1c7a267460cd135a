package rowstore

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/txcore/engine/internal/bufferpool"
	"github.com/txcore/engine/internal/storage/pager"
)

func newTestTree(t *testing.T) (*Tree, *pager.Pager, *bufferpool.Pool) {
	t.Helper()
	dir := t.TempDir()
	pgr, err := pager.OpenPager(pager.PagerConfig{
		DBPath:   filepath.Join(dir, "rows.db"),
		PageSize: pager.MinPageSize,
	})
	if err != nil {
		t.Fatalf("open pager: %v", err)
	}
	t.Cleanup(func() { pgr.Close() })

	pool := bufferpool.New(pgr, nil, bufferpool.Config{MaxFrames: 16})

	txID, err := pgr.BeginTx()
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	tree, err := Create(pool, pgr, txID)
	if err != nil {
		t.Fatalf("create tree: %v", err)
	}
	if err := pgr.CommitTx(txID); err != nil {
		t.Fatalf("commit tree creation: %v", err)
	}
	return tree, pgr, pool
}

func TestInsertGetRoundTrip(t *testing.T) {
	tree, pgr, _ := newTestTree(t)

	txID, err := pgr.BeginTx()
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	if err := tree.Insert(txID, []byte("alpha"), []byte("1")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := pgr.CommitTx(txID); err != nil {
		t.Fatalf("commit: %v", err)
	}

	val, ok, err := tree.Get([]byte("alpha"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || string(val) != "1" {
		t.Fatalf("expected alpha=1, got %q ok=%v", val, ok)
	}

	if _, ok, _ := tree.Get([]byte("missing")); ok {
		t.Fatal("expected missing key to be absent")
	}
}

func TestInsertOverwritesExistingKey(t *testing.T) {
	tree, pgr, _ := newTestTree(t)

	for _, v := range []string{"1", "2", "3"} {
		txID, err := pgr.BeginTx()
		if err != nil {
			t.Fatalf("begin tx: %v", err)
		}
		if err := tree.Insert(txID, []byte("k"), []byte(v)); err != nil {
			t.Fatalf("insert %s: %v", v, err)
		}
		if err := pgr.CommitTx(txID); err != nil {
			t.Fatalf("commit %s: %v", v, err)
		}
	}

	val, ok, err := tree.Get([]byte("k"))
	if err != nil || !ok || string(val) != "3" {
		t.Fatalf("expected k=3, got %q ok=%v err=%v", val, ok, err)
	}
}

func TestDeleteRemovesKey(t *testing.T) {
	tree, pgr, _ := newTestTree(t)

	txID, _ := pgr.BeginTx()
	if err := tree.Insert(txID, []byte("gone"), []byte("x")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_ = pgr.CommitTx(txID)

	txID2, _ := pgr.BeginTx()
	found, err := tree.Delete(txID2, []byte("gone"))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !found {
		t.Fatal("expected delete to report the key was present")
	}
	_ = pgr.CommitTx(txID2)

	if _, ok, _ := tree.Get([]byte("gone")); ok {
		t.Fatal("expected key to be gone after delete")
	}

	txID3, _ := pgr.BeginTx()
	if found, err := tree.Delete(txID3, []byte("gone")); err != nil || found {
		t.Fatalf("expected deleting an absent key to report false, got found=%v err=%v", found, err)
	}
	_ = pgr.CommitTx(txID3)
}

// TestInsertManyForcesPageSplits inserts enough keys into a minimum-size
// page tree to force repeated leaf splits under an internal root, then verifies
// every key is still reachable in sorted order via ScanRange.
func TestInsertManyForcesPageSplits(t *testing.T) {
	tree, pgr, _ := newTestTree(t)

	const n = 500
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%04d", i)
		txID, err := pgr.BeginTx()
		if err != nil {
			t.Fatalf("begin tx %d: %v", i, err)
		}
		if err := tree.Insert(txID, []byte(key), []byte(fmt.Sprintf("val-%d", i))); err != nil {
			t.Fatalf("insert %s: %v", key, err)
		}
		if err := pgr.CommitTx(txID); err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
	}

	if tree.Root() == pager.InvalidPageID {
		t.Fatal("expected a valid root after inserts")
	}

	count, err := tree.Count()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != n {
		t.Fatalf("expected %d keys, counted %d", n, count)
	}

	var prev string
	seen := 0
	err = tree.ScanRange(nil, nil, func(key, value []byte) bool {
		if string(key) < prev {
			t.Fatalf("scan out of order: %q after %q", key, prev)
		}
		prev = string(key)
		seen++
		return true
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if seen != n {
		t.Fatalf("expected to scan %d keys, saw %d", n, seen)
	}

	for i := 0; i < n; i += 37 {
		key := fmt.Sprintf("key-%04d", i)
		val, ok, err := tree.Get([]byte(key))
		if err != nil || !ok || string(val) != fmt.Sprintf("val-%d", i) {
			t.Fatalf("spot-check %s: val=%q ok=%v err=%v", key, val, ok, err)
		}
	}
}

// TestOverflowValueRoundTrips exercises the overflow-page chain for a value
// larger than the inline threshold.
func TestOverflowValueRoundTrips(t *testing.T) {
	tree, pgr, _ := newTestTree(t)

	big := make([]byte, tree.overflowThresh*3+17)
	for i := range big {
		big[i] = byte(i % 251)
	}

	txID, _ := pgr.BeginTx()
	if err := tree.Insert(txID, []byte("blob"), big); err != nil {
		t.Fatalf("insert big value: %v", err)
	}
	_ = pgr.CommitTx(txID)

	got, ok, err := tree.Get([]byte("blob"))
	if err != nil || !ok {
		t.Fatalf("get big value: ok=%v err=%v", ok, err)
	}
	if len(got) != len(big) {
		t.Fatalf("expected %d bytes back, got %d", len(big), len(got))
	}
	for i := range big {
		if got[i] != big[i] {
			t.Fatalf("overflow value mismatch at byte %d", i)
		}
	}

	txID2, _ := pgr.BeginTx()
	if _, err := tree.Delete(txID2, []byte("blob")); err != nil {
		t.Fatalf("delete big value: %v", err)
	}
	_ = pgr.CommitTx(txID2)
}

// TestPinsBalanceAfterOperations checks that normal tree operations leave no
// outstanding pins, ruling out a pin leak in the split/overflow paths.
func TestPinsBalanceAfterOperations(t *testing.T) {
	tree, pgr, pool := newTestTree(t)

	for i := 0; i < 200; i++ {
		key := []byte(fmt.Sprintf("p-%03d", i))
		txID, _ := pgr.BeginTx()
		if err := tree.Insert(txID, key, []byte("v")); err != nil {
			t.Fatalf("insert: %v", err)
		}
		_ = pgr.CommitTx(txID)
	}
	for i := 0; i < 200; i += 3 {
		key := []byte(fmt.Sprintf("p-%03d", i))
		txID, _ := pgr.BeginTx()
		if _, err := tree.Delete(txID, key); err != nil {
			t.Fatalf("delete: %v", err)
		}
		_ = pgr.CommitTx(txID)
	}

	// A pin leaked by any operation above would leave its frame unevictable
	// and exhaust the small pool during the inserts; pinning the root once
	// more must still succeed and return the root's frame.
	if tree.Root() != pager.InvalidPageID {
		g, err := pool.Pin(tree.Root())
		if err != nil {
			t.Fatalf("pin root after operations: %v", err)
		}
		if g.ID() != tree.Root() {
			t.Fatalf("unexpected frame id %v", g.ID())
		}
		pool.Unpin(g, false, 0)
	}
}
