package rowstore

import (
	"sync"

	"github.com/txcore/engine/internal/storage/pager"
)

// Store durably persists the single current value of each composite row
// key ("table\x00key", the same format internal/txn already builds) behind
// a Tree. It satisfies internal/mvcc.RowStore: the version chain in memory
// keeps full history for active snapshots, Store keeps only what is
// currently visible, reachable through a pinned buffer-pool page rather
// than the in-memory arena.
//
// Every Put/Delete is its own physical transaction against the pager — a
// "physical autocommit" independent of the logical engine transaction that
// produced the value, bracketed so pager.Recover replays it after a crash
// (see internal/storage/pager/recovery.go: a page image is only replayed
// for a TxID with a matching commit record). A single mutex serializes
// structural changes to the tree; readers and writers alike take it, since
// a concurrent root split would otherwise race Tree.root.
type Store struct {
	mu   sync.Mutex
	tree *Tree
	pgr  *pager.Pager
}

// NewStore wraps an already-open or newly-created Tree.
func NewStore(tree *Tree, pgr *pager.Pager) *Store {
	return &Store{tree: tree, pgr: pgr}
}

// Root reports the tree's current root page, for the caller to persist into
// the superblock at checkpoint time.
func (s *Store) Root() pager.PageID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Root()
}

// Put durably stores data as key's current value.
func (s *Store) Put(key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	txID, err := s.pgr.BeginTx()
	if err != nil {
		return err
	}
	if err := s.tree.Insert(txID, []byte(key), data); err != nil {
		_ = s.pgr.AbortTx(txID)
		return err
	}
	return s.pgr.CommitTx(txID)
}

// Delete removes key's current value, if any.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	txID, err := s.pgr.BeginTx()
	if err != nil {
		return err
	}
	if _, err := s.tree.Delete(txID, []byte(key)); err != nil {
		_ = s.pgr.AbortTx(txID)
		return err
	}
	return s.pgr.CommitTx(txID)
}

// Get returns key's durably stored current value, for callers (e.g. a cold
// cache rebuild or consistency check) that want the page-resident value
// rather than the in-memory version chain.
func (s *Store) Get(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Get([]byte(key))
}
