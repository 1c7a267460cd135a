// Package rowstore is the page-backed row heap: a transactional B+Tree whose
// nodes live in internal/bufferpool.Pool rather than in a pager-private
// cache. Every read pins the page it needs and every write dirties a pinned
// frame and hands the pool the LSN of the WAL record describing that
// mutation before releasing the pin — the same pin/WAL-then-write discipline
// internal/storage/pager's own B+Tree observes internally, just driven from
// outside the pager through its Direct I/O surface instead of through the
// pager's private page cache.
//
// The node and record layout is the one internal/storage/pager/btree_page.go
// defines; this package reuses it verbatim (it is the on-disk wire format,
// not an implementation detail) but owns a different split/propagate
// algorithm: internal-node updates during a split are expressed as an
// ordered child/key splice-and-rebuild rather than in-place slot surgery,
// which needs no access to the page's unexported slot accessors and reads
// more directly as "take the old layout, insert one more child, rebuild."
package rowstore

import (
	"bytes"
	"fmt"

	"github.com/txcore/engine/internal/bufferpool"
	"github.com/txcore/engine/internal/storage/pager"
)

// Tree is a B+Tree whose pages are pinned through a bufferpool.Pool.
type Tree struct {
	pool           *bufferpool.Pool
	pgr            *pager.Pager
	root           pager.PageID
	overflowThresh int
}

// Create allocates a fresh tree with an empty leaf root, durably persisting
// the root page before returning.
func Create(pool *bufferpool.Pool, pgr *pager.Pager, txID pager.TxID) (*Tree, error) {
	t := &Tree{pool: pool, pgr: pgr, overflowThresh: pager.OverflowThresholdFor(pgr.PageSize())}

	pid, _, err := pgr.AllocPageDirect()
	if err != nil {
		return nil, fmt.Errorf("allocate row heap root: %w", err)
	}
	g, err := pool.Pin(pid)
	if err != nil {
		return nil, err
	}
	pager.InitBTreePage(g.Bytes(), pid, true)
	if err := t.writeBack(txID, g); err != nil {
		return nil, err
	}
	t.root = pid
	return t, nil
}

// Open returns a handle to an existing tree rooted at root.
func Open(pool *bufferpool.Pool, pgr *pager.Pager, root pager.PageID) *Tree {
	return &Tree{pool: pool, pgr: pgr, root: root, overflowThresh: pager.OverflowThresholdFor(pgr.PageSize())}
}

// Root returns the tree's current root page ID, for persisting into the
// superblock after a root split.
func (t *Tree) Root() pager.PageID { return t.root }

// pin reads and pins a page, wrapping it as a B+Tree node.
func (t *Tree) pin(id pager.PageID) (*bufferpool.FrameGuard, *pager.BTreePage, error) {
	g, err := t.pool.Pin(id)
	if err != nil {
		return nil, nil, err
	}
	return g, pager.WrapBTreePage(g.Bytes()), nil
}

// writeBack recomputes the CRC, logs the page image, and unpins dirty.
func (t *Tree) writeBack(txID pager.TxID, g *bufferpool.FrameGuard) error {
	pager.SetPageCRC(g.Bytes())
	lsn, err := t.pgr.AppendPageImage(txID, g.ID(), g.Bytes())
	if err != nil {
		t.pool.Unpin(g, false, 0)
		return err
	}
	t.pool.Unpin(g, true, lsn)
	return nil
}

// ── Search ──────────────────────────────────────────────────────────────

// Get looks up key, transparently dereferencing an overflow chain.
func (t *Tree) Get(key []byte) ([]byte, bool, error) {
	leafID, err := t.findLeaf(key)
	if err != nil {
		return nil, false, err
	}
	g, bp, err := t.pin(leafID)
	if err != nil {
		return nil, false, err
	}
	pos, found := bp.FindLeafEntry(key)
	if !found {
		t.pool.Unpin(g, false, 0)
		return nil, false, nil
	}
	entry := bp.GetLeafEntry(pos)
	if entry.Overflow {
		overflowHead, totalSize := entry.OverflowPageID, entry.TotalSize
		t.pool.Unpin(g, false, 0)
		val, err := t.readOverflow(overflowHead, totalSize)
		return val, err == nil, err
	}
	val := append([]byte(nil), entry.Value...)
	t.pool.Unpin(g, false, 0)
	return val, true, nil
}

func (t *Tree) findLeaf(key []byte) (pager.PageID, error) {
	id := t.root
	for {
		g, bp, err := t.pin(id)
		if err != nil {
			return 0, err
		}
		if bp.IsLeaf() {
			t.pool.Unpin(g, false, 0)
			return id, nil
		}
		child := bp.SearchInternal(key)
		t.pool.Unpin(g, false, 0)
		id = child
	}
}

func (t *Tree) pathToLeaf(key []byte) ([]pager.PageID, error) {
	var path []pager.PageID
	id := t.root
	for {
		path = append(path, id)
		g, bp, err := t.pin(id)
		if err != nil {
			return nil, err
		}
		if bp.IsLeaf() {
			t.pool.Unpin(g, false, 0)
			return path, nil
		}
		child := bp.SearchInternal(key)
		t.pool.Unpin(g, false, 0)
		id = child
	}
}

// ── Insert ──────────────────────────────────────────────────────────────

// Insert adds or replaces key's value within txID's physical WAL bracket.
func (t *Tree) Insert(txID pager.TxID, key, value []byte) error {
	entry := pager.LeafEntry{Key: key}
	if len(value) > t.overflowThresh {
		head, err := t.writeOverflow(txID, value)
		if err != nil {
			return err
		}
		entry.Overflow = true
		entry.OverflowPageID = head
		entry.TotalSize = uint32(len(value))
	} else {
		entry.Value = value
	}
	return t.insertIntoTree(txID, key, entry)
}

func (t *Tree) insertIntoTree(txID pager.TxID, key []byte, entry pager.LeafEntry) error {
	path, err := t.pathToLeaf(key)
	if err != nil {
		return err
	}
	leafID := path[len(path)-1]

	g, bp, err := t.pin(leafID)
	if err != nil {
		return err
	}

	if pos, found := bp.FindLeafEntry(key); found {
		old := bp.GetLeafEntry(pos)
		if err := bp.UpdateLeafEntry(pos, entry); err == nil {
			// Only free the old overflow chain once the replacement is
			// durably in place; on the split path below, mergeLeafEntries
			// frees it exactly once while deduplicating the old entry out.
			if old.Overflow {
				t.freeOverflowChain(old.OverflowPageID)
			}
			return t.writeBack(txID, g)
		}
		t.pool.Unpin(g, false, 0)
		return t.splitLeaf(txID, path, entry)
	}

	if _, err := bp.InsertLeafEntry(entry); err == nil {
		return t.writeBack(txID, g)
	}
	t.pool.Unpin(g, false, 0)
	return t.splitLeaf(txID, path, entry)
}

func (t *Tree) splitLeaf(txID pager.TxID, path []pager.PageID, entry pager.LeafEntry) error {
	leafID := path[len(path)-1]
	g, bp, err := t.pin(leafID)
	if err != nil {
		return err
	}

	merged := mergeLeafEntries(bp.GetAllLeafEntries(), entry, t.freeOverflowChain)
	oldNext, oldPrev := bp.NextLeaf(), bp.PrevLeaf()
	t.pool.Unpin(g, false, 0)

	mid := len(merged) / 2
	leftEntries, rightEntries := merged[:mid], merged[mid:]
	splitKey := rightEntries[0].Key

	leftBuf := make([]byte, t.pgr.PageSize())
	leftBP := pager.InitBTreePage(leftBuf, leafID, true)
	for _, e := range leftEntries {
		if _, err := leftBP.InsertLeafEntry(e); err != nil {
			return fmt.Errorf("split leaf left: %w", err)
		}
	}

	rightID, _, err := t.pgr.AllocPageDirect()
	if err != nil {
		return err
	}
	rightBuf := make([]byte, t.pgr.PageSize())
	rightBP := pager.InitBTreePage(rightBuf, rightID, true)
	for _, e := range rightEntries {
		if _, err := rightBP.InsertLeafEntry(e); err != nil {
			return fmt.Errorf("split leaf right: %w", err)
		}
	}

	leftBP.SetNextLeaf(rightID)
	leftBP.SetPrevLeaf(oldPrev)
	rightBP.SetPrevLeaf(leafID)
	rightBP.SetNextLeaf(oldNext)

	gl, err := t.pool.Pin(leafID)
	if err != nil {
		return err
	}
	copy(gl.Bytes(), leftBuf)
	if err := t.writeBack(txID, gl); err != nil {
		return err
	}

	gr, err := t.pool.Pin(rightID)
	if err != nil {
		return err
	}
	copy(gr.Bytes(), rightBuf)
	if err := t.writeBack(txID, gr); err != nil {
		return err
	}

	if oldNext.Valid() {
		gn, bpn, err := t.pin(oldNext)
		if err == nil {
			bpn.SetPrevLeaf(rightID)
			_ = t.writeBack(txID, gn)
		}
	}

	return t.insertIntoParent(txID, path[:len(path)-1], leafID, splitKey, rightID)
}

// mergeLeafEntries inserts entry into the sorted slice of existing entries,
// replacing any equal-keyed entry (freeing its overflow chain via free)
// rather than duplicating it.
func mergeLeafEntries(existing []pager.LeafEntry, entry pager.LeafEntry, free func(pager.PageID)) []pager.LeafEntry {
	merged := make([]pager.LeafEntry, 0, len(existing)+1)
	inserted := false
	for _, e := range existing {
		if bytes.Equal(e.Key, entry.Key) {
			if e.Overflow {
				free(e.OverflowPageID)
			}
			continue
		}
		if !inserted && bytes.Compare(entry.Key, e.Key) <= 0 {
			merged = append(merged, entry)
			inserted = true
		}
		merged = append(merged, e)
	}
	if !inserted {
		merged = append(merged, entry)
	}
	return merged
}

// ── Internal node splice/rebuild ────────────────────────────────────────

// internalLayout is an internal node's children and separator keys,
// expressed as the ordered sequence children[0], keys[0], children[1],
// keys[1], ..., children[n]. len(children) == len(keys)+1 always.
type internalLayout struct {
	children []pager.PageID
	keys     [][]byte
}

func layoutFrom(bp *pager.BTreePage) internalLayout {
	entries := bp.GetAllInternalEntries()
	l := internalLayout{
		children: make([]pager.PageID, 0, len(entries)+1),
		keys:     make([][]byte, 0, len(entries)),
	}
	for _, e := range entries {
		l.children = append(l.children, e.ChildID)
		l.keys = append(l.keys, e.Key)
	}
	l.children = append(l.children, bp.RightChild())
	return l
}

// splice inserts key between oldChild and a new rightChild that replaces
// oldChild's old position: oldChild keeps everything < key, rightChild
// takes everything >= key.
func (l internalLayout) splice(oldChild pager.PageID, key []byte, rightChild pager.PageID) internalLayout {
	idx := -1
	for i, c := range l.children {
		if c == oldChild {
			idx = i
			break
		}
	}
	if idx == -1 {
		// Should not happen; treat as appended at the end defensively.
		idx = len(l.children) - 1
	}
	children := make([]pager.PageID, 0, len(l.children)+1)
	children = append(children, l.children[:idx+1]...)
	children = append(children, rightChild)
	children = append(children, l.children[idx+1:]...)

	keys := make([][]byte, 0, len(l.keys)+1)
	keys = append(keys, l.keys[:idx]...)
	keys = append(keys, key)
	keys = append(keys, l.keys[idx:]...)

	return internalLayout{children: children, keys: keys}
}

// build attempts to render the layout into a single page of id, returning
// ok=false if it does not fit (the caller must then split).
func (l internalLayout) build(pageSize int, id pager.PageID) (buf []byte, ok bool) {
	buf = make([]byte, pageSize)
	bp := pager.InitBTreePage(buf, id, false)
	for i, key := range l.keys {
		if err := bp.InsertInternalEntry(pager.InternalEntry{ChildID: l.children[i], Key: key}); err != nil {
			return nil, false
		}
	}
	bp.SetRightChild(l.children[len(l.children)-1])
	return buf, true
}

// split divides the layout at its midpoint key, returning the left half
// (the children and keys before that key), the midpoint key itself to push
// up into the parent, and the right half (the children and keys after it).
// Each half is a complete layout with len(children) == len(keys)+1.
func (l internalLayout) split() (left internalLayout, pushUp []byte, right internalLayout) {
	mid := len(l.keys) / 2
	left = internalLayout{children: l.children[:mid+1], keys: l.keys[:mid]}
	pushUp = l.keys[mid]
	right = internalLayout{children: l.children[mid+1:], keys: l.keys[mid+1:]}
	return left, pushUp, right
}

func (t *Tree) insertIntoParent(txID pager.TxID, path []pager.PageID, leftID pager.PageID, key []byte, rightID pager.PageID) error {
	if len(path) == 0 {
		return t.createNewRoot(txID, leftID, key, rightID)
	}

	parentID := path[len(path)-1]
	g, bp, err := t.pin(parentID)
	if err != nil {
		return err
	}
	layout := layoutFrom(bp).splice(leftID, key, rightID)

	if buf, ok := layout.build(t.pgr.PageSize(), parentID); ok {
		copy(g.Bytes(), buf)
		return t.writeBack(txID, g)
	}
	t.pool.Unpin(g, false, 0)
	return t.splitInternal(txID, path[:len(path)-1], parentID, layout)
}

func (t *Tree) splitInternal(txID pager.TxID, path []pager.PageID, nodeID pager.PageID, layout internalLayout) error {
	left, pushUp, right := layout.split()

	rightID, _, err := t.pgr.AllocPageDirect()
	if err != nil {
		return err
	}

	// layout.split() already hands back two self-contained, valid node
	// layouts: left's last child (the one that used to sit to the right of
	// pushUp) becomes its RightChild, and right's first child is the one
	// left of its first remaining separator. Neither half needs patching.
	leftBuf, ok := left.build(t.pgr.PageSize(), nodeID)
	if !ok {
		return fmt.Errorf("split internal: left half does not fit even after split")
	}
	rightBuf, ok := right.build(t.pgr.PageSize(), rightID)
	if !ok {
		return fmt.Errorf("split internal: right half does not fit even after split")
	}

	gl, err := t.pool.Pin(nodeID)
	if err != nil {
		return err
	}
	copy(gl.Bytes(), leftBuf)
	if err := t.writeBack(txID, gl); err != nil {
		return err
	}

	gr, err := t.pool.Pin(rightID)
	if err != nil {
		return err
	}
	copy(gr.Bytes(), rightBuf)
	if err := t.writeBack(txID, gr); err != nil {
		return err
	}

	return t.insertIntoParent(txID, path, nodeID, pushUp, rightID)
}

func (t *Tree) createNewRoot(txID pager.TxID, leftID pager.PageID, key []byte, rightID pager.PageID) error {
	rootID, _, err := t.pgr.AllocPageDirect()
	if err != nil {
		return err
	}
	g, err := t.pool.Pin(rootID)
	if err != nil {
		return err
	}
	bp := pager.InitBTreePage(g.Bytes(), rootID, false)
	if err := bp.InsertInternalEntry(pager.InternalEntry{ChildID: leftID, Key: key}); err != nil {
		t.pool.Unpin(g, false, 0)
		return err
	}
	bp.SetRightChild(rightID)
	if err := t.writeBack(txID, g); err != nil {
		return err
	}
	t.root = rootID
	return nil
}

// ── Delete ──────────────────────────────────────────────────────────────

// Delete removes key, reporting whether it was present. Underflow
// rebalancing is not implemented (matching the pager's own B+Tree): a
// sparse tree wastes space but stays correct, and vacuum-driven deletes are
// expected to be a minority of traffic against any one table.
func (t *Tree) Delete(txID pager.TxID, key []byte) (bool, error) {
	leafID, err := t.findLeaf(key)
	if err != nil {
		return false, err
	}
	g, bp, err := t.pin(leafID)
	if err != nil {
		return false, err
	}
	pos, found := bp.FindLeafEntry(key)
	if !found {
		t.pool.Unpin(g, false, 0)
		return false, nil
	}
	entry := bp.GetLeafEntry(pos)
	if entry.Overflow {
		t.freeOverflowChain(entry.OverflowPageID)
	}
	if err := bp.DeleteLeafEntry(pos); err != nil {
		t.pool.Unpin(g, false, 0)
		return false, err
	}
	if err := t.writeBack(txID, g); err != nil {
		return false, err
	}
	return true, nil
}

// ── Range scan ──────────────────────────────────────────────────────────

// ScanRange calls fn for every key in [startKey, endKey] (endKey nil means
// unbounded) in ascending order, stopping early if fn returns false.
func (t *Tree) ScanRange(startKey, endKey []byte, fn func(key, value []byte) bool) error {
	leafID, err := t.findLeaf(startKey)
	if err != nil {
		return err
	}
	for leafID.Valid() {
		g, bp, err := t.pin(leafID)
		if err != nil {
			return err
		}
		entries := bp.GetAllLeafEntries()
		next := bp.NextLeaf()
		t.pool.Unpin(g, false, 0)

		for _, entry := range entries {
			if bytes.Compare(entry.Key, startKey) < 0 {
				continue
			}
			if endKey != nil && bytes.Compare(entry.Key, endKey) > 0 {
				return nil
			}
			val := entry.Value
			if entry.Overflow {
				val, err = t.readOverflow(entry.OverflowPageID, entry.TotalSize)
				if err != nil {
					return err
				}
			}
			if !fn(entry.Key, val) {
				return nil
			}
		}
		leafID = next
	}
	return nil
}

// Count returns the number of key-value pairs in the tree.
func (t *Tree) Count() (int, error) {
	count := 0
	err := t.ScanRange(nil, nil, func(key, value []byte) bool {
		count++
		return true
	})
	return count, err
}

// ── Overflow chain I/O ──────────────────────────────────────────────────

func (t *Tree) writeOverflow(txID pager.TxID, data []byte) (pager.PageID, error) {
	cap := pager.OverflowCapacity(t.pgr.PageSize())
	var headID, prevID pager.PageID
	var prevBuf []byte

	for off := 0; off < len(data); off += cap {
		end := off + cap
		if end > len(data) {
			end = len(data)
		}
		chunk := data[off:end]

		pid, buf, err := t.pgr.AllocPageDirect()
		if err != nil {
			return 0, err
		}
		op := pager.InitOverflowPage(buf, pid)
		if err := op.SetData(chunk); err != nil {
			return 0, err
		}

		if prevBuf != nil {
			prevOP := pager.WrapOverflowPage(prevBuf)
			prevOP.SetNextOverflow(pid)
			if err := t.flushRawPage(txID, prevID, prevBuf); err != nil {
				return 0, err
			}
		} else {
			headID = pid
		}
		prevBuf, prevID = buf, pid
	}
	if prevBuf != nil {
		if err := t.flushRawPage(txID, prevID, prevBuf); err != nil {
			return 0, err
		}
	}
	return headID, nil
}

// flushRawPage pins a page allocated via AllocPageDirect (and already
// mutated in its standalone buffer) back in, copies the buffer over the
// resident frame, and writes it back through the normal WAL-then-unpin path.
func (t *Tree) flushRawPage(txID pager.TxID, id pager.PageID, buf []byte) error {
	g, err := t.pool.Pin(id)
	if err != nil {
		return err
	}
	copy(g.Bytes(), buf)
	return t.writeBack(txID, g)
}

func (t *Tree) readOverflow(headID pager.PageID, totalSize uint32) ([]byte, error) {
	result := make([]byte, 0, totalSize)
	id := headID
	for id.Valid() {
		g, err := t.pool.Pin(id)
		if err != nil {
			return nil, err
		}
		op := pager.WrapOverflowPage(g.Bytes())
		result = append(result, op.Data()...)
		next := op.NextOverflow()
		t.pool.Unpin(g, false, 0)
		id = next
	}
	return result, nil
}

func (t *Tree) freeOverflowChain(headID pager.PageID) {
	id := headID
	for id.Valid() {
		g, err := t.pool.Pin(id)
		if err != nil {
			return
		}
		op := pager.WrapOverflowPage(g.Bytes())
		next := op.NextOverflow()
		t.pool.Unpin(g, false, 0)
		t.pgr.FreePage(id)
		id = next
	}
}
