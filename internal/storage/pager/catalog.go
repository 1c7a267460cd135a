package pager

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// ───────────────────────────────────────────────────────────────────────────
// System catalog — maps table names to B+Tree root pages
// ───────────────────────────────────────────────────────────────────────────
//
// The catalog is itself a B+Tree whose
//   key   = table name
//   value = JSON-encoded CatalogEntry
//
// The catalog root page ID is stored in the superblock (CatalogRoot). Column
// typing, constraints, and query-level schema live above the storage core
// (see the out-of-scope query/execution layer); the catalog here only tracks
// enough to locate and size a table's row tree.

// CatalogEntry is the value stored in the system catalog B+Tree.
type CatalogEntry struct {
	Table      string `json:"table"`
	RootPageID PageID `json:"root_page_id"`
	RowCount   int64  `json:"row_count"`
	Version    int    `json:"version"`
}

// catalogKey constructs the catalog lookup key.
func catalogKey(table string) []byte {
	return []byte(table)
}

// Catalog manages the system catalog B+Tree.
type Catalog struct {
	mu    sync.RWMutex
	pager *Pager
	tree  *BTree
}

// OpenCatalog opens or creates the system catalog.
func OpenCatalog(p *Pager, txID TxID) (*Catalog, error) {
	sb := p.Superblock()
	cat := &Catalog{pager: p}

	if sb.CatalogRoot == InvalidPageID {
		// Brand new database — create catalog tree.
		bt, err := CreateBTree(p, txID)
		if err != nil {
			return nil, fmt.Errorf("create catalog tree: %w", err)
		}
		cat.tree = bt
		p.UpdateSuperblock(func(s *Superblock) {
			s.CatalogRoot = bt.Root()
		})
	} else {
		cat.tree = NewBTree(p, sb.CatalogRoot)
	}
	return cat, nil
}

// PutEntry upserts a catalog entry within the given transaction.
func (c *Catalog) PutEntry(txID TxID, entry CatalogEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := catalogKey(entry.Table)
	val, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.tree.Insert(txID, key, val)
}

// GetEntry retrieves a catalog entry. Returns nil if not found.
func (c *Catalog) GetEntry(table string) (*CatalogEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	val, found, err := c.tree.Get(catalogKey(table))
	if err != nil || !found {
		return nil, err
	}
	var entry CatalogEntry
	if err := json.Unmarshal(val, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// DeleteEntry removes a catalog entry within the given transaction.
func (c *Catalog) DeleteEntry(txID TxID, table string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.tree.Delete(txID, catalogKey(table))
	return err
}

// ListTables returns all known table names.
func (c *Catalog) ListTables() ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var names []string
	err := c.tree.ScanRange(nil, nil, func(key, val []byte) bool {
		names = append(names, string(key))
		return true
	})
	sort.Strings(names)
	return names, err
}

// Root returns the catalog tree's root page ID.
func (c *Catalog) Root() PageID { return c.tree.Root() }

// ───────────────────────────────────────────────────────────────────────────
// Tuple key encoding for table row trees
// ───────────────────────────────────────────────────────────────────────────
//
// RowKey/ParseRowKey map an int64 row identifier to and from an 8-byte
// big-endian B+Tree key, so keys sort in row-ID order. The engine's row heap
// does not use them: it keeps one B+Tree for all tables, keyed by table name
// plus tuple key, holding each row's latest committed value with no version
// metadata.

// RowKey creates a B+Tree key from a caller-supplied row identifier.
func RowKey(rowID int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(rowID))
	return buf[:]
}

// ParseRowKey extracts the row ID from a B+Tree key produced by RowKey.
func ParseRowKey(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key))
}
