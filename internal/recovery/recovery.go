// Package recovery implements ARIES-style crash recovery over the logical
// WAL records the transaction manager writes: an analysis pass to find the
// committed/aborted/in-flight set, and a redo pass that replays the logical
// mutations of every committed transaction. Transactions that aborted or
// were still in flight at the crash are undone by omission: their writes
// are never replayed, and no before-images or compensation records are
// applied.
//
// Unlike pager.Recover (which redoes committed page images for the B+Tree
// storage layer), this pass reconstructs row-level MVCC state: every
// replayed mutation is re-inserted into the version store with a
// synthesized commit timestamp so readers after restart see exactly what
// was durable before the crash.
package recovery

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/txcore/engine/internal/mvcc"
	"github.com/txcore/engine/internal/storage/pager"
	"github.com/txcore/engine/internal/wal"
)

// Outcome summarizes one recovery run, for the admin/introspection surface
// and tests.
type Outcome struct {
	RecordsScanned int
	Redone         int
	UndoneTxns     int
	HighWaterLSN   pager.LSN
}

type txnInfo struct {
	committed bool
	aborted   bool
	records   []*pager.WALRecord // logical records in LSN order, BEGIN..COMMIT/ABORT exclusive
}

// Recover performs the three ARIES passes against the WAL file at path,
// applying redone writes into store with synthesized commit timestamps from
// ts, and returns a summary. Undo for transactions left in-flight at crash
// time is logical: their writes are simply never redone (since a crash
// before COMMIT means no external reader ever observed them under strict
// WAL-before-commit-ack discipline), so "undo" here reduces to omission
// rather than applying compensating writes — documented as a simplification
// relative to classic ARIES undo-with-CLR in DESIGN.md.
func Recover(path string, store *mvcc.Store, ts *mvcc.TsOracle) (Outcome, error) {
	var out Outcome
	txns := make(map[pager.TxID]*txnInfo)

	err := wal.IterateFrom(path, 0, func(rec *pager.WALRecord) error {
		out.RecordsScanned++
		if rec.LSN > out.HighWaterLSN {
			out.HighWaterLSN = rec.LSN
		}
		switch rec.Type {
		case pager.WALRecordBegin:
			txns[rec.TxID] = &txnInfo{}
		case pager.WALRecordLogicalInsert, pager.WALRecordLogicalUpdate, pager.WALRecordLogicalDelete:
			tr := txnFor(txns, rec.TxID)
			tr.records = append(tr.records, rec)
		case pager.WALRecordCommit:
			txnFor(txns, rec.TxID).committed = true
		case pager.WALRecordAbort:
			txnFor(txns, rec.TxID).aborted = true
		case pager.WALRecordCLR:
			// A CLR belongs to the aborting transaction's own undo; since
			// our undo pass is record-omission (see doc comment above), CLRs
			// carry no additional redo obligation and are only counted.
		}
		return nil
	})
	if err != nil {
		return out, fmt.Errorf("recovery: read WAL: %w", err)
	}

	// Analysis: partition into committed (redo) vs. everything else (undo
	// by omission — never applied).
	var committedTxIDs []pager.TxID
	for id, tr := range txns {
		if tr.committed && !tr.aborted {
			committedTxIDs = append(committedTxIDs, id)
		} else {
			out.UndoneTxns++
		}
	}
	sort.Slice(committedTxIDs, func(i, j int) bool { return committedTxIDs[i] < committedTxIDs[j] })

	// Redo: replay every record of every committed transaction in LSN
	// order, across transactions, so cross-transaction ordering of writes
	// to the same key matches original commit order.
	type ordered struct {
		rec   *pager.WALRecord
		txID  pager.TxID
	}
	var all []ordered
	for _, id := range committedTxIDs {
		for _, rec := range txns[id].records {
			all = append(all, ordered{rec: rec, txID: id})
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].rec.LSN < all[j].rec.LSN })

	for _, o := range all {
		var payload wal.LogicalPayload
		if err := json.Unmarshal(o.rec.Data, &payload); err != nil {
			return out, fmt.Errorf("recovery: decode logical record at LSN %d: %w", o.rec.LSN, err)
		}
		full := payload.Table + "\x00" + payload.Key
		txn := mvcc.TxnID(o.txID)
		store.BeginTxn(txn)

		var idx int64
		var werr error
		if payload.AfterImage == nil {
			idx, werr = store.Delete(full, txn)
		} else {
			idx, werr = store.Insert(full, payload.AfterImage, txn)
		}
		if werr != nil {
			// A redo conflict against prior recovery state would indicate a
			// corrupt log; surface it rather than silently dropping data.
			return out, fmt.Errorf("recovery: redo conflict for %s at LSN %d: %w", full, o.rec.LSN, werr)
		}
		// Re-persisting to the row heap here is deliberately redundant with
		// the original run's commit: if the crash happened between the
		// logical COMMIT record going durable and the row heap's physical
		// write landing, this redo replays it again, idempotently, so the
		// heap ends up consistent with the logical log either way.
		if err := store.CommitTxn(txn, ts.Next(), []mvcc.KeyVersion{{Key: full, Idx: idx}}); err != nil {
			return out, fmt.Errorf("recovery: persist redo for %s at LSN %d: %w", full, o.rec.LSN, err)
		}
		out.Redone++
	}

	return out, nil
}

func txnFor(m map[pager.TxID]*txnInfo, id pager.TxID) *txnInfo {
	tr, ok := m[id]
	if !ok {
		tr = &txnInfo{}
		m[id] = tr
	}
	return tr
}
