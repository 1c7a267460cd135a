package pager

import (
	"fmt"
)

// ───────────────────────────────────────────────────────────────────────────
// Crash Recovery
// ───────────────────────────────────────────────────────────────────────────
//
// Recovery reads the WAL from the beginning and replays only fully
// committed transactions whose page images have an LSN > the superblock's
// checkpoint LSN. Uncommitted/aborted transactions are discarded.
//
// Algorithm:
//   1. Read all WAL records.
//   2. Build a map TxID → list of PAGE_IMAGE records.
//   3. Track which TxIDs have a COMMIT record (committed set).
//   4. In LSN order, apply the PAGE_IMAGE records of committed TXs
//      whose LSN > the checkpoint LSN.
//   5. Fsync the database file.
//   6. Update and flush the superblock with new checkpoint_lsn.
//   7. Truncate the WAL.

// RecoverOutcome summarizes one physical-WAL recovery pass: how many page
// images it found durable-but-unapplied and replayed before the file was
// accepted for new writes. Both the system catalog tree and the row heap
// (internal/rowstore) share this WAL, so a nonzero PagesApplied after a
// crash mid-insert means tuple pages were reconstructed here, not just
// catalog pages.
type RecoverOutcome struct {
	RecordsScanned int
	PagesApplied   int
	HighWaterLSN   LSN
}

// LastRecovery returns the outcome of the most recent Recover call, or the
// zero value if none has run (a freshly created database, or one opened
// with no pending WAL records).
func (p *Pager) LastRecovery() RecoverOutcome {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastRecovery
}

// Recover replays the WAL and applies committed transactions.
func (p *Pager) Recover() error {
	records, err := ReadAllRecords(p.walPath)
	if err != nil {
		return fmt.Errorf("recover read WAL: %w", err)
	}
	out := RecoverOutcome{RecordsScanned: len(records)}
	defer func() {
		p.mu.Lock()
		p.lastRecovery = out
		p.mu.Unlock()
	}()
	if len(records) == 0 {
		return nil
	}

	// Classify records by TxID.
	type txRecords struct {
		pages     []*WALRecord
		committed bool
		aborted   bool
	}
	txMap := make(map[TxID]*txRecords)

	var maxLSN LSN
	var maxTxID TxID

	for _, rec := range records {
		if rec.LSN > maxLSN {
			maxLSN = rec.LSN
		}
		if rec.TxID > maxTxID {
			maxTxID = rec.TxID
		}

		switch rec.Type {
		case WALRecordBegin:
			txMap[rec.TxID] = &txRecords{}
		case WALRecordPageImage:
			tr, ok := txMap[rec.TxID]
			if !ok {
				tr = &txRecords{}
				txMap[rec.TxID] = tr
			}
			tr.pages = append(tr.pages, rec)
		case WALRecordCommit:
			if tr, ok := txMap[rec.TxID]; ok {
				tr.committed = true
			}
		case WALRecordAbort:
			if tr, ok := txMap[rec.TxID]; ok {
				tr.aborted = true
			}
		case WALRecordCheckpoint:
			// Checkpoint record; all prior transactions are flushed.
		}
	}

	// Replay committed transactions only, in LSN order.
	var applied int
	for _, rec := range records {
		if rec.Type != WALRecordPageImage {
			continue
		}
		if tr := txMap[rec.TxID]; !tr.committed || tr.aborted {
			continue
		}
		// Only apply if the record's LSN > checkpoint LSN.
		if rec.LSN <= LSN(p.sb.CheckpointLSN) {
			continue
		}
		if err := p.writePageRaw(rec.PageID, rec.Data); err != nil {
			return fmt.Errorf("recover apply page %d: %w", rec.PageID, err)
		}
		applied++
	}
	out.PagesApplied = applied
	out.HighWaterLSN = maxLSN

	if applied > 0 {
		// Fsync the database file.
		if err := p.file.Sync(); err != nil {
			return err
		}

		// Update superblock.
		p.sb.CheckpointLSN = maxLSN
		if TxID(maxTxID+1) > p.sb.NextTxID {
			p.sb.NextTxID = TxID(maxTxID + 1)
		}

		// Determine highest page ID used.
		for _, tr := range txMap {
			if !tr.committed {
				continue
			}
			for _, rec := range tr.pages {
				if PageID(rec.PageID+1) > p.sb.NextPageID {
					p.sb.NextPageID = PageID(rec.PageID + 1)
					p.sb.PageCount = uint64(p.sb.NextPageID)
				}
			}
		}

		sbBuf := MarshalSuperblock(p.sb, p.pageSize)
		if err := p.writePageRaw(0, sbBuf); err != nil {
			return fmt.Errorf("recover superblock: %w", err)
		}
		if err := p.file.Sync(); err != nil {
			return err
		}
	}

	// Set WAL next LSN beyond recovered records.
	p.wal.SetNextLSN(maxLSN + 1)

	// Truncate the WAL.
	return p.wal.Truncate()
}
