// Package recovery implements ARIES crash recovery: Analysis, Redo, and
// Undo over the write-ahead log, seeded from the last durable checkpoint.
// See spec.md §4.10.
package recovery

import (
	"sort"

	"github.com/relforge/relforge/internal/checkpoint"
	"github.com/relforge/relforge/internal/storage/buffer"
	"github.com/relforge/relforge/internal/storage/clog"
	"github.com/relforge/relforge/internal/storage/heap"
	"github.com/relforge/relforge/internal/storage/page"
	"github.com/relforge/relforge/internal/storage/wal"
	"github.com/relforge/relforge/internal/txn"
)

// Result summarizes what recovery did, mostly for logging.
type Result struct {
	StartLSN    page.LSN
	RecordCount int
	RedoCount   int
	LosersUndo  []uint64
	NextTxnID   uint64
}

// analysisState is the in-memory Analysis-phase scratch space.
type analysisState struct {
	att     map[uint64]page.LSN // txn_id -> last_lsn, losers only once pruned of finished txns
	dpt     map[page.ID]page.LSN
	records map[page.LSN]wal.Record
	order   []page.LSN // LSNs in the order encountered, ascending
	maxTxn  uint64
}

// Recover runs Analysis, Redo, and Undo against walDir's log and dataDir's
// checkpoint.meta, applying physical redo through pages and driving loser
// rollback through txns. It must run before any normal transaction starts.
func Recover(dataDir, walDir string, disk *page.Manager, pages *buffer.Pool, w *wal.Manager, cl *clog.Log, txns *txn.Manager) (Result, error) {
	meta, err := checkpoint.ReadMeta(dataDir)
	if err != nil {
		return Result{}, err
	}

	// Analysis always rescans from the oldest WAL record still on disk
	// rather than skipping to meta.CheckpointLSN: a loser's undo chain can
	// reach back past the last checkpoint, and this kernel's PruneBefore
	// never removes a segment holding a still-needed record, so nothing is
	// lost by starting here — only the checkpoint-skip optimization itself
	// is given up, in exchange for not having to track each active
	// transaction's earliest LSN separately from its last_lsn.
	startLSN := page.LSN(1)

	st, err := runAnalysis(walDir, startLSN)
	if err != nil {
		return Result{}, err
	}

	redoCount, err := runRedo(st, disk, pages)
	if err != nil {
		return Result{}, err
	}

	losers, err := runUndo(st, txns)
	if err != nil {
		return Result{}, err
	}
	if err := cl.Flush(); err != nil {
		return Result{}, err
	}
	if err := pages.FlushAll(); err != nil {
		return Result{}, err
	}
	if err := disk.Sync(); err != nil {
		return Result{}, err
	}

	nextTxnID := meta.NextTxnID
	if st.maxTxn+1 > nextTxnID {
		nextTxnID = st.maxTxn + 1
	}
	if nextTxnID < 2 {
		nextTxnID = 2 // txn id 1 is reserved for the catalog bootstrap transaction
	}

	return Result{
		StartLSN:    startLSN,
		RecordCount: len(st.order),
		RedoCount:   redoCount,
		LosersUndo:  losers,
		NextTxnID:   nextTxnID,
	}, nil
}

// runAnalysis scans the WAL from startLSN to its end, reconstructing the
// active transaction table and dirty page table as of the crash.
func runAnalysis(walDir string, startLSN page.LSN) (*analysisState, error) {
	st := &analysisState{
		att:     make(map[uint64]page.LSN),
		dpt:     make(map[page.ID]page.LSN),
		records: make(map[page.LSN]wal.Record),
	}

	rd, err := wal.NewReader(walDir, startLSN)
	if err != nil {
		return nil, err
	}
	defer rd.Close()

	for {
		rec, ok, err := rd.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		st.records[rec.LSN] = rec
		st.order = append(st.order, rec.LSN)
		if rec.TxnID > st.maxTxn {
			st.maxTxn = rec.TxnID
		}

		switch rec.Type {
		case wal.TypeCheckpoint:
			p := wal.DecodeCheckpoint(rec.Payload)
			for txnID, lsn := range p.ATT {
				st.att[txnID] = lsn
			}
			for pid, lsn := range p.DPT {
				if _, ok := st.dpt[pid]; !ok {
					st.dpt[pid] = lsn
				}
			}
		case wal.TypeBegin:
			st.att[rec.TxnID] = rec.LSN
		case wal.TypeCommit, wal.TypeAbort:
			delete(st.att, rec.TxnID)
		case wal.TypeInsert:
			p := wal.DecodeInsert(rec.Payload)
			st.att[rec.TxnID] = rec.LSN
			st.touchDPT(p.RID.PageID, rec.LSN)
		case wal.TypeDelete:
			p := wal.DecodeDelete(rec.Payload)
			st.att[rec.TxnID] = rec.LSN
			st.touchDPT(p.RID.PageID, rec.LSN)
		case wal.TypeCLR:
			p := wal.DecodeCLR(rec.Payload)
			st.att[rec.TxnID] = rec.LSN
			st.touchDPT(p.RID.PageID, rec.LSN)
		case wal.TypeAllocatePage:
			p := wal.DecodeAllocatePage(rec.Payload)
			st.att[rec.TxnID] = rec.LSN
			st.touchDPT(p.PageID, rec.LSN)
			if p.PrevPageID != page.NoNext {
				st.touchDPT(p.PrevPageID, rec.LSN)
			}
		}
	}
	return st, nil
}

func (st *analysisState) touchDPT(id page.ID, lsn page.LSN) {
	if _, ok := st.dpt[id]; !ok {
		st.dpt[id] = lsn
	}
}

func pageIDForRedo(rec wal.Record) (page.ID, bool) {
	switch rec.Type {
	case wal.TypeInsert:
		return wal.DecodeInsert(rec.Payload).RID.PageID, true
	case wal.TypeDelete:
		return wal.DecodeDelete(rec.Payload).RID.PageID, true
	case wal.TypeCLR:
		return wal.DecodeCLR(rec.Payload).RID.PageID, true
	case wal.TypeAllocatePage:
		return wal.DecodeAllocatePage(rec.Payload).PageID, true
	default:
		return 0, false
	}
}

// runRedo replays every record whose page was dirty at crash time and whose
// LSN is not yet reflected in that page's on-disk page_lsn, in LSN order
// (repeating history exactly, per spec.md §4.10).
func runRedo(st *analysisState, disk *page.Manager, pages *buffer.Pool) (int, error) {
	redone := 0
	for _, lsn := range st.order {
		rec := st.records[lsn]
		pid, ok := pageIDForRedo(rec)
		if !ok {
			continue
		}
		dptLSN, tracked := st.dpt[pid]
		if !tracked || rec.LSN < dptLSN {
			continue
		}
		applied, err := redoOne(rec, disk, pages)
		if err != nil {
			return redone, err
		}
		if applied {
			redone++
		}
		if rec.Type == wal.TypeAllocatePage {
			p := wal.DecodeAllocatePage(rec.Payload)
			if p.PrevPageID != page.NoNext {
				if _, err := redoAllocatePageLink(rec.LSN, p, disk, pages); err != nil {
					return redone, err
				}
			}
		}
	}
	return redone, nil
}

func redoOne(rec wal.Record, disk *page.Manager, pages *buffer.Pool) (bool, error) {
	switch rec.Type {
	case wal.TypeInsert:
		p := wal.DecodeInsert(rec.Payload)
		return redoOnPage(p.RID.PageID, rec.LSN, disk, pages, func(hp *heap.Page) error {
			return hp.RestoreAt(p.RID.Slot, p.Data)
		})
	case wal.TypeDelete:
		p := wal.DecodeDelete(rec.Payload)
		return redoOnPage(p.RID.PageID, rec.LSN, disk, pages, func(hp *heap.Page) error {
			return hp.SetTupleXmax(p.RID.Slot, p.Xmax)
		})
	case wal.TypeCLR:
		p := wal.DecodeCLR(rec.Payload)
		return redoOnPage(p.RID.PageID, rec.LSN, disk, pages, func(hp *heap.Page) error {
			switch p.Kind {
			case wal.CLRUndoInsert:
				if _, live := hp.GetTuple(p.RID.Slot); !live {
					return nil
				}
				return hp.Delete(p.RID.Slot)
			case wal.CLRUndoDelete:
				return hp.SetTupleXmax(p.RID.Slot, p.OldXmax)
			}
			return nil
		})
	case wal.TypeAllocatePage:
		p := wal.DecodeAllocatePage(rec.Payload)
		if err := disk.EnsureAllocated(p.PageID); err != nil {
			return false, err
		}
		return redoOnPage(p.PageID, rec.LSN, disk, pages, func(hp *heap.Page) error {
			return nil // EnsureAllocated already leaves a valid empty heap page
		})
	}
	return false, nil
}

// redoAllocatePageLink re-applies the NextPageID link on the predecessor
// page of an AllocatePage record, independent of whether the predecessor
// page itself is the primary target of this record.
func redoAllocatePageLink(lsn page.LSN, p wal.AllocatePagePayload, disk *page.Manager, pages *buffer.Pool) (bool, error) {
	return redoOnPage(p.PrevPageID, lsn, disk, pages, func(hp *heap.Page) error {
		hp.SetNextPageID(p.PageID)
		return nil
	})
}

func redoOnPage(pid page.ID, lsn page.LSN, disk *page.Manager, pages *buffer.Pool, apply func(*heap.Page) error) (bool, error) {
	if err := disk.EnsureAllocated(pid); err != nil {
		return false, err
	}
	buf, err := pages.FetchPage(pid)
	if err != nil {
		return false, err
	}
	defer pages.Unpin(pid)

	hp := heap.Wrap(buf)
	if hp.PageLSN() >= lsn {
		return false, nil // already reflected on disk
	}
	if err := apply(hp); err != nil {
		return false, err
	}
	hp.SetPageLSN(lsn)
	pages.MarkDirty(pid, lsn)
	return true, nil
}

// runUndo reconstructs each loser transaction's undo log from the WAL
// records captured during Analysis, then drives the existing
// RestoreATT+Rollback path to compensate and release it — exactly the
// machinery normal online rollback already uses.
func runUndo(st *analysisState, txns *txn.Manager) ([]uint64, error) {
	var losers []uint64
	for txnID := range st.att {
		losers = append(losers, txnID)
	}
	// Processing losers in descending last_lsn order approximates ARIES's
	// global max-heap-by-lsn undo pass; full interleaving is unnecessary
	// here because two active (never committed/aborted) transactions can
	// never hold the lock on the same RID at once, so their compensations
	// can never reorder relative to each other in a way that matters.
	sort.Slice(losers, func(i, j int) bool { return st.att[losers[i]] > st.att[losers[j]] })

	for _, txnID := range losers {
		lastLSN := st.att[txnID]
		undo := reconstructUndo(st, txnID, lastLSN)
		txns.RestoreATT(txnID, lastLSN, undo)
		if err := txns.Rollback(txnID); err != nil {
			return losers, err
		}
	}
	return losers, nil
}

// reconstructUndo walks txnID's chain backward from lastLSN via prev_lsn,
// skipping already-compensated spans via a CLR's undo_next_lsn, collecting
// an UndoEntry per Insert/Delete record.
func reconstructUndo(st *analysisState, txnID uint64, lastLSN page.LSN) []txn.UndoEntry {
	var undo []txn.UndoEntry
	cursor := lastLSN
	for cursor != 0 {
		rec, ok := st.records[cursor]
		if !ok {
			break
		}
		switch rec.Type {
		case wal.TypeBegin:
			cursor = 0
		case wal.TypeInsert:
			p := wal.DecodeInsert(rec.Payload)
			undo = append(undo, txn.UndoEntry{Kind: txn.UndoInsert, RID: p.RID, PrevLSN: rec.PrevLSN})
			cursor = rec.PrevLSN
		case wal.TypeDelete:
			p := wal.DecodeDelete(rec.Payload)
			undo = append(undo, txn.UndoEntry{Kind: txn.UndoDelete, RID: p.RID, OldXmax: 0, PrevLSN: rec.PrevLSN})
			cursor = rec.PrevLSN
		case wal.TypeCLR:
			p := wal.DecodeCLR(rec.Payload)
			cursor = p.UndoNextLSN
		case wal.TypeAllocatePage:
			cursor = rec.PrevLSN
		default:
			cursor = 0
		}
	}
	// undo was appended most-recent-first while walking backward; flip it
	// to oldest-first so Rollback's reverse iteration compensates the most
	// recent action first, matching the in-memory list normal execution
	// builds.
	for i, j := 0, len(undo)-1; i < j; i, j = i+1, j-1 {
		undo[i], undo[j] = undo[j], undo[i]
	}
	return undo
}
