package txn

import (
	"fmt"
	"sync"

	"github.com/relforge/relforge/internal/storage/clog"
	"github.com/relforge/relforge/internal/storage/heap"
	"github.com/relforge/relforge/internal/storage/page"
	"github.com/relforge/relforge/internal/storage/wal"
)

// PagePool is the subset of buffer.Pool the transaction manager needs to
// perform compensating mutations during rollback.
type PagePool interface {
	FetchPage(id page.ID) ([]byte, error)
	Unpin(id page.ID)
	MarkDirty(id page.ID, lsn page.LSN)
}

// UndoKind distinguishes the two compensating-action shapes spec.md §4.8's
// per-transaction undo log can hold.
type UndoKind int

const (
	UndoInsert UndoKind = iota
	UndoDelete
)

type UndoEntry struct {
	Kind    UndoKind
	RID     heap.RID
	OldXmax uint64   // only meaningful for UndoDelete
	PrevLSN page.LSN // this txn's last_lsn before the original record was appended
}

// state is one active transaction's in-memory bookkeeping: the ATT entry,
// its snapshot, and its undo log.
type state struct {
	id       uint64
	beginLSN page.LSN
	lastLSN  page.LSN
	snapshot Snapshot
	undo     []UndoEntry
}

// Manager is the transaction manager: id allocation, the active
// transaction table, snapshot construction, WAL/CLOG writeback on
// commit/rollback, and the undo-driven rollback itself. See spec.md §4.8.
type Manager struct {
	mu        sync.Mutex
	nextTxnID uint64
	att       map[uint64]*state

	wal   *wal.Manager
	clog  *clog.Log
	locks *LockManager
	pages PagePool
}

// NewManager constructs a transaction manager. startTxnID is the first id
// to allocate (recovery computes this as
// max(WAL max_txn_id, checkpoint.next_txn_id) + 1; a fresh database starts
// at 1, so the catalog bootstrap transaction's Begin gets id 1).
func NewManager(w *wal.Manager, c *clog.Log, locks *LockManager, pages PagePool, startTxnID uint64) *Manager {
	return &Manager{
		nextTxnID: startTxnID,
		att:       make(map[uint64]*state),
		wal:       w,
		clog:      c,
		locks:     locks,
		pages:     pages,
	}
}

// Begin allocates a new transaction id, computes its snapshot from the
// current ATT, appends a Begin WAL record, and registers it in the ATT.
func (m *Manager) Begin() (uint64, Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextTxnID
	m.nextTxnID++

	snap := Snapshot{Self: id, Xmax: id, ActiveTxns: make(map[uint64]bool, len(m.att))}
	snap.Xmin = id
	for other := range m.att {
		if other < snap.Xmin {
			snap.Xmin = other
		}
		snap.ActiveTxns[other] = true
	}

	lsn, err := m.wal.AppendBegin(id)
	if err != nil {
		return 0, Snapshot{}, err
	}
	m.att[id] = &state{id: id, beginLSN: lsn, lastLSN: lsn, snapshot: snap}
	return id, snap, nil
}

// AutocommitSnapshot computes a fresh snapshot for a non-transactional
// (autocommit) read at the current instant, per spec.md §4.6.
func (m *Manager) AutocommitSnapshot(selfID uint64) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := Snapshot{Self: selfID, Xmax: m.nextTxnID, ActiveTxns: make(map[uint64]bool, len(m.att))}
	snap.Xmin = m.nextTxnID
	for other := range m.att {
		if other < snap.Xmin {
			snap.Xmin = other
		}
		snap.ActiveTxns[other] = true
	}
	return snap
}

func (m *Manager) get(id uint64) (*state, error) {
	st, ok := m.att[id]
	if !ok {
		return nil, fmt.Errorf("txn: %d is not active", id)
	}
	return st, nil
}

// LogInsert appends an Insert WAL record for rid/data under txnID and
// records the matching undo entry.
func (m *Manager) LogInsert(txnID uint64, rid heap.RID, data []byte) (page.LSN, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.get(txnID)
	if err != nil {
		return 0, err
	}
	prev := st.lastLSN
	lsn, err := m.wal.AppendInsert(txnID, prev, wal.InsertPayload{RID: rid, Data: data})
	if err != nil {
		return 0, err
	}
	st.lastLSN = lsn
	st.undo = append(st.undo, UndoEntry{Kind: UndoInsert, RID: rid, PrevLSN: prev})
	return lsn, nil
}

// LogDelete appends a Delete WAL record (the logical MVCC delete: setting
// xmax) for rid under txnID and records the matching undo entry.
func (m *Manager) LogDelete(txnID uint64, rid heap.RID, newXmax uint64, oldXmax uint64) (page.LSN, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.get(txnID)
	if err != nil {
		return 0, err
	}
	prev := st.lastLSN
	lsn, err := m.wal.AppendDelete(txnID, prev, wal.DeletePayload{RID: rid, Xmax: newXmax})
	if err != nil {
		return 0, err
	}
	st.lastLSN = lsn
	st.undo = append(st.undo, UndoEntry{Kind: UndoDelete, RID: rid, OldXmax: oldXmax, PrevLSN: prev})
	return lsn, nil
}

// LogAllocatePage appends an AllocatePage record when a table's heap chain
// is extended with a fresh page. Unlike Insert/Delete, allocation has no
// undo entry: rolling back a transaction never needs to unlink a page, it
// only needs to leave the page empty (which an aborted insert already
// does via its own undo entry).
func (m *Manager) LogAllocatePage(txnID uint64, pageID page.ID, tableID uint64, prevPageID page.ID) (page.LSN, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.get(txnID)
	if err != nil {
		return 0, err
	}
	prev := st.lastLSN
	lsn, err := m.wal.AppendAllocatePage(txnID, prev, wal.AllocatePagePayload{PageID: pageID, TableID: tableID, PrevPageID: prevPageID})
	if err != nil {
		return 0, err
	}
	st.lastLSN = lsn
	return lsn, nil
}

// LastLSN returns txnID's last_lsn, for use as a new record's prev_lsn by
// callers that log record types the manager has no dedicated method for.
func (m *Manager) LastLSN(txnID uint64) (page.LSN, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.get(txnID)
	if err != nil {
		return 0, err
	}
	return st.lastLSN, nil
}

// Commit appends a Commit record, flushes the WAL to it, marks the
// transaction Committed in the CLOG, and releases its locks.
func (m *Manager) Commit(txnID uint64) error {
	m.mu.Lock()
	st, err := m.get(txnID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	lsn, err := m.wal.AppendCommit(txnID, st.lastLSN)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	delete(m.att, txnID)
	m.mu.Unlock()

	if err := m.wal.FlushTo(lsn); err != nil {
		return err
	}
	if err := m.clog.Set(txnID, clog.StatusCommitted); err != nil {
		return err
	}
	m.locks.ReleaseAll(txnID)
	return nil
}

// Rollback walks txnID's undo log in reverse, performing each compensating
// page mutation and appending a CLR, then appends Abort, flushes the WAL,
// marks the transaction Aborted in the CLOG, and releases its locks.
func (m *Manager) Rollback(txnID uint64) error {
	m.mu.Lock()
	st, err := m.get(txnID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	undo := st.undo
	m.mu.Unlock()

	for i := len(undo) - 1; i >= 0; i-- {
		e := undo[i]
		if err := m.applyCompensation(txnID, e); err != nil {
			return err
		}
	}

	m.mu.Lock()
	lsn, err := m.wal.AppendAbort(txnID, st.lastLSN)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	delete(m.att, txnID)
	m.mu.Unlock()

	if err := m.wal.FlushTo(lsn); err != nil {
		return err
	}
	if err := m.clog.Set(txnID, clog.StatusAborted); err != nil {
		return err
	}
	m.locks.ReleaseAll(txnID)
	return nil
}

// applyCompensation performs one compensating mutation and appends its CLR,
// advancing the transaction's last_lsn and the affected page's page_lsn.
func (m *Manager) applyCompensation(txnID uint64, e UndoEntry) error {
	buf, err := m.pages.FetchPage(e.RID.PageID)
	if err != nil {
		return err
	}
	hp := heap.Wrap(buf)

	var kind wal.CLRKind
	switch e.Kind {
	case UndoInsert:
		kind = wal.CLRUndoInsert
		if err := hp.Delete(e.RID.Slot); err != nil {
			m.pages.Unpin(e.RID.PageID)
			return fmt.Errorf("txn: undo-insert compensation: %w", err)
		}
	case UndoDelete:
		kind = wal.CLRUndoDelete
		if err := hp.SetTupleXmax(e.RID.Slot, e.OldXmax); err != nil {
			m.pages.Unpin(e.RID.PageID)
			return fmt.Errorf("txn: undo-delete compensation: %w", err)
		}
	}

	m.mu.Lock()
	st, err := m.get(txnID)
	if err != nil {
		m.mu.Unlock()
		m.pages.Unpin(e.RID.PageID)
		return err
	}
	lsn, err := m.wal.AppendCLR(txnID, st.lastLSN, wal.CLRPayload{
		UndoNextLSN: e.PrevLSN,
		Kind:        kind,
		RID:         e.RID,
		OldXmax:     e.OldXmax,
	})
	if err != nil {
		m.mu.Unlock()
		m.pages.Unpin(e.RID.PageID)
		return err
	}
	st.lastLSN = lsn
	m.mu.Unlock()

	hp.SetPageLSN(lsn)
	m.pages.MarkDirty(e.RID.PageID, lsn)
	m.pages.Unpin(e.RID.PageID)
	return nil
}

// DisconnectRollback implements spec.md §4.8's "disconnect with an active
// transaction behaves as implicit rollback".
func (m *Manager) DisconnectRollback(txnID uint64) error {
	m.mu.Lock()
	_, ok := m.att[txnID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return m.Rollback(txnID)
}

// ActiveCount reports the number of currently active transactions, used by
// the checkpointer to size its ATT snapshot.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.att)
}

// SnapshotATT returns {txn_id -> last_lsn} for every active transaction,
// for the fuzzy checkpoint (spec.md §4.11).
func (m *Manager) SnapshotATT() map[uint64]page.LSN {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uint64]page.LSN, len(m.att))
	for id, st := range m.att {
		out[id] = st.lastLSN
	}
	return out
}

// OldestActiveBeginLSN returns the smallest beginLSN among all currently
// active transactions, or 0 if none are active. The checkpointer uses this
// as an additional WAL-pruning floor: a segment holding any part of an
// active transaction's chain, not just its last_lsn, must survive for
// recovery's undo phase to walk all the way back to that transaction's
// Begin record.
func (m *Manager) OldestActiveBeginLSN() page.LSN {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest page.LSN
	for _, st := range m.att {
		if oldest == 0 || st.beginLSN < oldest {
			oldest = st.beginLSN
		}
	}
	return oldest
}

// NextTxnID returns the id that would be allocated by the next Begin,
// without allocating it — used by checkpoint.meta writes.
func (m *Manager) NextTxnID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextTxnID
}

// RestoreATT reinstates the active transaction table after recovery's
// Analysis phase discovers losers that must still be rolled back, along
// with their last known LSN and undo entries, so Rollback has the undo list
// to walk and an LSN to chain its CLRs from even though this process never
// called Begin for them.
func (m *Manager) RestoreATT(txnID uint64, lastLSN page.LSN, undo []UndoEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.att[txnID] = &state{id: txnID, beginLSN: lastLSN, lastLSN: lastLSN, undo: undo}
}
