// Package rowstore implements the single "insert a physical tuple into a
// table's heap page chain" operation shared by catalog bootstrap and the
// executor's Insert operator: find a page with room (allocating and
// linking a new one if none has room), insert the tuple, WAL-log it, and
// return its RID. See spec.md §4.9's Insert/CreateTable notes.
package rowstore

import (
	"github.com/relforge/relforge/internal/storage/heap"
	"github.com/relforge/relforge/internal/storage/page"
)

// PagePool is the subset of buffer.Pool rowstore needs.
type PagePool interface {
	FetchPage(id page.ID) ([]byte, error)
	NewPage() (page.ID, []byte, error)
	Unpin(id page.ID)
	MarkDirty(id page.ID, lsn page.LSN)
}

// WAL is the subset of txn.Manager rowstore needs to log its two possible
// physical actions: extending a chain (AllocatePage) and inserting a tuple
// (Insert, via LogInsert).
type WAL interface {
	LogAllocatePage(txnID uint64, pageID page.ID, tableID uint64, prevPageID page.ID) (page.LSN, error)
	LogInsert(txnID uint64, rid heap.RID, data []byte) (page.LSN, error)
}

// Insert appends data as a new tuple into the table heap chain starting at
// firstPage, allocating and linking a fresh page when the last page in the
// chain has no room. Returns the assigned RID and, if a new page was
// allocated and linked as the new head (only possible when firstPage
// itself was page.NoNext, i.e. an empty table), the updated first page id.
func Insert(pages PagePool, w WAL, txnID uint64, tableID uint64, firstPage page.ID, data []byte) (heap.RID, page.ID, error) {
	if firstPage == page.NoNext {
		id, buf, err := pages.NewPage()
		if err != nil {
			return heap.RID{}, page.NoNext, err
		}
		heap.Init(buf, id)
		lsn, err := w.LogAllocatePage(txnID, id, tableID, page.NoNext)
		if err != nil {
			pages.Unpin(id)
			return heap.RID{}, page.NoNext, err
		}
		hp := heap.Wrap(buf)
		hp.SetPageLSN(lsn)
		pages.MarkDirty(id, lsn)
		rid, err := insertIntoPage(pages, w, txnID, id, hp, data)
		pages.Unpin(id)
		return rid, id, err
	}

	id := firstPage
	for {
		buf, err := pages.FetchPage(id)
		if err != nil {
			return heap.RID{}, firstPage, err
		}
		hp := heap.Wrap(buf)
		next := hp.NextPageID()
		if hp.FreeSpace() >= len(data) {
			rid, err := insertIntoPage(pages, w, txnID, id, hp, data)
			pages.Unpin(id)
			return rid, firstPage, err
		}
		if next == page.NoNext {
			newID, newBuf, err := pages.NewPage()
			if err != nil {
				pages.Unpin(id)
				return heap.RID{}, firstPage, err
			}
			heap.Init(newBuf, newID)
			lsn, err := w.LogAllocatePage(txnID, newID, tableID, id)
			if err != nil {
				pages.Unpin(id)
				pages.Unpin(newID)
				return heap.RID{}, firstPage, err
			}
			hp.SetNextPageID(newID)
			hp.SetPageLSN(lsn)
			pages.MarkDirty(id, lsn)
			pages.Unpin(id)

			newHp := heap.Wrap(newBuf)
			newHp.SetPageLSN(lsn)
			pages.MarkDirty(newID, lsn)
			rid, err := insertIntoPage(pages, w, txnID, newID, newHp, data)
			pages.Unpin(newID)
			return rid, firstPage, err
		}
		pages.Unpin(id)
		id = next
	}
}

func insertIntoPage(pages PagePool, w WAL, txnID uint64, pageID page.ID, hp *heap.Page, data []byte) (heap.RID, error) {
	slot, err := hp.Insert(data)
	if err != nil {
		return heap.RID{}, err
	}
	rid := heap.RID{PageID: pageID, Slot: slot}
	lsn, err := w.LogInsert(txnID, rid, data)
	if err != nil {
		return heap.RID{}, err
	}
	hp.SetPageLSN(lsn)
	pages.MarkDirty(pageID, lsn)
	return rid, nil
}
