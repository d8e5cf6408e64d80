// Package tablescan provides the single physical chain-walk primitive
// shared by the catalog bootstrap and the executor's SeqScan: given a
// table's first page id, visit every live tuple across every page in the
// chain. See spec.md §3's "Table heap: singly linked chain of heap pages."
package tablescan

import (
	"github.com/relforge/relforge/internal/storage/heap"
	"github.com/relforge/relforge/internal/storage/page"
)

// PagePool is the subset of buffer.Pool a chain walk needs.
type PagePool interface {
	FetchPage(id page.ID) ([]byte, error)
	Unpin(id page.ID)
}

// Visit is called once per live tuple; returning false stops the walk.
type Visit func(rid heap.RID, tuple []byte) (bool, error)

// Walk traverses the page chain starting at firstPage, calling visit for
// every non-tombstoned slot in page/slot order.
func Walk(pages PagePool, firstPage page.ID, visit Visit) error {
	id := firstPage
	for id != page.NoNext {
		buf, err := pages.FetchPage(id)
		if err != nil {
			return err
		}
		hp := heap.Wrap(buf)
		next := hp.NextPageID()
		for _, slot := range hp.LiveSlots() {
			t, ok := hp.GetTuple(slot)
			if !ok {
				continue
			}
			cont, err := visit(heap.RID{PageID: id, Slot: slot}, t)
			if err != nil {
				pages.Unpin(id)
				return err
			}
			if !cont {
				pages.Unpin(id)
				return nil
			}
		}
		pages.Unpin(id)
		id = next
	}
	return nil
}
