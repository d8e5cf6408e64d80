// Package exec turns a bound statement from internal/sql into a tree of
// Volcano-style iterators and runs it against the storage layer. Every
// operator exposes Open/Next/Close; name and type resolution is already
// done by the analyzer, so nothing here looks anything up by string.
package exec

import (
	"github.com/relforge/relforge/internal/storage/heap"
	"github.com/relforge/relforge/internal/storage/page"
	"github.com/relforge/relforge/internal/storage/tuple"
)

// Row is one tuple flowing through the operator tree. Vals is addressed in
// flattened range-table order: RTE 0's columns first, then RTE 1's, and so
// on, matching the offsets rangeOffsets computes from a BoundSelect's Range.
// RID is only meaningful directly off a SeqScan/IndexScan; join output
// carries the zero RID (spec.md §4.9: "combined tuples carry no RID").
type Row struct {
	Vals []tuple.Value
	RID  heap.RID
}

// Operator is one Volcano iterator. Next returns ok=false exactly once,
// when the operator is exhausted; further calls after that are undefined.
type Operator interface {
	Open() error
	Next() (Row, bool, error)
	Close() error
}

// PagePool is the subset of buffer.Pool every operator needs to read
// pages; Insert/CreateTable/CreateIndex additionally need NewPage and
// MarkDirty, declared by rowstore.PagePool/btree.PageSource/catalog.PagePool.
type PagePool interface {
	FetchPage(id page.ID) ([]byte, error)
	NewPage() (page.ID, []byte, error)
	Unpin(id page.ID)
	MarkDirty(id page.ID, lsn page.LSN)
}
