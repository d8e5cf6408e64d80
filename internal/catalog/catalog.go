// Package catalog implements the system tables (pg_class, pg_attribute,
// pg_index) that back name and type resolution, stored as ordinary heap
// tuples, per spec.md §3. Lookups walk every live tuple of a system table;
// they do not apply the MVCC visibility check.
package catalog

import (
	"fmt"
	"sync"

	"github.com/relforge/relforge/internal/storage/clog"
	"github.com/relforge/relforge/internal/storage/heap"
	"github.com/relforge/relforge/internal/storage/page"
	"github.com/relforge/relforge/internal/storage/rowstore"
	"github.com/relforge/relforge/internal/storage/tablescan"
	"github.com/relforge/relforge/internal/storage/tuple"
)

// Reserved table ids for the three system tables (spec.md §3).
const (
	TablePgClass     uint64 = 0
	TablePgAttribute uint64 = 1
	TablePgIndex     uint64 = 2

	// FirstUserTableID is the lowest table_id CreateTable will assign.
	FirstUserTableID uint64 = 3

	// SystemTxnID is the reserved transaction id that owns every system
	// table row written during bootstrap.
	SystemTxnID uint64 = 1
)

var pgClassColumns = []tuple.Column{
	{Name: "table_id", Type: tuple.TypeInt},
	{Name: "name", Type: tuple.TypeVarchar},
	{Name: "first_page_id", Type: tuple.TypeInt},
}

var pgAttributeColumns = []tuple.Column{
	{Name: "table_id", Type: tuple.TypeInt},
	{Name: "column_name", Type: tuple.TypeVarchar},
	{Name: "data_type", Type: tuple.TypeInt},
	{Name: "nullable", Type: tuple.TypeBool},
	{Name: "ordinal_position", Type: tuple.TypeInt},
}

var pgIndexColumns = []tuple.Column{
	{Name: "index_id", Type: tuple.TypeInt},
	{Name: "index_name", Type: tuple.TypeVarchar},
	{Name: "table_id", Type: tuple.TypeInt},
	{Name: "column_ids_csv", Type: tuple.TypeVarchar},
	{Name: "root_page_id", Type: tuple.TypeInt},
}

// Table is the logical description of a table, resolved from pg_class and
// pg_attribute.
type Table struct {
	ID        uint64
	Name      string
	FirstPage page.ID
	Columns   []tuple.Column
}

// Index is the logical description of an index, resolved from pg_index.
type Index struct {
	ID        uint64
	Name      string
	TableID   uint64
	ColumnIDs []int // ordinal positions into the table's Columns
	RootPage  page.ID
}

// PagePool is the subset of buffer.Pool the catalog needs.
type PagePool interface {
	FetchPage(id page.ID) ([]byte, error)
	NewPage() (page.ID, []byte, error)
	Unpin(id page.ID)
	MarkDirty(id page.ID, lsn page.LSN)
}

// Catalog resolves table/index names against the three system tables and
// tracks the next table_id/index_id to assign.
type Catalog struct {
	mu    sync.RWMutex
	pages PagePool

	firstPage    [3]page.ID // indexed by TablePgClass/TablePgAttribute/TablePgIndex
	nextTableID  uint64
	nextIndexID  uint64
}

// Bootstrap creates the three system tables' head pages, self-describes
// them in pg_class/pg_attribute, and returns a ready Catalog. Must run
// under SystemTxnID, before any other transaction starts. SystemTxnID is
// marked Committed in the commit log directly. Callers run Bootstrap
// between txn.Manager's Begin (which assigns SystemTxnID on a fresh
// manager) and Commit; Commit's second write of the same CLOG status is
// harmless.
func Bootstrap(pages PagePool, w rowstore.WAL, commitLog *clog.Log) (*Catalog, error) {
	c := &Catalog{pages: pages, nextTableID: FirstUserTableID, nextIndexID: 0}

	ids := make([]page.ID, 3)
	for i := range ids {
		id, buf, err := pages.NewPage()
		if err != nil {
			return nil, err
		}
		heap.Init(buf, id)
		pages.MarkDirty(id, 0)
		pages.Unpin(id)
		ids[i] = id
	}
	c.firstPage[0], c.firstPage[1], c.firstPage[2] = ids[0], ids[1], ids[2]

	rows := []struct {
		id   uint64
		name string
		fp   page.ID
	}{
		{TablePgClass, "pg_class", ids[0]},
		{TablePgAttribute, "pg_attribute", ids[1]},
		{TablePgIndex, "pg_index", ids[2]},
	}
	for _, r := range rows {
		if err := c.insertPgClass(w, SystemTxnID, r.id, r.name, r.fp); err != nil {
			return nil, err
		}
	}

	cols := []struct {
		tableID uint64
		cols    []tuple.Column
	}{
		{TablePgClass, pgClassColumns},
		{TablePgAttribute, pgAttributeColumns},
		{TablePgIndex, pgIndexColumns},
	}
	for _, tc := range cols {
		for i, col := range tc.cols {
			if err := c.insertPgAttribute(w, SystemTxnID, tc.tableID, col, i); err != nil {
				return nil, err
			}
		}
	}
	if err := commitLog.Set(SystemTxnID, clog.StatusCommitted); err != nil {
		return nil, err
	}
	return c, nil
}

// Open reconstructs a Catalog over an already-bootstrapped database (the
// normal startup path), reading the three system tables' first pages from
// a previously-recorded location — by convention the first three pages
// ever allocated, ids 0, 1, 2, since AllocatePage ids are assigned in
// strict monotonic order and bootstrap is always the very first writer.
func Open(pages PagePool) (*Catalog, error) {
	c := &Catalog{pages: pages, firstPage: [3]page.ID{0, 1, 2}}
	if err := c.scanHighWaterMarks(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) scanHighWaterMarks() error {
	maxTable := FirstUserTableID - 1
	err := tablescan.Walk(c.pages, c.firstPage[0], func(rid heap.RID, t []byte) (bool, error) {
		_, _, vals, err := tuple.Decode(t, pgClassColumns)
		if err != nil {
			return false, err
		}
		if id := uint64(vals[0].I); id > maxTable {
			maxTable = id
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	c.nextTableID = maxTable + 1

	maxIndex := uint64(0)
	hasIndex := false
	err = tablescan.Walk(c.pages, c.firstPage[2], func(rid heap.RID, t []byte) (bool, error) {
		_, _, vals, err := tuple.Decode(t, pgIndexColumns)
		if err != nil {
			return false, err
		}
		id := uint64(vals[0].I)
		if !hasIndex || id > maxIndex {
			maxIndex, hasIndex = id, true
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	if hasIndex {
		c.nextIndexID = maxIndex + 1
	}
	return nil
}

func (c *Catalog) insertPgClass(w rowstore.WAL, txnID uint64, tableID uint64, name string, firstPage page.ID) error {
	data, err := tuple.Encode(txnID, 0, pgClassColumns, []tuple.Value{
		tuple.IntValue(int64(tableID)),
		tuple.StringValue(name),
		tuple.IntValue(int64(firstPage)),
	})
	if err != nil {
		return err
	}
	_, _, err = rowstore.Insert(c.pages, w, txnID, TablePgClass, c.firstPage[0], data)
	return err
}

func (c *Catalog) insertPgAttribute(w rowstore.WAL, txnID uint64, tableID uint64, col tuple.Column, ordinal int) error {
	data, err := tuple.Encode(txnID, 0, pgAttributeColumns, []tuple.Value{
		tuple.IntValue(int64(tableID)),
		tuple.StringValue(col.Name),
		tuple.IntValue(int64(col.Type)),
		tuple.BoolValue(col.Nullable),
		tuple.IntValue(int64(ordinal)),
	})
	if err != nil {
		return err
	}
	_, _, err = rowstore.Insert(c.pages, w, txnID, TablePgAttribute, c.firstPage[1], data)
	return err
}

func (c *Catalog) insertPgIndex(w rowstore.WAL, txnID uint64, idx Index, columnCSV string) error {
	data, err := tuple.Encode(txnID, 0, pgIndexColumns, []tuple.Value{
		tuple.IntValue(int64(idx.ID)),
		tuple.StringValue(idx.Name),
		tuple.IntValue(int64(idx.TableID)),
		tuple.StringValue(columnCSV),
		tuple.IntValue(int64(idx.RootPage)),
	})
	if err != nil {
		return err
	}
	_, _, err = rowstore.Insert(c.pages, w, txnID, TablePgIndex, c.firstPage[2], data)
	return err
}

// CreateTable allocates a table_id, a head page, and writes its pg_class +
// pg_attribute rows.
func (c *Catalog) CreateTable(w rowstore.WAL, txnID uint64, name string, cols []tuple.Column) (Table, error) {
	c.mu.Lock()
	if existing, _ := c.lookupTableLocked(name); existing != nil {
		c.mu.Unlock()
		return Table{}, fmt.Errorf("catalog: table %q already exists", name)
	}
	tableID := c.nextTableID
	c.nextTableID++
	c.mu.Unlock()

	id, buf, err := c.pages.NewPage()
	if err != nil {
		return Table{}, err
	}
	heap.Init(buf, id)
	lsn, err := w.LogAllocatePage(txnID, id, tableID, page.NoNext)
	if err != nil {
		c.pages.Unpin(id)
		return Table{}, err
	}
	hp := heap.Wrap(buf)
	hp.SetPageLSN(lsn)
	c.pages.MarkDirty(id, lsn)
	c.pages.Unpin(id)

	if err := c.insertPgClass(w, txnID, tableID, name, id); err != nil {
		return Table{}, err
	}
	for i, col := range cols {
		if err := c.insertPgAttribute(w, txnID, tableID, col, i); err != nil {
			return Table{}, err
		}
	}
	return Table{ID: tableID, Name: name, FirstPage: id, Columns: cols}, nil
}

// CreateIndex allocates an index_id and writes its pg_index row. The
// caller is responsible for building the B-tree itself (via btree.Create)
// and passing back its root page.
func (c *Catalog) CreateIndex(w rowstore.WAL, txnID uint64, name string, tableID uint64, columnOrdinals []int, root page.ID) (Index, error) {
	c.mu.Lock()
	id := c.nextIndexID
	c.nextIndexID++
	c.mu.Unlock()

	idx := Index{ID: id, Name: name, TableID: tableID, ColumnIDs: columnOrdinals, RootPage: root}
	csv := csvInts(columnOrdinals)
	if err := c.insertPgIndex(w, txnID, idx, csv); err != nil {
		return Index{}, err
	}
	return idx, nil
}

func csvInts(xs []int) string {
	out := ""
	for i, x := range xs {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf("%d", x)
	}
	return out
}

// LookupTable resolves name to its logical Table description by scanning
// pg_class and pg_attribute (small, cached-in-buffer-pool tables; no
// separate name index is warranted at this scale).
func (c *Catalog) LookupTable(name string) (*Table, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lookupTableLocked(name)
}

func (c *Catalog) lookupTableLocked(name string) (*Table, error) {
	var found *Table
	err := tablescan.Walk(c.pages, c.firstPage[0], func(rid heap.RID, t []byte) (bool, error) {
		_, _, vals, err := tuple.Decode(t, pgClassColumns)
		if err != nil {
			return false, err
		}
		if vals[1].S != name {
			return true, nil
		}
		found = &Table{
			ID:        uint64(vals[0].I),
			Name:      vals[1].S,
			FirstPage: page.ID(vals[2].I),
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, nil
	}
	cols, err := c.columnsForTable(found.ID)
	if err != nil {
		return nil, err
	}
	found.Columns = cols
	return found, nil
}

func (c *Catalog) columnsForTable(tableID uint64) ([]tuple.Column, error) {
	type positioned struct {
		ord int
		col tuple.Column
	}
	var cols []positioned
	err := tablescan.Walk(c.pages, c.firstPage[1], func(rid heap.RID, t []byte) (bool, error) {
		_, _, vals, err := tuple.Decode(t, pgAttributeColumns)
		if err != nil {
			return false, err
		}
		if uint64(vals[0].I) != tableID {
			return true, nil
		}
		cols = append(cols, positioned{
			ord: int(vals[4].I),
			col: tuple.Column{Name: vals[1].S, Type: tuple.DataType(vals[2].I), Nullable: vals[3].B},
		})
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]tuple.Column, len(cols))
	for _, p := range cols {
		if p.ord < 0 || p.ord >= len(out) {
			return nil, fmt.Errorf("catalog: ordinal %d out of range for table %d", p.ord, tableID)
		}
		out[p.ord] = p.col
	}
	return out, nil
}

// LookupIndexesForTable returns every index defined on tableID.
func (c *Catalog) LookupIndexesForTable(tableID uint64) ([]Index, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Index
	err := tablescan.Walk(c.pages, c.firstPage[2], func(rid heap.RID, t []byte) (bool, error) {
		_, _, vals, err := tuple.Decode(t, pgIndexColumns)
		if err != nil {
			return false, err
		}
		if uint64(vals[2].I) != tableID {
			return true, nil
		}
		out = append(out, Index{
			ID:        uint64(vals[0].I),
			Name:      vals[1].S,
			TableID:   tableID,
			ColumnIDs: parseCSVInts(vals[3].S),
			RootPage:  page.ID(vals[4].I),
		})
		return true, nil
	})
	return out, err
}

func parseCSVInts(s string) []int {
	if s == "" {
		return nil
	}
	var out []int
	cur := 0
	started := false
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if started {
				out = append(out, cur)
			}
			cur, started = 0, false
			continue
		}
		cur = cur*10 + int(s[i]-'0')
		started = true
	}
	return out
}
