package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/relforge/relforge/internal/storage/heap"
	"github.com/relforge/relforge/internal/storage/page"
)

// PageSource is the subset of buffer.Pool the tree needs. Index pages are
// not WAL-logged (see DESIGN.md's Open Questions), so MarkDirty is always
// called with lsn 0. Recovery neither replays nor rebuilds them: after a
// crash an index holds whatever of its pages had reached disk.
type PageSource interface {
	FetchPage(id page.ID) ([]byte, error)
	NewPage() (page.ID, []byte, error)
	Unpin(id page.ID)
	MarkDirty(id page.ID, lsn page.LSN)
}

// Tree is a handle to one B+Tree, identified by its root page.
type Tree struct {
	pages PageSource
	root  page.ID
}

// Create allocates a new, empty B+Tree (a single empty leaf root).
func Create(pages PageSource) (*Tree, error) {
	id, buf, err := pages.NewPage()
	if err != nil {
		return nil, err
	}
	Init(buf, id, true)
	pages.MarkDirty(id, 0)
	pages.Unpin(id)
	return &Tree{pages: pages, root: id}, nil
}

// Open wraps an existing tree given its root page id (read from the
// catalog's pg_index row).
func Open(pages PageSource, root page.ID) *Tree { return &Tree{pages: pages, root: root} }

// Root returns the tree's root page id, to be persisted in pg_index.
func (t *Tree) Root() page.ID { return t.root }

func (t *Tree) fetch(id page.ID) (*Node, error) {
	buf, err := t.pages.FetchPage(id)
	if err != nil {
		return nil, err
	}
	return Wrap(buf), nil
}

// pathToLeaf returns the page ids from root to the leaf that would contain
// key, re-descending from root each call (spec.md §4.4: no cached parent
// pointers — split propagation rediscovers parents by walking down again).
func (t *Tree) pathToLeaf(key []byte) ([]page.ID, error) {
	var path []page.ID
	id := t.root
	for {
		path = append(path, id)
		n, err := t.fetch(id)
		if err != nil {
			return nil, err
		}
		leaf := n.IsLeaf()
		child := page.ID(0)
		if !leaf {
			child = n.findChild(key)
		}
		t.pages.Unpin(id)
		if leaf {
			return path, nil
		}
		id = child
	}
}

// Search returns every RID stored under key, walking forward across leaf
// siblings to pick up duplicates that spill past a single leaf's capacity.
func (t *Tree) Search(k IndexKey) ([]heap.RID, error) {
	key := k.Encode()
	path, err := t.pathToLeaf(key)
	if err != nil {
		return nil, err
	}
	leafID := path[len(path)-1]
	var out []heap.RID
	for leafID != page.NoNext {
		n, err := t.fetch(leafID)
		if err != nil {
			return nil, err
		}
		sc := n.slotCount()
		stop := false
		for i := 0; i < sc; i++ {
			e := decodeEntryKey(n.record(i))
			c := CompareKeys(e.Key, key)
			if c < 0 {
				continue
			}
			if c > 0 {
				stop = true
				break
			}
			out = append(out, e.RID)
		}
		next := n.NextLeaf()
		t.pages.Unpin(leafID)
		if stop {
			break
		}
		leafID = next
	}
	return out, nil
}

// RangeScan walks leaves left to right starting from the leaf containing
// the smallest key >= lowKey (or the first leaf if lowKey is nil), invoking
// visit for every (key, rid) pair until visit returns false or highKey
// (if non-nil) is exceeded.
func (t *Tree) RangeScan(lowKey []byte, highKey []byte, visit func(IndexKey, heap.RID) (bool, error)) error {
	var leafID page.ID
	if lowKey == nil {
		id := t.root
		for {
			n, err := t.fetch(id)
			if err != nil {
				return err
			}
			if n.IsLeaf() {
				t.pages.Unpin(id)
				leafID = id
				break
			}
			child := n.internalEntryOrLeftmost()
			t.pages.Unpin(id)
			id = child
		}
	} else {
		path, err := t.pathToLeaf(lowKey)
		if err != nil {
			return err
		}
		leafID = path[len(path)-1]
	}

	for leafID != page.NoNext {
		n, err := t.fetch(leafID)
		if err != nil {
			return err
		}
		sc := n.slotCount()
		next := n.NextLeaf()
		for i := 0; i < sc; i++ {
			e := decodeEntryKey(n.record(i))
			if lowKey != nil && CompareKeys(e.Key, lowKey) < 0 {
				continue
			}
			if highKey != nil && CompareKeys(e.Key, highKey) > 0 {
				t.pages.Unpin(leafID)
				return nil
			}
			k, err := DecodeIndexKey(e.Key)
			if err != nil {
				t.pages.Unpin(leafID)
				return err
			}
			cont, err := visit(k, e.RID)
			if err != nil {
				t.pages.Unpin(leafID)
				return err
			}
			if !cont {
				t.pages.Unpin(leafID)
				return nil
			}
		}
		t.pages.Unpin(leafID)
		leafID = next
	}
	return nil
}

// internalEntryOrLeftmost returns the leftmost child: separator[0]'s child
// if any entries exist, else RightChild (an all-right-child-only node,
// i.e. an empty root).
func (n *Node) internalEntryOrLeftmost() page.ID {
	if n.slotCount() > 0 {
		return n.internalEntry(0).Child
	}
	return n.RightChild()
}

// Insert adds (key, rid) to the tree, splitting leaves (and propagating
// splits up through internal nodes) as needed.
func (t *Tree) Insert(k IndexKey, rid heap.RID) error {
	key := k.Encode()
	path, err := t.pathToLeaf(key)
	if err != nil {
		return err
	}
	entry := encodeEntryKey(key, rid)

	leafID := path[len(path)-1]
	n, err := t.fetch(leafID)
	if err != nil {
		return err
	}
	pos := n.leafSearch(key, ridBytes(rid))
	if err := n.insertAt(pos, entry); err == nil {
		t.pages.MarkDirty(leafID, 0)
		t.pages.Unpin(leafID)
		return nil
	}
	t.pages.Unpin(leafID)
	return t.insertWithSplit(path, key, entry)
}

// insertWithSplit rebuilds the overflowing leaf's sorted entry set plus the
// new entry, splits it in half, and propagates the new separator upward,
// splitting ancestor internal nodes in turn if they too overflow.
func (t *Tree) insertWithSplit(path []page.ID, key []byte, newEntry []byte) error {
	leafID := path[len(path)-1]
	n, err := t.fetch(leafID)
	if err != nil {
		return err
	}
	entries := make([][]byte, 0, n.slotCount()+1)
	inserted := false
	for i := 0; i < n.slotCount(); i++ {
		rec := n.record(i)
		if !inserted && CompareKeys(decodeEntryKey(rec).Key, decodeEntryKey(newEntry).Key) >= 0 {
			if leafEntryLess(newEntry, rec) {
				entries = append(entries, newEntry)
				inserted = true
			}
		}
		entries = append(entries, append([]byte(nil), rec...))
	}
	if !inserted {
		entries = append(entries, newEntry)
	}
	t.pages.Unpin(leafID)

	mid := len(entries) / 2
	leftEntries, rightEntries := entries[:mid], entries[mid:]

	rightID, rightBuf, err := t.pages.NewPage()
	if err != nil {
		return err
	}
	rightNode := Init(rightBuf, rightID, true)

	leftNode, err := t.fetch(leafID)
	if err != nil {
		return err
	}
	resetNode(leftNode, leafID, true)
	for _, e := range leftEntries {
		if err := leftNode.insertAt(leftNode.slotCount(), e); err != nil {
			t.pages.Unpin(leafID)
			t.pages.Unpin(rightID)
			return fmt.Errorf("btree: split produced an oversized leaf half: %w", err)
		}
	}
	for _, e := range rightEntries {
		if err := rightNode.insertAt(rightNode.slotCount(), e); err != nil {
			t.pages.Unpin(leafID)
			t.pages.Unpin(rightID)
			return fmt.Errorf("btree: split produced an oversized leaf half: %w", err)
		}
	}

	rightNode.setNextLeaf(leftNode.NextLeaf())
	rightNode.setPrevLeaf(leafID)
	oldNext := leftNode.NextLeaf()
	leftNode.setNextLeaf(rightID)

	t.pages.MarkDirty(leafID, 0)
	t.pages.MarkDirty(rightID, 0)
	t.pages.Unpin(leafID)
	t.pages.Unpin(rightID)

	if oldNext != page.NoNext {
		nextNode, err := t.fetch(oldNext)
		if err != nil {
			return err
		}
		nextNode.setPrevLeaf(rightID)
		t.pages.MarkDirty(oldNext, 0)
		t.pages.Unpin(oldNext)
	}

	separator := decodeEntryKey(rightEntries[0]).Key
	return t.insertIntoParent(path[:len(path)-1], leafID, separator, rightID)
}

// leafEntryLess breaks ties between entries with an identical composite key
// using (key, rid) total order, so duplicate keys remain deterministically
// sorted across a split.
func leafEntryLess(a, b []byte) bool {
	ea, eb := decodeEntryKey(a), decodeEntryKey(b)
	c := CompareKeys(ea.Key, eb.Key)
	if c != 0 {
		return c < 0
	}
	return compareRIDBytes(ridBytes(ea.RID), ridBytes(eb.RID)) < 0
}

func resetNode(n *Node, id page.ID, leaf bool) {
	Init(n.buf, id, leaf)
}

// insertIntoParent installs (separator, rightChild) into the parent of
// leftChild, found at the tail of parentPath, splitting the parent in turn
// if needed. An empty parentPath means leftChild was the root: a new root
// is allocated above it.
func (t *Tree) insertIntoParent(parentPath []page.ID, leftChild page.ID, separator []byte, rightChild page.ID) error {
	if len(parentPath) == 0 {
		return t.newRoot(leftChild, separator, rightChild)
	}
	parentID := parentPath[len(parentPath)-1]
	p, err := t.fetch(parentID)
	if err != nil {
		return err
	}

	pos := p.searchInternal(separator)
	if err := p.insertInternal(separator, leftChild); err == nil {
		// The new separator routes keys up to it to leftChild; whichever
		// pointer used to lead to leftChild (a later entry, or RightChild
		// for the open-ended upper range) now leads to rightChild.
		repointed := false
		for i := pos + 1; i < p.slotCount() && !repointed; i++ {
			if p.internalEntry(i).Child == leftChild {
				rec := p.record(i)
				binary.LittleEndian.PutUint32(rec[len(rec)-4:], uint32(rightChild))
				repointed = true
			}
		}
		if !repointed && p.RightChild() == leftChild {
			p.setRightChild(rightChild)
		}
		t.pages.MarkDirty(parentID, 0)
		t.pages.Unpin(parentID)
		return nil
	}
	t.pages.Unpin(parentID)
	return t.splitInternal(parentPath, leftChild, separator, rightChild)
}

// splitInternal splits an overflowing internal node, propagating the
// middle separator further up the tree.
func (t *Tree) splitInternal(path []page.ID, leftChild page.ID, newSep []byte, rightOfNewSep page.ID) error {
	nodeID := path[len(path)-1]
	n, err := t.fetch(nodeID)
	if err != nil {
		return err
	}
	entries := n.allInternal()
	rightmost := n.RightChild()
	t.pages.Unpin(nodeID)

	type sepEntry struct {
		Key   []byte
		Child page.ID
	}
	merged := make([]sepEntry, 0, len(entries)+1)
	inserted := false
	for _, e := range entries {
		if !inserted && CompareKeys(newSep, e.Key) < 0 {
			merged = append(merged, sepEntry{Key: newSep, Child: leftChild})
			inserted = true
		}
		child := e.Child
		if child == leftChild {
			child = rightOfNewSep
		}
		merged = append(merged, sepEntry{Key: e.Key, Child: child})
	}
	if !inserted {
		merged = append(merged, sepEntry{Key: newSep, Child: leftChild})
	}
	if rightmost == leftChild {
		rightmost = rightOfNewSep
	}

	mid := len(merged) / 2
	upSeparator := merged[mid].Key
	leftEntries := merged[:mid]
	rightEntries := merged[mid+1:]

	rightID, rightBuf, err := t.pages.NewPage()
	if err != nil {
		return err
	}
	rightNode := Init(rightBuf, rightID, false)
	for _, e := range rightEntries {
		if err := rightNode.insertInternal(e.Key, e.Child); err != nil {
			t.pages.Unpin(rightID)
			return err
		}
	}
	rightNode.setRightChild(rightmost)

	leftNode, err := t.fetch(nodeID)
	if err != nil {
		t.pages.Unpin(rightID)
		return err
	}
	resetNode(leftNode, nodeID, false)
	for _, e := range leftEntries {
		if err := leftNode.insertInternal(e.Key, e.Child); err != nil {
			t.pages.Unpin(nodeID)
			t.pages.Unpin(rightID)
			return err
		}
	}
	leftNode.setRightChild(merged[mid].Child)

	t.pages.MarkDirty(nodeID, 0)
	t.pages.MarkDirty(rightID, 0)
	t.pages.Unpin(nodeID)
	t.pages.Unpin(rightID)

	return t.insertIntoParent(path[:len(path)-1], nodeID, upSeparator, rightID)
}

// newRoot allocates a fresh internal root above the current root when the
// root itself splits.
func (t *Tree) newRoot(leftChild page.ID, separator []byte, rightChild page.ID) error {
	id, buf, err := t.pages.NewPage()
	if err != nil {
		return err
	}
	n := Init(buf, id, false)
	if err := n.insertInternal(separator, leftChild); err != nil {
		t.pages.Unpin(id)
		return err
	}
	n.setRightChild(rightChild)
	t.pages.MarkDirty(id, 0)
	t.pages.Unpin(id)
	t.root = id
	return nil
}

// Delete removes the (key, rid) pair from the tree. Underflow merging is
// not implemented: spec.md's B-tree does not require rebalancing on
// delete, only correct search/insert/scan semantics (see DESIGN.md).
func (t *Tree) Delete(k IndexKey, rid heap.RID) error {
	key := k.Encode()
	path, err := t.pathToLeaf(key)
	if err != nil {
		return err
	}
	leafID := path[len(path)-1]
	n, err := t.fetch(leafID)
	if err != nil {
		return err
	}
	defer t.pages.Unpin(leafID)

	target := ridBytes(rid)
	for i := 0; i < n.slotCount(); i++ {
		e := decodeEntryKey(n.record(i))
		if CompareKeys(e.Key, key) == 0 && compareRIDBytes(ridBytes(e.RID), target) == 0 {
			n.deleteAt(i)
			t.pages.MarkDirty(leafID, 0)
			return nil
		}
	}
	return fmt.Errorf("btree: key/rid not found for delete")
}
