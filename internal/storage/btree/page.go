package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/relforge/relforge/internal/storage/page"
)

// Page layout, following page.Header's common 32-byte prefix:
//
//	[32:33]  IsLeaf      (1 = leaf, 0 = internal)
//	[33:37]  RightChild  (page.ID; internal pages only — rightmost child)
//	[37:41]  NextLeaf    (page.ID; leaf pages only)
//	[41:45]  PrevLeaf    (page.ID; leaf pages only)
//	[45:47]  SlotCount   (uint16)
//	[47:49]  FreeEnd     (uint16 — slotted-record area boundary)
//	[49:...] slot directory, then record bodies growing backward from the
//	         end of the page (identical discipline to the heap page).
const (
	metaOff       = page.HeaderSize
	isLeafOff     = metaOff
	rightChildOff = metaOff + 1
	nextLeafOff   = metaOff + 5
	prevLeafOff   = metaOff + 9
	slotCountOff  = metaOff + 13
	freeEndOff    = metaOff + 15
	slotDirOff    = metaOff + 17
	slotEntrySize = 4
)

// Node wraps a raw page buffer as a B+Tree leaf or internal node.
type Node struct {
	buf []byte
}

// Wrap adapts an already-initialized buffer.
func Wrap(buf []byte) *Node { return &Node{buf: buf} }

// Init initializes buf as an empty leaf or internal node.
func Init(buf []byte, id page.ID, leaf bool) *Node {
	page.Marshal(page.Header{PageID: id, NextPageID: page.NoNext, FreeSpaceOff: uint16(len(buf))}, buf)
	n := &Node{buf: buf}
	if leaf {
		buf[isLeafOff] = 1
	} else {
		buf[isLeafOff] = 0
	}
	n.setRightChild(page.NoNext)
	n.setNextLeaf(page.NoNext)
	n.setPrevLeaf(page.NoNext)
	n.setSlotCount(0)
	n.setFreeEnd(len(buf))
	return n
}

func (n *Node) PageID() page.ID { return page.Unmarshal(n.buf).PageID }
func (n *Node) Bytes() []byte   { return n.buf }

func (n *Node) PageLSN() page.LSN    { return page.Unmarshal(n.buf).PageLSN }
func (n *Node) SetPageLSN(l page.LSN) {
	h := page.Unmarshal(n.buf)
	h.PageLSN = l
	page.Marshal(h, n.buf)
}

func (n *Node) IsLeaf() bool { return n.buf[isLeafOff] == 1 }

func (n *Node) RightChild() page.ID { return page.ID(binary.LittleEndian.Uint32(n.buf[rightChildOff:])) }
func (n *Node) setRightChild(id page.ID) {
	binary.LittleEndian.PutUint32(n.buf[rightChildOff:], uint32(id))
}

func (n *Node) NextLeaf() page.ID { return page.ID(binary.LittleEndian.Uint32(n.buf[nextLeafOff:])) }
func (n *Node) setNextLeaf(id page.ID) {
	binary.LittleEndian.PutUint32(n.buf[nextLeafOff:], uint32(id))
}

func (n *Node) PrevLeaf() page.ID { return page.ID(binary.LittleEndian.Uint32(n.buf[prevLeafOff:])) }
func (n *Node) setPrevLeaf(id page.ID) {
	binary.LittleEndian.PutUint32(n.buf[prevLeafOff:], uint32(id))
}

func (n *Node) slotCount() int { return int(binary.LittleEndian.Uint16(n.buf[slotCountOff:])) }
func (n *Node) setSlotCount(c int) {
	binary.LittleEndian.PutUint16(n.buf[slotCountOff:], uint16(c))
}

func (n *Node) freeEnd() int { return int(binary.LittleEndian.Uint16(n.buf[freeEndOff:])) }
func (n *Node) setFreeEnd(off int) {
	binary.LittleEndian.PutUint16(n.buf[freeEndOff:], uint16(off))
}

func (n *Node) slotOff(i int) int { return slotDirOff + i*slotEntrySize }
func (n *Node) slotDirEnd() int   { return n.slotOff(n.slotCount()) }

func (n *Node) getSlot(i int) (off, length int) {
	o := n.slotOff(i)
	return int(binary.LittleEndian.Uint16(n.buf[o:])), int(binary.LittleEndian.Uint16(n.buf[o+2:]))
}

func (n *Node) setSlot(i, off, length int) {
	o := n.slotOff(i)
	binary.LittleEndian.PutUint16(n.buf[o:], uint16(off))
	binary.LittleEndian.PutUint16(n.buf[o+2:], uint16(length))
}

func (n *Node) freeSpace() int { return n.freeEnd() - n.slotDirEnd() - slotEntrySize }

func (n *Node) record(i int) []byte {
	off, length := n.getSlot(i)
	return n.buf[off : off+length]
}

// KeyCount is the number of entries (separators for an internal node,
// key/RID pairs for a leaf).
func (n *Node) KeyCount() int { return n.slotCount() }

// insertAt inserts raw bytes at sorted slot position pos, shifting later
// slots right. Returns ErrNoSpace equivalent via error.
func (n *Node) insertAt(pos int, data []byte) error {
	if n.freeSpace() < len(data) {
		return fmt.Errorf("btree: page full, need %d have %d", len(data), n.freeSpace())
	}
	newEnd := n.freeEnd() - len(data)
	copy(n.buf[newEnd:], data)
	n.setFreeEnd(newEnd)

	sc := n.slotCount()
	n.setSlotCount(sc + 1)
	for i := sc; i > pos; i-- {
		off, length := n.getSlot(i - 1)
		n.setSlot(i, off, length)
	}
	n.setSlot(pos, newEnd, len(data))
	return nil
}

func (n *Node) deleteAt(pos int) {
	sc := n.slotCount()
	for i := pos; i < sc-1; i++ {
		off, length := n.getSlot(i + 1)
		n.setSlot(i, off, length)
	}
	n.setSlot(sc-1, 0, 0)
	n.setSlotCount(sc - 1)
}

// --- internal-node entries ---------------------------------------------

type internalEntry struct {
	Key   []byte
	Child page.ID
}

func encodeInternal(e internalEntry) []byte {
	buf := make([]byte, 4+len(e.Key)+4)
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(e.Key)))
	copy(buf[4:], e.Key)
	binary.LittleEndian.PutUint32(buf[4+len(e.Key):], uint32(e.Child))
	return buf
}

func decodeInternal(rec []byte) internalEntry {
	n := int(binary.BigEndian.Uint32(rec[0:4]))
	key := append([]byte(nil), rec[4:4+n]...)
	child := page.ID(binary.LittleEndian.Uint32(rec[4+n:]))
	return internalEntry{Key: key, Child: child}
}

func (n *Node) internalEntry(i int) internalEntry { return decodeInternal(n.record(i)) }

// findChild returns the child page to descend into for key: the left
// child of the first separator >= key, or RightChild when key is above
// every separator. A key equal to a separator descends left, so the
// forward-only leaf walks of Search and RangeScan start at or before
// every leaf that can hold it.
func (n *Node) findChild(key []byte) page.ID {
	sc := n.slotCount()
	for i := 0; i < sc; i++ {
		e := n.internalEntry(i)
		if CompareKeys(key, e.Key) <= 0 {
			return e.Child
		}
	}
	return n.RightChild()
}

// insertInternal inserts a (separator key, left child) pair in sorted order.
func (n *Node) insertInternal(key []byte, child page.ID) error {
	pos := n.searchInternal(key)
	return n.insertAt(pos, encodeInternal(internalEntry{Key: key, Child: child}))
}

func (n *Node) searchInternal(key []byte) int {
	lo, hi := 0, n.slotCount()
	for lo < hi {
		mid := (lo + hi) / 2
		if CompareKeys(n.internalEntry(mid).Key, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

func (n *Node) allInternal() []internalEntry {
	sc := n.slotCount()
	out := make([]internalEntry, sc)
	for i := 0; i < sc; i++ {
		out[i] = n.internalEntry(i)
	}
	return out
}

// --- leaf-node entries (composite key + RID) ----------------------------

// leafSearch returns the insertion position for (key, rid) under (key,rid)
// total ordering.
func (n *Node) leafSearch(key []byte, rid [6]byte) int {
	lo, hi := 0, n.slotCount()
	for lo < hi {
		mid := (lo + hi) / 2
		e := decodeEntryKey(n.record(mid))
		c := CompareKeys(e.Key, key)
		if c == 0 {
			c = compareRIDBytes(ridBytes(e.RID), rid)
		}
		if c < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}
