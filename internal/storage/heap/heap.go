// Package heap implements slotted heap pages: the physical layout tuples are
// stored in, chained per table. See spec.md §3 (Physical objects) and §4.1.
package heap

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/relforge/relforge/internal/storage/page"
)

// ErrNoSpace is returned by Insert when the page cannot fit another tuple.
var ErrNoSpace = errors.New("heap: page full")

// ErrSlotOutOfRange is returned when a slot index is not valid for this page.
var ErrSlotOutOfRange = errors.New("heap: slot out of range")

// ErrSlotNotDeleted is returned by Restore when the target slot is live.
var ErrSlotNotDeleted = errors.New("heap: slot is not deleted")

// ErrSlotDeleted is returned by operations that require a live slot.
var ErrSlotDeleted = errors.New("heap: slot is deleted")

const slotEntrySize = 4 // offset(uint16) + length(uint16)

// RID is a stable row identifier: (page_id, slot_id). It survives logical
// deletion — only physical deletion (heap.Delete) invalidates it.
type RID struct {
	PageID page.ID
	Slot   uint16
}

func (r RID) String() string { return fmt.Sprintf("(%d,%d)", r.PageID, r.Slot) }

// Page wraps a raw page buffer (owned by the buffer pool) and exposes
// slotted-heap-page operations. Page never performs I/O itself.
type Page struct {
	buf []byte
}

// Wrap adapts an existing, already-initialized page buffer.
func Wrap(buf []byte) *Page { return &Page{buf: buf} }

// Init initializes buf as an empty heap page.
func Init(buf []byte, id page.ID) *Page {
	page.Marshal(page.Header{PageID: id, NextPageID: page.NoNext, FreeSpaceOff: uint16(len(buf))}, buf)
	return Wrap(buf)
}

func (p *Page) header() page.Header { return page.Unmarshal(p.buf) }

func (p *Page) setHeader(h page.Header) { page.Marshal(h, p.buf) }

// PageID returns this page's id.
func (p *Page) PageID() page.ID { return p.header().PageID }

// PageLSN returns the LSN of the most recent record that modified this page.
func (p *Page) PageLSN() page.LSN { return p.header().PageLSN }

// SetPageLSN overwrites page_lsn. Per spec.md invariants this must only ever
// move forward for a given page.
func (p *Page) SetPageLSN(lsn page.LSN) {
	h := p.header()
	h.PageLSN = lsn
	p.setHeader(h)
}

// NextPageID returns the next page in this table's chain, or page.NoNext.
func (p *Page) NextPageID() page.ID { return p.header().NextPageID }

// SetNextPageID links this page to the next page in the chain.
func (p *Page) SetNextPageID(id page.ID) {
	h := p.header()
	h.NextPageID = id
	p.setHeader(h)
}

// SlotCount returns the number of slots, including tombstoned ones.
func (p *Page) SlotCount() int { return int(p.header().TupleCount) }

func (p *Page) setSlotCount(n int) {
	h := p.header()
	h.TupleCount = uint16(n)
	p.setHeader(h)
}

func (p *Page) freeSpaceOff() int { return int(p.header().FreeSpaceOff) }

func (p *Page) setFreeSpaceOff(off int) {
	h := p.header()
	h.FreeSpaceOff = uint16(off)
	p.setHeader(h)
}

func (p *Page) slotOff(i int) int { return page.HeaderSize + i*slotEntrySize }

func (p *Page) slotDirEnd() int { return p.slotOff(p.SlotCount()) }

type slotEntry struct {
	offset uint16
	length uint16
}

func (p *Page) getSlot(i int) slotEntry {
	o := p.slotOff(i)
	return slotEntry{
		offset: binary.LittleEndian.Uint16(p.buf[o:]),
		length: binary.LittleEndian.Uint16(p.buf[o+2:]),
	}
}

func (p *Page) setSlot(i int, e slotEntry) {
	o := p.slotOff(i)
	binary.LittleEndian.PutUint16(p.buf[o:], e.offset)
	binary.LittleEndian.PutUint16(p.buf[o+2:], e.length)
}

// FreeSpace is the number of bytes available for one more tuple, accounting
// for the slot entry a new insert would also need.
func (p *Page) FreeSpace() int {
	return p.freeSpaceOff() - p.slotDirEnd() - slotEntrySize
}

// isDeleted reports whether slot i is a tombstone (physically deleted).
func (p *Page) isDeleted(i int) bool {
	e := p.getSlot(i)
	return e.length == 0
}

// Insert appends a tuple body and takes a fresh slot (per spec.md: "inserts into a page with N slots but only K<N
// live tuples still use slot index N" — i.e. we never reuse tombstones for
// a *new* logical tuple; that would break RID stability for anyone still
// holding the old slot number conceptually. We only ever grow the slot
// array). Returns ErrNoSpace if the tuple does not fit.
func (p *Page) Insert(data []byte) (uint16, error) {
	if p.FreeSpace() < len(data) {
		return 0, ErrNoSpace
	}
	newOff := p.freeSpaceOff() - len(data)
	copy(p.buf[newOff:], data)
	p.setFreeSpaceOff(newOff)

	sc := p.SlotCount()
	p.setSlot(sc, slotEntry{offset: uint16(newOff), length: uint16(len(data))})
	p.setSlotCount(sc + 1)
	return uint16(sc), nil
}

// GetTuple returns the byte slice for slot, or (nil, false) if the slot does
// not exist or has been physically deleted.
func (p *Page) GetTuple(slot uint16) ([]byte, bool) {
	if int(slot) >= p.SlotCount() {
		return nil, false
	}
	e := p.getSlot(int(slot))
	if e.length == 0 {
		return nil, false
	}
	return p.buf[e.offset : e.offset+e.length], true
}

// Delete physically removes slot's tuple (zero-length tombstone). Used only
// by rollback-of-insert and by reclamation — never by normal MVCC delete,
// which instead calls SetTupleXmax.
func (p *Page) Delete(slot uint16) error {
	if int(slot) >= p.SlotCount() {
		return ErrSlotOutOfRange
	}
	if p.isDeleted(int(slot)) {
		return ErrSlotDeleted
	}
	p.setSlot(int(slot), slotEntry{})
	return nil
}

// Restore re-populates a previously deleted slot with identical-length
// bytes. Fails if the slot is currently live. Used by CLR-UndoDelete-style
// redo and by rollback-of-delete.
func (p *Page) Restore(slot uint16, data []byte) error {
	if int(slot) >= p.SlotCount() {
		return ErrSlotOutOfRange
	}
	if !p.isDeleted(int(slot)) {
		return ErrSlotNotDeleted
	}
	if p.FreeSpace()+slotEntrySize < len(data) {
		return ErrNoSpace
	}
	newOff := p.freeSpaceOff() - len(data)
	copy(p.buf[newOff:], data)
	p.setFreeSpaceOff(newOff)
	p.setSlot(int(slot), slotEntry{offset: uint16(newOff), length: uint16(len(data))})
	return nil
}

// RestoreAt materializes a slot at an exact slot index during redo, growing
// the slot array with empty tombstones as needed so that slot indices from
// the WAL line back up with on-disk layout.
func (p *Page) RestoreAt(slot uint16, data []byte) error {
	for p.SlotCount() <= int(slot) {
		sc := p.SlotCount()
		p.setSlot(sc, slotEntry{})
		p.setSlotCount(sc + 1)
	}
	if !p.isDeleted(int(slot)) {
		// Already materialized (idempotent redo) — overwrite is still
		// required if the bytes differ in a crash-during-redo scenario.
		return p.overwriteLive(slot, data)
	}
	return p.Restore(slot, data)
}

func (p *Page) overwriteLive(slot uint16, data []byte) error {
	e := p.getSlot(int(slot))
	if int(e.length) != len(data) {
		return fmt.Errorf("heap: redo length mismatch at slot %d: have %d want %d", slot, e.length, len(data))
	}
	copy(p.buf[e.offset:e.offset+e.length], data)
	return nil
}

const (
	xminOff = 0
	xmaxOff = 8
)

// SetTupleXmax overwrites bytes [8:16) of the tuple at slot — the only
// in-place mutation ever performed on a live tuple.
func (p *Page) SetTupleXmax(slot uint16, xmax uint64) error {
	tuple, ok := p.GetTuple(slot)
	if !ok {
		return ErrSlotDeleted
	}
	if len(tuple) < 16 {
		return fmt.Errorf("heap: tuple at slot %d too short for xmax", slot)
	}
	binary.LittleEndian.PutUint64(tuple[xmaxOff:xmaxOff+8], xmax)
	return nil
}

// Xmin reads the xmin field of a live tuple's bytes.
func Xmin(tuple []byte) uint64 { return binary.LittleEndian.Uint64(tuple[xminOff : xminOff+8]) }

// Xmax reads the xmax field of a live tuple's bytes.
func Xmax(tuple []byte) uint64 { return binary.LittleEndian.Uint64(tuple[xmaxOff : xmaxOff+8]) }

// LiveSlots returns the indices of all non-tombstoned slots, in slot order.
func (p *Page) LiveSlots() []uint16 {
	var out []uint16
	sc := p.SlotCount()
	for i := 0; i < sc; i++ {
		if !p.isDeleted(i) {
			out = append(out, uint16(i))
		}
	}
	return out
}

// Bytes returns the underlying page buffer.
func (p *Page) Bytes() []byte { return p.buf }
