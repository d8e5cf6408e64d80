// Package wal implements the write-ahead log: per-record LSN assignment,
// segmented log files, prev-LSN chains per transaction, and Compensation
// Log Records (CLRs). See spec.md §4.3.
package wal

import (
	"encoding/binary"
	"fmt"

	"github.com/relforge/relforge/internal/storage/heap"
	"github.com/relforge/relforge/internal/storage/page"
)

// Type identifies the kind of WAL record.
type Type uint8

const (
	TypeBegin Type = iota + 1
	TypeCommit
	TypeAbort
	TypeInsert
	TypeDelete
	TypeCLR
	TypeCheckpoint
	TypeAllocatePage
)

func (t Type) String() string {
	switch t {
	case TypeBegin:
		return "BEGIN"
	case TypeCommit:
		return "COMMIT"
	case TypeAbort:
		return "ABORT"
	case TypeInsert:
		return "INSERT"
	case TypeDelete:
		return "DELETE"
	case TypeCLR:
		return "CLR"
	case TypeCheckpoint:
		return "CHECKPOINT"
	case TypeAllocatePage:
		return "ALLOCATE_PAGE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// CLRKind distinguishes the two compensating-action shapes a CLR can carry.
type CLRKind uint8

const (
	CLRUndoInsert CLRKind = iota + 1 // compensates an Insert: physically delete the RID
	CLRUndoDelete                    // compensates a Delete: reset xmax to 0
)

// recordHeaderSize is [lsn:8][txn_id:8][prev_lsn:8][type:1][data_len:4].
const recordHeaderSize = 8 + 8 + 8 + 1 + 4

// Record is one WAL entry, fully decoded.
type Record struct {
	LSN     page.LSN
	TxnID   uint64
	PrevLSN page.LSN
	Type    Type
	Payload []byte // type-specific, see the typed accessors below
}

// --- typed payloads -------------------------------------------------------

// InsertPayload describes an Insert record's data.
type InsertPayload struct {
	RID  heap.RID
	Data []byte
}

func encodeInsert(p InsertPayload) []byte {
	buf := make([]byte, 4+2+4+len(p.Data))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(p.RID.PageID))
	binary.LittleEndian.PutUint16(buf[4:6], p.RID.Slot)
	binary.LittleEndian.PutUint32(buf[6:10], uint32(len(p.Data)))
	copy(buf[10:], p.Data)
	return buf
}

// DecodeInsert parses an Insert record's payload.
func DecodeInsert(payload []byte) InsertPayload {
	pid := page.ID(binary.LittleEndian.Uint32(payload[0:4]))
	slot := binary.LittleEndian.Uint16(payload[4:6])
	n := binary.LittleEndian.Uint32(payload[6:10])
	data := make([]byte, n)
	copy(data, payload[10:10+n])
	return InsertPayload{RID: heap.RID{PageID: pid, Slot: slot}, Data: data}
}

// DeletePayload describes a Delete record's data.
type DeletePayload struct {
	RID  heap.RID
	Xmax uint64
}

func encodeDelete(p DeletePayload) []byte {
	buf := make([]byte, 4+2+8)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(p.RID.PageID))
	binary.LittleEndian.PutUint16(buf[4:6], p.RID.Slot)
	binary.LittleEndian.PutUint64(buf[6:14], p.Xmax)
	return buf
}

// DecodeDelete parses a Delete record's payload.
func DecodeDelete(payload []byte) DeletePayload {
	pid := page.ID(binary.LittleEndian.Uint32(payload[0:4]))
	slot := binary.LittleEndian.Uint16(payload[4:6])
	xmax := binary.LittleEndian.Uint64(payload[6:14])
	return DeletePayload{RID: heap.RID{PageID: pid, Slot: slot}, Xmax: xmax}
}

// CLRPayload describes a Compensation Log Record's data.
type CLRPayload struct {
	UndoNextLSN page.LSN
	Kind        CLRKind
	RID         heap.RID
	OldXmax     uint64 // only meaningful for CLRUndoDelete
}

func encodeCLR(p CLRPayload) []byte {
	switch p.Kind {
	case CLRUndoInsert:
		buf := make([]byte, 8+1+4+2)
		binary.LittleEndian.PutUint64(buf[0:8], uint64(p.UndoNextLSN))
		buf[8] = byte(p.Kind)
		binary.LittleEndian.PutUint32(buf[9:13], uint32(p.RID.PageID))
		binary.LittleEndian.PutUint16(buf[13:15], p.RID.Slot)
		return buf
	case CLRUndoDelete:
		buf := make([]byte, 8+1+4+2+8)
		binary.LittleEndian.PutUint64(buf[0:8], uint64(p.UndoNextLSN))
		buf[8] = byte(p.Kind)
		binary.LittleEndian.PutUint32(buf[9:13], uint32(p.RID.PageID))
		binary.LittleEndian.PutUint16(buf[13:15], p.RID.Slot)
		binary.LittleEndian.PutUint64(buf[15:23], p.OldXmax)
		return buf
	default:
		panic("wal: unknown CLR kind")
	}
}

// DecodeCLR parses a CLR record's payload.
func DecodeCLR(payload []byte) CLRPayload {
	p := CLRPayload{
		UndoNextLSN: page.LSN(binary.LittleEndian.Uint64(payload[0:8])),
		Kind:        CLRKind(payload[8]),
		RID: heap.RID{
			PageID: page.ID(binary.LittleEndian.Uint32(payload[9:13])),
			Slot:   binary.LittleEndian.Uint16(payload[13:15]),
		},
	}
	if p.Kind == CLRUndoDelete {
		p.OldXmax = binary.LittleEndian.Uint64(payload[15:23])
	}
	return p
}

// AllocatePagePayload describes an AllocatePage record's data.
type AllocatePagePayload struct {
	PageID     page.ID
	TableID    uint64
	PrevPageID page.ID
}

func encodeAllocatePage(p AllocatePagePayload) []byte {
	buf := make([]byte, 4+8+4)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(p.PageID))
	binary.LittleEndian.PutUint64(buf[4:12], p.TableID)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(p.PrevPageID))
	return buf
}

// DecodeAllocatePage parses an AllocatePage record's payload.
func DecodeAllocatePage(payload []byte) AllocatePagePayload {
	return AllocatePagePayload{
		PageID:     page.ID(binary.LittleEndian.Uint32(payload[0:4])),
		TableID:    binary.LittleEndian.Uint64(payload[4:12]),
		PrevPageID: page.ID(binary.LittleEndian.Uint32(payload[12:16])),
	}
}

// CheckpointPayload carries the fuzzy checkpoint's ATT and DPT snapshots.
type CheckpointPayload struct {
	ATT map[uint64]page.LSN   // txn_id -> last_lsn
	DPT map[page.ID]page.LSN  // page_id -> rec_lsn (first LSN that dirtied it)
}

func encodeCheckpoint(p CheckpointPayload) []byte {
	size := 4 + len(p.ATT)*16 + 4 + len(p.DPT)*12
	buf := make([]byte, size)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(p.ATT)))
	off += 4
	for txn, lsn := range p.ATT {
		binary.LittleEndian.PutUint64(buf[off:], txn)
		binary.LittleEndian.PutUint64(buf[off+8:], uint64(lsn))
		off += 16
	}
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(p.DPT)))
	off += 4
	for pid, lsn := range p.DPT {
		binary.LittleEndian.PutUint32(buf[off:], uint32(pid))
		binary.LittleEndian.PutUint64(buf[off+4:], uint64(lsn))
		off += 12
	}
	return buf
}

// DecodeCheckpoint parses a Checkpoint record's payload.
func DecodeCheckpoint(payload []byte) CheckpointPayload {
	off := 0
	attN := int(binary.LittleEndian.Uint32(payload[off:]))
	off += 4
	att := make(map[uint64]page.LSN, attN)
	for i := 0; i < attN; i++ {
		txn := binary.LittleEndian.Uint64(payload[off:])
		lsn := page.LSN(binary.LittleEndian.Uint64(payload[off+8:]))
		att[txn] = lsn
		off += 16
	}
	dptN := int(binary.LittleEndian.Uint32(payload[off:]))
	off += 4
	dpt := make(map[page.ID]page.LSN, dptN)
	for i := 0; i < dptN; i++ {
		pid := page.ID(binary.LittleEndian.Uint32(payload[off:]))
		lsn := page.LSN(binary.LittleEndian.Uint64(payload[off+4:]))
		dpt[pid] = lsn
		off += 12
	}
	return CheckpointPayload{ATT: att, DPT: dpt}
}

// --- raw framing -----------------------------------------------------------

func encodeRecord(r Record) []byte {
	buf := make([]byte, recordHeaderSize+len(r.Payload))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(r.LSN))
	binary.LittleEndian.PutUint64(buf[8:16], r.TxnID)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(r.PrevLSN))
	buf[24] = byte(r.Type)
	binary.LittleEndian.PutUint32(buf[25:29], uint32(len(r.Payload)))
	copy(buf[recordHeaderSize:], r.Payload)
	return buf
}

func decodeRecordHeader(buf []byte) (Record, int) {
	r := Record{
		LSN:     page.LSN(binary.LittleEndian.Uint64(buf[0:8])),
		TxnID:   binary.LittleEndian.Uint64(buf[8:16]),
		PrevLSN: page.LSN(binary.LittleEndian.Uint64(buf[16:24])),
		Type:    Type(buf[24]),
	}
	dataLen := int(binary.LittleEndian.Uint32(buf[25:29]))
	return r, dataLen
}
