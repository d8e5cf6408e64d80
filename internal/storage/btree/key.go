// Package btree implements a disk-based B+Tree used for secondary and
// primary-key indexes: composite index keys, leaf/internal pages with
// split propagation, and a duplicate-key-safe (key, rid) ordering. See
// spec.md §4.4.
package btree

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/relforge/relforge/internal/storage/heap"
	"github.com/relforge/relforge/internal/storage/page"
	"github.com/relforge/relforge/internal/storage/tuple"
)

// IndexKey is a composite key: one value per indexed column, in column
// order. Wire format: [count:1]{[type-tag:1][payload...]}*count. A NULL
// value's payload is empty; NULLs sort before any non-null value of the
// same column, matching spec.md §4.4's ordering rule.
type IndexKey struct {
	Values []tuple.Value
}

const (
	tagNull    byte = 0
	tagInt     byte = 1
	tagVarchar byte = 2
	tagBool    byte = 3
)

// Encode serializes the key to its on-disk byte representation.
func (k IndexKey) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(len(k.Values)))
	for _, v := range k.Values {
		if v.Null {
			buf.WriteByte(tagNull)
			continue
		}
		switch v.Type {
		case tuple.TypeInt:
			buf.WriteByte(tagInt)
			var b [8]byte
			binary.BigEndian.PutUint64(b[:], uint64(v.I)^signFlip)
			buf.Write(b[:])
		case tuple.TypeVarchar:
			buf.WriteByte(tagVarchar)
			var lb [4]byte
			binary.BigEndian.PutUint32(lb[:], uint32(len(v.S)))
			buf.Write(lb[:])
			buf.WriteString(v.S)
		case tuple.TypeBool:
			buf.WriteByte(tagBool)
			if v.B {
				buf.WriteByte(1)
			} else {
				buf.WriteByte(0)
			}
		}
	}
	return buf.Bytes()
}

// signFlip maps a two's-complement int64 into an unsigned, order-preserving
// big-endian encoding (flip the sign bit) so plain byte comparison of
// encoded keys matches numeric comparison of the underlying integers.
const signFlip = uint64(1) << 63

// DecodeIndexKey parses a key previously produced by Encode.
func DecodeIndexKey(buf []byte) (IndexKey, error) {
	if len(buf) < 1 {
		return IndexKey{}, fmt.Errorf("btree: empty key")
	}
	n := int(buf[0])
	off := 1
	vals := make([]tuple.Value, n)
	for i := 0; i < n; i++ {
		if off >= len(buf) {
			return IndexKey{}, fmt.Errorf("btree: truncated key")
		}
		tag := buf[off]
		off++
		switch tag {
		case tagNull:
			vals[i] = tuple.NullValue(tuple.TypeInt)
		case tagInt:
			if off+8 > len(buf) {
				return IndexKey{}, fmt.Errorf("btree: truncated int key value")
			}
			u := binary.BigEndian.Uint64(buf[off : off+8])
			vals[i] = tuple.IntValue(int64(u ^ signFlip))
			off += 8
		case tagVarchar:
			if off+4 > len(buf) {
				return IndexKey{}, fmt.Errorf("btree: truncated varchar length")
			}
			n := int(binary.BigEndian.Uint32(buf[off : off+4]))
			off += 4
			if off+n > len(buf) {
				return IndexKey{}, fmt.Errorf("btree: truncated varchar value")
			}
			vals[i] = tuple.StringValue(string(buf[off : off+n]))
			off += n
		case tagBool:
			if off >= len(buf) {
				return IndexKey{}, fmt.Errorf("btree: truncated bool value")
			}
			vals[i] = tuple.BoolValue(buf[off] != 0)
			off++
		default:
			return IndexKey{}, fmt.Errorf("btree: unknown key tag %d", tag)
		}
	}
	return IndexKey{Values: vals}, nil
}

// CompareKeys orders two encoded index keys byte-wise, which (thanks to
// Encode's tag ordering and sign-flipped integers) matches SQL NULL-first
// ordering and numeric ordering of integers. Varchar values carry a length
// prefix, so they order by byte length first and then byte-wise, not
// lexically.
func CompareKeys(a, b []byte) int { return bytes.Compare(a, b) }

// entryKey is the on-disk unit a leaf stores: the composite key followed by
// the RID, so duplicate keys remain totally ordered by (key, rid) and never
// collide (spec.md §4.4).
type entryKey struct {
	Key []byte
	RID heap.RID
}

func encodeEntryKey(k []byte, rid heap.RID) []byte {
	buf := make([]byte, 4+len(k)+4+2)
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(k)))
	copy(buf[4:], k)
	off := 4 + len(k)
	binary.LittleEndian.PutUint32(buf[off:], uint32(rid.PageID))
	binary.LittleEndian.PutUint16(buf[off+4:], rid.Slot)
	return buf
}

func ridBytes(r heap.RID) [6]byte {
	var b [6]byte
	binary.LittleEndian.PutUint32(b[0:4], uint32(r.PageID))
	binary.LittleEndian.PutUint16(b[4:6], r.Slot)
	return b
}

func compareRIDBytes(a, b [6]byte) int { return bytes.Compare(a[:], b[:]) }

func decodeEntryKey(buf []byte) entryKey {
	n := int(binary.BigEndian.Uint32(buf[0:4]))
	k := buf[4 : 4+n]
	off := 4 + n
	pid := page.ID(binary.LittleEndian.Uint32(buf[off:]))
	slot := binary.LittleEndian.Uint16(buf[off+4:])
	return entryKey{Key: k, RID: heap.RID{PageID: pid, Slot: slot}}
}
