// Package tuple implements the physical tuple codec shared by the heap and
// the executor: [xmin:8][xmax:8][null-bitmap][values...]. See spec.md §3.
package tuple

import (
	"encoding/binary"
	"fmt"
)

// DataType enumerates the three column types this kernel supports
// (spec.md §1 Non-goals explicitly excludes CHAR/DECIMAL/DATE).
type DataType uint8

const (
	TypeInt DataType = iota
	TypeVarchar
	TypeBool
)

func (t DataType) String() string {
	switch t {
	case TypeInt:
		return "INT"
	case TypeVarchar:
		return "VARCHAR"
	case TypeBool:
		return "BOOL"
	default:
		return "UNKNOWN"
	}
}

// Column describes one column of a table.
type Column struct {
	Name     string
	Type     DataType
	Nullable bool
}

// Value is a dynamically typed SQL value. Null is checked first; callers
// must not read the type-specific field when Null is true.
type Value struct {
	Null bool
	Type DataType
	I    int64
	S    string
	B    bool
}

// NullValue returns a NULL of the given type (the type is retained so
// comparisons/formatting can still make type-aware decisions).
func NullValue(t DataType) Value { return Value{Null: true, Type: t} }

// IntValue constructs a non-null integer value.
func IntValue(i int64) Value { return Value{Type: TypeInt, I: i} }

// StringValue constructs a non-null varchar value.
func StringValue(s string) Value { return Value{Type: TypeVarchar, S: s} }

// BoolValue constructs a non-null boolean value.
func BoolValue(b bool) Value { return Value{Type: TypeBool, B: b} }

func nullBitmapSize(n int) int { return (n + 7) / 8 }

// Encode serializes xmin, xmax and values (must align 1:1 with cols) into
// the physical tuple layout.
func Encode(xmin, xmax uint64, cols []Column, values []Value) ([]byte, error) {
	if len(values) != len(cols) {
		return nil, fmt.Errorf("tuple: %d values for %d columns", len(values), len(cols))
	}
	bitmapLen := nullBitmapSize(len(cols))
	size := 16 + bitmapLen
	for i, c := range cols {
		v := values[i]
		if v.Null {
			continue
		}
		switch c.Type {
		case TypeInt:
			size += 4
		case TypeVarchar:
			size += 4 + len(v.S)
		case TypeBool:
			size += 1
		}
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint64(buf[0:8], xmin)
	binary.LittleEndian.PutUint64(buf[8:16], xmax)
	bitmap := buf[16 : 16+bitmapLen]
	off := 16 + bitmapLen
	for i, c := range cols {
		v := values[i]
		if v.Null {
			continue
		}
		bitmap[i/8] |= 1 << uint(i%8)
		switch c.Type {
		case TypeInt:
			binary.LittleEndian.PutUint32(buf[off:], uint32(int32(v.I)))
			off += 4
		case TypeVarchar:
			binary.LittleEndian.PutUint32(buf[off:], uint32(len(v.S)))
			off += 4
			copy(buf[off:], v.S)
			off += len(v.S)
		case TypeBool:
			if v.B {
				buf[off] = 1
			}
			off++
		}
	}
	return buf, nil
}

// Decode deserializes a physical tuple given its column schema.
func Decode(data []byte, cols []Column) (xmin, xmax uint64, values []Value, err error) {
	if len(data) < 16 {
		return 0, 0, nil, fmt.Errorf("tuple: too short (%d bytes)", len(data))
	}
	xmin = binary.LittleEndian.Uint64(data[0:8])
	xmax = binary.LittleEndian.Uint64(data[8:16])
	bitmapLen := nullBitmapSize(len(cols))
	if len(data) < 16+bitmapLen {
		return 0, 0, nil, fmt.Errorf("tuple: too short for null bitmap")
	}
	bitmap := data[16 : 16+bitmapLen]
	off := 16 + bitmapLen
	values = make([]Value, len(cols))
	for i, c := range cols {
		present := bitmap[i/8]&(1<<uint(i%8)) != 0
		if !present {
			values[i] = NullValue(c.Type)
			continue
		}
		switch c.Type {
		case TypeInt:
			if off+4 > len(data) {
				return 0, 0, nil, fmt.Errorf("tuple: truncated int column %q", c.Name)
			}
			values[i] = IntValue(int64(int32(binary.LittleEndian.Uint32(data[off:]))))
			off += 4
		case TypeVarchar:
			if off+4 > len(data) {
				return 0, 0, nil, fmt.Errorf("tuple: truncated varchar length for %q", c.Name)
			}
			n := int(binary.LittleEndian.Uint32(data[off:]))
			off += 4
			if off+n > len(data) {
				return 0, 0, nil, fmt.Errorf("tuple: truncated varchar body for %q", c.Name)
			}
			values[i] = StringValue(string(data[off : off+n]))
			off += n
		case TypeBool:
			if off+1 > len(data) {
				return 0, 0, nil, fmt.Errorf("tuple: truncated bool column %q", c.Name)
			}
			values[i] = BoolValue(data[off] != 0)
			off++
		}
	}
	return xmin, xmax, values, nil
}
