// Package page implements the fixed-size page I/O layer: a single data file
// addressed by page_id, plus the common page header every higher layer
// (heap pages, B-tree pages) builds on.
package page

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"sync"
)

const (
	// DefaultSize is the production page size (4 KiB).
	DefaultSize = 4096

	// HeaderSize is the size in bytes of the common page header.
	// Layout:
	//   [0:4]   PageID       (uint32 LE)
	//   [4:12]  PageLSN      (uint64 LE)
	//   [12:16] NextPageID   (uint32 LE, NoNext = 0xFFFFFFFF)
	//   [16:18] TupleCount   (uint16 LE)
	//   [18:20] FreeSpaceOff (uint16 LE)
	//   [20:24] CRC32        (uint32 LE, computed over the rest of the page)
	//   [24:32] Reserved
	HeaderSize = 32
)

// NoNext is the sentinel value for "no next page" in a heap page chain.
const NoNext ID = 0xFFFFFFFF

// ID identifies a page within the data file.
type ID uint32

// LSN is a monotonically increasing Log Sequence Number. 0 means "none".
type LSN uint64

// Header is the common 32-byte header present at the start of every page.
type Header struct {
	PageID       ID
	PageLSN      LSN
	NextPageID   ID
	TupleCount   uint16
	FreeSpaceOff uint16
}

// Marshal writes h into the first HeaderSize bytes of buf.
func Marshal(h Header, buf []byte) {
	if len(buf) < HeaderSize {
		panic("page: buffer smaller than header")
	}
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.PageID))
	binary.LittleEndian.PutUint64(buf[4:12], uint64(h.PageLSN))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(h.NextPageID))
	binary.LittleEndian.PutUint16(buf[16:18], h.TupleCount)
	binary.LittleEndian.PutUint16(buf[18:20], h.FreeSpaceOff)
}

// Unmarshal reads a Header from the first HeaderSize bytes of buf.
func Unmarshal(buf []byte) Header {
	return Header{
		PageID:       ID(binary.LittleEndian.Uint32(buf[0:4])),
		PageLSN:      LSN(binary.LittleEndian.Uint64(buf[4:12])),
		NextPageID:   ID(binary.LittleEndian.Uint32(buf[12:16])),
		TupleCount:   binary.LittleEndian.Uint16(buf[16:18]),
		FreeSpaceOff: binary.LittleEndian.Uint16(buf[18:20]),
	}
}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// SetCRC computes and stores the CRC32-C of the page (with the CRC field
// itself zeroed during computation) into bytes [20:24).
func SetCRC(buf []byte) {
	binary.LittleEndian.PutUint32(buf[20:24], 0)
	c := crc32.Checksum(buf, crcTable)
	binary.LittleEndian.PutUint32(buf[20:24], c)
}

// VerifyCRC reports whether the stored CRC matches the page contents.
func VerifyCRC(buf []byte) error {
	stored := binary.LittleEndian.Uint32(buf[20:24])
	tmp := make([]byte, len(buf))
	copy(tmp, buf)
	binary.LittleEndian.PutUint32(tmp[20:24], 0)
	computed := crc32.Checksum(tmp, crcTable)
	if stored != computed {
		return fmt.Errorf("page: CRC mismatch on page %d: stored=%08x computed=%08x",
			binary.LittleEndian.Uint32(buf[0:4]), stored, computed)
	}
	return nil
}

// New allocates a zeroed page buffer of the given size with an initialized
// header (NextPageID = NoNext, FreeSpaceOff = size).
func New(size int, id ID) []byte {
	buf := make([]byte, size)
	Marshal(Header{PageID: id, NextPageID: NoNext, FreeSpaceOff: uint16(size)}, buf)
	return buf
}

// Manager performs fixed-size page I/O against one data file. It has no
// knowledge of tuples, slots, or WAL — it only knows how to read and write
// whole pages by page_id.
type Manager struct {
	mu       sync.Mutex
	f        *os.File
	pageSize int
	nextID   ID
}

// Open opens (creating if necessary) the data file at path.
func Open(path string, pageSize int) (*Manager, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("page: open data file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	count := ID(info.Size() / int64(pageSize))
	return &Manager{f: f, pageSize: pageSize, nextID: count}, nil
}

// PageSize returns the fixed page size this manager was opened with.
func (m *Manager) PageSize() int { return m.pageSize }

// PageCount returns the number of pages ever allocated.
func (m *Manager) PageCount() ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextID
}

// Allocate reserves the next page_id and returns it alongside a zeroed,
// header-initialized buffer. The page is not yet durable — the caller must
// Write it (normally as part of a WAL-ordered AllocatePage sequence).
func (m *Manager) Allocate() (ID, []byte) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.mu.Unlock()
	return id, New(m.pageSize, id)
}

// EnsureAllocated grows the data file, if necessary, so that page id exists
// and is readable (zero-filled, header-initialized). Used only by recovery:
// a crash can leave a WAL record referencing a page that was allocated
// in-memory but never reached disk before the crash.
func (m *Manager) EnsureAllocated(id ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id < m.nextID {
		return nil
	}
	for cur := m.nextID; cur <= id; cur++ {
		buf := New(m.pageSize, cur)
		SetCRC(buf)
		if _, err := m.f.WriteAt(buf, int64(cur)*int64(m.pageSize)); err != nil {
			return fmt.Errorf("page: ensure-allocate page %d: %w", cur, err)
		}
	}
	m.nextID = id + 1
	return nil
}

// Read reads the page at id into a fresh buffer. Returns an error (treated
// as fatal by callers, per spec.md §7) if fewer than pageSize bytes could
// be read — a short read means the file is corrupt or truncated.
func (m *Manager) Read(id ID) ([]byte, error) {
	buf := make([]byte, m.pageSize)
	m.mu.Lock()
	n, err := m.f.ReadAt(buf, int64(id)*int64(m.pageSize))
	m.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("page: short read of page %d: %w", id, err)
	}
	if n != m.pageSize {
		return nil, fmt.Errorf("page: short read of page %d: got %d bytes, want %d", id, n, m.pageSize)
	}
	return buf, nil
}

// Write writes buf (which must be exactly PageSize bytes) to disk at id.
// The CRC is stamped before the write. Callers are responsible for
// honouring the WAL rule (flushing the WAL up to buf's page_lsn first).
func (m *Manager) Write(id ID, buf []byte) error {
	if len(buf) != m.pageSize {
		return fmt.Errorf("page: write of page %d has wrong size %d (want %d)", id, len(buf), m.pageSize)
	}
	SetCRC(buf)
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.f.WriteAt(buf, int64(id)*int64(m.pageSize))
	if err != nil {
		return fmt.Errorf("page: write of page %d: %w", id, err)
	}
	return nil
}

// Sync fsyncs the data file.
func (m *Manager) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.f.Sync()
}

// Close closes the underlying file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.f.Close()
}
