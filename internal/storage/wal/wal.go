package wal

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/relforge/relforge/internal/storage/page"
)

// segmentFmt names WAL segment files inside the WAL directory:
// wal_000001.log, wal_000002.log, ...
const segmentFmt = "wal_%06d.log"

// Manager owns the segmented, append-only WAL. Append never blocks on disk;
// Flush/FlushTo are the only blocking paths (spec.md §4.3).
type Manager struct {
	mu sync.Mutex

	dir      string
	segCap   int // bounded record count per segment
	nextLSN  page.LSN
	flushed  page.LSN
	curSeq   int
	curCount int
	curFile  *os.File
	curBuf   *bufio.Writer
}

// Open opens (or creates) the WAL directory, replaying existing segments
// only to learn the highest LSN written so far — full log replay is the
// recovery package's job, not the WAL manager's.
func Open(dir string, segmentRecordCap int) (*Manager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("wal: mkdir %s: %w", dir, err)
	}
	m := &Manager{dir: dir, segCap: segmentRecordCap}

	seqs, err := listSegments(dir)
	if err != nil {
		return nil, err
	}
	maxLSN := page.LSN(0)
	for _, seq := range seqs {
		count, hi, err := scanSegmentTail(filepath.Join(dir, fmt.Sprintf(segmentFmt, seq)))
		if err != nil {
			return nil, err
		}
		if hi > maxLSN {
			maxLSN = hi
		}
		m.curSeq = seq
		m.curCount = count
	}
	m.nextLSN = maxLSN + 1
	m.flushed = maxLSN

	if len(seqs) == 0 {
		if err := m.rotate(); err != nil {
			return nil, err
		}
	} else {
		if err := m.openForAppend(m.curSeq); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func listSegments(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("wal: read dir %s: %w", dir, err)
	}
	var seqs []int
	for _, e := range entries {
		var seq int
		if _, err := fmt.Sscanf(e.Name(), segmentFmt, &seq); err == nil {
			seqs = append(seqs, seq)
		}
	}
	sort.Ints(seqs)
	return seqs, nil
}

// scanSegmentTail reads a segment fully just to report how many records it
// holds and the highest LSN seen, so Open can resume LSN allocation.
func scanSegmentTail(path string) (count int, maxLSN page.LSN, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("wal: open segment %s: %w", path, err)
	}
	defer f.Close()
	r := bufio.NewReader(f)
	hdr := make([]byte, recordHeaderSize)
	for {
		if _, err := readFull(r, hdr); err != nil {
			break // EOF or a torn trailing write — stop at the last complete record
		}
		rec, dataLen := decodeRecordHeader(hdr)
		payload := make([]byte, dataLen)
		if _, err := readFull(r, payload); err != nil {
			break
		}
		count++
		if rec.LSN > maxLSN {
			maxLSN = rec.LSN
		}
	}
	return count, maxLSN, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (m *Manager) openForAppend(seq int) error {
	path := filepath.Join(m.dir, fmt.Sprintf(segmentFmt, seq))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("wal: open segment %s for append: %w", path, err)
	}
	m.curFile = f
	m.curBuf = bufio.NewWriter(f)
	return nil
}

// rotate flushes the current segment (if any) and atomically begins a new
// one. Segment rotation per spec.md §4.3: flush the current writer, then
// open the next segment.
func (m *Manager) rotate() error {
	if m.curFile != nil {
		if err := m.flushLocked(); err != nil {
			return err
		}
		if err := m.curFile.Close(); err != nil {
			return fmt.Errorf("wal: close segment: %w", err)
		}
	}
	m.curSeq++
	m.curCount = 0
	return m.openForAppend(m.curSeq)
}

// Append assigns the next LSN, serializes the record, and writes it behind
// the buffered writer. It never fsyncs. Returns the assigned LSN.
func (m *Manager) Append(txnID uint64, prevLSN page.LSN, typ Type, payload []byte) (page.LSN, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.curCount >= m.segCap {
		if err := m.rotate(); err != nil {
			return 0, err
		}
	}

	lsn := m.nextLSN
	m.nextLSN++

	rec := Record{LSN: lsn, TxnID: txnID, PrevLSN: prevLSN, Type: typ, Payload: payload}
	if _, err := m.curBuf.Write(encodeRecord(rec)); err != nil {
		return 0, fmt.Errorf("wal: append: %w", err)
	}
	m.curCount++
	return lsn, nil
}

// AppendBegin/AppendCommit/AppendAbort are convenience wrappers with empty
// payloads, mirroring spec.md §4.3's record type list.
func (m *Manager) AppendBegin(txnID uint64) (page.LSN, error) {
	return m.Append(txnID, 0, TypeBegin, nil)
}
func (m *Manager) AppendCommit(txnID uint64, prevLSN page.LSN) (page.LSN, error) {
	return m.Append(txnID, prevLSN, TypeCommit, nil)
}
func (m *Manager) AppendAbort(txnID uint64, prevLSN page.LSN) (page.LSN, error) {
	return m.Append(txnID, prevLSN, TypeAbort, nil)
}
func (m *Manager) AppendInsert(txnID uint64, prevLSN page.LSN, p InsertPayload) (page.LSN, error) {
	return m.Append(txnID, prevLSN, TypeInsert, encodeInsert(p))
}
func (m *Manager) AppendDelete(txnID uint64, prevLSN page.LSN, p DeletePayload) (page.LSN, error) {
	return m.Append(txnID, prevLSN, TypeDelete, encodeDelete(p))
}
func (m *Manager) AppendCLR(txnID uint64, prevLSN page.LSN, p CLRPayload) (page.LSN, error) {
	return m.Append(txnID, prevLSN, TypeCLR, encodeCLR(p))
}
func (m *Manager) AppendCheckpoint(p CheckpointPayload) (page.LSN, error) {
	return m.Append(0, 0, TypeCheckpoint, encodeCheckpoint(p))
}
func (m *Manager) AppendAllocatePage(txnID uint64, prevLSN page.LSN, p AllocatePagePayload) (page.LSN, error) {
	return m.Append(txnID, prevLSN, TypeAllocatePage, encodeAllocatePage(p))
}

// Flush drains the buffer and fsyncs the current segment.
func (m *Manager) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushLocked()
}

func (m *Manager) flushLocked() error {
	if err := m.curBuf.Flush(); err != nil {
		return fmt.Errorf("wal: flush: %w", err)
	}
	if err := m.curFile.Sync(); err != nil {
		return fmt.Errorf("wal: fsync: %w", err)
	}
	m.flushed = m.nextLSN - 1
	return nil
}

// FlushTo is a no-op if lsn is already durable.
func (m *Manager) FlushTo(lsn page.LSN) error {
	m.mu.Lock()
	already := m.flushed >= lsn
	m.mu.Unlock()
	if already {
		return nil
	}
	return m.Flush()
}

// Flushed returns the highest durable LSN.
func (m *Manager) Flushed() page.LSN {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushed
}

// NextLSNPreview returns the LSN the next Append would assign, without
// assigning it. Used by recovery's "flush to the highest possible LSN"
// analysis-phase step.
func (m *Manager) NextLSNPreview() page.LSN {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextLSN
}

// Close flushes and closes the current segment.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.flushLocked(); err != nil {
		m.curFile.Close()
		return err
	}
	return m.curFile.Close()
}

// PruneBefore removes WAL segments whose maximum LSN is strictly less than
// minRecLSN (spec.md §4.11's optional checkpoint-time pruning). The current
// (last) segment is never pruned.
func (m *Manager) PruneBefore(minRecLSN page.LSN) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seqs, err := listSegments(m.dir)
	if err != nil {
		return err
	}
	for _, seq := range seqs {
		if seq == m.curSeq {
			continue
		}
		path := filepath.Join(m.dir, fmt.Sprintf(segmentFmt, seq))
		_, hi, err := scanSegmentTail(path)
		if err != nil {
			return err
		}
		if hi < minRecLSN {
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("wal: prune segment %s: %w", path, err)
			}
		}
	}
	return nil
}

// Reader replays WAL records in LSN order across all segments, starting at
// or after fromLSN. Used exclusively by the recovery package.
type Reader struct {
	dir  string
	seqs []int
	idx  int
	r    *bufio.Reader
	f    *os.File
	from page.LSN
}

// NewReader opens a reader over every segment in dir, positioned to start
// emitting records with LSN >= fromLSN.
func NewReader(dir string, fromLSN page.LSN) (*Reader, error) {
	seqs, err := listSegments(dir)
	if err != nil {
		return nil, err
	}
	return &Reader{dir: dir, seqs: seqs, from: fromLSN}, nil
}

func (rd *Reader) openNext() (bool, error) {
	if rd.f != nil {
		rd.f.Close()
		rd.f = nil
	}
	if rd.idx >= len(rd.seqs) {
		return false, nil
	}
	path := filepath.Join(rd.dir, fmt.Sprintf(segmentFmt, rd.seqs[rd.idx]))
	rd.idx++
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("wal: open segment %s: %w", path, err)
	}
	rd.f = f
	rd.r = bufio.NewReader(f)
	return true, nil
}

// Next returns the next record at or after fromLSN, or (Record{}, false, nil)
// at end of log. A torn trailing write (partial record from a crash
// mid-append) ends the log at that point without error.
func (rd *Reader) Next() (Record, bool, error) {
	for {
		if rd.r == nil {
			ok, err := rd.openNext()
			if err != nil {
				return Record{}, false, err
			}
			if !ok {
				return Record{}, false, nil
			}
		}
		hdr := make([]byte, recordHeaderSize)
		if _, err := readFull(rd.r, hdr); err != nil {
			rd.r = nil
			continue // move to next segment (or end)
		}
		rec, dataLen := decodeRecordHeader(hdr)
		payload := make([]byte, dataLen)
		if _, err := readFull(rd.r, payload); err != nil {
			rd.r = nil
			continue
		}
		rec.Payload = payload
		if rec.LSN < rd.from {
			continue
		}
		return rec, true, nil
	}
}

// Close releases the reader's open file handle, if any.
func (rd *Reader) Close() error {
	if rd.f != nil {
		return rd.f.Close()
	}
	return nil
}
