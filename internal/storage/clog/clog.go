// Package clog implements the commit log: a bit-packed, append-only record
// of every transaction's final outcome, consulted by MVCC visibility checks
// and by ARIES recovery. See spec.md §4.5.
package clog

import (
	"fmt"
	"os"
	"sync"
)

// Status is a transaction's two-bit commit-log status.
type Status byte

const (
	// StatusInProgress is the implicit status of any txid never written,
	// including ones beyond the highest allocated so far.
	StatusInProgress Status = 0
	StatusCommitted  Status = 1
	StatusAborted    Status = 2
)

const (
	bitsPerTxn   = 2
	txnsPerByte  = 8 / bitsPerTxn
	pageSize     = 4096
	txnsPerPage  = pageSize * txnsPerByte
	framePoolCap = 8
)

type frame struct {
	pageNo int
	buf    []byte
	dirty  bool
	pinned int
	prev   *frame
	next   *frame
}

// Log is the commit log: a single growable file, paged and cached through
// a small dedicated LRU (distinct from the main buffer pool, since commit
// status lookups are extremely hot and the access pattern — recent txids —
// differs from heap/index traffic).
type Log struct {
	mu     sync.Mutex
	f      *os.File
	frames map[int]*frame
	head   *frame
	tail   *frame
}

// Open opens (creating if necessary) the commit log file at path.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("clog: open %s: %w", path, err)
	}
	return &Log{f: f, frames: make(map[int]*frame, framePoolCap)}, nil
}

func txnLocation(txid uint64) (pageNo int, byteOff int, bitShift uint) {
	pageNo = int(txid / uint64(txnsPerPage))
	withinPage := int(txid % uint64(txnsPerPage))
	byteOff = withinPage / txnsPerByte
	bitShift = uint(withinPage%txnsPerByte) * bitsPerTxn
	return
}

func (l *Log) fetch(pageNo int) (*frame, error) {
	if fr, ok := l.frames[pageNo]; ok {
		l.moveToFront(fr)
		return fr, nil
	}
	buf := make([]byte, pageSize)
	n, err := l.f.ReadAt(buf, int64(pageNo)*pageSize)
	if err != nil && n == 0 {
		// Short/absent page: treat as all-zero (every txn "in progress"),
		// matching a commit log that has not yet been extended this far.
	}
	for len(l.frames) >= framePoolCap {
		if !l.evictOne() {
			break
		}
	}
	fr := &frame{pageNo: pageNo, buf: buf}
	l.frames[pageNo] = fr
	l.pushFront(fr)
	return fr, nil
}

func (l *Log) evictOne() bool {
	for fr := l.tail; fr != nil; fr = fr.prev {
		if fr.pinned == 0 && !fr.dirty {
			l.unlink(fr)
			delete(l.frames, fr.pageNo)
			return true
		}
	}
	return false
}

func (l *Log) pushFront(fr *frame) {
	fr.prev = nil
	fr.next = l.head
	if l.head != nil {
		l.head.prev = fr
	}
	l.head = fr
	if l.tail == nil {
		l.tail = fr
	}
}

func (l *Log) unlink(fr *frame) {
	if fr.prev != nil {
		fr.prev.next = fr.next
	} else {
		l.head = fr.next
	}
	if fr.next != nil {
		fr.next.prev = fr.prev
	} else {
		l.tail = fr.prev
	}
	fr.prev, fr.next = nil, nil
}

func (l *Log) moveToFront(fr *frame) {
	l.unlink(fr)
	l.pushFront(fr)
}

// Set records txid's final status. Idempotent.
func (l *Log) Set(txid uint64, status Status) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	pageNo, byteOff, shift := txnLocation(txid)
	fr, err := l.fetch(pageNo)
	if err != nil {
		return err
	}
	fr.buf[byteOff] = (fr.buf[byteOff] &^ (0x3 << shift)) | (byte(status) << shift)
	fr.dirty = true
	return nil
}

// Get returns txid's recorded status (StatusInProgress if never set).
func (l *Log) Get(txid uint64) (Status, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pageNo, byteOff, shift := txnLocation(txid)
	fr, err := l.fetch(pageNo)
	if err != nil {
		return StatusInProgress, err
	}
	return Status((fr.buf[byteOff] >> shift) & 0x3), nil
}

// Flush writes every dirty clog page to disk and fsyncs.
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, fr := range l.frames {
		if !fr.dirty {
			continue
		}
		if _, err := l.f.WriteAt(fr.buf, int64(fr.pageNo)*pageSize); err != nil {
			return fmt.Errorf("clog: write page %d: %w", fr.pageNo, err)
		}
		fr.dirty = false
	}
	return l.f.Sync()
}

// Close flushes and closes the log file.
func (l *Log) Close() error {
	if err := l.Flush(); err != nil {
		return err
	}
	return l.f.Close()
}
