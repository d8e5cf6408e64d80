// Package buffer implements the pinned-frame buffer pool: an LRU page cache
// with dirty-page tracking that sits between the executor/recovery layers
// and the on-disk page manager, enforcing the WAL-before-flush rule. See
// spec.md §4.2.
package buffer

import (
	"fmt"
	"sync"

	"github.com/relforge/relforge/internal/storage/page"
	"github.com/relforge/relforge/internal/storage/wal"
	"golang.org/x/sync/errgroup"
)

// DefaultCapacity is used when Config.Capacity is zero.
const DefaultCapacity = 1024

// frame is an in-memory cached page plus its pool bookkeeping.
type frame struct {
	id     page.ID
	buf    []byte
	dirty  bool
	recLSN page.LSN // first LSN that dirtied this frame since it was last clean
	pinned int
	prev   *frame
	next   *frame
}

// Config configures a Pool.
type Config struct {
	Capacity int // max cached frames (0 = DefaultCapacity)
}

// Pool is an LRU buffer pool over a page.Manager, logged through a
// wal.Manager so every flush can honor "flush the WAL up to page_lsn first".
//
// Latching order (spec.md §4.2): pool mutex -> (release before I/O). The
// pool's inner mutex is never held across disk or WAL I/O.
type Pool struct {
	mu  sync.Mutex
	cap int

	pages map[page.ID]*frame
	head  *frame // most recently used
	tail  *frame // least recently used

	disk *page.Manager
	wal  *wal.Manager
}

// New creates a buffer pool over an already-open page manager and WAL.
func New(disk *page.Manager, w *wal.Manager, cfg Config) *Pool {
	cap := cfg.Capacity
	if cap <= 0 {
		cap = DefaultCapacity
	}
	return &Pool{
		cap:   cap,
		pages: make(map[page.ID]*frame, cap),
		disk:  disk,
		wal:   w,
	}
}

// FetchPage pins and returns the buffer for id, reading it from disk on a
// cache miss. Callers must call Unpin when done.
func (p *Pool) FetchPage(id page.ID) ([]byte, error) {
	p.mu.Lock()
	if f, ok := p.pages[id]; ok {
		f.pinned++
		p.moveToFront(f)
		buf := f.buf
		p.mu.Unlock()
		return buf, nil
	}
	p.mu.Unlock()

	buf, err := p.disk.Read(id)
	if err != nil {
		return nil, err
	}
	if err := page.VerifyCRC(buf); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if f, ok := p.pages[id]; ok {
		// Lost the race with a concurrent fetch: use the winner's buffer.
		f.pinned++
		p.moveToFront(f)
		return f.buf, nil
	}
	f := &frame{id: id, buf: buf, pinned: 1}
	if err := p.insertLocked(f); err != nil {
		return nil, err
	}
	return f.buf, nil
}

// NewPage allocates a fresh page via the disk manager and installs it,
// pinned, into the pool without reading anything from disk.
func (p *Pool) NewPage() (page.ID, []byte, error) {
	id, buf := p.disk.Allocate()
	f := &frame{id: id, buf: buf, pinned: 1, dirty: true, recLSN: 0}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.insertLocked(f); err != nil {
		return 0, nil, err
	}
	return id, buf, nil
}

// insertLocked adds f to the pool, evicting if at capacity. Caller holds mu.
func (p *Pool) insertLocked(f *frame) error {
	for len(p.pages) >= p.cap {
		if !p.evictOneLocked() {
			return fmt.Errorf("buffer: pool exhausted, all %d frames pinned", p.cap)
		}
	}
	p.pages[f.id] = f
	p.pushFrontLocked(f)
	return nil
}

// MarkDirty records that id was modified at lsn, setting rec_lsn if this is
// the first modification since the frame was last clean (spec.md §4.2's
// dirty page table semantics).
func (p *Pool) MarkDirty(id page.ID, lsn page.LSN) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.pages[id]
	if !ok {
		return
	}
	if !f.dirty {
		f.dirty = true
		f.recLSN = lsn
	}
}

// Unpin releases one pin on id.
func (p *Pool) Unpin(id page.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f, ok := p.pages[id]; ok && f.pinned > 0 {
		f.pinned--
	}
}

// evictOneLocked evicts the least-recently-used unpinned, clean frame.
// Dirty frames are never silently dropped — callers must flush before
// capacity is exhausted, matching the teacher's eviction discipline.
func (p *Pool) evictOneLocked() bool {
	for f := p.tail; f != nil; f = f.prev {
		if f.pinned == 0 && !f.dirty {
			p.unlinkLocked(f)
			delete(p.pages, f.id)
			return true
		}
	}
	return false
}

func (p *Pool) pushFrontLocked(f *frame) {
	f.prev = nil
	f.next = p.head
	if p.head != nil {
		p.head.prev = f
	}
	p.head = f
	if p.tail == nil {
		p.tail = f
	}
}

func (p *Pool) unlinkLocked(f *frame) {
	if f.prev != nil {
		f.prev.next = f.next
	} else {
		p.head = f.next
	}
	if f.next != nil {
		f.next.prev = f.prev
	} else {
		p.tail = f.prev
	}
	f.prev, f.next = nil, nil
}

func (p *Pool) moveToFront(f *frame) {
	p.unlinkLocked(f)
	p.pushFrontLocked(f)
}

// flushTarget is a point-in-time snapshot of a dirty frame taken under the
// pool mutex, so the actual WAL-flush + disk-write I/O can run lock-free.
type flushTarget struct {
	id  page.ID
	buf []byte
	lsn page.LSN
}

// FlushPage forces id to disk if dirty, honoring the WAL rule: the WAL is
// flushed up to the page's page_lsn before the page write is issued.
func (p *Pool) FlushPage(id page.ID) error {
	p.mu.Lock()
	f, ok := p.pages[id]
	if !ok || !f.dirty {
		p.mu.Unlock()
		return nil
	}
	t := flushTarget{id: f.id, buf: f.buf, lsn: page.LSN(pageLSN(f.buf))}
	p.mu.Unlock()

	if err := p.wal.FlushTo(t.lsn); err != nil {
		return err
	}
	if err := p.disk.Write(t.id, t.buf); err != nil {
		return err
	}

	p.mu.Lock()
	if f, ok := p.pages[id]; ok {
		f.dirty = false
		f.recLSN = 0
	}
	p.mu.Unlock()
	return nil
}

// FlushAll forces every dirty frame to disk concurrently, fsyncing the WAL
// once up front to cover the highest page_lsn among them. Concurrent writes
// are safe because the pool mutex is never held during I/O and each frame's
// buffer is only mutated by its pin-holder.
func (p *Pool) FlushAll() error {
	p.mu.Lock()
	var targets []flushTarget
	var maxLSN page.LSN
	for _, f := range p.pages {
		if !f.dirty {
			continue
		}
		lsn := page.LSN(pageLSN(f.buf))
		if lsn > maxLSN {
			maxLSN = lsn
		}
		targets = append(targets, flushTarget{id: f.id, buf: f.buf, lsn: lsn})
	}
	p.mu.Unlock()

	if len(targets) == 0 {
		return nil
	}
	if err := p.wal.FlushTo(maxLSN); err != nil {
		return err
	}

	var g errgroup.Group
	for _, t := range targets {
		t := t
		g.Go(func() error {
			return p.disk.Write(t.id, t.buf)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	p.mu.Lock()
	for _, t := range targets {
		if f, ok := p.pages[t.id]; ok {
			f.dirty = false
			f.recLSN = 0
		}
	}
	p.mu.Unlock()
	return nil
}

// DirtyPageTable returns a snapshot of {page_id -> rec_lsn} for every
// currently dirty frame, used to seed fuzzy checkpoints (spec.md §4.11).
func (p *Pool) DirtyPageTable() map[page.ID]page.LSN {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[page.ID]page.LSN, len(p.pages))
	for id, f := range p.pages {
		if f.dirty {
			out[id] = f.recLSN
		}
	}
	return out
}

// pageLSN reads the page_lsn field directly out of a raw page buffer.
func pageLSN(buf []byte) page.LSN { return page.Unmarshal(buf).PageLSN }
