// Package checkpoint implements the fuzzy checkpoint: a point-in-time
// snapshot of the active transaction table and dirty page table, written to
// the WAL and to a small metadata file recovery reads first. See spec.md
// §4.11.
package checkpoint

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/relforge/relforge/internal/storage/clog"
	"github.com/relforge/relforge/internal/storage/page"
	"github.com/relforge/relforge/internal/storage/wal"
)

// metaFileName is the atomically-rewritten pointer recovery consults first.
const metaFileName = "checkpoint.meta"

// Meta is the small durable pointer recovery starts from: the LSN of the
// most recent checkpoint record, and the txn id high-water mark at that
// time (so a fresh Manager resumes id allocation past every id ever used).
type Meta struct {
	CheckpointLSN page.LSN
	NextTxnID     uint64
}

func metaPath(dir string) string { return filepath.Join(dir, metaFileName) }

// ReadMeta reads checkpoint.meta, or returns the zero Meta if it does not
// exist yet (a database that has never checkpointed).
func ReadMeta(dir string) (Meta, error) {
	buf, err := os.ReadFile(metaPath(dir))
	if os.IsNotExist(err) {
		return Meta{}, nil
	}
	if err != nil {
		return Meta{}, fmt.Errorf("checkpoint: read meta: %w", err)
	}
	if len(buf) < 16 {
		return Meta{}, fmt.Errorf("checkpoint: meta file truncated")
	}
	return Meta{
		CheckpointLSN: page.LSN(binary.LittleEndian.Uint64(buf[0:8])),
		NextTxnID:     binary.LittleEndian.Uint64(buf[8:16]),
	}, nil
}

// writeMeta atomically replaces checkpoint.meta via a scratch-file-then-
// rename, so a crash mid-write never leaves a torn meta file behind.
func writeMeta(dir string, m Meta) error {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(m.CheckpointLSN))
	binary.LittleEndian.PutUint64(buf[8:16], m.NextTxnID)

	scratch := metaPath(dir) + ".tmp"
	if err := os.WriteFile(scratch, buf, 0644); err != nil {
		return fmt.Errorf("checkpoint: write scratch meta: %w", err)
	}
	if err := os.Rename(scratch, metaPath(dir)); err != nil {
		return fmt.Errorf("checkpoint: rename scratch meta: %w", err)
	}
	return nil
}

// TxnTable is the subset of txn.Manager a checkpoint needs.
type TxnTable interface {
	SnapshotATT() map[uint64]page.LSN
	NextTxnID() uint64
	OldestActiveBeginLSN() page.LSN
}

// PageTable is the subset of buffer.Pool a checkpoint needs.
type PageTable interface {
	DirtyPageTable() map[page.ID]page.LSN
}

// Checkpointer drives fuzzy checkpoints on demand or on a schedule.
type Checkpointer struct {
	dir   string
	wal   *wal.Manager
	clog  *clog.Log
	txns  TxnTable
	pages PageTable

	// Prune, when true, removes WAL segments older than the new
	// checkpoint's minimum rec_lsn after the checkpoint is durable
	// (spec.md §4.11's optional space-reclamation step).
	Prune bool
}

// New constructs a Checkpointer. dir is the directory containing
// checkpoint.meta (conventionally the database's data directory).
func New(dir string, w *wal.Manager, c *clog.Log, txns TxnTable, pages PageTable) *Checkpointer {
	return &Checkpointer{dir: dir, wal: w, clog: c, txns: txns, pages: pages}
}

// Run performs one fuzzy checkpoint:
//  1. snapshot the ATT and DPT (order doesn't matter — fuzzy by design),
//  2. append a Checkpoint WAL record carrying both snapshots,
//  3. flush the WAL up to and including that record,
//  4. flush the CLOG,
//  5. atomically rewrite checkpoint.meta to point at the new record,
//  6. optionally prune WAL segments now known to be unneeded.
func (c *Checkpointer) Run() error {
	att := c.txns.SnapshotATT()
	dpt := c.pages.DirtyPageTable()
	nextTxnID := c.txns.NextTxnID()

	lsn, err := c.wal.AppendCheckpoint(wal.CheckpointPayload{ATT: att, DPT: dpt})
	if err != nil {
		return fmt.Errorf("checkpoint: append record: %w", err)
	}
	if err := c.wal.FlushTo(lsn); err != nil {
		return fmt.Errorf("checkpoint: flush wal: %w", err)
	}
	if err := c.clog.Flush(); err != nil {
		return fmt.Errorf("checkpoint: flush clog: %w", err)
	}
	if err := writeMeta(c.dir, Meta{CheckpointLSN: lsn, NextTxnID: nextTxnID}); err != nil {
		return err
	}

	if c.Prune {
		minRecLSN := lsn
		for _, recLSN := range dpt {
			if recLSN != 0 && recLSN < minRecLSN {
				minRecLSN = recLSN
			}
		}
		for _, lastLSN := range att {
			if lastLSN != 0 && lastLSN < minRecLSN {
				minRecLSN = lastLSN
			}
		}
		// A still-active transaction's undo chain must be walkable all the
		// way back to its Begin record, not just to its last_lsn at
		// checkpoint time, so its earliest record is an equally hard floor.
		if oldest := c.txns.OldestActiveBeginLSN(); oldest != 0 && oldest < minRecLSN {
			minRecLSN = oldest
		}
		if err := c.wal.PruneBefore(minRecLSN); err != nil {
			return fmt.Errorf("checkpoint: prune: %w", err)
		}
	}
	return nil
}
