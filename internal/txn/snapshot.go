// Package txn implements the transaction manager: id allocation, the
// active transaction table, MVCC snapshots and visibility, per-transaction
// undo logs, and the row-lock manager. See spec.md §4.6-§4.8.
package txn

// Snapshot is taken at BEGIN (or, for an autocommit statement, fresh at
// read time) and fixes exactly which other transactions' writes this
// transaction can see, per spec.md §4.6.
type Snapshot struct {
	Self       uint64          // owner_txn_id
	Xmin       uint64          // smallest still-active id at snapshot time
	Xmax       uint64          // next-id-at-snapshot-time
	ActiveTxns map[uint64]bool // in-progress ids at snapshot time, excluding Self
}

// IsActive reports whether txid was in-progress when the snapshot was taken.
func (s Snapshot) IsActive(txid uint64) bool { return s.ActiveTxns[txid] }
