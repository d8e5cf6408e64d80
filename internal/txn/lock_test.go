package txn_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relforge/relforge/internal/storage/heap"
	"github.com/relforge/relforge/internal/txn"
)

func TestSharedLocksAreCompatible(t *testing.T) {
	lm := txn.NewLockManager()
	rid := heap.RID{PageID: 1, Slot: 0}
	require.NoError(t, lm.Acquire(1, rid, txn.Shared))
	require.NoError(t, lm.Acquire(2, rid, txn.Shared))
}

func TestSameTxnReacquiringSameModeIsNoOp(t *testing.T) {
	lm := txn.NewLockManager()
	rid := heap.RID{PageID: 1, Slot: 0}
	require.NoError(t, lm.Acquire(1, rid, txn.Shared))
	require.NoError(t, lm.Acquire(1, rid, txn.Shared))
}

func TestSoleSharedHolderCanUpgradeToExclusive(t *testing.T) {
	lm := txn.NewLockManager()
	rid := heap.RID{PageID: 1, Slot: 0}
	require.NoError(t, lm.Acquire(1, rid, txn.Shared))
	require.NoError(t, lm.Acquire(1, rid, txn.Exclusive))
}

func TestExclusiveBlocksOtherTxnUntilReleased(t *testing.T) {
	lm := txn.NewLockManager()
	rid := heap.RID{PageID: 1, Slot: 0}
	require.NoError(t, lm.Acquire(1, rid, txn.Exclusive))

	done := make(chan error, 1)
	go func() {
		done <- lm.Acquire(2, rid, txn.Shared)
	}()

	select {
	case err := <-done:
		t.Fatalf("second acquire should have blocked, got %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	lm.ReleaseAll(1)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("second acquire never unblocked after release")
	}
}

func TestReleaseAllPromotesQueuedWaitersFIFO(t *testing.T) {
	lm := txn.NewLockManager()
	rid := heap.RID{PageID: 1, Slot: 0}
	require.NoError(t, lm.Acquire(1, rid, txn.Exclusive))

	firstDone := make(chan error, 1)
	secondDone := make(chan error, 1)
	go func() { firstDone <- lm.Acquire(2, rid, txn.Exclusive) }()
	time.Sleep(20 * time.Millisecond)
	go func() { secondDone <- lm.Acquire(3, rid, txn.Exclusive) }()
	time.Sleep(20 * time.Millisecond)

	lm.ReleaseAll(1)

	select {
	case err := <-firstDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("first waiter never granted")
	}

	select {
	case <-secondDone:
		t.Fatal("second waiter must not be granted until the first releases")
	case <-time.After(100 * time.Millisecond):
	}

	lm.ReleaseAll(2)
	select {
	case err := <-secondDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("second waiter never granted after first released")
	}
}
