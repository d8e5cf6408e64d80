package btree_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relforge/relforge/internal/storage/btree"
	"github.com/relforge/relforge/internal/storage/buffer"
	"github.com/relforge/relforge/internal/storage/heap"
	"github.com/relforge/relforge/internal/storage/page"
	"github.com/relforge/relforge/internal/storage/tuple"
	"github.com/relforge/relforge/internal/storage/wal"
)

func newPool(t *testing.T) *buffer.Pool {
	t.Helper()
	dir := t.TempDir()
	disk, err := page.Open(filepath.Join(dir, "data.db"), page.DefaultSize)
	require.NoError(t, err)
	w, err := wal.Open(filepath.Join(dir, "wal"), 1000)
	require.NoError(t, err)
	return buffer.New(disk, w, buffer.Config{})
}

func key(i int64) btree.IndexKey {
	return btree.IndexKey{Values: []tuple.Value{tuple.IntValue(i)}}
}

func TestInsertThenSearchFindsExactKey(t *testing.T) {
	pool := newPool(t)
	tree, err := btree.Create(pool)
	require.NoError(t, err)

	rid := heap.RID{PageID: 1, Slot: 3}
	require.NoError(t, tree.Insert(key(42), rid))

	got, err := tree.Search(key(42))
	require.NoError(t, err)
	require.Equal(t, []heap.RID{rid}, got)
}

func TestSearchMissingKeyReturnsEmpty(t *testing.T) {
	pool := newPool(t)
	tree, err := btree.Create(pool)
	require.NoError(t, err)

	got, err := tree.Search(key(1))
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestInsertManyKeysTriggersSplitsAndAllAreFindable(t *testing.T) {
	pool := newPool(t)
	tree, err := btree.Create(pool)
	require.NoError(t, err)

	const n = 500
	for i := int64(0); i < n; i++ {
		require.NoError(t, tree.Insert(key(i), heap.RID{PageID: page.ID(i), Slot: 0}))
	}
	for i := int64(0); i < n; i++ {
		got, err := tree.Search(key(i))
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.Equal(t, page.ID(i), got[0].PageID)
	}
}

func TestRangeScanVisitsKeysInOrder(t *testing.T) {
	pool := newPool(t)
	tree, err := btree.Create(pool)
	require.NoError(t, err)

	for _, i := range []int64{5, 1, 3, 2, 4} {
		require.NoError(t, tree.Insert(key(i), heap.RID{PageID: page.ID(i), Slot: 0}))
	}

	var seen []int64
	err = tree.RangeScan(key(2).Encode(), key(4).Encode(), func(k btree.IndexKey, rid heap.RID) (bool, error) {
		seen = append(seen, k.Values[0].I)
		return true, nil
	})
	require.NoError(t, err)
	require.Equal(t, []int64{2, 3, 4}, seen)
}

func TestDuplicateKeysWithDifferentRIDsBothFindable(t *testing.T) {
	pool := newPool(t)
	tree, err := btree.Create(pool)
	require.NoError(t, err)

	rid1 := heap.RID{PageID: 1, Slot: 0}
	rid2 := heap.RID{PageID: 2, Slot: 0}
	require.NoError(t, tree.Insert(key(7), rid1))
	require.NoError(t, tree.Insert(key(7), rid2))

	got, err := tree.Search(key(7))
	require.NoError(t, err)
	require.ElementsMatch(t, []heap.RID{rid1, rid2}, got)
}

func TestDeleteRemovesOneEntryLeavingOthers(t *testing.T) {
	pool := newPool(t)
	tree, err := btree.Create(pool)
	require.NoError(t, err)

	rid1 := heap.RID{PageID: 1, Slot: 0}
	rid2 := heap.RID{PageID: 2, Slot: 0}
	require.NoError(t, tree.Insert(key(7), rid1))
	require.NoError(t, tree.Insert(key(7), rid2))

	require.NoError(t, tree.Delete(key(7), rid1))

	got, err := tree.Search(key(7))
	require.NoError(t, err)
	require.Equal(t, []heap.RID{rid2}, got)
}

func TestDeleteMissingEntryErrors(t *testing.T) {
	pool := newPool(t)
	tree, err := btree.Create(pool)
	require.NoError(t, err)
	require.Error(t, tree.Delete(key(1), heap.RID{PageID: 1, Slot: 0}))
}

func TestOpenReattachesToExistingRoot(t *testing.T) {
	pool := newPool(t)
	tree, err := btree.Create(pool)
	require.NoError(t, err)
	require.NoError(t, tree.Insert(key(1), heap.RID{PageID: 1, Slot: 0}))

	reopened := btree.Open(pool, tree.Root())
	got, err := reopened.Search(key(1))
	require.NoError(t, err)
	require.Len(t, got, 1)
}
