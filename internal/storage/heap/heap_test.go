package heap_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relforge/relforge/internal/storage/heap"
	"github.com/relforge/relforge/internal/storage/page"
)

func newPage(id page.ID) *heap.Page {
	buf := make([]byte, page.DefaultSize)
	return heap.Init(buf, id)
}

func tupleBytes(xmin, xmax uint64, body string) []byte {
	buf := make([]byte, 16+len(body))
	bin := buf[16:]
	copy(bin, body)
	putU64(buf[0:8], xmin)
	putU64(buf[8:16], xmax)
	return buf
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func TestInsertThenGetTuple(t *testing.T) {
	p := newPage(1)
	slot, err := p.Insert(tupleBytes(5, 0, "hello"))
	require.NoError(t, err)
	require.Equal(t, uint16(0), slot)

	got, ok := p.GetTuple(slot)
	require.True(t, ok)
	require.Equal(t, uint64(5), heap.Xmin(got))
	require.Equal(t, "hello", string(got[16:]))
}

func TestSlotsGrowMonotonically(t *testing.T) {
	p := newPage(1)
	s0, err := p.Insert(tupleBytes(1, 0, "a"))
	require.NoError(t, err)
	s1, err := p.Insert(tupleBytes(1, 0, "b"))
	require.NoError(t, err)
	require.Equal(t, uint16(0), s0)
	require.Equal(t, uint16(1), s1)
	require.Equal(t, 2, p.SlotCount())
}

func TestDeleteTombstonesThenGetTupleFails(t *testing.T) {
	p := newPage(1)
	slot, err := p.Insert(tupleBytes(1, 0, "x"))
	require.NoError(t, err)
	require.NoError(t, p.Delete(slot))

	_, ok := p.GetTuple(slot)
	require.False(t, ok)
	require.ErrorIs(t, p.Delete(slot), heap.ErrSlotDeleted)
}

func TestRestoreRepopulatesDeletedSlot(t *testing.T) {
	p := newPage(1)
	slot, err := p.Insert(tupleBytes(1, 0, "y"))
	require.NoError(t, err)
	require.NoError(t, p.Delete(slot))

	require.NoError(t, p.Restore(slot, tupleBytes(1, 0, "y")))
	got, ok := p.GetTuple(slot)
	require.True(t, ok)
	require.Equal(t, "y", string(got[16:]))
}

func TestRestoreOnLiveSlotFails(t *testing.T) {
	p := newPage(1)
	slot, err := p.Insert(tupleBytes(1, 0, "z"))
	require.NoError(t, err)
	require.ErrorIs(t, p.Restore(slot, tupleBytes(1, 0, "z")), heap.ErrSlotNotDeleted)
}

func TestSetTupleXmaxUpdatesInPlace(t *testing.T) {
	p := newPage(1)
	slot, err := p.Insert(tupleBytes(1, 0, "w"))
	require.NoError(t, err)
	require.NoError(t, p.SetTupleXmax(slot, 9))

	got, ok := p.GetTuple(slot)
	require.True(t, ok)
	require.Equal(t, uint64(9), heap.Xmax(got))
}

func TestLiveSlotsSkipsTombstones(t *testing.T) {
	p := newPage(1)
	s0, err := p.Insert(tupleBytes(1, 0, "a"))
	require.NoError(t, err)
	s1, err := p.Insert(tupleBytes(1, 0, "b"))
	require.NoError(t, err)
	_, err = p.Insert(tupleBytes(1, 0, "c"))
	require.NoError(t, err)
	require.NoError(t, p.Delete(s1))

	require.Equal(t, []uint16{s0, 2}, p.LiveSlots())
}

func TestInsertReturnsErrNoSpaceWhenPageFull(t *testing.T) {
	p := newPage(1)
	big := make([]byte, page.DefaultSize)
	_, err := p.Insert(big)
	require.ErrorIs(t, err, heap.ErrNoSpace)
}

func TestRestoreAtMaterializesGapSlotsAsTombstones(t *testing.T) {
	p := newPage(1)
	require.NoError(t, p.RestoreAt(2, tupleBytes(1, 0, "gap")))
	require.Equal(t, 3, p.SlotCount())

	_, ok := p.GetTuple(0)
	require.False(t, ok)
	got, ok := p.GetTuple(2)
	require.True(t, ok)
	require.Equal(t, "gap", string(got[16:]))
}

func TestPageLSNRoundTrips(t *testing.T) {
	p := newPage(1)
	p.SetPageLSN(77)
	require.Equal(t, page.LSN(77), p.PageLSN())
}

func TestNextPageIDRoundTrips(t *testing.T) {
	p := newPage(1)
	require.Equal(t, page.NoNext, p.NextPageID())
	p.SetNextPageID(5)
	require.Equal(t, page.ID(5), p.NextPageID())
}
